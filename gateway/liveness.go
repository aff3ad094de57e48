// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// livenessLoop probes every session on a fixed cadence and terminates
// the ones that stop answering. A sweep first closes every session
// whose previous probe went unanswered, then marks the survivors
// unanswered and probes them; any PONG clears the mark. A half-open
// connection holds its broadcast slot for at most two intervals.
//
// The sweep runs off the injected clock, so tests drive it with a
// fake clock instead of waiting wall time.
func (s *Server) livenessLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepSessions()
		}
	}
}

// sweepSessions performs one probe pass.
func (s *Server) sweepSessions() {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if sess.missedProbes.Load() >= 1 {
			s.logger.Warn("terminating unresponsive session",
				"connection", sess.id,
				"role", sess.role,
			)
			// Closing the connection unblocks the session's read
			// loop, which unregisters it.
			sess.close()
			continue
		}
		sess.missedProbes.Add(1)
		sess.send(wire.Envelope{Type: wire.TypePing})
	}
}
