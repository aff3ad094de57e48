// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// outboundBufferSize is the per-session send queue capacity. At one
// telemetry report per unit per few seconds, 64 slots absorbs bursts
// without letting a stalled dashboard pin broadcast memory. When the
// queue is full the envelope is dropped for that session only; the
// next report carries fresher state anyway.
const outboundBufferSize = 64

// session is one authenticated uplink connection. The accept path
// creates it after a successful handshake; it dies when the peer
// disconnects, a write fails, or the liveness sweep gives up on it.
//
// All writes to the peer flow through the outbound queue and a single
// writer goroutine, so a slow connection never blocks the sender.
type session struct {
	id     string
	role   wire.Role
	conn   *wire.Conn
	logger *slog.Logger

	outbound chan wire.Envelope
	done     chan struct{}

	closeOnce sync.Once

	// missedProbes counts liveness sweeps without a PONG. Reset on
	// any PONG; the sweep terminates the session at two.
	missedProbes atomic.Int32

	// dropped counts envelopes discarded because the outbound queue
	// was full.
	dropped atomic.Uint64
}

func newSession(id string, role wire.Role, conn *wire.Conn, logger *slog.Logger) *session {
	return &session{
		id:       id,
		role:     role,
		conn:     conn,
		logger:   logger.With("connection", id, "role", role),
		outbound: make(chan wire.Envelope, outboundBufferSize),
		done:     make(chan struct{}),
	}
}

// writeLoop drains the outbound queue onto the connection. Runs as a
// dedicated goroutine per session; a write failure closes the session.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case envelope := <-s.outbound:
			if err := s.conn.Send(envelope); err != nil {
				if !errors.Is(err, wire.ErrClosed) {
					s.logger.Debug("session write failed", "error", err)
				}
				s.close()
				return
			}
		}
	}
}

// send queues an envelope for the peer. Non-blocking: a full queue
// drops the envelope, and a closed session ignores it entirely, so
// broadcast and liveness callers never need to care about session
// lifecycle races.
func (s *session) send(envelope wire.Envelope) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.outbound <- envelope:
	case <-s.done:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("session send queue full, dropping envelopes")
		}
	}
}

// close tears the session down. Idempotent; unblocks the writer
// goroutine and any blocked Receive on the connection.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
