// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/fieldgrid/fieldgrid/lib/codec"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// handleTelemetry processes one inbound telemetry envelope: validate,
// persist, broadcast. A malformed payload is dropped with a warning
// and the connection stays open; units often recover on their next
// report and a disconnect would cost the unit its live link for
// nothing.
//
// Persistence is best-effort and never gates the broadcast. The state
// upsert and the history append are independent writes: either can
// fail alone, and dashboards still receive the report in real time
// during a storage outage.
func (s *Server) handleTelemetry(ctx context.Context, sess *session, envelope wire.Envelope) {
	var event track.TelemetryEvent
	if err := codec.Unmarshal(envelope.Payload, &event); err != nil {
		s.logger.Warn("dropping undecodable telemetry",
			"connection", sess.id,
			"error", err,
		)
		return
	}
	if err := event.Validate(); err != nil {
		s.logger.Warn("dropping malformed telemetry",
			"connection", sess.id,
			"unit", event.UnitID,
			"error", err,
		)
		return
	}

	var state track.UnitState
	event.ApplyTo(&state, s.clock.Now())

	if err := s.store.UpsertState(ctx, state); err != nil {
		s.logger.Error("state upsert failed",
			"unit", event.UnitID,
			"error", err,
		)
	}
	if err := s.store.AppendHistory(ctx, event.UnitID, event.Lat, event.Lng, state.LastUpdate); err != nil {
		s.logger.Error("history append failed",
			"unit", event.UnitID,
			"error", err,
		)
	}

	// Relay the original payload bytes untouched. Dashboards see
	// exactly what the unit sent, and the broadcast cost does not
	// include a re-encode.
	s.broadcast(envelope)
}
