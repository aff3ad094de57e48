// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldgrid/fieldgrid/lib/codec"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// GatewayChannel is a Channel over the gateway's persistent uplink
// protocol. The role decides what flows back: unit connections only
// see liveness probes, dashboard connections additionally receive
// the telemetry broadcast, delivered as EventUnitUpdate.
//
// PING probes are answered automatically; the embedding client never
// sees them.
type GatewayChannel struct {
	address    string
	credential string
	role       wire.Role
	logger     *slog.Logger

	mu   sync.Mutex
	conn *wire.Conn

	events chan ChannelEvent
}

// NewUplinkChannel returns the durable-delivery leg for a reporting
// unit.
func NewUplinkChannel(address, credential string, logger *slog.Logger) *GatewayChannel {
	return newGatewayChannel(address, credential, wire.RoleUnit, logger)
}

// NewBroadcastChannel returns the fan-out subscription leg used by
// consoles: a dashboard-role connection whose inbound telemetry is
// surfaced as EventUnitUpdate.
func NewBroadcastChannel(address, credential string, logger *slog.Logger) *GatewayChannel {
	return newGatewayChannel(address, credential, wire.RoleDashboard, logger)
}

// NewGatewayChannel builds a channel with an explicit role, for
// callers the two convenience constructors don't fit (for example a
// console's keepalive uplink, which connects with the dashboard
// role).
func NewGatewayChannel(address, credential string, role wire.Role, logger *slog.Logger) *GatewayChannel {
	return newGatewayChannel(address, credential, role, logger)
}

func newGatewayChannel(address, credential string, role wire.Role, logger *slog.Logger) *GatewayChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayChannel{
		address:    address,
		credential: credential,
		role:       role,
		logger:     logger.With("channel", string(role)),
		events:     make(chan ChannelEvent, 64),
	}
}

// Open dials the gateway and completes the handshake. A credential
// rejection wraps wire.ErrUnauthorized, which the client treats as
// terminal. On success a reader goroutine pumps inbound envelopes
// until the connection dies.
func (g *GatewayChannel) Open(ctx context.Context) error {
	conn, welcome, err := wire.Dial(ctx, g.address, g.credential, g.role)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	g.logger.Debug("channel open", "connection", welcome.ConnectionID)
	go g.readLoop(conn)
	return nil
}

// Send delivers one telemetry report. Fails (without panicking) when
// the channel is not open.
func (g *GatewayChannel) Send(ctx context.Context, event track.TelemetryEvent) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncclient: %s channel not open", g.role)
	}

	envelope, err := wire.NewTelemetryEnvelope(event)
	if err != nil {
		return err
	}
	return conn.Send(envelope)
}

// Events implements Channel.
func (g *GatewayChannel) Events() <-chan ChannelEvent { return g.events }

// Close implements Channel. Idempotent; the reader goroutine reports
// EventClosed when the connection drops.
func (g *GatewayChannel) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop pumps inbound envelopes: answers PING, surfaces telemetry,
// ignores unknown types. Exits with one EventClosed when the
// connection fails.
func (g *GatewayChannel) readLoop(conn *wire.Conn) {
	for {
		envelope, err := conn.Receive()
		if err != nil {
			g.mu.Lock()
			if g.conn == conn {
				g.conn = nil
			}
			g.mu.Unlock()

			if !errors.Is(err, wire.ErrClosed) {
				g.logger.Debug("channel read failed", "error", err)
			}
			g.events <- ChannelEvent{Kind: EventClosed, Err: err}
			return
		}

		switch envelope.Type {
		case wire.TypePing:
			if err := conn.Send(wire.Envelope{Type: wire.TypePong}); err != nil {
				g.logger.Debug("pong failed", "error", err)
			}
		case wire.TypeTelemetry:
			var event track.TelemetryEvent
			if err := codec.Unmarshal(envelope.Payload, &event); err != nil {
				g.logger.Debug("ignoring undecodable broadcast", "error", err)
				continue
			}
			select {
			case g.events <- ChannelEvent{Kind: EventUnitUpdate, Unit: event}:
			default:
				// Consumer is behind; drop rather than stall the
				// read loop. The next report supersedes this one.
			}
		default:
		}
	}
}
