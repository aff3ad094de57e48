// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"

	"github.com/fieldgrid/fieldgrid/lib/schema/track"
)

// EventKind classifies a ChannelEvent.
type EventKind int

const (
	// EventClosed means the channel lost its transport. The client
	// reacts per the failover policy; the uplink is reopened after
	// the retry delay.
	EventClosed EventKind = iota

	// EventUnitUpdate is an inbound telemetry report received over
	// the channel (broadcast subscriptions only).
	EventUnitUpdate
)

// ChannelEvent is an asynchronous notification from a channel to the
// client that owns it.
type ChannelEvent struct {
	Kind EventKind

	// Err accompanies EventClosed.
	Err error

	// Unit accompanies EventUnitUpdate.
	Unit track.TelemetryEvent
}

// Channel is one transport leg of the sync client. Production
// implementations connect to the gateway (see GatewayChannel); tests
// inject fakes.
//
// Open blocks until the channel is healthy or the attempt fails. An
// unauthorized rejection is reported by wrapping wire.ErrUnauthorized
// so the client can stop retrying. After a successful Open the
// channel delivers ChannelEvents until it closes; a channel may be
// reopened after EventClosed.
type Channel interface {
	Open(ctx context.Context) error

	// Send delivers one telemetry report best-effort. Safe to call
	// concurrently with Open and Close; sends on a closed channel
	// are no-ops reported as errors.
	Send(ctx context.Context, event track.TelemetryEvent) error

	// Events returns the notification stream. The same channel is
	// returned across reopens.
	Events() <-chan ChannelEvent

	// Close tears the transport down. Idempotent.
	Close() error
}
