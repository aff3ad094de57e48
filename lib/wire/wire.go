// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/fieldgrid/fieldgrid/lib/codec"
)

// Role tags a connection at handshake time and decides whether it
// receives broadcasts. Only dashboard connections do; unit
// connections are write-only from the gateway's point of view (apart
// from liveness probes).
type Role string

const (
	RoleUnit      Role = "unit"
	RoleDashboard Role = "dashboard"
)

// ParseRole maps the handshake's role string to a Role. The empty
// string defaults to unit.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case "":
		return RoleUnit, nil
	case RoleUnit, RoleDashboard:
		return Role(raw), nil
	}
	return "", fmt.Errorf("wire: unknown role %q", raw)
}

// Envelope message types. Receivers ignore unknown types rather than
// erroring, so protocol additions never break old clients.
const (
	// TypeTelemetry carries a track.TelemetryEvent payload. Sent
	// unit→gateway on the uplink; re-emitted gateway→dashboard
	// with the payload bytes untouched.
	TypeTelemetry = "TELEMETRY"

	// TypePing and TypePong are the liveness probe pair. The
	// gateway sends PING on its sweep interval; any peer that fails
	// to PONG before the next sweep is terminated.
	TypePing = "PING"
	TypePong = "PONG"
)

// Envelope is the wire frame exchanged after the handshake. CBOR is
// self-delimiting, so envelopes travel on the stream with no extra
// framing.
type Envelope struct {
	Type    string           `cbor:"type"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Hello is the client's handshake message, the first value on a new
// connection. The credential is the shared gateway secret, the
// connection-level authentication gate, distinct from per-user
// session tokens.
type Hello struct {
	Credential string `cbor:"credential"`
	Role       string `cbor:"role,omitempty"`
}

// Welcome is the gateway's handshake reply. When OK is false the
// gateway closes the connection immediately after sending it.
type Welcome struct {
	OK           bool   `cbor:"ok"`
	Error        string `cbor:"error,omitempty"`
	ConnectionID string `cbor:"connection_id,omitempty"`
}

// NewTelemetryEnvelope encodes payload into a TELEMETRY envelope.
func NewTelemetryEnvelope(payload any) (Envelope, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encoding telemetry payload: %w", err)
	}
	return Envelope{Type: TypeTelemetry, Payload: encoded}, nil
}
