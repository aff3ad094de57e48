// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"errors"
	"fmt"
	"time"
)

// Status is a unit's duty status. The set is closed: telemetry
// carrying an unknown status is rejected as malformed.
type Status string

const (
	StatusActive  Status = "Active"
	StatusMeeting Status = "Meeting"
	StatusBreak   Status = "Break"
	StatusOffline Status = "Offline"
	StatusOnDuty  Status = "OnDuty"
)

// ParseStatus validates a raw status string from the wire.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusActive, StatusMeeting, StatusBreak, StatusOffline, StatusOnDuty:
		return Status(raw), nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Role is the authorization role carried in a unit's roster entry and
// embedded in session tokens minted for that identity.
type Role string

const (
	// RoleAdmin bypasses all allow-list checks.
	RoleAdmin Role = "Admin"

	// RoleSupervisor observes the live map and manages the roster
	// where explicitly allow-listed.
	RoleSupervisor Role = "Supervisor"

	// RoleFieldworker reports telemetry and holds no roster rights.
	RoleFieldworker Role = "Fieldworker"
)

// RoleAllowed reports whether role may perform an operation restricted
// to the allowed set. Admin always passes; any other role must appear
// in the explicit allow-list.
func RoleAllowed(role Role, allowed ...Role) bool {
	if role == RoleAdmin {
		return true
	}
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

// UnitState is the last-known state of one field unit. One row per
// unit id; mutated only by validated telemetry writes or roster
// provisioning, deleted only by explicit deprovisioning.
type UnitState struct {
	// ID is the stable unit key.
	ID string `json:"id" cbor:"id"`

	Name string `json:"name" cbor:"name"`
	Role Role   `json:"role" cbor:"role"`

	Status Status `json:"status" cbor:"status"`

	// Lat and Lng are both set or both nil: a unit either has a
	// known position or it does not. Use Position and SetPosition
	// instead of touching the pointers directly.
	Lat *float64 `json:"lat" cbor:"lat"`
	Lng *float64 `json:"lng" cbor:"lng"`

	// Battery is a percentage, 0–100.
	Battery int `json:"battery" cbor:"battery"`

	// AvatarRef is an opaque reference to the unit's avatar image,
	// resolved by the UI layer against external object storage.
	AvatarRef string `json:"avatar" cbor:"avatar"`

	LastUpdate time.Time `json:"lastUpdate" cbor:"last_update"`
}

// Position returns the unit's coordinates. ok is false when the unit
// has never reported a position.
func (u *UnitState) Position() (lat, lng float64, ok bool) {
	if u.Lat == nil || u.Lng == nil {
		return 0, 0, false
	}
	return *u.Lat, *u.Lng, true
}

// SetPosition sets both coordinates, preserving the both-or-neither
// invariant.
func (u *UnitState) SetPosition(lat, lng float64) {
	u.Lat = &lat
	u.Lng = &lng
}

// HistoryPoint is one appended position fix, ordered by RecordedAt.
type HistoryPoint struct {
	UnitID     string    `json:"id" cbor:"id"`
	Lat        float64   `json:"lat" cbor:"lat"`
	Lng        float64   `json:"lng" cbor:"lng"`
	RecordedAt time.Time `json:"timestamp" cbor:"recorded_at"`
}

// ErrMalformedTelemetry is wrapped by every TelemetryEvent validation
// failure. The gateway drops the offending message and keeps the
// connection open.
var ErrMalformedTelemetry = errors.New("track: malformed telemetry")

// TelemetryEvent is one inbound report from a unit. It is ephemeral:
// the gateway derives a state upsert and a history row from it, then
// relays the raw payload and discards the event.
type TelemetryEvent struct {
	UnitID     string    `json:"id" cbor:"id"`
	Lat        float64   `json:"lat" cbor:"lat"`
	Lng        float64   `json:"lng" cbor:"lng"`
	Battery    int       `json:"battery" cbor:"battery"`
	Status     Status    `json:"status" cbor:"status"`
	ObservedAt time.Time `json:"observedAt,omitzero" cbor:"observed_at,omitempty"`
}

// Validate checks the event's shape. All failures wrap
// ErrMalformedTelemetry so callers can classify with errors.Is.
func (e *TelemetryEvent) Validate() error {
	if e.UnitID == "" {
		return fmt.Errorf("%w: empty unit id", ErrMalformedTelemetry)
	}
	if e.Lat < -90 || e.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrMalformedTelemetry, e.Lat)
	}
	if e.Lng < -180 || e.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrMalformedTelemetry, e.Lng)
	}
	if e.Battery < 0 || e.Battery > 100 {
		return fmt.Errorf("%w: battery %d out of range", ErrMalformedTelemetry, e.Battery)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedTelemetry, e.Status)
	}
	return nil
}

// ApplyTo merges the event into a unit state, stamping LastUpdate
// with observedAt (or now when the event carries no timestamp).
func (e *TelemetryEvent) ApplyTo(state *UnitState, now time.Time) {
	state.ID = e.UnitID
	state.SetPosition(e.Lat, e.Lng)
	state.Battery = e.Battery
	state.Status = e.Status
	if !e.ObservedAt.IsZero() {
		state.LastUpdate = e.ObservedAt
	} else {
		state.LastUpdate = now
	}
}
