// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"errors"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"Active", "Meeting", "Break", "Offline", "OnDuty"} {
		if _, err := ParseStatus(valid); err != nil {
			t.Errorf("ParseStatus(%q): %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "active", "Lunch", "ACTIVE"} {
		if _, err := ParseStatus(invalid); err == nil {
			t.Errorf("ParseStatus(%q) accepted an unknown status", invalid)
		}
	}
}

func TestRoleAllowed(t *testing.T) {
	tests := []struct {
		role    Role
		allowed []Role
		want    bool
	}{
		{RoleAdmin, nil, true},
		{RoleAdmin, []Role{RoleSupervisor}, true},
		{RoleSupervisor, []Role{RoleSupervisor}, true},
		{RoleSupervisor, []Role{RoleFieldworker}, false},
		{RoleFieldworker, nil, false},
	}
	for _, test := range tests {
		if got := RoleAllowed(test.role, test.allowed...); got != test.want {
			t.Errorf("RoleAllowed(%q, %v) = %v, want %v", test.role, test.allowed, got, test.want)
		}
	}
}

func TestTelemetryEventValidate(t *testing.T) {
	valid := TelemetryEvent{
		UnitID:  "unit-7",
		Lat:     52.52,
		Lng:     13.405,
		Battery: 80,
		Status:  StatusActive,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*TelemetryEvent)
	}{
		{"empty id", func(e *TelemetryEvent) { e.UnitID = "" }},
		{"latitude too large", func(e *TelemetryEvent) { e.Lat = 91 }},
		{"longitude too small", func(e *TelemetryEvent) { e.Lng = -181 }},
		{"battery negative", func(e *TelemetryEvent) { e.Battery = -1 }},
		{"battery over 100", func(e *TelemetryEvent) { e.Battery = 101 }},
		{"unknown status", func(e *TelemetryEvent) { e.Status = "Dancing" }},
	}
	for _, test := range mutations {
		event := valid
		test.mutate(&event)
		err := event.Validate()
		if err == nil {
			t.Errorf("%s: accepted", test.name)
			continue
		}
		if !errors.Is(err, ErrMalformedTelemetry) {
			t.Errorf("%s: error %v does not wrap ErrMalformedTelemetry", test.name, err)
		}
	}
}

func TestPositionInvariant(t *testing.T) {
	var state UnitState
	if _, _, ok := state.Position(); ok {
		t.Error("fresh state reports a position")
	}
	state.SetPosition(10, 20)
	lat, lng, ok := state.Position()
	if !ok || lat != 10 || lng != 20 {
		t.Errorf("Position = (%v, %v, %v), want (10, 20, true)", lat, lng, ok)
	}
}

func TestApplyToStampsLastUpdate(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	observed := now.Add(-30 * time.Second)

	var state UnitState
	event := TelemetryEvent{UnitID: "u", Lat: 1, Lng: 2, Battery: 50, Status: StatusOnDuty, ObservedAt: observed}
	event.ApplyTo(&state, now)
	if !state.LastUpdate.Equal(observed) {
		t.Errorf("LastUpdate = %v, want observedAt %v", state.LastUpdate, observed)
	}

	event.ObservedAt = time.Time{}
	event.ApplyTo(&state, now)
	if !state.LastUpdate.Equal(now) {
		t.Errorf("LastUpdate = %v, want now %v when event has no timestamp", state.LastUpdate, now)
	}
}
