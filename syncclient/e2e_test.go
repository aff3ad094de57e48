// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fieldgrid/fieldgrid/gateway"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/testutil"
	"github.com/fieldgrid/fieldgrid/lib/trackstore"
	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// e2eStore is the minimal in-memory Store the end-to-end test needs.
type e2eStore struct {
	mu      sync.Mutex
	states  map[string]track.UnitState
	history map[string][]track.HistoryPoint
}

func newE2EStore() *e2eStore {
	return &e2eStore{
		states:  make(map[string]track.UnitState),
		history: make(map[string][]track.HistoryPoint),
	}
}

func (s *e2eStore) UpsertState(ctx context.Context, state track.UnitState) error {
	s.mu.Lock()
	s.states[state.ID] = state
	s.mu.Unlock()
	return nil
}

func (s *e2eStore) AppendHistory(ctx context.Context, unitID string, lat, lng float64, recordedAt time.Time) error {
	s.mu.Lock()
	s.history[unitID] = append(s.history[unitID], track.HistoryPoint{
		UnitID: unitID, Lat: lat, Lng: lng, RecordedAt: recordedAt,
	})
	s.mu.Unlock()
	return nil
}

func (s *e2eStore) ReadAllStates(ctx context.Context) ([]track.UnitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]track.UnitState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	return states, nil
}

func (s *e2eStore) ReadHistory(ctx context.Context, unitID string, limit int) ([]track.HistoryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]track.HistoryPoint(nil), s.history[unitID]...), nil
}

func (s *e2eStore) DeleteState(ctx context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[unitID]; !ok {
		return trackstore.ErrUnknownUnit
	}
	delete(s.states, unitID)
	return nil
}

func (s *e2eStore) Close() error { return nil }

// TestEndToEndTelemetryFlow runs a real gateway with a reporting unit
// client and an observing console client, all over loopback TCP.
func TestEndToEndTelemetryFlow(t *testing.T) {
	const credential = "e2e-credential"

	store := newE2EStore()
	server, err := gateway.New(gateway.Options{
		Credential: credential,
		Store:      store,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serveCtx, stopServe := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(serveCtx, listener) }()
	t.Cleanup(func() {
		stopServe()
		<-serveDone
	})
	address := listener.Addr().String()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Console: dashboard-role keepalive uplink plus the broadcast
	// subscription.
	observer := newRecordingObserver()
	console, err := New(Options{
		Uplink:    NewGatewayChannel(address, credential, wire.RoleDashboard, logger),
		Broadcast: NewBroadcastChannel(address, credential, logger),
		Observer:  observer,
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := console.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer console.Disconnect()
	waitForStatus(t, console, StatusLive)
	waitForBothOpen(t, console)

	// Unit: uplink only.
	unit, err := New(Options{
		Uplink: NewUplinkChannel(address, credential, logger),
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := unit.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer unit.Disconnect()
	waitForStatus(t, unit, StatusLive)

	event := track.TelemetryEvent{
		UnitID:  "unit-e2e",
		Lat:     48.85,
		Lng:     2.35,
		Battery: 77,
		Status:  track.StatusOnDuty,
	}
	if err := unit.SendTelemetry(context.Background(), event); err != nil {
		t.Fatalf("SendTelemetry: %v", err)
	}

	// The console sees the report through the broadcast leg.
	update := testutil.RequireReceive(t, observer.units, 5*time.Second, "console unit update")
	if update.UnitID != "unit-e2e" || update.Battery != 77 {
		t.Fatalf("update = %+v", update)
	}

	// And the gateway persisted both the state and the trail point.
	deadline := time.Now().Add(5 * time.Second)
	for {
		states, _ := store.ReadAllStates(context.Background())
		points, _ := store.ReadHistory(context.Background(), "unit-e2e", 100)
		if len(states) == 1 && len(points) == 1 {
			if lat, lng, ok := states[0].Position(); !ok || lat != 48.85 || lng != 2.35 {
				t.Fatalf("stored state position = %v/%v (%v)", lat, lng, ok)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("telemetry never persisted: %d states, %d points", len(states), len(points))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Disconnect the unit; the console keeps its live status.
	unit.Disconnect()
	if unit.Status() != StatusDisconnected {
		t.Fatalf("unit status = %s", unit.Status())
	}
	if console.Status() != StatusLive {
		t.Fatalf("console status = %s", console.Status())
	}
}
