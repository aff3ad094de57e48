// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/clock"
	"github.com/fieldgrid/fieldgrid/lib/codec"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/testutil"
	"github.com/fieldgrid/fieldgrid/lib/trackstore"
	"github.com/fieldgrid/fieldgrid/lib/wire"
)

const testCredential = "test-credential"

// memStore is an in-memory trackstore.Store for gateway tests, with
// switchable failure injection to simulate a storage outage.
type memStore struct {
	mu      sync.Mutex
	states  map[string]track.UnitState
	history map[string][]track.HistoryPoint
	fail    bool
}

func newMemStore() *memStore {
	return &memStore{
		states:  make(map[string]track.UnitState),
		history: make(map[string][]track.HistoryPoint),
	}
}

func (m *memStore) setFailing(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) UpsertState(ctx context.Context, state track.UnitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("%w: injected failure", trackstore.ErrStorageUnavailable)
	}
	existing, ok := m.states[state.ID]
	if ok {
		if state.Name == "" {
			state.Name = existing.Name
		}
		if state.Role == "" {
			state.Role = existing.Role
		}
		if state.AvatarRef == "" {
			state.AvatarRef = existing.AvatarRef
		}
	}
	m.states[state.ID] = state
	return nil
}

func (m *memStore) AppendHistory(ctx context.Context, unitID string, lat, lng float64, recordedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("%w: injected failure", trackstore.ErrStorageUnavailable)
	}
	m.history[unitID] = append(m.history[unitID], track.HistoryPoint{
		UnitID:     unitID,
		Lat:        lat,
		Lng:        lng,
		RecordedAt: recordedAt,
	})
	return nil
}

func (m *memStore) ReadAllStates(ctx context.Context) ([]track.UnitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("%w: injected failure", trackstore.ErrStorageUnavailable)
	}
	states := make([]track.UnitState, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	return states, nil
}

func (m *memStore) ReadHistory(ctx context.Context, unitID string, limit int) ([]track.HistoryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("%w: injected failure", trackstore.ErrStorageUnavailable)
	}
	points := m.history[unitID]
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return append([]track.HistoryPoint(nil), points...), nil
}

func (m *memStore) DeleteState(ctx context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("%w: injected failure", trackstore.ErrStorageUnavailable)
	}
	if _, ok := m.states[unitID]; !ok {
		return trackstore.ErrUnknownUnit
	}
	delete(m.states, unitID)
	delete(m.history, unitID)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) historyCount(unitID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[unitID])
}

// startGateway runs a server on a loopback listener and returns its
// address plus the injected fakes.
func startGateway(t *testing.T, store trackstore.Store) (string, *clock.FakeClock, *Server) {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	server, err := New(Options{
		Credential: testCredential,
		Store:      store,
		Clock:      clk,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := <-serveDone; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	return listener.Addr().String(), clk, server
}

// dialGateway connects and completes the handshake.
func dialGateway(t *testing.T, address string, role wire.Role) *wire.Conn {
	t.Helper()
	conn, welcome, err := wire.Dial(context.Background(), address, testCredential, role)
	if err != nil {
		t.Fatalf("dial as %s: %v", role, err)
	}
	if welcome.ConnectionID == "" {
		t.Fatal("welcome carried no connection id")
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// receiveLoop pumps envelopes from a connection into a channel until
// the connection dies.
func receiveLoop(conn *wire.Conn) (<-chan wire.Envelope, <-chan struct{}) {
	envelopes := make(chan wire.Envelope, 128)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			envelope, err := conn.Receive()
			if err != nil {
				return
			}
			envelopes <- envelope
		}
	}()
	return envelopes, closed
}

func testEvent(unitID string, lat, lng float64, battery int) track.TelemetryEvent {
	return track.TelemetryEvent{
		UnitID:  unitID,
		Lat:     lat,
		Lng:     lng,
		Battery: battery,
		Status:  track.StatusActive,
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRejectsBadCredential(t *testing.T) {
	store := newMemStore()
	address, _, server := startGateway(t, store)

	_, _, err := wire.Dial(context.Background(), address, "wrong-credential", wire.RoleUnit)
	if !errors.Is(err, wire.ErrUnauthorized) {
		t.Fatalf("dial with bad credential: %v, want ErrUnauthorized", err)
	}

	// The rejected connection never becomes a session.
	waitFor(t, "session cleanup", func() bool { return server.SessionCount() == 0 })
}

func TestTelemetryIngestAndBroadcast(t *testing.T) {
	store := newMemStore()
	address, _, server := startGateway(t, store)

	dashboard := dialGateway(t, address, wire.RoleDashboard)
	unit := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "both sessions", func() bool { return server.SessionCount() == 2 })

	envelopes, _ := receiveLoop(dashboard)

	event := testEvent("unit-1", 52.1, 4.4, 76)
	envelope, err := wire.NewTelemetryEnvelope(event)
	if err != nil {
		t.Fatal(err)
	}
	if err := unit.Send(envelope); err != nil {
		t.Fatalf("send telemetry: %v", err)
	}

	received := testutil.RequireReceive(t, envelopes, 5*time.Second, "dashboard broadcast")
	if received.Type != wire.TypeTelemetry {
		t.Fatalf("broadcast type = %q", received.Type)
	}
	var decoded track.TelemetryEvent
	if err := codec.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("decoding broadcast: %v", err)
	}
	if decoded.UnitID != "unit-1" || decoded.Battery != 76 {
		t.Errorf("broadcast event = %+v", decoded)
	}

	waitFor(t, "state upsert", func() bool {
		states, _ := store.ReadAllStates(context.Background())
		return len(states) == 1 && states[0].Battery == 76
	})
	waitFor(t, "history append", func() bool { return store.historyCount("unit-1") == 1 })
}

func TestUnitSessionsReceiveNoBroadcasts(t *testing.T) {
	store := newMemStore()
	address, _, server := startGateway(t, store)

	observer := dialGateway(t, address, wire.RoleUnit)
	sender := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "both sessions", func() bool { return server.SessionCount() == 2 })

	envelopes, _ := receiveLoop(observer)

	envelope, err := wire.NewTelemetryEnvelope(testEvent("unit-2", 1, 2, 50))
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(envelope); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "ingest", func() bool { return store.historyCount("unit-2") == 1 })
	testutil.RequireNoReceive(t, envelopes, 100*time.Millisecond, "unit session got a broadcast")
}

func TestMalformedTelemetryDroppedConnectionStaysOpen(t *testing.T) {
	store := newMemStore()
	address, _, server := startGateway(t, store)

	dashboard := dialGateway(t, address, wire.RoleDashboard)
	unit := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "both sessions", func() bool { return server.SessionCount() == 2 })

	envelopes, _ := receiveLoop(dashboard)

	// Battery out of range: dropped without closing the connection.
	bad, err := wire.NewTelemetryEnvelope(testEvent("unit-3", 0, 0, 400))
	if err != nil {
		t.Fatal(err)
	}
	if err := unit.Send(bad); err != nil {
		t.Fatal(err)
	}

	// The same connection still carries valid telemetry afterwards.
	good, err := wire.NewTelemetryEnvelope(testEvent("unit-3", 10, 20, 80))
	if err != nil {
		t.Fatal(err)
	}
	if err := unit.Send(good); err != nil {
		t.Fatal(err)
	}

	received := testutil.RequireReceive(t, envelopes, 5*time.Second, "valid telemetry after malformed")
	var decoded track.TelemetryEvent
	if err := codec.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Battery != 80 {
		t.Errorf("received the malformed event: %+v", decoded)
	}

	if store.historyCount("unit-3") != 1 {
		t.Errorf("history count = %d, want 1 (malformed must not persist)", store.historyCount("unit-3"))
	}
}

func TestStorageOutageStillBroadcasts(t *testing.T) {
	store := newMemStore()
	address, _, server := startGateway(t, store)

	dashboard := dialGateway(t, address, wire.RoleDashboard)
	unit := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "both sessions", func() bool { return server.SessionCount() == 2 })

	envelopes, _ := receiveLoop(dashboard)

	store.setFailing(true)

	envelope, err := wire.NewTelemetryEnvelope(testEvent("unit-4", 5, 6, 42))
	if err != nil {
		t.Fatal(err)
	}
	if err := unit.Send(envelope); err != nil {
		t.Fatal(err)
	}

	received := testutil.RequireReceive(t, envelopes, 5*time.Second, "broadcast during outage")
	var decoded track.TelemetryEvent
	if err := codec.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.UnitID != "unit-4" {
		t.Errorf("broadcast event = %+v", decoded)
	}
	if store.historyCount("unit-4") != 0 {
		t.Error("history write succeeded during injected outage")
	}
}

func TestSlowDashboardDoesNotStallIngest(t *testing.T) {
	store := newMemStore()
	address, _, server := startGateway(t, store)

	// This dashboard never reads; its queue fills and overflow is
	// dropped.
	dialGateway(t, address, wire.RoleDashboard)
	unit := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "both sessions", func() bool { return server.SessionCount() == 2 })

	const reports = 300
	for i := 0; i < reports; i++ {
		envelope, err := wire.NewTelemetryEnvelope(testEvent("unit-5", float64(i%90), 0, 50))
		if err != nil {
			t.Fatal(err)
		}
		if err := unit.Send(envelope); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	waitFor(t, "all reports persisted", func() bool {
		return store.historyCount("unit-5") == reports
	})
}

func TestLivenessTerminatesSilentConnection(t *testing.T) {
	store := newMemStore()
	address, clk, server := startGateway(t, store)

	conn := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "session registered", func() bool { return server.SessionCount() == 1 })

	// A client that reads but never answers PING.
	envelopes, closed := receiveLoop(conn)

	// First sweep probes and marks the session unanswered. Receiving
	// the PING proves that sweep finished before the clock advances
	// again.
	clk.WaitForWaiters(1)
	clk.Advance(DefaultLivenessInterval)
	probe := testutil.RequireReceive(t, envelopes, 5*time.Second, "waiting for liveness probe")
	if probe.Type != wire.TypePing {
		t.Fatalf("first sweep sent %q, want PING", probe.Type)
	}

	// Second sweep finds the probe unanswered and terminates.
	clk.WaitForWaiters(1)
	clk.Advance(DefaultLivenessInterval)
	testutil.RequireClosed(t, closed, 5*time.Second, "waiting for silent session termination")
	waitFor(t, "session removal", func() bool { return server.SessionCount() == 0 })
}

func TestLivenessKeepsRespondingConnection(t *testing.T) {
	store := newMemStore()
	address, clk, server := startGateway(t, store)

	conn := dialGateway(t, address, wire.RoleUnit)
	waitFor(t, "session registered", func() bool { return server.SessionCount() == 1 })

	// Answer every PING with PONG.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			envelope, err := conn.Receive()
			if err != nil {
				return
			}
			if envelope.Type == wire.TypePing {
				if err := conn.Send(wire.Envelope{Type: wire.TypePong}); err != nil {
					return
				}
			}
		}
	}()

	clk.WaitForWaiters(1)
	for i := 0; i < 6; i++ {
		clk.Advance(DefaultLivenessInterval)
		// The PONG must be processed before the next sweep fires or
		// the session would be charged as silent.
		waitFor(t, "probe answered", func() bool {
			server.mu.RLock()
			defer server.mu.RUnlock()
			for _, sess := range server.sessions {
				if sess.missedProbes.Load() != 0 {
					return false
				}
			}
			return len(server.sessions) == 1
		})
		clk.WaitForWaiters(1)
	}

	select {
	case <-closed:
		t.Fatal("responding connection was terminated")
	default:
	}
	if server.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", server.SessionCount())
	}
}
