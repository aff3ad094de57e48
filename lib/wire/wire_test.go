// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/codec"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/testutil"
)

// pipePair returns two Conns joined by an in-memory pipe.
func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	client := NewConn(clientRaw)
	server := NewConn(serverRaw)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestHandshakeAccept(t *testing.T) {
	client, server := pipePair(t)

	type result struct {
		role Role
		err  error
	}
	serverDone := make(chan result, 1)
	go func() {
		role, err := server.AcceptHandshake("secret", "conn-1")
		serverDone <- result{role, err}
	}()

	welcome, err := client.handshakeClient("secret", RoleDashboard)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if !welcome.OK {
		t.Fatalf("welcome not OK: %+v", welcome)
	}
	if welcome.ConnectionID != "conn-1" {
		t.Errorf("connection ID = %q, want conn-1", welcome.ConnectionID)
	}

	got := <-serverDone
	if got.err != nil {
		t.Fatalf("server handshake: %v", got.err)
	}
	if got.role != RoleDashboard {
		t.Errorf("role = %q, want dashboard", got.role)
	}
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	client, server := pipePair(t)

	serverErr := make(chan error, 1)
	go func() {
		_, err := server.AcceptHandshake("secret", "conn-1")
		serverErr <- err
	}()

	welcome, err := client.handshakeClient("wrong", RoleUnit)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("client err = %v, want ErrUnauthorized", err)
	}
	if welcome.OK {
		t.Error("welcome OK after rejection")
	}
	if !errors.Is(<-serverErr, ErrUnauthorized) {
		t.Error("server did not report ErrUnauthorized")
	}
}

func TestHandshakeRejectsUnknownRole(t *testing.T) {
	client, server := pipePair(t)

	serverErr := make(chan error, 1)
	go func() {
		_, err := server.AcceptHandshake("secret", "conn-1")
		serverErr <- err
	}()

	welcome, err := client.handshakeClient("secret", Role("operator"))
	if err == nil {
		t.Fatal("client handshake succeeded with unknown role")
	}
	if welcome.OK {
		t.Error("welcome OK for unknown role")
	}
	if err := <-serverErr; err == nil {
		t.Error("server accepted unknown role")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	event := track.TelemetryEvent{
		UnitID:  "unit-7",
		Lat:     52.37,
		Lng:     4.89,
		Battery: 80,
		Status:  track.StatusActive,
	}
	envelope, err := NewTelemetryEnvelope(event)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- client.Send(envelope) }()

	received, err := server.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send: %v", err)
	}
	if received.Type != TypeTelemetry {
		t.Fatalf("type = %q, want %q", received.Type, TypeTelemetry)
	}
	if !bytes.Equal(received.Payload, envelope.Payload) {
		t.Error("payload bytes changed in transit")
	}

	var decoded track.TelemetryEvent
	if err := codec.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if decoded.UnitID != "unit-7" || decoded.Battery != 80 {
		t.Errorf("decoded event = %+v", decoded)
	}
}

func TestPingPong(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		server.Send(Envelope{Type: TypePing})
	}()

	envelope, err := client.Receive()
	if err != nil {
		t.Fatalf("receive ping: %v", err)
	}
	if envelope.Type != TypePing {
		t.Fatalf("type = %q, want PING", envelope.Type)
	}

	go func() {
		client.Send(Envelope{Type: TypePong})
	}()
	envelope, err = server.Receive()
	if err != nil {
		t.Fatalf("receive pong: %v", err)
	}
	if envelope.Type != TypePong {
		t.Fatalf("type = %q, want PONG", envelope.Type)
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	client, _ := pipePair(t)

	client.Close()
	if err := client.Send(Envelope{Type: TypePing}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v, want ErrClosed", err)
	}
	if _, err := client.Receive(); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after close: %v, want ErrClosed", err)
	}
	// Second close is a no-op.
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestReceiveRejectsOversizedMessage(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	server := NewConn(serverRaw)
	t.Cleanup(func() {
		clientRaw.Close()
		server.Close()
	})

	// A well-formed CBOR byte-string header promising more data than
	// the cap, streamed in chunks until the reader gives up.
	length := maxMessageSize + 1024
	header := []byte{
		0x5a, // byte string, 4-byte length follows
		byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length),
	}
	go func() {
		if _, err := clientRaw.Write(header); err != nil {
			return
		}
		chunk := make([]byte, 32*1024)
		for {
			if _, err := clientRaw.Write(chunk); err != nil {
				return
			}
		}
	}()

	received := make(chan error, 1)
	go func() {
		_, err := server.Receive()
		received <- err
	}()

	err := testutil.RequireReceive(t, received, 5*time.Second, "waiting for oversized receive to fail")
	if err == nil {
		t.Fatal("oversized message accepted")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("error = %v, want message size rejection", err)
	}
}
