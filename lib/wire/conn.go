// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/codec"
)

// maxMessageSize caps any single CBOR value read from a peer. A
// telemetry envelope is well under 1 KiB; 256 KiB leaves headroom
// without letting a misbehaving peer exhaust memory.
const maxMessageSize = 256 * 1024

// handshakeTimeout bounds the handshake exchange in both directions.
// A well-behaved client sends Hello immediately after connecting.
const handshakeTimeout = 10 * time.Second

// ErrUnauthorized is returned by Dial when the gateway rejects the
// credential. Never retried automatically.
var ErrUnauthorized = errors.New("wire: unauthorized")

// ErrClosed is returned by Send and Receive after Close. The gateway
// treats it as a no-op signal: a liveness sweep may close a
// connection mid-write, and that must not surface as a failure.
var ErrClosed = errors.New("wire: connection closed")

// Conn is a message-oriented connection: a CBOR value stream over a
// net.Conn. Send is safe for concurrent use; Receive must be called
// from a single reader goroutine.
type Conn struct {
	raw     net.Conn
	limiter *messageLimiter
	decoder *codec.Decoder

	sendMu sync.Mutex
	closed atomic.Bool
}

// messageLimiter is an io.Reader that enforces maxMessageSize per
// decoded value. Receive resets the budget before each decode; a
// single value overrunning it fails the read instead of growing
// without bound.
type messageLimiter struct {
	r         io.Reader
	remaining int
}

func (l *messageLimiter) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("wire: message exceeds %d bytes", maxMessageSize)
	}
	if len(p) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= n
	return n, err
}

// NewConn wraps an established net.Conn. Used directly in tests with
// net.Pipe; production code goes through Dial or the gateway's
// accept path.
func NewConn(raw net.Conn) *Conn {
	limiter := &messageLimiter{r: raw}
	return &Conn{
		raw:     raw,
		limiter: limiter,
		decoder: codec.NewDecoder(limiter),
	}
}

// Send writes one envelope. Returns ErrClosed after Close.
func (c *Conn) Send(envelope Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if err := codec.NewEncoder(c.raw).Encode(envelope); err != nil {
		return fmt.Errorf("wire: sending %s: %w", envelope.Type, err)
	}
	return nil
}

// Receive reads one envelope, blocking until a value arrives or the
// connection fails.
func (c *Conn) Receive() (Envelope, error) {
	if c.closed.Load() {
		return Envelope{}, ErrClosed
	}
	c.limiter.remaining = maxMessageSize
	var envelope Envelope
	if err := c.decoder.Decode(&envelope); err != nil {
		if c.closed.Load() {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, fmt.Errorf("wire: receiving: %w", err)
	}
	return envelope, nil
}

// Close tears down the connection. Idempotent; concurrent Send and
// Receive calls unblock with ErrClosed.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

// RemoteAddr exposes the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Dial connects to a gateway uplink listener and performs the
// handshake. A credential rejection returns ErrUnauthorized; the
// returned connection is ready for envelope traffic otherwise.
func Dial(ctx context.Context, address, credential string, role Role) (*Conn, Welcome, error) {
	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, Welcome{}, fmt.Errorf("wire: dialing %s: %w", address, err)
	}

	conn := NewConn(raw)
	welcome, err := conn.handshakeClient(credential, role)
	if err != nil {
		conn.Close()
		return nil, welcome, err
	}
	return conn, welcome, nil
}

// handshakeClient sends Hello and reads Welcome under the handshake
// deadline.
func (c *Conn) handshakeClient(credential string, role Role) (Welcome, error) {
	deadline := time.Now().Add(handshakeTimeout)
	c.raw.SetDeadline(deadline)
	defer c.raw.SetDeadline(time.Time{})

	if err := codec.NewEncoder(c.raw).Encode(Hello{Credential: credential, Role: string(role)}); err != nil {
		return Welcome{}, fmt.Errorf("wire: sending hello: %w", err)
	}

	c.limiter.remaining = maxMessageSize
	var welcome Welcome
	if err := c.decoder.Decode(&welcome); err != nil {
		return Welcome{}, fmt.Errorf("wire: reading welcome: %w", err)
	}
	if !welcome.OK {
		return welcome, fmt.Errorf("%w: %s", ErrUnauthorized, welcome.Error)
	}
	return welcome, nil
}

// AcceptHandshake runs the server side of the handshake: read Hello,
// check the credential in constant time, reply with Welcome. On
// rejection the Welcome carries ok=false and the caller closes the
// connection; it never enters the broadcast set.
func (c *Conn) AcceptHandshake(credential, connectionID string) (Role, error) {
	deadline := time.Now().Add(handshakeTimeout)
	c.raw.SetDeadline(deadline)
	defer c.raw.SetDeadline(time.Time{})

	c.limiter.remaining = maxMessageSize
	var hello Hello
	if err := c.decoder.Decode(&hello); err != nil {
		return "", fmt.Errorf("wire: reading hello: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(hello.Credential), []byte(credential)) != 1 {
		// Reply before closing so the client sees a definitive
		// rejection rather than a bare reset.
		_ = codec.NewEncoder(c.raw).Encode(Welcome{OK: false, Error: "unauthorized"})
		return "", ErrUnauthorized
	}

	role, err := ParseRole(hello.Role)
	if err != nil {
		_ = codec.NewEncoder(c.raw).Encode(Welcome{OK: false, Error: err.Error()})
		return "", err
	}

	if err := codec.NewEncoder(c.raw).Encode(Welcome{OK: true, ConnectionID: connectionID}); err != nil {
		return "", fmt.Errorf("wire: sending welcome: %w", err)
	}
	return role, nil
}
