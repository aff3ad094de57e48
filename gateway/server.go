// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/clock"
	"github.com/fieldgrid/fieldgrid/lib/sessiontoken"
	"github.com/fieldgrid/fieldgrid/lib/trackstore"
	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// DefaultLivenessInterval is the probe sweep cadence when Options
// leaves it zero. A connection silent for two consecutive sweeps is
// terminated, so the worst-case detection latency is twice this.
const DefaultLivenessInterval = 30 * time.Second

// Options configures a Server. Credential and Store are required.
type Options struct {
	// Credential is the shared secret every connecting client and
	// every login request must present.
	Credential string

	// Store persists unit state and history.
	Store trackstore.Store

	// TokenTTL bounds minted session tokens. Zero means
	// sessiontoken.DefaultTTL.
	TokenTTL time.Duration

	// LivenessInterval overrides DefaultLivenessInterval.
	LivenessInterval time.Duration

	// Clock defaults to clock.Real(). Tests inject clock.Fake.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the telemetry gateway: it owns the uplink listener, the
// set of live sessions, the ingest path, and the management HTTP API.
type Server struct {
	credential       string
	store            trackstore.Store
	tokenTTL         time.Duration
	livenessInterval time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey

	mu       sync.RWMutex
	sessions map[string]*session

	wg sync.WaitGroup
}

// New builds a Server. The session-token keypair is derived from the
// shared credential, so tokens minted by one gateway instance verify
// on any other instance configured with the same credential.
func New(options Options) (*Server, error) {
	if options.Credential == "" {
		return nil, errors.New("gateway: credential is required")
	}
	if options.Store == nil {
		return nil, errors.New("gateway: store is required")
	}

	privateKey, publicKey, err := sessiontoken.DeriveKeypair(options.Credential)
	if err != nil {
		return nil, fmt.Errorf("gateway: deriving token keypair: %w", err)
	}

	server := &Server{
		credential:       options.Credential,
		store:            options.Store,
		tokenTTL:         options.TokenTTL,
		livenessInterval: options.LivenessInterval,
		clock:            options.Clock,
		logger:           options.Logger,
		signingKey:       privateKey,
		verifyKey:        publicKey,
		sessions:         make(map[string]*session),
	}
	if server.tokenTTL == 0 {
		server.tokenTTL = sessiontoken.DefaultTTL
	}
	if server.livenessInterval == 0 {
		server.livenessInterval = DefaultLivenessInterval
	}
	if server.clock == nil {
		server.clock = clock.Real()
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server, nil
}

// Serve accepts uplink connections until ctx is cancelled or the
// listener fails. It owns the liveness sweep for the sessions it
// accepts. On return all sessions are closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.livenessLoop(sweepCtx)
	}()

	// Unblock Accept on cancellation.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("uplink listener started", "address", listener.Addr())

	var serveErr error
	for {
		rawConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				serveErr = fmt.Errorf("gateway: accept: %w", err)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, rawConn)
		}()
	}

	// Closing the sessions unblocks every read loop so the handler
	// goroutines can drain.
	cancelSweep()
	s.closeAllSessions()
	s.wg.Wait()
	return serveErr
}

// handleConnection runs one connection from handshake to teardown.
func (s *Server) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := wire.NewConn(rawConn)

	connectionID, err := newConnectionID()
	if err != nil {
		s.logger.Error("generating connection id", "error", err)
		conn.Close()
		return
	}

	role, err := conn.AcceptHandshake(s.credential, connectionID)
	if err != nil {
		// Rejected connections never enter the session set; the
		// peer got a definitive Welcome{ok: false} if it spoke the
		// protocol at all.
		s.logger.Warn("handshake rejected",
			"remote", conn.RemoteAddr(),
			"error", err,
		)
		conn.Close()
		return
	}

	sess := newSession(connectionID, role, conn, s.logger)
	s.addSession(sess)
	s.logger.Info("session opened", "connection", connectionID, "role", role, "remote", conn.RemoteAddr())

	go sess.writeLoop()

	defer func() {
		s.removeSession(sess)
		sess.close()
		s.logger.Info("session closed", "connection", connectionID, "dropped", sess.dropped.Load())
	}()

	s.readLoop(ctx, sess)
}

// readLoop consumes envelopes from the peer until the connection
// fails or the session is closed. Unknown envelope types are ignored
// for forward compatibility.
func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		envelope, err := sess.conn.Receive()
		if err != nil {
			if !errors.Is(err, wire.ErrClosed) && !sess.closed() {
				s.logger.Debug("session read failed", "connection", sess.id, "error", err)
			}
			return
		}

		switch envelope.Type {
		case wire.TypeTelemetry:
			s.handleTelemetry(ctx, sess, envelope)
		case wire.TypePong:
			sess.missedProbes.Store(0)
		case wire.TypePing:
			sess.send(wire.Envelope{Type: wire.TypePong})
		default:
			s.logger.Debug("ignoring unknown envelope type",
				"connection", sess.id,
				"type", envelope.Type,
			)
		}
	}
}

// broadcast fans an envelope out to every open dashboard session.
// Unit sessions never receive telemetry traffic. Sends are
// non-blocking per session, so one stalled dashboard costs only its
// own queue.
func (s *Server) broadcast(envelope wire.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.role != wire.RoleDashboard {
			continue
		}
		sess.send(envelope)
	}
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// SessionCount reports the number of registered sessions, for the
// health endpoint and tests.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// newConnectionID returns a 16-hex-character random identifier.
func newConnectionID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
