// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/sessiontoken"
	"github.com/fieldgrid/fieldgrid/lib/trackstore"
)

// loginRequest is the POST /api/login body. The password is the same
// shared secret the uplink handshake uses; the id names a roster
// entry whose role ends up in the token claims.
type loginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// loginResponse carries the minted session token. The token travels
// as a base64url string in the Authorization header of subsequent
// requests.
type loginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt int64           `json:"expiresAt"`
	User      track.UnitState `json:"user"`
}

// errorResponse is the JSON body for every non-2xx API reply.
type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the management API router.
//
// Routes:
//
//	POST   /api/login              mint a session token
//	GET    /api/units              roster snapshot (any valid token)
//	PUT    /api/units/{id}         provision or update a unit (Supervisor, Admin)
//	DELETE /api/units/{id}         deprovision a unit (Supervisor, Admin)
//	GET    /api/units/{id}/history recent position trail (any valid token)
//	GET    /healthz                liveness probe, unauthenticated
//
// Unknown paths get a structured JSON 404 instead of the default
// plain-text body so API clients always parse one error shape.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/units", s.requireToken(s.handleListUnits)).Methods(http.MethodGet)
	router.HandleFunc("/api/units/{id}", s.requireRole(s.handleUpsertUnit, track.RoleSupervisor)).Methods(http.MethodPut)
	router.HandleFunc("/api/units/{id}", s.requireRole(s.handleDeleteUnit, track.RoleSupervisor)).Methods(http.MethodDelete)
	router.HandleFunc("/api/units/{id}/history", s.requireToken(s.handleHistory)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, struct {
			Error string `json:"error"`
			Path  string `json:"path"`
		}{Error: "not found", Path: r.URL.Path})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return router
}

// handleLogin verifies the shared credential and mints a session
// token for a roster identity. The identity must already be
// provisioned; its roster role becomes the token's role claim.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request loginRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if request.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	if subtle.ConstantTimeCompare([]byte(request.Password), []byte(s.credential)) != 1 {
		s.logger.Warn("login rejected", "id", request.ID, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	unit, err := s.lookupUnit(r, request.ID)
	if err != nil {
		if errors.Is(err, trackstore.ErrUnknownUnit) {
			// Same reply as a bad credential: login probes must not
			// reveal which unit ids exist.
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	now := s.clock.Now()
	tokenID, err := sessiontoken.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token := &sessiontoken.Token{
		Subject:   unit.ID,
		Name:      unit.Name,
		Avatar:    unit.AvatarRef,
		Role:      unit.Role,
		ID:        tokenID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.tokenTTL).Unix(),
	}
	tokenBytes, err := sessiontoken.Mint(s.signingKey, token)
	if err != nil {
		s.logger.Error("minting session token", "id", unit.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("login succeeded", "id", unit.ID, "role", unit.Role)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     base64.RawURLEncoding.EncodeToString(tokenBytes),
		ExpiresAt: token.ExpiresAt * 1000,
		User:      unit,
	})
}

// lookupUnit fetches a single roster entry by id.
func (s *Server) lookupUnit(r *http.Request, id string) (track.UnitState, error) {
	states, err := s.store.ReadAllStates(r.Context())
	if err != nil {
		return track.UnitState{}, err
	}
	for _, state := range states {
		if state.ID == id {
			return state, nil
		}
	}
	return track.UnitState{}, trackstore.ErrUnknownUnit
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ReadAllStates(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// upsertUnitRequest is the PUT /api/units/{id} body. Position and
// battery arrive via telemetry, not this endpoint; provisioning sets
// identity and initial status only.
type upsertUnitRequest struct {
	Name      string       `json:"name"`
	Role      track.Role   `json:"role"`
	AvatarRef string       `json:"avatar"`
	Status    track.Status `json:"status"`
}

func (s *Server) handleUpsertUnit(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["id"]

	var request upsertUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch request.Role {
	case "", track.RoleAdmin, track.RoleSupervisor, track.RoleFieldworker:
	default:
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	if request.Status != "" && !request.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	state := track.UnitState{
		ID:         unitID,
		Name:       request.Name,
		Role:       request.Role,
		AvatarRef:  request.AvatarRef,
		Status:     request.Status,
		LastUpdate: s.clock.Now(),
	}
	if err := s.store.UpsertState(r.Context(), state); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	s.logger.Info("unit provisioned", "unit", unitID, "role", request.Role)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteUnit(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["id"]

	if err := s.store.DeleteState(r.Context(), unitID); err != nil {
		if errors.Is(err, trackstore.ErrUnknownUnit) {
			writeError(w, http.StatusNotFound, "unknown unit")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	s.logger.Info("unit deprovisioned", "unit", unitID)
	w.WriteHeader(http.StatusNoContent)
}

// historyPoint is the JSON shape of one trail entry. Timestamps are
// Unix milliseconds to match what dashboard clients feed their map
// layer.
type historyPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["id"]

	points, err := s.store.ReadHistory(r.Context(), unitID, trackstore.HistoryLimit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	// An unknown unit yields an empty trail, not a 404: dashboards
	// poll history for units that may not have reported yet.
	response := make([]historyPoint, 0, len(points))
	for _, point := range points {
		response = append(response, historyPoint{
			Lat:       point.Lat,
			Lng:       point.Lng,
			Timestamp: point.RecordedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

// requireToken wraps a handler with session-token verification. The
// token travels as "Authorization: Bearer <base64url>".
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.verifyRequestToken(w, r); !ok {
			return
		}
		next(w, r)
	}
}

// requireRole additionally enforces a role allow-list. Admin always
// passes regardless of the list.
func (s *Server) requireRole(next http.HandlerFunc, allowed ...track.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.verifyRequestToken(w, r)
		if !ok {
			return
		}
		if !token.Allows(allowed...) {
			s.logger.Warn("request forbidden",
				"subject", token.Subject,
				"role", token.Role,
				"path", r.URL.Path,
			)
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r)
	}
}

func (s *Server) verifyRequestToken(w http.ResponseWriter, r *http.Request) (*sessiontoken.Token, bool) {
	header := r.Header.Get("Authorization")
	encoded, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || encoded == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	tokenBytes, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "malformed token")
		return nil, false
	}

	token, err := sessiontoken.VerifyAt(s.verifyKey, tokenBytes, s.clock.Now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
