// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/schema/track"
)

// TrailFetcher reads a unit's recent position trail from the
// gateway's management API using a bearer session token.
type TrailFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewTrailFetcher builds a fetcher. baseURL is the management API
// root (for example "http://gateway:7421"); token is the base64
// session token from login.
func NewTrailFetcher(baseURL, token string, client *http.Client) *TrailFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TrailFetcher{baseURL: baseURL, token: token, client: client}
}

// wireHistoryPoint matches the API's JSON trail shape; timestamps are
// Unix milliseconds.
type wireHistoryPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// Fetch returns the unit's trail, oldest point first.
func (f *TrailFetcher) Fetch(ctx context.Context, unitID string) ([]track.HistoryPoint, error) {
	endpoint := fmt.Sprintf("%s/api/units/%s/history", f.baseURL, url.PathEscape(unitID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+f.token)

	response, err := f.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("syncclient: fetching history: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("syncclient: history request failed: %s", response.Status)
	}

	var raw []wireHistoryPoint
	if err := json.NewDecoder(response.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("syncclient: decoding history: %w", err)
	}

	points := make([]track.HistoryPoint, 0, len(raw))
	for _, point := range raw {
		points = append(points, track.HistoryPoint{
			UnitID:     unitID,
			Lat:        point.Lat,
			Lng:        point.Lng,
			RecordedAt: time.UnixMilli(point.Timestamp),
		})
	}
	return points, nil
}

// Reconstructor caches per-unit trails for a console. Selecting a
// unit fetches its trail and replaces the cached one wholesale; there
// is no incremental merge, so stale points can never accumulate
// across sessions.
type Reconstructor struct {
	fetcher *TrailFetcher

	mu     sync.Mutex
	trails map[string][]track.HistoryPoint
}

// NewReconstructor builds a Reconstructor over a fetcher.
func NewReconstructor(fetcher *TrailFetcher) *Reconstructor {
	return &Reconstructor{
		fetcher: fetcher,
		trails:  make(map[string][]track.HistoryPoint),
	}
}

// Select fetches the unit's trail and replaces any cached trail for
// it. Returns the fresh trail. On fetch failure the cached trail is
// left untouched.
func (r *Reconstructor) Select(ctx context.Context, unitID string) ([]track.HistoryPoint, error) {
	points, err := r.fetcher.Fetch(ctx, unitID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.trails[unitID] = points
	r.mu.Unlock()
	return points, nil
}

// Trail returns the cached trail for a unit, or nil when the unit has
// never been selected.
func (r *Reconstructor) Trail(unitID string) []track.HistoryPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trails[unitID]
}

// Forget drops a unit's cached trail, for deselection or unit
// removal.
func (r *Reconstructor) Forget(unitID string) {
	r.mu.Lock()
	delete(r.trails, unitID)
	r.mu.Unlock()
}
