// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package trackstore

import (
	"context"
	"errors"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/schema/track"
)

// ErrStorageUnavailable is wrapped by every backend failure. The
// gateway logs it and keeps serving from in-memory payloads: a
// storage outage degrades durability, never liveness.
var ErrStorageUnavailable = errors.New("trackstore: storage unavailable")

// ErrUnknownUnit is returned by reads that name a unit with no state
// row.
var ErrUnknownUnit = errors.New("trackstore: unknown unit")

// HistoryLimit is the fixed cap on points returned per history query.
const HistoryLimit = 100

// Store is the durable read/write contract the gateway needs. Two
// implementations exist: SQLite (embedded, default) and Postgres
// (shared deployments). All methods are safe for concurrent use.
//
// UpsertState and AppendHistory are deliberately independent
// best-effort writes. No transaction spans the pair: a lost history
// append must not roll back the state upsert, and vice versa.
type Store interface {
	// UpsertState writes the supplied fields for state.ID
	// atomically. Identity fields (Name, Role, AvatarRef) are only
	// overwritten when supplied non-empty, so telemetry-driven
	// upserts do not erase provisioning data.
	UpsertState(ctx context.Context, state track.UnitState) error

	// AppendHistory adds one position fix for the unit.
	AppendHistory(ctx context.Context, unitID string, lat, lng float64, recordedAt time.Time) error

	// ReadAllStates returns the current roster snapshot. An empty
	// store yields an empty slice, not an error.
	ReadAllStates(ctx context.Context) ([]track.UnitState, error)

	// ReadHistory returns up to limit of the unit's most recent
	// points in ascending time order (oldest first).
	ReadHistory(ctx context.Context, unitID string, limit int) ([]track.HistoryPoint, error)

	// DeleteState removes a unit's state row and history. Explicit
	// deprovisioning is the only path that deletes unit state.
	DeleteState(ctx context.Context, unitID string) error

	// Close releases backend resources.
	Close() error
}
