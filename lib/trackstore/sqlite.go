// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package trackstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/sqlitepool"
)

// sqliteSchema creates the two tables on first connect. Timestamps
// are stored as Unix milliseconds; lat/lng on unit_states stay NULL
// until the unit's first position report.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS unit_states (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL DEFAULT 'Fieldworker',
	status      TEXT NOT NULL DEFAULT 'Offline',
	lat         REAL,
	lng         REAL,
	battery     INTEGER NOT NULL DEFAULT 0,
	avatar      TEXT NOT NULL DEFAULT '',
	last_update INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS history_points (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	unit_id     TEXT NOT NULL,
	lat         REAL NOT NULL,
	lng         REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS history_by_unit_time
	ON history_points (unit_id, recorded_at DESC);
`

// SQLiteStore is the embedded Store backend. A single database file
// serves one gateway process; WAL mode keeps roster reads from
// blocking telemetry writes.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	// Path is the database file path. Required.
	Path string

	// PoolSize passes through to sqlitepool. Zero means default.
	PoolSize int

	// Logger receives store lifecycle messages. Nil means discard.
	Logger *slog.Logger
}

// OpenSQLite opens the database, creating the schema if needed.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return &SQLiteStore{pool: pool, logger: logger}, nil
}

// UpsertState writes the supplied fields for state.ID. Identity
// fields update only when supplied non-empty: a telemetry-driven
// upsert carries no name/role/avatar and must not erase them.
func (s *SQLiteStore) UpsertState(ctx context.Context, state track.UnitState) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer s.pool.Put(conn)

	var lat, lng any
	if latitude, longitude, ok := state.Position(); ok {
		lat, lng = latitude, longitude
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO unit_states (id, name, role, status, lat, lng, battery, avatar, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name        = COALESCE(NULLIF(excluded.name, ''), unit_states.name),
			role        = COALESCE(NULLIF(excluded.role, ''), unit_states.role),
			avatar      = COALESCE(NULLIF(excluded.avatar, ''), unit_states.avatar),
			status      = excluded.status,
			lat         = COALESCE(excluded.lat, unit_states.lat),
			lng         = COALESCE(excluded.lng, unit_states.lng),
			battery     = excluded.battery,
			last_update = excluded.last_update`,
		&sqlitex.ExecOptions{
			Args: []any{
				state.ID, state.Name, string(state.Role), string(state.Status),
				lat, lng, state.Battery, state.AvatarRef,
				state.LastUpdate.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("%w: upsert state for %s: %w", ErrStorageUnavailable, state.ID, err)
	}
	return nil
}

// AppendHistory adds one position fix. Independent of UpsertState:
// each is a single statement relying on SQLite's own atomicity.
func (s *SQLiteStore) AppendHistory(ctx context.Context, unitID string, lat, lng float64, recordedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO history_points (unit_id, lat, lng, recorded_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{unitID, lat, lng, recordedAt.UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("%w: append history for %s: %w", ErrStorageUnavailable, unitID, err)
	}
	return nil
}

// ReadAllStates returns the roster snapshot, ordered by id for
// stable output.
func (s *SQLiteStore) ReadAllStates(ctx context.Context) ([]track.UnitState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer s.pool.Put(conn)

	states := []track.UnitState{}
	err = sqlitex.Execute(conn, `
		SELECT id, name, role, status, lat, lng, battery, avatar, last_update
		FROM unit_states ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state := track.UnitState{
					ID:         stmt.ColumnText(0),
					Name:       stmt.ColumnText(1),
					Role:       track.Role(stmt.ColumnText(2)),
					Status:     track.Status(stmt.ColumnText(3)),
					Battery:    stmt.ColumnInt(6),
					AvatarRef:  stmt.ColumnText(7),
					LastUpdate: time.UnixMilli(stmt.ColumnInt64(8)).UTC(),
				}
				if !stmt.ColumnIsNull(4) && !stmt.ColumnIsNull(5) {
					state.SetPosition(stmt.ColumnFloat(4), stmt.ColumnFloat(5))
				}
				states = append(states, state)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: read states: %w", ErrStorageUnavailable, err)
	}
	return states, nil
}

// ReadHistory returns the unit's most recent points, oldest first.
// The query reads newest-first to use the index, then reverses.
func (s *SQLiteStore) ReadHistory(ctx context.Context, unitID string, limit int) ([]track.HistoryPoint, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer s.pool.Put(conn)

	points := []track.HistoryPoint{}
	err = sqlitex.Execute(conn, `
		SELECT unit_id, lat, lng, recorded_at
		FROM history_points
		WHERE unit_id = ?
		ORDER BY recorded_at DESC, seq DESC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{unitID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				points = append(points, track.HistoryPoint{
					UnitID:     stmt.ColumnText(0),
					Lat:        stmt.ColumnFloat(1),
					Lng:        stmt.ColumnFloat(2),
					RecordedAt: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: read history for %s: %w", ErrStorageUnavailable, unitID, err)
	}

	slices.Reverse(points)
	return points, nil
}

// DeleteState removes a unit and its trail.
func (s *SQLiteStore) DeleteState(ctx context.Context, unitID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM unit_states WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{unitID}})
	if err != nil {
		return fmt.Errorf("%w: delete state for %s: %w", ErrStorageUnavailable, unitID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}

	err = sqlitex.Execute(conn, "DELETE FROM history_points WHERE unit_id = ?",
		&sqlitex.ExecOptions{Args: []any{unitID}})
	if err != nil {
		return fmt.Errorf("%w: delete history for %s: %w", ErrStorageUnavailable, unitID, err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// RunRetention archives and deletes history points recorded before
// cutoff. archive may be nil, in which case aged points are simply
// deleted. Returns the number of points removed.
func (s *SQLiteStore) RunRetention(ctx context.Context, cutoff time.Time, archive *Archive) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer s.pool.Put(conn)

	var aged []track.HistoryPoint
	err = sqlitex.Execute(conn, `
		SELECT unit_id, lat, lng, recorded_at
		FROM history_points WHERE recorded_at < ?
		ORDER BY recorded_at`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				aged = append(aged, track.HistoryPoint{
					UnitID:     stmt.ColumnText(0),
					Lat:        stmt.ColumnFloat(1),
					Lng:        stmt.ColumnFloat(2),
					RecordedAt: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("%w: collect aged history: %w", ErrStorageUnavailable, err)
	}
	if len(aged) == 0 {
		return 0, nil
	}

	// Archive before delete: losing the archive loses cold data only,
	// losing the delete just re-archives next sweep.
	if archive != nil {
		name, err := archive.Write(aged)
		if err != nil {
			return 0, fmt.Errorf("archiving %d aged points: %w", len(aged), err)
		}
		s.logger.Info("history archived", "points", len(aged), "file", name)
	}

	err = sqlitex.Execute(conn, "DELETE FROM history_points WHERE recorded_at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("%w: delete aged history: %w", ErrStorageUnavailable, err)
	}
	return len(aged), nil
}
