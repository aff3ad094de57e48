// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded")
	}
}

func TestOnConnectRunsBeforeTake(t *testing.T) {
	pool, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "pool.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS probe (n INTEGER)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	// The table created by OnConnect must already exist.
	if err := sqlitex.ExecuteTransient(conn, "INSERT INTO probe (n) VALUES (1)", nil); err != nil {
		t.Fatalf("insert into OnConnect table: %v", err)
	}

	var count int
	err = sqlitex.ExecuteTransient(conn, "SELECT COUNT(*) FROM probe", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
