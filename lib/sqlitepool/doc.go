// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite's connection pool
// with the pragmas the embedded datastore backend relies on (WAL,
// busy timeout) and a hook for schema setup. The trackstore SQLite
// backend is its only consumer; Postgres deployments bypass it
// entirely.
package sqlitepool
