// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package trackstore persists unit state and location history. It
// exposes a narrow Store contract (upsert state, append history,
// read snapshot, read trail) with SQLite and Postgres backends
// behind it. The backends rely on their engine's per-statement
// atomicity; no application-level transaction ever spans the
// state-upsert/history-append pair.
//
// The retention sweep is also here: aged history rows are archived as
// zstd-compressed CBOR before deletion, named by content hash.
package trackstore
