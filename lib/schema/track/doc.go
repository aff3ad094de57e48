// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package track defines the shared data model for field unit
// tracking: per-unit last-known state, inbound telemetry events, and
// append-only history points. The gateway, the datastore adapters,
// and the sync client all speak these types; json tags cover the HTTP
// API, cbor tags cover the uplink protocol.
package track
