// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the FieldGrid telemetry gateway: the
// uplink listener that units and dashboards connect to, and the
// management HTTP API.
//
// The uplink side accepts persistent CBOR connections (see lib/wire),
// gates them on the shared credential, ingests validated telemetry
// into the track store, and fans every accepted report out to the
// dashboard sessions. A liveness sweep probes all sessions on a fixed
// interval and terminates the ones that stop answering.
//
// The HTTP side mints session tokens at login and serves the roster:
// listing, provisioning, deprovisioning, and per-unit history. Roster
// writes are restricted by role allow-lists with an Admin bypass.
//
// Persistence is deliberately best-effort on the ingest path: a
// storage outage degrades durability, never the live broadcast.
package gateway
