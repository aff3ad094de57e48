// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncclient implements the participant-side connection to
// the FieldGrid gateway: a dual-transport client with an explicit
// status state machine.
//
// A Client owns up to two redundant channels. The uplink is the
// durable leg: telemetry pushed over it lands in the gateway's store,
// and on loss it is reopened after a fixed delay, forever. The
// broadcast leg is the low-latency fan-out subscription consoles use
// for live updates; it is optional, and its loss degrades the client
// rather than failing it.
//
// Whichever channel opens first promotes the status to Live; the
// other's readiness is a no-op. SendTelemetry attempts both legs
// independently and concurrently. Disconnect is the one synchronous
// guarantee: when it returns, the status is Disconnected and no
// further sends happen.
//
// Each Client instance owns its entire session state; there are no
// package-level singletons, so tests and multi-tenant processes can
// run any number of independent clients.
package syncclient
