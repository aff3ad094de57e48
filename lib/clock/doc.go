// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source. The gateway's
// liveness sweep, the store's retention ticker, and the sync client's
// reconnect delay all take a Clock so tests can drive them with a
// FakeClock instead of waiting on wall time.
package clock
