// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the gateway uplink protocol: a handshake
// (Hello/Welcome) followed by a stream of self-delimiting CBOR
// envelopes over a persistent TCP connection. Conn wraps a net.Conn
// with concurrent-safe sends, a per-message size cap, and idempotent
// close semantics shared by the gateway and the sync client.
package wire
