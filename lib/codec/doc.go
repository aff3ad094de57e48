// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes CBOR encoding configuration. CBOR is the
// wire format for the uplink protocol and the payload format for
// session tokens. Deterministic encoding matters for the latter: a
// token's signature covers the encoded payload bytes, so encoding the
// same payload twice must produce the same bytes.
//
// CBOR is self-delimiting, so stream decoding over a TCP connection
// needs no framing layer: each Decode call consumes exactly one
// value.
package codec
