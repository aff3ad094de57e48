// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiontoken mints and verifies the short-lived signed
// tokens issued at login. A token is a CBOR payload (subject, role
// claim, expiry) with an Ed25519 signature appended; the signing
// keypair is derived from the shared gateway credential, which is the
// first authentication layer on every connection.
//
// Tokens authorize the second layer: state-mutating HTTP operations
// check the embedded role claim against per-operation allow-lists,
// with Admin bypassing all of them.
package sessiontoken
