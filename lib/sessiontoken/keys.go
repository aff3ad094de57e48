// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// derivationInfo domain-separates the signing key from any other use
// of the gateway credential. Changing it invalidates all outstanding
// tokens.
const derivationInfo = "fieldgrid/sessiontoken/signing/v1"

// DeriveKeypair derives the token-signing Ed25519 keypair from the
// shared gateway credential via HKDF-SHA256. The derivation is
// deterministic: every gateway replica configured with the same
// credential holds the same keypair, so a token minted by one replica
// verifies on any other without a key distribution channel.
func DeriveKeypair(credential string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if credential == "" {
		return nil, nil, errors.New("sessiontoken: empty credential")
	}

	expand := hkdf.New(sha256.New, []byte(credential), nil, []byte(derivationInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(expand, seed); err != nil {
		return nil, nil, fmt.Errorf("sessiontoken: deriving signing key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	return privateKey, privateKey.Public().(ed25519.PublicKey), nil
}
