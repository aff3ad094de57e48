// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/codec"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// DefaultTTL is the lifetime of tokens minted at login.
const DefaultTTL = 12 * time.Hour

// Token is the CBOR-encoded payload of a session token. The wire form
// is the encoded payload followed by a 64-byte Ed25519 signature.
//
// Integer keys keep tokens small; they travel as a bearer header on
// every authenticated request.
type Token struct {
	// Subject is the roster id the token was minted for.
	Subject string `cbor:"1,keyasint"`

	// Name and Avatar mirror the roster entry at mint time. Display
	// metadata only; authorization reads Role.
	Name   string `cbor:"2,keyasint,omitempty"`
	Avatar string `cbor:"3,keyasint,omitempty"`

	// Role is the authorization role claim. Admin bypasses
	// fine-grained allow-lists; any other role must be explicitly
	// allow-listed per operation.
	Role track.Role `cbor:"4,keyasint"`

	// ID is a unique token identifier (hex string).
	ID string `cbor:"5,keyasint"`

	// IssuedAt and ExpiresAt are Unix timestamps (seconds).
	IssuedAt  int64 `cbor:"6,keyasint"`
	ExpiresAt int64 `cbor:"7,keyasint"`
}

// Errors returned by Verify.
var (
	ErrTokenTooShort    = errors.New("sessiontoken: token too short for signature")
	ErrInvalidSignature = errors.New("sessiontoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("sessiontoken: token has expired")
)

// Mint signs a Token and returns the raw wire bytes: CBOR payload
// followed by the Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("sessiontoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// Verify splits the raw token bytes, checks the Ed25519 signature,
// decodes the payload, and checks expiry.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but takes an explicit time for the expiry
// check. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("sessiontoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// Allows reports whether the token's role claim permits an operation
// restricted to the allowed roles. Admin always passes.
func (t *Token) Allows(allowed ...track.Role) bool {
	return track.RoleAllowed(t.Role, allowed...)
}

// NewID generates a random token identifier: 16 bytes of entropy,
// hex-encoded.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("sessiontoken: generating token id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
