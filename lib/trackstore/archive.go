// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package trackstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fieldgrid/fieldgrid/lib/codec"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
)

// Archive writes retired history points to a directory as
// zstd-compressed CBOR files. Files are named by the BLAKE3 hash of
// their compressed contents, so re-archiving identical data is
// idempotent and corruption is detectable offline.
type Archive struct {
	dir     string
	encoder *zstd.Encoder
}

// NewArchive creates the directory if needed and prepares the
// compressor.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trackstore: creating archive dir: %w", err)
	}
	// EncodeAll-only usage: no goroutines, no Close obligation.
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("trackstore: creating zstd encoder: %w", err)
	}
	return &Archive{dir: dir, encoder: encoder}, nil
}

// Write stores one batch of points and returns the archive file name.
func (a *Archive) Write(points []track.HistoryPoint) (string, error) {
	payload, err := codec.Marshal(points)
	if err != nil {
		return "", fmt.Errorf("trackstore: encoding archive batch: %w", err)
	}

	compressed := a.encoder.EncodeAll(payload, nil)

	sum := blake3.Sum256(compressed)
	name := hex.EncodeToString(sum[:16]) + ".cbor.zst"

	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", fmt.Errorf("trackstore: writing archive %s: %w", name, err)
	}
	return name, nil
}

// Read loads one archive file back into points. Used by offline
// tooling and tests; the gateway never reads archives.
func (a *Archive) Read(name string) ([]track.HistoryPoint, error) {
	compressed, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		return nil, fmt.Errorf("trackstore: reading archive %s: %w", name, err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("trackstore: creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	payload, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("trackstore: decompressing archive %s: %w", name, err)
	}

	var points []track.HistoryPoint
	if err := codec.Unmarshal(payload, &points); err != nil {
		return nil, fmt.Errorf("trackstore: decoding archive %s: %w", name, err)
	}
	return points, nil
}
