// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"fmt"
	"io"
	"os"

	"github.com/minio/highwayhash"

	"github.com/AleutianAI/ilindex/services/indexer/store"
)

// fingerprintKey is the fixed HighwayHash key. Fingerprints only need to
// be stable across runs, not secret.
var fingerprintKey = []byte("ilindex-input-fingerprint-key-v1")

// Fingerprint hashes the file at path.
//
// Outputs:
//
//	store.InputFingerprint - Path, size and the hex HighwayHash-64 of the
//	                         content. Assembly is left for the caller.
//	error - Non-nil if the file cannot be read.
func Fingerprint(path string) (store.InputFingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.InputFingerprint{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		return store.InputFingerprint{}, fmt.Errorf("creating hash: %w", err)
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return store.InputFingerprint{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return store.InputFingerprint{
		Path: path,
		Size: n,
		Hash: fmt.Sprintf("%016x", h.Sum64()),
	}, nil
}
