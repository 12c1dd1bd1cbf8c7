// Copyright (C) 2024 The dedup Authors

package dedup

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
	"github.com/dedupdev/dedup/internal/dedup/metastore"
)

// resolveFunc finds an existing block matching the chunk. The two
// implementations differ in how much they trust the fingerprint.
type resolveFunc func(tx metastore.Tx, fp fingerprint.Fingerprint, data []byte) (int64, bool, error)

// Verified resolution, the default. A block counts as a match only when the
// fingerprint and the full stored content both match, so a fingerprint
// collision creates a second block instead of corrupting the first.
func resolveVerified(tx metastore.Tx, fp fingerprint.Fingerprint, data []byte) (int64, bool, error) {
	b, found, err := tx.BlockByContent(fp, data)

	return b.ID, found, err
}

// Trusted resolution. Fingerprint equality alone counts as identity. Skips
// reading the candidate's content on every write, at the documented risk of
// silent data loss if two different blocks ever hash the same.
func resolveTrusted(tx metastore.Tx, fp fingerprint.Fingerprint, data []byte) (int64, bool, error) {
	b, found, err := tx.BlockByFingerprint(fp)

	return b.ID, found, err
}

// Consults the per-call cache before the store. A cached id can be stale
// when a concurrent trim reclaimed the block between chunks, so its
// existence (and under verified resolution, its content) is rechecked
// inside the current transaction before it is reused.
func (d *Device) resolveChunk(tx metastore.Tx, fp fingerprint.Fingerprint, data []byte, seen map[fingerprint.Fingerprint]int64) (int64, bool, error) {
	if blockID, ok := seen[fp]; ok {
		stored, err := tx.BlockData(blockID)
		switch {
		case errors.Is(err, metastore.ErrNotFound):
			delete(seen, fp)

		case err != nil:
			return 0, false, err

		case d.trustHash || bytes.Equal(stored, data):
			return blockID, true, nil
		}
	}

	return d.resolve(tx, fp, data)
}
