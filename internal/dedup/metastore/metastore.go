// Copyright (C) 2024 The dedup Authors

// Package metastore defines the transactional store contract shared by the
// dedup engine and its storage backends. The store holds two relations: the
// block relation (content-addressed block data with reference counts) and the
// mapper relation (logical block address to block id). Anything implementing
// the Store interface can back a device.
package metastore

import (
	"github.com/pkg/errors"

	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
)

// ErrBusy reports transient contention on the backing store. Operations
// failing with ErrBusy left no effects behind and can be retried as-is.
// Every other error from a Store is final for the operation.
var ErrBusy = errors.New("metastore: busy")

// ErrNotFound reports a lookup of a block id with no stored block. Seeing it
// means a mapping points at a block that does not exist, i.e. the refcount
// invariant was broken outside this process.
var ErrNotFound = errors.New("metastore: block not found")

// Block is one stored content block.
type Block struct {
	ID          int64
	Fingerprint fingerprint.Fingerprint
	Refcount    int64
}

// Mapping is one entry of the mapper relation.
type Mapping struct {
	LBA     int64
	BlockID int64
}

// Tx is one atomic transaction against the store. All reads observe the
// transaction's own writes. Implementations must not be used from multiple
// goroutines at once; the engine never shares a Tx.
type Tx interface {
	// Mapping returns the block id mapped at lba, if any.
	Mapping(lba int64) (blockID int64, ok bool, err error)

	// Mappings returns all mappings with start <= LBA < end, ordered by
	// LBA.
	Mappings(start, end int64) ([]Mapping, error)

	// SetMapping points lba at blockID, replacing any previous mapping.
	// Refcounts are not touched; the caller adjusts them.
	SetMapping(lba, blockID int64) error

	// DeleteMappings removes all mappings with start <= LBA < end.
	DeleteMappings(start, end int64) error

	// BlockByFingerprint returns a block whose fingerprint equals fp.
	BlockByFingerprint(fp fingerprint.Fingerprint) (Block, bool, error)

	// BlockByContent returns a block whose fingerprint equals fp and
	// whose data is byte-for-byte equal to data.
	BlockByContent(fp fingerprint.Fingerprint, data []byte) (Block, bool, error)

	// BlockData returns the data of the block with the given id.
	BlockData(blockID int64) ([]byte, error)

	// InsertBlock stores a new block and returns its id.
	InsertBlock(fp fingerprint.Fingerprint, data []byte, refcount int64) (int64, error)

	// AddRefcount adjusts the refcount of the block with the given id by
	// delta, which may be negative.
	AddRefcount(blockID, delta int64) error

	// DeleteUnreferenced removes every block whose refcount is zero. It
	// must run inside the same transaction that dropped the count, so a
	// concurrent writer can never re-target a mapping onto a block that
	// is about to disappear.
	DeleteUnreferenced() error
}

// Store is a transactional block/mapping store.
type Store interface {
	// View runs fn in a read-only transaction.
	View(fn func(Tx) error) error

	// Update runs fn in a writable transaction. Either every effect of fn
	// is committed or none is. Contention with another writer surfaces as
	// ErrBusy with no effects applied.
	Update(fn func(Tx) error) error

	Close() error
}
