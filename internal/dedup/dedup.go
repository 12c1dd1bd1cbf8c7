// Copyright (C) 2024 The dedup Authors

package dedup

import (
	"github.com/pkg/errors"

	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
	"github.com/dedupdev/dedup/internal/dedup/metastore"
	"github.com/dedupdev/dedup/internal/dedup/retry"
)

// ErrUnaligned reports an offset or length that is not a multiple of the
// block size. Alignment is validated before any store access and never
// retried; a misaligned request is a bug in the caller.
var ErrUnaligned = errors.New("dedup: offset or length not block aligned")

// ErrOutOfBounds reports a request reaching past the fixed device size.
var ErrOutOfBounds = errors.New("dedup: request outside device")

// Device is the engine's public surface. All offsets and lengths are byte
// values aligned to the block size. A Device is safe for concurrent use;
// isolation between concurrent operations, in this process or another one
// sharing the store, is delegated to the store's transactions.
type Device struct {
	store  metastore.Store
	hasher fingerprint.Hasher
	retry  retry.Policy

	// Resolution policy for the write path, chosen at construction.
	resolve resolveFunc

	// trustHash skips content verification on fingerprint cache hits.
	trustHash bool

	blockSize  int64
	blockCount int64

	// Derived metadata sizes for the transport chunk format.
	metadataSize int64
}

// Options to use in New() function due to high number of parameters. There
// is lower chance of ordering mistake with named parameters.
type Options struct {
	// Store holds blocks and mappings. Required.
	Store metastore.Store

	// Size of the device in bytes. Rounded up to a whole number of
	// blocks. Required.
	Size int64

	// BlockSize of the device. The dedup granularity; cannot be changed
	// once a store has been written with it.
	BlockSize int64

	// WriteChunkSize is the size of the write chunk shared with the
	// transport, used to derive the metadata section size.
	WriteChunkSize int64

	// TrustHash treats fingerprint equality alone as content equality.
	// Faster, but a fingerprint collision silently corrupts data.
	TrustHash bool

	// Hasher computes content fingerprints. Defaults to SHA-256.
	Hasher fingerprint.Hasher

	// Retry is the contention policy. Defaults to retry.Default().
	Retry retry.Policy
}

// New returns a device over o.Store. The store may be empty or carry data
// from a previous run; the schema is the store's concern.
func New(o Options) *Device {
	if o.Hasher == nil {
		o.Hasher = fingerprint.SHA256{}
	}
	if o.Retry == (retry.Policy{}) {
		o.Retry = retry.Default()
	}

	resolve := resolveVerified
	if o.TrustHash {
		resolve = resolveTrusted
	}

	return &Device{
		store:        o.Store,
		hasher:       o.Hasher,
		retry:        o.Retry,
		resolve:      resolve,
		trustHash:    o.TrustHash,
		blockSize:    o.BlockSize,
		blockCount:   (o.Size + o.BlockSize - 1) / o.BlockSize,
		metadataSize: o.WriteChunkSize / o.BlockSize * writeItemSize,
	}
}

// Size returns the device size in bytes. Fixed at creation.
func (d *Device) Size() int64 {
	return d.blockCount * d.blockSize
}

// BlockSizeHints advertises the minimum, preferred and maximum I/O
// granularity to the transport. The engine operates at a single block size,
// so all three are the same value.
func (d *Device) BlockSizeHints() (minimum, preferred, maximum int64) {
	return d.blockSize, d.blockSize, d.blockSize
}

// Read fills buf with the device contents at offset. Unmapped regions read
// as zeroes, the same as a sparse device whose unwritten extents were never
// touched.
func (d *Device) Read(offset int64, buf []byte) error {
	if err := d.checkRange(offset, int64(len(buf))); err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0
	}

	start := offset / d.blockSize
	end := start + int64(len(buf))/d.blockSize

	return d.retry.Do(func() error {
		return d.store.View(func(tx metastore.Tx) error {
			mappings, err := tx.Mappings(start, end)
			if err != nil {
				return err
			}

			for _, m := range mappings {
				data, err := tx.BlockData(m.BlockID)
				if err != nil {
					return errors.Wrapf(err, "lba %d", m.LBA)
				}
				copy(buf[(m.LBA-start)*d.blockSize:], data)
			}

			return nil
		})
	})
}

// Write stores buf at offset. Each block-sized chunk resolves to an existing
// block with equal content or inserts a new one, and the chunk's mapping is
// repointed with the refcounts of the displaced and resolved blocks
// adjusted. Every chunk commits in its own transaction, so a crash mid-call
// leaves a committed prefix and an untouched suffix, never a torn block.
func (d *Device) Write(offset int64, buf []byte) error {
	if err := d.checkRange(offset, int64(len(buf))); err != nil {
		return err
	}

	lba := offset / d.blockSize

	// Blocks resolved earlier in this call, by fingerprint. Duplicate
	// chunks inside one call reuse the block inserted for the first
	// occurrence instead of querying the index again.
	seen := make(map[fingerprint.Fingerprint]int64)

	for chunk := buf; len(chunk) > 0; chunk = chunk[d.blockSize:] {
		data := chunk[:d.blockSize]
		fp := d.hasher.Sum(data)

		var blockID int64
		err := d.retry.Do(func() error {
			return d.store.Update(func(tx metastore.Tx) error {
				var err error
				blockID, err = d.writeChunk(tx, lba, fp, data, seen)
				return err
			})
		})
		if err != nil {
			return errors.Wrapf(err, "write lba %d", lba)
		}

		// Recorded only after the commit, so a rolled back insert can
		// never leak into later chunks.
		seen[fp] = blockID
		lba++
	}

	return nil
}

// One chunk of the write path: resolve, repoint the mapping, fix both
// refcounts, and sweep anything that dropped to zero, all inside the
// caller's transaction.
func (d *Device) writeChunk(tx metastore.Tx, lba int64, fp fingerprint.Fingerprint, data []byte, seen map[fingerprint.Fingerprint]int64) (int64, error) {
	blockID, found, err := d.resolveChunk(tx, fp, data, seen)
	if err != nil {
		return 0, err
	}

	oldID, mapped, err := tx.Mapping(lba)
	if err != nil {
		return 0, err
	}

	if found {
		switch {
		case mapped && oldID == blockID:
			// Same content already mapped here.

		case mapped:
			if err := tx.AddRefcount(oldID, -1); err != nil {
				return 0, err
			}
			if err := tx.SetMapping(lba, blockID); err != nil {
				return 0, err
			}
			if err := tx.AddRefcount(blockID, 1); err != nil {
				return 0, err
			}
			if err := tx.DeleteUnreferenced(); err != nil {
				return 0, err
			}

		default:
			if err := tx.SetMapping(lba, blockID); err != nil {
				return 0, err
			}
			if err := tx.AddRefcount(blockID, 1); err != nil {
				return 0, err
			}
		}

		return blockID, nil
	}

	if mapped {
		if err := tx.AddRefcount(oldID, -1); err != nil {
			return 0, err
		}
	}

	blockID, err = tx.InsertBlock(fp, data, 1)
	if err != nil {
		return 0, err
	}
	if err := tx.SetMapping(lba, blockID); err != nil {
		return 0, err
	}

	if mapped {
		if err := tx.DeleteUnreferenced(); err != nil {
			return 0, err
		}
	}

	return blockID, nil
}

// Trim drops the mappings in the range and reclaims blocks that lost their
// last reference. Subsequent reads of the range return zeroes. Trimming an
// unmapped range is a no-op. The whole range is one transaction: the
// refcount decrements, the mapping deletion and the sweep commit together.
func (d *Device) Trim(offset, length int64) error {
	if err := d.checkRange(offset, length); err != nil {
		return err
	}

	start := offset / d.blockSize
	end := start + length/d.blockSize

	return d.retry.Do(func() error {
		return d.store.Update(func(tx metastore.Tx) error {
			mappings, err := tx.Mappings(start, end)
			if err != nil {
				return err
			}
			if len(mappings) == 0 {
				return nil
			}

			counts := make(map[int64]int64)
			for _, m := range mappings {
				counts[m.BlockID]++
			}

			for blockID, count := range counts {
				if err := tx.AddRefcount(blockID, -count); err != nil {
					return err
				}
			}

			if err := tx.DeleteMappings(start, end); err != nil {
				return err
			}

			return tx.DeleteUnreferenced()
		})
	})
}

// Zero has the same effect as Trim: the range reads back as zeroes and the
// zero content is never stored.
func (d *Device) Zero(offset, length int64) error {
	return d.Trim(offset, length)
}

func (d *Device) checkRange(offset, length int64) error {
	if offset%d.blockSize != 0 || length%d.blockSize != 0 {
		return errors.Wrapf(ErrUnaligned,
			"offset %d length %d block size %d", offset, length, d.blockSize)
	}
	if offset < 0 || length < 0 || offset+length > d.Size() {
		return errors.Wrapf(ErrOutOfBounds,
			"offset %d length %d device size %d", offset, length, d.Size())
	}

	return nil
}
