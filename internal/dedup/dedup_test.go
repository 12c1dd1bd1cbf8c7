// Copyright (C) 2024 The dedup Authors

package dedup

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
	"github.com/dedupdev/dedup/internal/dedup/metastore"
	"github.com/dedupdev/dedup/internal/dedup/metastore/memstore"
	"github.com/dedupdev/dedup/internal/dedup/retry"
)

const (
	testBlockSize = 4096
	testBlocks    = 8
)

func newTestDevice(t *testing.T, trustHash bool) (*Device, *memstore.Store) {
	t.Helper()

	store := memstore.New()
	device := New(Options{
		Store:          store,
		Size:           testBlocks * testBlockSize,
		BlockSize:      testBlockSize,
		WriteChunkSize: testBlocks * testBlockSize,
		TrustHash:      trustHash,
		Retry:          retry.Policy{MaxAttempts: 10},
	})

	return device, store
}

// Block-sized buffer filled with b.
func pattern(b byte, blocks int) []byte {
	buf := make([]byte, blocks*testBlockSize)
	for i := range buf {
		buf[i] = b
	}

	return buf
}

// Refcount of the block storing data, or 0 when no such block exists.
func refcount(t *testing.T, store metastore.Store, data []byte) int64 {
	t.Helper()

	var cnt int64
	err := store.View(func(tx metastore.Tx) error {
		b, found, err := tx.BlockByContent(fingerprint.SHA256{}.Sum(data), data)
		if found {
			cnt = b.Refcount
		}
		return err
	})
	require.NoError(t, err)

	return cnt
}

func TestRoundTrip(t *testing.T) {
	requireT := require.New(t)
	device, _ := newTestDevice(t, false)

	buf := make([]byte, 3*testBlockSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	requireT.NoError(device.Write(2*testBlockSize, buf))

	got := make([]byte, len(buf))
	requireT.NoError(device.Read(2*testBlockSize, got))
	requireT.Equal(buf, got)
}

func TestDedupSharesBlocks(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	content := pattern(0x42, 1)
	requireT.NoError(device.Write(0, content))
	requireT.NoError(device.Write(5*testBlockSize, content))

	requireT.Equal(1, store.Blocks())
	requireT.Equal(int64(2), refcount(t, store, content))
}

func TestSameContentSameLBAIsNoop(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	content := pattern(0x17, 1)
	requireT.NoError(device.Write(0, content))
	requireT.NoError(device.Write(0, content))

	requireT.Equal(1, store.Blocks())
	requireT.Equal(int64(1), refcount(t, store, content))
}

func TestOverwriteReclaimsOldBlock(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	old := pattern(0x01, 1)
	requireT.NoError(device.Write(0, old))
	requireT.NoError(device.Write(0, pattern(0x02, 1)))

	requireT.Equal(1, store.Blocks())
	requireT.Equal(int64(0), refcount(t, store, old))

	got := make([]byte, testBlockSize)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(pattern(0x02, 1), got)
}

func TestDuplicateChunksInOneWrite(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	requireT.NoError(device.Write(0, pattern(0x33, 4)))

	requireT.Equal(1, store.Blocks())
	requireT.Equal(int64(4), refcount(t, store, pattern(0x33, 1)))
}

func TestSparseReadsZero(t *testing.T) {
	requireT := require.New(t)
	device, _ := newTestDevice(t, false)

	got := pattern(0xFF, testBlocks)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(make([]byte, testBlocks*testBlockSize), got)
}

func TestPartialMappedRead(t *testing.T) {
	requireT := require.New(t)
	device, _ := newTestDevice(t, false)

	content := pattern(0x55, 1)
	requireT.NoError(device.Write(testBlockSize, content))

	got := pattern(0xFF, 3)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(make([]byte, testBlockSize), got[:testBlockSize])
	requireT.Equal(content, got[testBlockSize:2*testBlockSize])
	requireT.Equal(make([]byte, testBlockSize), got[2*testBlockSize:])
}

func TestTrimReclaims(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	content := pattern(0x77, 1)
	requireT.NoError(device.Write(0, content))
	requireT.NoError(device.Trim(0, testBlockSize))

	requireT.Equal(0, store.Blocks())

	got := pattern(0xFF, 1)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(make([]byte, testBlockSize), got)
}

func TestTrimIdempotent(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	keep := pattern(0x88, 1)
	requireT.NoError(device.Write(4*testBlockSize, keep))

	requireT.NoError(device.Trim(0, 2*testBlockSize))
	requireT.NoError(device.Trim(0, 2*testBlockSize))

	requireT.Equal(int64(1), refcount(t, store, keep))
}

func TestZeroBehavesLikeTrim(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	requireT.NoError(device.Write(0, pattern(0x99, 2)))
	requireT.NoError(device.Zero(0, 2*testBlockSize))

	requireT.Equal(0, store.Blocks())
}

// Two addresses share one block; trimming one keeps the block alive with a
// lower refcount, trimming the other reclaims it.
func TestSharedBlockLifecycle(t *testing.T) {
	requireT := require.New(t)

	store := memstore.New()
	device := New(Options{
		Store:     store,
		Size:      2 * testBlockSize,
		BlockSize: testBlockSize,
		Retry:     retry.Policy{MaxAttempts: 10},
	})

	content := pattern(0xAA, 1)
	requireT.NoError(device.Write(0, content))
	requireT.NoError(device.Write(testBlockSize, content))
	requireT.Equal(1, store.Blocks())
	requireT.Equal(int64(2), refcount(t, store, content))

	requireT.NoError(device.Trim(0, testBlockSize))
	requireT.Equal(int64(1), refcount(t, store, content))

	got := make([]byte, testBlockSize)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(make([]byte, testBlockSize), got)
	requireT.NoError(device.Read(testBlockSize, got))
	requireT.Equal(content, got)

	requireT.NoError(device.Trim(testBlockSize, testBlockSize))
	requireT.Equal(0, store.Blocks())
}

func TestRefcountConservation(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	contents := [][]byte{pattern(0x01, 1), pattern(0x02, 1), pattern(0x03, 1)}

	ops := []func() error{
		func() error { return device.Write(0, contents[0]) },
		func() error { return device.Write(testBlockSize, contents[0]) },
		func() error { return device.Write(2*testBlockSize, contents[1]) },
		func() error { return device.Write(testBlockSize, contents[2]) },
		func() error { return device.Trim(0, 2*testBlockSize) },
		func() error { return device.Write(0, contents[1]) },
		func() error { return device.Trim(0, testBlocks*testBlockSize) },
	}

	for _, op := range ops {
		requireT.NoError(op())

		// After every operation each block's refcount equals the
		// number of addresses mapped to it.
		mapped := make(map[int64]int64)
		requireT.NoError(store.View(func(tx metastore.Tx) error {
			mappings, err := tx.Mappings(0, testBlocks)
			for _, m := range mappings {
				mapped[m.BlockID]++
			}
			return err
		}))

		var total int64
		for _, content := range contents {
			requireT.NoError(store.View(func(tx metastore.Tx) error {
				b, found, err := tx.BlockByContent(fingerprint.SHA256{}.Sum(content), content)
				if found {
					requireT.Equal(mapped[b.ID], b.Refcount)
					total += b.Refcount
				}
				return err
			}))
		}

		var liveMappings int64
		for _, n := range mapped {
			liveMappings += n
		}
		requireT.Equal(liveMappings, total)
	}

	requireT.Equal(0, store.Blocks())
}

func TestAlignmentRejected(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	requireT.ErrorIs(device.Write(1, pattern(0x01, 1)), ErrUnaligned)
	requireT.ErrorIs(device.Write(0, make([]byte, 100)), ErrUnaligned)
	requireT.ErrorIs(device.Read(testBlockSize/2, make([]byte, testBlockSize)), ErrUnaligned)
	requireT.ErrorIs(device.Trim(0, testBlockSize-1), ErrUnaligned)

	// Rejected before anything touched the store.
	requireT.Equal(0, store.Blocks())
}

func TestOutOfBoundsRejected(t *testing.T) {
	requireT := require.New(t)
	device, _ := newTestDevice(t, false)

	requireT.ErrorIs(device.Write(testBlocks*testBlockSize, pattern(0x01, 1)), ErrOutOfBounds)
	requireT.ErrorIs(device.Read(-testBlockSize, make([]byte, testBlockSize)), ErrOutOfBounds)
	requireT.ErrorIs(device.Trim(0, (testBlocks+1)*testBlockSize), ErrOutOfBounds)
}

func TestSizeAndHints(t *testing.T) {
	requireT := require.New(t)

	device := New(Options{
		Store: memstore.New(),
		// Not a whole number of blocks; rounds up.
		Size:      testBlockSize + 1,
		BlockSize: testBlockSize,
	})

	requireT.Equal(int64(2*testBlockSize), device.Size())

	minimum, preferred, maximum := device.BlockSizeHints()
	requireT.Equal(int64(testBlockSize), minimum)
	requireT.Equal(int64(testBlockSize), preferred)
	requireT.Equal(int64(testBlockSize), maximum)
}

// Hasher mapping every input to one fingerprint, to exercise collision
// behavior without finding real collisions.
type collidingHasher struct{}

func (collidingHasher) Sum(data []byte) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{}
}

func TestVerifiedResolutionSurvivesCollision(t *testing.T) {
	requireT := require.New(t)

	store := memstore.New()
	device := New(Options{
		Store:     store,
		Size:      testBlocks * testBlockSize,
		BlockSize: testBlockSize,
		Hasher:    collidingHasher{},
		Retry:     retry.Policy{MaxAttempts: 10},
	})

	a := pattern(0x0A, 1)
	b := pattern(0x0B, 1)
	requireT.NoError(device.Write(0, a))
	requireT.NoError(device.Write(testBlockSize, b))

	// Same fingerprint, different content: two distinct blocks.
	requireT.Equal(2, store.Blocks())

	got := make([]byte, testBlockSize)
	requireT.NoError(device.Read(testBlockSize, got))
	requireT.Equal(b, got)
}

func TestTrustedResolutionTakesFingerprintMatch(t *testing.T) {
	requireT := require.New(t)

	store := memstore.New()
	device := New(Options{
		Store:     store,
		Size:      testBlocks * testBlockSize,
		BlockSize: testBlockSize,
		Hasher:    collidingHasher{},
		TrustHash: true,
		Retry:     retry.Policy{MaxAttempts: 10},
	})

	a := pattern(0x0A, 1)
	requireT.NoError(device.Write(0, a))
	requireT.NoError(device.Write(testBlockSize, pattern(0x0B, 1)))

	// The fingerprint match alone decided identity, so the second write
	// reused the first block.
	requireT.Equal(1, store.Blocks())

	got := make([]byte, testBlockSize)
	requireT.NoError(device.Read(testBlockSize, got))
	requireT.Equal(a, got)
}

func TestConcurrentWritersSameLBA(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	const writers = 8

	var wg sync.WaitGroup
	writeErrs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			writeErrs <- device.Write(0, pattern(byte(i+1), 1))
		}(i)
	}
	wg.Wait()
	close(writeErrs)
	for err := range writeErrs {
		requireT.NoError(err)
	}

	// Exactly one mapping survives and its block is the only one stored
	// with exactly one reference. Everything else was reclaimed.
	requireT.Equal(1, store.Blocks())

	var mappings []metastore.Mapping
	requireT.NoError(store.View(func(tx metastore.Tx) error {
		var err error
		mappings, err = tx.Mappings(0, testBlocks)
		return err
	}))
	requireT.Len(mappings, 1)

	got := make([]byte, testBlockSize)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(int64(1), refcount(t, store, got))
}

// Store wrapper failing the first n Update calls with the busy condition.
type busyStore struct {
	metastore.Store

	mu   sync.Mutex
	busy int
}

func (s *busyStore) Update(fn func(metastore.Tx) error) error {
	s.mu.Lock()
	if s.busy > 0 {
		s.busy--
		s.mu.Unlock()
		return metastore.ErrBusy
	}
	s.mu.Unlock()

	return s.Store.Update(fn)
}

func TestWriteRetriesBusyStore(t *testing.T) {
	requireT := require.New(t)

	store := &busyStore{Store: memstore.New(), busy: 3}
	device := New(Options{
		Store:     store,
		Size:      testBlocks * testBlockSize,
		BlockSize: testBlockSize,
		Retry:     retry.Policy{MaxAttempts: 10},
	})

	content := pattern(0x61, 1)
	requireT.NoError(device.Write(0, content))

	got := make([]byte, testBlockSize)
	requireT.NoError(device.Read(0, got))
	requireT.Equal(content, got)
}

func TestWriteSurfacesExhaustedRetries(t *testing.T) {
	requireT := require.New(t)

	store := &busyStore{Store: memstore.New(), busy: 100}
	device := New(Options{
		Store:     store,
		Size:      testBlocks * testBlockSize,
		BlockSize: testBlockSize,
		Retry:     retry.Policy{MaxAttempts: 3},
	})

	err := device.Write(0, pattern(0x61, 1))
	requireT.Error(err)
	requireT.True(errors.Is(err, metastore.ErrBusy))
}

func TestBuseWriteRead(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	// Chunk format of the transport: 32-byte extent headers up front,
	// data of all writes behind them, offsets and lengths in 512-byte
	// sector units.
	chunk := make([]byte, testBlocks*testBlockSize)
	writeHeader := func(i int, sector, length, seqNo, flag uint64) {
		b := chunk[i*32:]
		binary.LittleEndian.PutUint64(b[:8], sector)
		binary.LittleEndian.PutUint64(b[8:16], length)
		binary.LittleEndian.PutUint64(b[16:24], seqNo)
		binary.LittleEndian.PutUint64(b[24:32], flag)
	}

	const sectorsPerBlock = testBlockSize / 512

	content := pattern(0x42, 1)
	writeHeader(0, 0, sectorsPerBlock, 1, 0)
	writeHeader(1, 3*sectorsPerBlock, sectorsPerBlock, 2, 0)

	data := chunk[device.metadataSize:]
	copy(data, content)
	copy(data[testBlockSize:], content)

	requireT.NoError(device.BuseWrite(2, chunk))
	requireT.Equal(1, store.Blocks())
	requireT.Equal(int64(2), refcount(t, store, content))

	got := make([]byte, 4*testBlockSize)
	requireT.NoError(device.BuseRead(0, 4, got))
	requireT.Equal(content, got[:testBlockSize])
	requireT.Equal(make([]byte, testBlockSize), got[testBlockSize:2*testBlockSize])
	requireT.Equal(content, got[3*testBlockSize:])
}

func TestBuseWriteDiscardExtent(t *testing.T) {
	requireT := require.New(t)
	device, store := newTestDevice(t, false)

	requireT.NoError(device.Write(0, pattern(0x13, 1)))

	chunk := make([]byte, testBlocks*testBlockSize)
	const sectorsPerBlock = testBlockSize / 512
	binary.LittleEndian.PutUint64(chunk[:8], 0)
	binary.LittleEndian.PutUint64(chunk[8:16], sectorsPerBlock)
	binary.LittleEndian.PutUint64(chunk[16:24], 1)
	binary.LittleEndian.PutUint64(chunk[24:32], flagDiscard)

	requireT.NoError(device.BuseWrite(1, chunk))
	requireT.Equal(0, store.Blocks())
}
