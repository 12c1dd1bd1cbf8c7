// Copyright (C) 2024 The dedup Authors

// Package memstore implements the metastore contract in process memory. It
// backs ephemeral devices that do not need to survive a restart and gives
// the engine tests a store with real transaction semantics and no files.
package memstore

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
	"github.com/dedupdev/dedup/internal/dedup/metastore"
)

// Store implements metastore.Store with a mutex serializing transactions.
// Update takes a snapshot first and restores it when fn fails, so the
// all-or-nothing contract holds here exactly as it does for SQLite.
type Store struct {
	mu    sync.Mutex
	state state
}

type block struct {
	fp   fingerprint.Fingerprint
	data []byte
	cnt  int64
}

type state struct {
	nextID   int64
	blocks   map[int64]block
	byFp     map[fingerprint.Fingerprint][]int64
	mappings map[int64]int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state: state{
			nextID:   1,
			blocks:   make(map[int64]block),
			byFp:     make(map[fingerprint.Fingerprint][]int64),
			mappings: make(map[int64]int64),
		},
	}
}

func (s *Store) View(fn func(metastore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(&tx{state: &s.state})
}

func (s *Store) Update(fn func(metastore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&tx{state: &s.state}); err != nil {
		s.state = snapshot
		return err
	}

	return nil
}

func (s *Store) Close() error {
	return nil
}

// Blocks returns the number of stored blocks. Debug surface; the engine
// itself never needs it.
func (s *Store) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.state.blocks)
}

// Block data slices are never mutated in place, so the snapshot shares them
// and only copies the bookkeeping maps.
func (st *state) clone() state {
	c := state{
		nextID:   st.nextID,
		blocks:   make(map[int64]block, len(st.blocks)),
		byFp:     make(map[fingerprint.Fingerprint][]int64, len(st.byFp)),
		mappings: make(map[int64]int64, len(st.mappings)),
	}

	for id, b := range st.blocks {
		c.blocks[id] = b
	}
	for fp, ids := range st.byFp {
		c.byFp[fp] = append([]int64(nil), ids...)
	}
	for lba, id := range st.mappings {
		c.mappings[lba] = id
	}

	return c
}

type tx struct {
	state *state
}

func (t *tx) Mapping(lba int64) (int64, bool, error) {
	blockID, ok := t.state.mappings[lba]

	return blockID, ok, nil
}

func (t *tx) Mappings(start, end int64) ([]metastore.Mapping, error) {
	var mappings []metastore.Mapping
	for lba, blockID := range t.state.mappings {
		if lba >= start && lba < end {
			mappings = append(mappings, metastore.Mapping{LBA: lba, BlockID: blockID})
		}
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].LBA < mappings[j].LBA })

	return mappings, nil
}

func (t *tx) SetMapping(lba, blockID int64) error {
	t.state.mappings[lba] = blockID

	return nil
}

func (t *tx) DeleteMappings(start, end int64) error {
	for lba := range t.state.mappings {
		if lba >= start && lba < end {
			delete(t.state.mappings, lba)
		}
	}

	return nil
}

func (t *tx) BlockByFingerprint(fp fingerprint.Fingerprint) (metastore.Block, bool, error) {
	for _, id := range t.state.byFp[fp] {
		b := t.state.blocks[id]
		return metastore.Block{ID: id, Fingerprint: b.fp, Refcount: b.cnt}, true, nil
	}

	return metastore.Block{}, false, nil
}

func (t *tx) BlockByContent(fp fingerprint.Fingerprint, data []byte) (metastore.Block, bool, error) {
	for _, id := range t.state.byFp[fp] {
		b := t.state.blocks[id]
		if string(b.data) == string(data) {
			return metastore.Block{ID: id, Fingerprint: b.fp, Refcount: b.cnt}, true, nil
		}
	}

	return metastore.Block{}, false, nil
}

func (t *tx) BlockData(blockID int64) ([]byte, error) {
	b, ok := t.state.blocks[blockID]
	if !ok {
		return nil, errors.Wrapf(metastore.ErrNotFound, "block %d", blockID)
	}

	return b.data, nil
}

func (t *tx) InsertBlock(fp fingerprint.Fingerprint, data []byte, refcount int64) (int64, error) {
	id := t.state.nextID
	t.state.nextID++

	t.state.blocks[id] = block{
		fp:   fp,
		data: append([]byte(nil), data...),
		cnt:  refcount,
	}
	t.state.byFp[fp] = append(t.state.byFp[fp], id)

	return id, nil
}

func (t *tx) AddRefcount(blockID, delta int64) error {
	b, ok := t.state.blocks[blockID]
	if !ok {
		return errors.Wrapf(metastore.ErrNotFound, "block %d", blockID)
	}

	b.cnt += delta
	t.state.blocks[blockID] = b

	return nil
}

func (t *tx) DeleteUnreferenced() error {
	for id, b := range t.state.blocks {
		if b.cnt != 0 {
			continue
		}

		delete(t.state.blocks, id)

		ids := t.state.byFp[b.fp]
		for i, other := range ids {
			if other == id {
				t.state.byFp[b.fp] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(t.state.byFp[b.fp]) == 0 {
			delete(t.state.byFp, b.fp)
		}
	}

	return nil
}
