// Copyright (C) 2024 The dedup Authors

// Package sqlite implements the metastore contract on top of an SQLite
// database file. The schema is two tables: block(id, hash, data, cnt) with
// indexes on hash (dedup lookups) and cnt (unreferenced sweeps), and
// mapper(id, block_id) keyed by LBA with an index on block_id.
//
// SQLite rejects conflicting concurrent writers with SQLITE_BUSY instead of
// silently losing one, which is exactly the contention signal the engine's
// retry layer expects. Busy and locked conditions are translated to
// metastore.ErrBusy; everything else propagates as-is.
package sqlite

import (
	"database/sql"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dedupdev/dedup/internal/dedup/fingerprint"
	"github.com/dedupdev/dedup/internal/dedup/metastore"
)

// Schema is created on open if missing, so pointing the daemon at a fresh
// path bootstraps a new store.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS block (id INTEGER PRIMARY KEY, hash BLOB, data BLOB, cnt INTEGER)`,
	`CREATE TABLE IF NOT EXISTS mapper (id INTEGER PRIMARY KEY, block_id INTEGER)`,
	`CREATE INDEX IF NOT EXISTS bh ON block(hash)`,
	`CREATE INDEX IF NOT EXISTS bc ON block(cnt)`,
	`CREATE INDEX IF NOT EXISTS mb ON mapper(block_id)`,
}

// Store implements metastore.Store on an SQLite database.
type Store struct {
	db *sql.DB
}

// Options to use in New() function. Path is the database file; it is created
// if it does not exist.
type Options struct {
	Path string
}

// New opens (or creates) the database at o.Path and ensures the schema
// exists. WAL journaling keeps readers off the writers' lock; durability of
// committed transactions is delegated to the WAL checkpointing, matching the
// synchronous=off setting of the original deployment.
func New(o Options) (*Store, error) {
	dsn := "file:" + o.Path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(OFF)" +
		"&_pragma=busy_timeout(0)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", o.Path)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "schema: %s", stmt)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) View(fn func(metastore.Tx) error) error {
	return s.run(fn, true)
}

func (s *Store) Update(fn func(metastore.Tx) error) error {
	return s.run(fn, false)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Runs fn in one SQLite transaction. A busy condition anywhere, statement or
// commit, rolls the transaction back and surfaces as metastore.ErrBusy so
// the retry layer can rerun fn from scratch.
func (s *Store) run(fn func(metastore.Tx) error, readonly bool) error {
	dbtx, err := s.db.Begin()
	if err != nil {
		return busyOr(err)
	}

	if err := fn(&tx{dbtx}); err != nil {
		dbtx.Rollback()
		return err
	}

	if readonly {
		return busyOr(dbtx.Rollback())
	}

	return busyOr(dbtx.Commit())
}

// tx implements metastore.Tx. All statement errors pass through busyOr, so
// contention inside fn already carries the ErrBusy identity when it reaches
// the engine.
type tx struct {
	tx *sql.Tx
}

func (t *tx) Mapping(lba int64) (int64, bool, error) {
	var blockID int64
	err := t.tx.QueryRow(`SELECT block_id FROM mapper WHERE id=?`, lba).Scan(&blockID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, busyOr(err)
	}

	return blockID, true, nil
}

func (t *tx) Mappings(start, end int64) ([]metastore.Mapping, error) {
	rows, err := t.tx.Query(
		`SELECT id, block_id FROM mapper WHERE id>=? AND id<? ORDER BY id`, start, end)
	if err != nil {
		return nil, busyOr(err)
	}
	defer rows.Close()

	var mappings []metastore.Mapping
	for rows.Next() {
		var m metastore.Mapping
		if err := rows.Scan(&m.LBA, &m.BlockID); err != nil {
			return nil, busyOr(err)
		}
		mappings = append(mappings, m)
	}

	return mappings, busyOr(rows.Err())
}

func (t *tx) SetMapping(lba, blockID int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO mapper (id, block_id) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET block_id=excluded.block_id`, lba, blockID)

	return busyOr(err)
}

func (t *tx) DeleteMappings(start, end int64) error {
	_, err := t.tx.Exec(`DELETE FROM mapper WHERE id>=? AND id<?`, start, end)

	return busyOr(err)
}

func (t *tx) BlockByFingerprint(fp fingerprint.Fingerprint) (metastore.Block, bool, error) {
	return t.blockRow(`SELECT id, cnt FROM block WHERE hash=? LIMIT 1`, fp, fp[:])
}

func (t *tx) BlockByContent(fp fingerprint.Fingerprint, data []byte) (metastore.Block, bool, error) {
	return t.blockRow(`SELECT id, cnt FROM block WHERE hash=? AND data=? LIMIT 1`, fp, fp[:], data)
}

func (t *tx) blockRow(query string, fp fingerprint.Fingerprint, args ...interface{}) (metastore.Block, bool, error) {
	b := metastore.Block{Fingerprint: fp}
	err := t.tx.QueryRow(query, args...).Scan(&b.ID, &b.Refcount)
	if err == sql.ErrNoRows {
		return metastore.Block{}, false, nil
	}
	if err != nil {
		return metastore.Block{}, false, busyOr(err)
	}

	return b, true, nil
}

func (t *tx) BlockData(blockID int64) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRow(`SELECT data FROM block WHERE id=?`, blockID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(metastore.ErrNotFound, "block %d", blockID)
	}
	if err != nil {
		return nil, busyOr(err)
	}

	return data, nil
}

func (t *tx) InsertBlock(fp fingerprint.Fingerprint, data []byte, refcount int64) (int64, error) {
	res, err := t.tx.Exec(
		`INSERT INTO block (hash, data, cnt) VALUES (?, ?, ?)`, fp[:], data, refcount)
	if err != nil {
		return 0, busyOr(err)
	}

	id, err := res.LastInsertId()

	return id, busyOr(err)
}

func (t *tx) AddRefcount(blockID, delta int64) error {
	_, err := t.tx.Exec(`UPDATE block SET cnt=cnt+? WHERE id=?`, delta, blockID)

	return busyOr(err)
}

func (t *tx) DeleteUnreferenced() error {
	_, err := t.tx.Exec(`DELETE FROM block WHERE cnt=0`)

	return busyOr(err)
}

// Translates SQLITE_BUSY and SQLITE_LOCKED, extended codes included, into
// the retryable error class. Other errors pass through untouched.
func busyOr(err error) error {
	if err == nil {
		return nil
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errors.WithMessage(metastore.ErrBusy, err.Error())
		}
	}

	return err
}
