// Package storekv wraps BadgerDB as the single embedded, write-ahead-logged
// store backing the lockers and commands tables (spec §6). Events are not
// stored here: components hand them to an events.Sink.
// It is grounded on dittofs's pkg/metadata/store/badger package: a thin
// DB handle plus small View/Update helpers, with business logic living in
// the internal/locker and internal/command packages rather than here.
package storekv

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// DB is the shared handle opened once per kiosk process and passed to the
// locker store and command queue constructors.
type DB struct {
	bdb *badger.DB
}

// Open opens (creating if necessary) a Badger database whose files live in
// directory dir. WAL-backed durability and conditional updates (spec §6's storage
// requirements) are both native to Badger's transaction model.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storekv: open %q: %w", dir, err)
	}
	return &DB{bdb: bdb}, nil
}

// OpenInMemory opens an ephemeral, non-persistent database — used by tests
// that want Badger's transaction semantics without touching disk.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storekv: open in-memory: %w", err)
	}
	return &DB{bdb: bdb}, nil
}

// Close flushes and closes the underlying database.
func (d *DB) Close() error {
	return d.bdb.Close()
}

// View runs a read-only transaction.
func (d *DB) View(fn func(txn *badger.Txn) error) error {
	return d.bdb.View(fn)
}

// Update runs a read-write transaction, retrying once on badger's own
// conflict error (Badger detects write-write conflicts at commit time; our
// own optimistic `version` field is the conflict check the spec actually
// cares about, but this retry absorbs Badger-level SSI conflicts so they
// don't leak out as spurious VersionConflicts).
func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	err := d.bdb.Update(fn)
	if err == badger.ErrConflict {
		err = d.bdb.Update(fn)
	}
	return err
}

// RunGC triggers Badger's value-log garbage collection. Call periodically
// (e.g. from the same janitor task that expires stale reservations) — not
// required for correctness, only for reclaiming space on a long-lived kiosk.
func (d *DB) RunGC(discardRatio float64) error {
	err := d.bdb.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// ErrKeyNotFound re-exports badger's not-found sentinel so callers don't need
// to import badger directly just to compare errors.
var ErrKeyNotFound = badger.ErrKeyNotFound
