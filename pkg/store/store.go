/*
Copyright 2026 The CFEngine authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package store is the persistent ordered key-value database: cursors,
// atomic batch commit, corruption self-repair, and versioned schema
// migration, backed by github.com/syndtr/goleveldb.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cfengine/corenet/pkg/corenet"
)

// VersionKey is the reserved key holding the schema version.
var VersionKey = []byte("version")

// DB is a concurrent-readable, concurrent-writable ordered key-value
// store. Only one OS process can hold a path open at a time (goleveldb
// locks the database directory); within that process, DB is safe for
// concurrent use by many goroutines.
type DB struct {
	path string

	// writeMu serialises the read-modify-write critical section used by
	// batched commits.
	writeMu sync.Mutex
	ldb     *leveldb.DB
}

// Open opens (or creates) the database at path. If the existing file is
// corrupted, it is moved aside for diagnostics and a fresh empty
// database is created in its place; Open still returns success to the
// caller in that case.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		if !lverrors.IsCorrupted(err) {
			return nil, corenet.Wrap(corenet.KindStorage, "DatabaseBroken", err)
		}
		if qerr := quarantine(path); qerr != nil {
			return nil, corenet.Wrap(corenet.KindStorage, "DatabaseBroken: quarantine failed", qerr)
		}
		ldb, err = leveldb.OpenFile(path, &opt.Options{})
		if err != nil {
			return nil, corenet.Wrap(corenet.KindStorage, "DatabaseBroken: rebuild failed", err)
		}
	}
	return &DB{path: path, ldb: ldb}, nil
}

func quarantine(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dest := fmt.Sprintf("%s.broken.%d", path, time.Now().UnixNano())
	return os.Rename(path, dest)
}

// Close releases the underlying database handle.
func (db *DB) Close() error {
	if err := db.ldb.Close(); err != nil {
		return corenet.Wrap(corenet.KindStorage, "close database", err)
	}
	return nil
}

// Get copies the value for key into the caller's view. The second
// return reports whether the key existed.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	v, err := db.ldb.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, corenet.Wrap(corenet.KindStorage, "get", err)
	}
	return v, true, nil
}

// HasKey reports whether key exists without copying its value.
func (db *DB) HasKey(key []byte) (bool, error) {
	ok, err := db.ldb.Has(key, nil)
	if err != nil {
		return false, corenet.Wrap(corenet.KindStorage, "has", err)
	}
	return ok, nil
}

// Put inserts or replaces key's value.
func (db *DB) Put(key, value []byte) error {
	if err := db.ldb.Put(key, value, nil); err != nil {
		return corenet.Wrap(corenet.KindStorage, "put", err)
	}
	return nil
}

// Delete removes key, if present.
func (db *DB) Delete(key []byte) error {
	if err := db.ldb.Delete(key, nil); err != nil {
		return corenet.Wrap(corenet.KindStorage, "delete", err)
	}
	return nil
}

// Version returns the current schema version. A
// missing version key means version 0.
func (db *DB) Version() (int, error) {
	v, ok, err := db.Get(VersionKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, corenet.Wrap(corenet.KindStorage, "invalid version value", err)
	}
	return n, nil
}

// SetVersion writes the schema version as decimal ASCII.
func (db *DB) SetVersion(v int) error {
	return db.Put(VersionKey, []byte(strconv.Itoa(v)))
}

// Batch groups multiple mutations for atomic commit. Obtain one with Pin, mutate it, and call Commit exactly
// once; readers observe either the pre-batch or post-batch state, never
// a partial write.
type Batch struct {
	db *leveldb.DB
	lb *leveldb.Batch
}

// Pin begins a batch of mutations, holding the store's write critical
// section until Commit or Discard is called.
func (db *DB) Pin() *Batch {
	db.writeMu.Lock()
	return &Batch{db: db.ldb, lb: new(leveldb.Batch)}
}

// Put stages an insert/replace in the batch.
func (b *Batch) Put(key, value []byte) { b.lb.Put(key, value) }

// Delete stages a removal in the batch.
func (b *Batch) Delete(key []byte) { b.lb.Delete(key) }

// Commit atomically applies every staged mutation and releases the
// store's write critical section.
func (b *Batch) Commit(db *DB) error {
	defer db.writeMu.Unlock()
	if err := b.db.Write(b.lb, nil); err != nil {
		return corenet.Wrap(corenet.KindStorage, "batch commit", err)
	}
	return nil
}

// Discard abandons the batch without applying it, releasing the write
// critical section.
func (b *Batch) Discard(db *DB) { db.writeMu.Unlock() }

// Cursor iterates keys in lexicographic order. A cursor survives
// deletion or overwrite of the key it currently points at; the next
// Advance moves to the following key in sort order, because
// it is backed by goleveldb's snapshot-consistent iterator rather than
// an absolute position.
type Cursor struct {
	db *DB
	it iterator.Iterator
}

// OpenCursor starts a cursor over all keys with the given prefix (pass
// nil for the whole keyspace).
func (db *DB) OpenCursor(prefix []byte) *Cursor {
	var r *util.Range
	if prefix != nil {
		r = util.BytesPrefix(prefix)
	}
	return &Cursor{db: db, it: db.ldb.NewIterator(r, nil)}
}

// Advance moves the cursor to the next key in sort order, returning
// false once exhausted.
func (c *Cursor) Advance() bool { return c.it.Next() }

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte { return c.it.Key() }

// Value returns the value at the cursor's current position.
func (c *Cursor) Value() []byte { return c.it.Value() }

// Delete removes the entry at the cursor's current position, outside
// the iterator (goleveldb iterators are read-only snapshots); callers
// must not rely on Key()/Value() remaining valid for this position
// after calling Delete, only that Advance still proceeds correctly.
func (c *Cursor) Delete() error {
	return c.db.Delete(append([]byte(nil), c.it.Key()...))
}

// Write overwrites the value at the cursor's current position.
func (c *Cursor) Write(value []byte) error {
	return c.db.Put(append([]byte(nil), c.it.Key()...), value)
}

// Close releases the cursor's underlying iterator.
func (c *Cursor) Close() { c.it.Release() }

// Rebuild unconditionally quarantines the database at path, so the next
// Open starts from an empty store. Used after a SIGBUS-equivalent
// crash, where silent corruption may not trip goleveldb's own checksum
// validation on Open.
func Rebuild(path string) error {
	if err := quarantine(path); err != nil {
		return corenet.Wrap(corenet.KindStorage, "rebuild database", err)
	}
	return nil
}

// RepairTriggerPath returns the well-known marker file path under
// stateDir whose presence causes the next process start to rebuild
// every database.
func RepairTriggerPath(stateDir string) string {
	return filepath.Join(stateDir, ".cf_repair_needed")
}

// MarkRepairNeeded touches the repair-trigger marker file. Called from a
// SIGBUS-equivalent signal handler before the process exits.
func MarkRepairNeeded(stateDir string) error {
	p := RepairTriggerPath(stateDir)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return corenet.Wrap(corenet.KindStorage, "mark repair needed", err)
	}
	return f.Close()
}

// RepairNeeded reports whether the repair-trigger marker is present.
func RepairNeeded(stateDir string) bool {
	_, err := os.Stat(RepairTriggerPath(stateDir))
	return err == nil
}

// ClearRepairTrigger removes the marker after the caller has rebuilt
// every database under stateDir.
func ClearRepairTrigger(stateDir string) error {
	err := os.Remove(RepairTriggerPath(stateDir))
	if err != nil && !os.IsNotExist(err) {
		return corenet.Wrap(corenet.KindStorage, "clear repair trigger", err)
	}
	return nil
}
