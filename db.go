// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package pstore is the process boundary of the store: Open/Close a
// database, Begin/Commit/Abort a transaction against it, and reach the
// four named indices (fragments, compilations, debug-line headers,
// interned names).
package pstore

import (
	"fmt"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/erroror"
	"github.com/bpowers/pstore/hamt"
	"github.com/bpowers/pstore/strtab"
	"github.com/bpowers/pstore/txn"
)

// indexRootOrder fixes the position of each named index within a footer's
// IndexRoots slice. The order itself carries no meaning beyond being
// stable across commits of the same database.
const (
	rootFragment = iota
	rootCompilation
	rootDebugLine
	rootName
	numRoots
)

// DB is one open backing file plus the four named indices composed over it.
type DB struct {
	db *txn.Database

	fragments    *FragmentIndex
	compilations *CompilationIndex
	debugLines   *DebugLineIndex
	names        *NameIndex

	generation uint64
}

// Open opens or creates the database at path, loading the four named
// indices from the most recently committed footer (or starting them empty,
// for a brand-new file).
func Open(path string) (*DB, error) {
	tdb, err := txn.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pstore.Open: %w", err)
	}

	roots := make([]address.Address, numRoots)
	for i := range roots {
		roots[i] = address.Null
	}
	stored, err := tdb.TipIndexRoots()
	if err != nil {
		_ = tdb.Close()
		return nil, fmt.Errorf("pstore.Open: %w", err)
	}
	copy(roots, stored)

	fragIx, err := newDigestExtentIndex(tdb, roots[rootFragment])
	if err != nil {
		_ = tdb.Close()
		return nil, fmt.Errorf("pstore.Open: fragments: %w", err)
	}
	compIx, err := newDigestExtentIndex(tdb, roots[rootCompilation])
	if err != nil {
		_ = tdb.Close()
		return nil, fmt.Errorf("pstore.Open: compilations: %w", err)
	}
	dbgIx, err := newDigestExtentIndex(tdb, roots[rootDebugLine])
	if err != nil {
		_ = tdb.Close()
		return nil, fmt.Errorf("pstore.Open: debug lines: %w", err)
	}
	nameIx, err := newNameIndex(tdb, roots[rootName])
	if err != nil {
		_ = tdb.Close()
		return nil, fmt.Errorf("pstore.Open: names: %w", err)
	}

	return &DB{
		db:           tdb,
		fragments:    &FragmentIndex{fragIx},
		compilations: &CompilationIndex{compIx},
		debugLines:   &DebugLineIndex{dbgIx},
		names:        nameIx,
	}, nil
}

// Close releases the database's underlying file and mappings. Close does
// not implicitly abort an open transaction; callers must Commit or Abort
// first.
func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the backing file's path.
func (db *DB) Path() string {
	return db.db.Path()
}

// Fragments returns the compilation-fragment digest→extent index.
func (db *DB) Fragments() *FragmentIndex { return db.fragments }

// Compilations returns the compilation-record digest→extent index.
func (db *DB) Compilations() *CompilationIndex { return db.compilations }

// DebugLines returns the debug-line-header digest→extent index.
func (db *DB) DebugLines() *DebugLineIndex { return db.debugLines }

// Names returns the interned-name index.
func (db *DB) Names() *NameIndex { return db.names }

// bytesAt reads back an extent once a *DigestExtentIndex lookup has resolved
// one, the second half of the Bind chain each *Bytes method below runs.
func (db *DB) bytesAt(extent address.Extent) erroror.Result[[]byte] {
	b, err := db.db.Bytes(extent.Addr, extent.Size)
	if err != nil {
		return erroror.Err[[]byte](err)
	}
	return erroror.Of(b)
}

// FragmentBytes resolves key through the fragment index and reads back its
// stored payload in one step, chaining the lookup and the read with
// erroror.Bind rather than unpacking (extent, bool, error) and then (bytes,
// error) by hand.
func (db *DB) FragmentBytes(key Digest) erroror.Result[[]byte] {
	return erroror.Bind(db.fragments.findResult(key), db.bytesAt)
}

// CompilationBytes is FragmentBytes for the compilation-record index.
func (db *DB) CompilationBytes(key Digest) erroror.Result[[]byte] {
	return erroror.Bind(db.compilations.findResult(key), db.bytesAt)
}

// DebugLineBytes is FragmentBytes for the debug-line-header index.
func (db *DB) DebugLineBytes(key Digest) erroror.Result[[]byte] {
	return erroror.Bind(db.debugLines.findResult(key), db.bytesAt)
}

// txnSnapshot captures every index's in-memory state at Begin, so Abort can
// discard a transaction's uncommitted mutations across all four indices as
// one unit.
type txnSnapshot struct {
	fragments    hamt.Snapshot[Digest, address.Extent]
	compilations hamt.Snapshot[Digest, address.Extent]
	debugLines   hamt.Snapshot[Digest, address.Extent]
	names        hamt.Snapshot[strtab.IndirectString, struct{}]
}

// Txn is a transaction against a DB: the underlying allocator transaction
// plus the generation number this commit's index flushes will be tagged
// with.
type Txn struct {
	db         *DB
	tx         *txn.Transaction
	generation uint64
	snap       txnSnapshot
}

func (db *DB) snapshot() txnSnapshot {
	return txnSnapshot{
		fragments:    db.fragments.snapshot(),
		compilations: db.compilations.snapshot(),
		debugLines:   db.debugLines.snapshot(),
		names:        db.names.snapshot(),
	}
}

// Begin starts a writer transaction, blocking until the single-writer lock
// is available.
func (db *DB) Begin() (*Txn, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("pstore.DB.Begin: %w", err)
	}
	db.generation++
	return &Txn{db: db, tx: tx, generation: db.generation, snap: db.snapshot()}, nil
}

// TryBegin is Begin's non-blocking probe path, returning ErrAlreadyOpen if
// another writer already holds the lock.
func (db *DB) TryBegin() (*Txn, error) {
	tx, ok, err := db.db.TryBegin()
	if err != nil {
		return nil, fmt.Errorf("pstore.DB.TryBegin: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyOpen
	}
	db.generation++
	return &Txn{db: db, tx: tx, generation: db.generation, snap: db.snapshot()}, nil
}

// Allocate reserves a size-byte, align-aligned extent in the transaction's
// storage, for a caller that wants to write a fragment/compilation/debug-line
// payload before indexing it by digest.
func (t *Txn) Allocate(size, align uint64) (address.Address, error) {
	return t.tx.Allocate(size, align)
}

// WriteAt writes data into an extent previously returned by Allocate.
func (t *Txn) WriteAt(addr address.Address, data []byte) error {
	return t.tx.WriteAt(addr, data)
}

// Commit flushes every index touched since Begin and publishes a new
// footer linking their header blocks.
func (t *Txn) Commit() (address.Address, error) {
	fragRoot, err := t.db.fragments.Flush(t.tx, t.generation)
	if err != nil {
		return address.Null, fmt.Errorf("pstore.Txn.Commit: fragments: %w", err)
	}
	compRoot, err := t.db.compilations.Flush(t.tx, t.generation)
	if err != nil {
		return address.Null, fmt.Errorf("pstore.Txn.Commit: compilations: %w", err)
	}
	dbgRoot, err := t.db.debugLines.Flush(t.tx, t.generation)
	if err != nil {
		return address.Null, fmt.Errorf("pstore.Txn.Commit: debug lines: %w", err)
	}
	nameRoot, err := t.db.names.Flush(t.tx, t.generation)
	if err != nil {
		return address.Null, fmt.Errorf("pstore.Txn.Commit: names: %w", err)
	}

	roots := make([]address.Address, numRoots)
	roots[rootFragment] = fragRoot
	roots[rootCompilation] = compRoot
	roots[rootDebugLine] = dbgRoot
	roots[rootName] = nameRoot

	footerAddr, err := t.tx.Commit(roots)
	if err != nil {
		return address.Null, fmt.Errorf("pstore.Txn.Commit: %w", err)
	}
	return footerAddr, nil
}

// Abort discards every index mutation made since Begin, along with the
// allocator's own uncommitted allocations.
func (t *Txn) Abort() error {
	t.db.fragments.restore(t.snap.fragments)
	t.db.compilations.restore(t.snap.compilations)
	t.db.debugLines.restore(t.snap.debugLines)
	t.db.names.restore(t.snap.names)
	return t.tx.Abort()
}
