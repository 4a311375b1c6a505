// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package txn implements the transactional allocator and single-writer
// concurrency model: a Database owns the backing file, the footer chain,
// and the OS-level writer lock; a Transaction bumps a free-address
// frontier, grows storage on demand, and on Commit writes a new footer and
// publishes it atomically. It is grounded on the teacher's (bpowers/bit)
// builder.go open-temp-file/atomic-rename commit discipline, generalized
// from "one-shot build" to "repeated transactions against a live file",
// and on the original database_writer/database_reader split (this
// package's GetRW/GetRO mirror it) and its fcntl range-lock
// implementation.
package txn

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	farm "github.com/dgryski/go-farm"
	"golang.org/x/sys/unix"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/storage"
)

// HeaderSize is the number of bytes reserved at the start of the file for
// the database header, never touched by allocation (see address.Null's
// doc comment: offset 0 of segment 0 is reserved for the file header).
const HeaderSize = 128

var headerMagic = [8]byte{'p', 's', 't', 'o', 'r', 'e', 'h', '1'}

const (
	headerVersion = 1

	tipOffset  = 16 // 8-byte atomic footer-chain tip pointer
	lockOffset = 24 // 8-byte range the writer lock is taken over
	lockSize   = 8
)

// Database owns one open backing file: its segmented storage, its footer
// chain tip, and the OS-level single-writer lock.
type Database struct {
	f      *os.File
	path   string
	st     *storage.Storage
	header []byte // the mapped HeaderSize-byte prefix of segment 0
}

// Open attaches to path, creating it if necessary. A brand-new file is
// given a fresh header; an existing one has its magic validated.
func Open(path string) (*Database, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txn.Open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("txn.Open: stat: %w", err)
	}

	st, err := storage.Open(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("txn.Open: %w", err)
	}

	isNew := info.Size() == 0
	mapTo := uint64(info.Size())
	if isNew {
		mapTo = HeaderSize
	}
	if err := st.MapBytes(0, mapTo); err != nil {
		_ = st.Close()
		_ = f.Close()
		return nil, fmt.Errorf("txn.Open: map: %w", err)
	}

	hdr, err := st.Bytes(address.Make(0, 0), HeaderSize)
	if err != nil {
		_ = st.Close()
		_ = f.Close()
		return nil, fmt.Errorf("txn.Open: header: %w", err)
	}

	db := &Database{f: f, path: path, st: st, header: hdr}
	if isNew {
		if err := db.initHeader(); err != nil {
			_ = st.Close()
			_ = f.Close()
			return nil, fmt.Errorf("txn.Open: %w", err)
		}
	} else if !bytes.Equal(hdr[0:8], headerMagic[:]) {
		_ = st.Close()
		_ = f.Close()
		return nil, fmt.Errorf("txn.Open: %w", ErrBadHeader)
	}
	return db, nil
}

// initHeader stamps a brand-new file's header and writes the genesis footer
// that heads its footer chain: the chain begins at genesis, not at the
// first user commit.
func (db *Database) initHeader() error {
	copy(db.header[0:8], headerMagic[:])
	putUint32LE(db.header[8:12], headerVersion)

	addr, _, err := writeGenesisFooter(db.st, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("txn.Database.initHeader: %w", err)
	}
	db.setTip(addr)
	return nil
}

// Path returns the backing file's path.
func (db *Database) Path() string {
	return db.path
}

// Tip returns the footer-chain head: the address of the most recently
// committed footer, or the genesis footer Open itself wrote if no user
// transaction has committed yet. It is read with the same atomic load
// Commit uses to publish it, giving commit its release-barrier ordering
// guarantee.
func (db *Database) Tip() address.Address {
	ptr := (*uint64)(unsafe.Pointer(&db.header[tipOffset]))
	return address.Address(atomic.LoadUint64(ptr))
}

func (db *Database) setTip(a address.Address) {
	ptr := (*uint64)(unsafe.Pointer(&db.header[tipOffset]))
	atomic.StoreUint64(ptr, uint64(a))
}

// Bytes exposes read-only access to the store for readers (e.g. a HAMT
// index opened with Open against an already-flushed header_block, or a
// string table resolving a committed body). Database itself satisfies
// strtab.Store and hamt.Store directly.
func (db *Database) Bytes(addr address.Address, size uint64) ([]byte, error) {
	return db.st.Bytes(addr, size)
}

// frontier returns the next free byte available for allocation: the
// Frontier recorded in the footer at Tip. Tip is only ever Null before a
// database's header has been initialized at all (a state Open never
// returns), since Open itself writes a genesis footer for a brand-new
// file, but the check is kept as a defensive fallback to HeaderSize. The
// frontier is carried in the footer chain rather than in a separate header
// field because every footer is, by construction, the last thing a
// transaction allocates: its own end is exactly where the next
// transaction should resume.
func (db *Database) frontier() (uint64, error) {
	tip := db.Tip()
	if tip.IsNull() {
		return HeaderSize, nil
	}
	f, err := readFooter(db.st, tip)
	if err != nil {
		return 0, fmt.Errorf("txn.Database.frontier: %w", err)
	}
	return f.Frontier, nil
}

// TipIndexRoots returns the per-index header_block addresses recorded in
// the footer at Tip. It returns nil when Tip is Null, and an empty slice
// for a database whose only footer is still the genesis one (IndexRoots is
// empty until the first user commit flushes an index).
func (db *Database) TipIndexRoots() ([]address.Address, error) {
	tip := db.Tip()
	if tip.IsNull() {
		return nil, nil
	}
	f, err := readFooter(db.st, tip)
	if err != nil {
		return nil, fmt.Errorf("txn.Database.TipIndexRoots: %w", err)
	}
	return f.IndexRoots, nil
}

// FooterChainLength walks the footer chain from Tip back to genesis,
// returning the number of footers in it (1 for a freshly opened database
// that has never had a user transaction commit, since Open itself writes
// the genesis footer; 2 after the first commit, and so on).
func (db *Database) FooterChainLength() (int, error) {
	n := 0
	addr := db.Tip()
	for !addr.IsNull() {
		f, err := readFooter(db.st, addr)
		if err != nil {
			return 0, fmt.Errorf("txn.Database.FooterChainLength: %w", err)
		}
		n++
		addr = f.PrevFooter
	}
	return n, nil
}

// Checksum hashes an extent's content with the same hash family hamt and
// strtab use for their own hashing, for callers that want a
// tamper-evidence checksum alongside an address.Extent. No index in this
// module calls it.
func Checksum(data []byte) uint64 {
	return farm.Hash64(data)
}

// Close releases the underlying storage and file. It does not attempt to
// abort an in-flight transaction; callers must Abort or Commit before
// Close.
func (db *Database) Close() error {
	stErr := db.st.Close()
	fErr := db.f.Close()
	if stErr != nil {
		return fmt.Errorf("txn.Database.Close: %w", stErr)
	}
	if fErr != nil {
		return fmt.Errorf("txn.Database.Close: %w", fErr)
	}
	return nil
}

// lockWriter takes the single-writer range lock over [lockOffset,
// lockOffset+lockSize) of the file header. block selects the blocking or
// non-blocking mode; in non-blocking mode a lock held by someone else is
// reported as ok=false rather than as an error.
func (db *Database) lockWriter(block bool) (bool, error) {
	lk := unix.Flock_t{
		Type:  unix.F_WRLCK,
		Start: lockOffset,
		Len:   lockSize,
	}
	cmd := unix.F_SETLK
	if block {
		cmd = unix.F_SETLKW
	}
	if err := unix.FcntlFlock(db.f.Fd(), cmd, &lk); err != nil {
		if !block && (err == unix.EACCES || err == unix.EAGAIN) {
			return false, nil
		}
		return false, fmt.Errorf("txn.Database.lockWriter: %w", err)
	}
	return true, nil
}

func (db *Database) unlockWriter() error {
	lk := unix.Flock_t{
		Type:  unix.F_UNLCK,
		Start: lockOffset,
		Len:   lockSize,
	}
	if err := unix.FcntlFlock(db.f.Fd(), unix.F_SETLK, &lk); err != nil {
		return fmt.Errorf("txn.Database.unlockWriter: %w", err)
	}
	return nil
}

func putUint32LE(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
