// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package txn

import (
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/bpowers/pstore/address"
)

// Transaction is the transactional allocator: a bump-pointer frontier plus
// the storage growth needed to back it, scoped to the single writer lock
// held for its lifetime.
type Transaction struct {
	db *Database

	startMapped uint64 // db.st.LogicalSize() when Begin ran, for Abort's rollback
	startFree   uint64 // content frontier when Begin ran
	free        uint64 // current bump pointer
	startTip    address.Address

	done bool
}

// Begin starts a new writer transaction, blocking until the single-writer
// lock is available. There is no internal timeout; the caller is expected
// to be the writer.
func (db *Database) Begin() (*Transaction, error) {
	if _, err := db.lockWriter(true); err != nil {
		return nil, fmt.Errorf("txn.Database.Begin: %w", err)
	}
	return db.newTransaction()
}

// TryBegin is the non-blocking probe path: it returns ok=false, with no
// error, if another writer already holds the lock.
func (db *Database) TryBegin() (*Transaction, bool, error) {
	ok, err := db.lockWriter(false)
	if err != nil || !ok {
		return nil, ok, err
	}
	tx, err := db.newTransaction()
	if err != nil {
		_ = db.unlockWriter()
		return nil, false, err
	}
	return tx, true, nil
}

func (db *Database) newTransaction() (*Transaction, error) {
	startFree, err := db.frontier()
	if err != nil {
		_ = db.unlockWriter()
		return nil, fmt.Errorf("txn.Database.newTransaction: %w", err)
	}
	tx := &Transaction{
		db:          db,
		startMapped: db.st.LogicalSize(),
		startFree:   startFree,
		free:        startFree,
		startTip:    db.Tip(),
	}
	runtime.SetFinalizer(tx, finalizeUnclosedTransaction)
	return tx, nil
}

// finalizeUnclosedTransaction backstops the rule that destroying an open
// transaction without calling either Commit or Abort must abort it
// implicitly and log a warning.
func finalizeUnclosedTransaction(tx *Transaction) {
	if tx.done {
		return
	}
	log.Printf("txn: transaction on %s destroyed without commit or abort; aborting implicitly", tx.db.Path())
	_ = tx.Abort()
}

// Allocate bumps the frontier forward by enough padding to satisfy align
// plus size bytes, growing storage first if the new frontier would exceed
// what is currently mapped.
func (tx *Transaction) Allocate(size, align uint64) (address.Address, error) {
	if tx.done {
		return address.Null, ErrClosed
	}
	pad := address.AlignUpPad(tx.free, align)
	addr := address.Address(tx.free + pad)
	newFree := tx.free + pad + size

	if cur := tx.db.st.LogicalSize(); newFree > cur {
		if err := tx.db.st.MapBytes(cur, newFree); err != nil {
			return address.Null, fmt.Errorf("txn.Transaction.Allocate: %w", err)
		}
	}
	tx.free = newFree
	return addr, nil
}

// AllocRW allocates room for n copies of an elemSize, elemAlign value and
// returns a writable slice over the fresh bytes plus the address they
// landed at.
func (tx *Transaction) AllocRW(n, elemSize, elemAlign uint64) ([]byte, address.Address, error) {
	addr, err := tx.Allocate(n*elemSize, elemAlign)
	if err != nil {
		return nil, address.Null, err
	}
	buf, err := tx.GetRW(addr, n*elemSize)
	if err != nil {
		return nil, address.Null, err
	}
	return buf, addr, nil
}

// GetRW returns a writable view of size bytes at addr. addr must name
// space allocated by this transaction; touching an address sealed by an
// earlier, already-committed transaction fails with ErrReadOnlyViolation.
func (tx *Transaction) GetRW(addr address.Address, size uint64) ([]byte, error) {
	if tx.done {
		return nil, ErrClosed
	}
	if uint64(addr) < tx.startFree || uint64(addr)+size > tx.free {
		return nil, fmt.Errorf("txn.Transaction.GetRW: [%s, +%d): %w", addr, size, ErrReadOnlyViolation)
	}
	return tx.db.st.Bytes(addr, size)
}

// GetRO returns a read-only view of size bytes at addr, committed or not.
func (tx *Transaction) GetRO(addr address.Address, size uint64) ([]byte, error) {
	if tx.done {
		return nil, ErrClosed
	}
	return tx.db.st.Bytes(addr, size)
}

// WriteAt copies data into the store starting at addr, which must be
// within this transaction's own unsealed range. This is the method
// strtab.Transaction and hamt.Transaction both expect, letting *Transaction
// satisfy both interfaces directly.
func (tx *Transaction) WriteAt(addr address.Address, data []byte) error {
	dst, err := tx.GetRW(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Commit performs a five-step commit: index flushing happens in the caller
// (each hamt.Index.Flush(tx, generation) call before Commit is invoked), so
// Commit itself (1) accepts the resulting header_block addresses, (2)
// writes a new footer linking to the previous one, (3) protects every byte
// this transaction wrote, (4) atomically publishes the new tip, and (5)
// truncates the file to match via TruncateToPhysicalSize. Protecting
// before publishing, rather than the reverse, ensures every byte this
// transaction wrote has been sealed before the transaction is visible to
// any reader: setTip is the release barrier a reader synchronizes on, so
// nothing sealed by this transaction may still be mutable once that
// barrier is crossed.
func (tx *Transaction) Commit(indexRoots []address.Address) (address.Address, error) {
	if tx.done {
		return address.Null, ErrClosed
	}

	footerAddr, newFree, err := writeFooter(tx, Footer{
		PrevFooter: tx.startTip,
		Timestamp:  time.Now().UnixNano(),
		IndexRoots: indexRoots,
	})
	if err != nil {
		return address.Null, fmt.Errorf("txn.Transaction.Commit: %w", err)
	}
	tx.free = newFree

	if err := tx.db.st.Protect(address.Address(tx.startFree), address.Address(tx.free)); err != nil {
		return address.Null, fmt.Errorf("txn.Transaction.Commit: %w", err)
	}

	tx.db.setTip(footerAddr)

	if err := tx.db.st.TruncateToPhysicalSize(); err != nil {
		return address.Null, fmt.Errorf("txn.Transaction.Commit: %w", err)
	}

	tx.done = true
	runtime.SetFinalizer(tx, nil)
	if err := tx.db.unlockWriter(); err != nil {
		return footerAddr, fmt.Errorf("txn.Transaction.Commit: %w", err)
	}
	return footerAddr, nil
}

// Abort discards this transaction's frontier advance and shrinks storage
// back to what it mapped before Begin. Abort is idempotent.
func (tx *Transaction) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	runtime.SetFinalizer(tx, nil)

	var firstErr error
	if cur := tx.db.st.LogicalSize(); cur > tx.startMapped {
		if err := tx.db.st.MapBytes(cur, tx.startMapped); err != nil {
			firstErr = fmt.Errorf("txn.Transaction.Abort: %w", err)
		}
	}
	if err := tx.db.unlockWriter(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("txn.Transaction.Abort: %w", err)
	}
	return firstErr
}
