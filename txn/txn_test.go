// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpowers/pstore/address"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.pstore")
}

func TestOpenFreshFileInitializesHeader(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	require.False(t, db.Tip().IsNull(), "Open writes a genesis footer, so Tip is never Null")
	n, err := db.FooterChainLength()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBeginAllocateCommitRoundTrip(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin()
	require.NoError(t, err)

	addr, err := tx.Allocate(16, 8)
	require.NoError(t, err)
	require.NoError(t, tx.WriteAt(addr, []byte("0123456789abcdef")[:16]))

	footerAddr, err := tx.Commit([]address.Address{addr})
	require.NoError(t, err)
	require.False(t, footerAddr.IsNull())
	require.Equal(t, footerAddr, db.Tip())

	got, err := db.Bytes(addr, 16)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(got))
}

func TestReopenPreservesTipAndData(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	addr, err := tx.Allocate(8, 8)
	require.NoError(t, err)
	require.NoError(t, tx.WriteAt(addr, []byte("deadbeef")))
	footerAddr, err := tx.Commit(nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, footerAddr, reopened.Tip())
	got, err := reopened.Bytes(addr, 8)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", string(got))
}

func TestFrontierAdvancesAcrossCommits(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx1, err := db.Begin()
	require.NoError(t, err)
	_, err = tx1.Allocate(32, 8)
	require.NoError(t, err)
	_, err = tx1.Commit(nil)
	require.NoError(t, err)

	f1, err := db.frontier()
	require.NoError(t, err)

	tx2, err := db.Begin()
	require.NoError(t, err)
	addr2, err := tx2.Allocate(16, 8)
	require.NoError(t, err)
	require.Equal(t, f1, uint64(addr2), "second transaction must resume allocating exactly where the first left off")
	_, err = tx2.Commit(nil)
	require.NoError(t, err)
}

func TestAbortDiscardsAllocations(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	before, err := db.frontier()
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Allocate(64, 8)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())

	after, err := db.frontier()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestAbortIsIdempotent(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	require.NoError(t, tx.Abort())
}

func TestOperationsAfterCommitFail(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Commit(nil)
	require.NoError(t, err)

	_, err = tx.Allocate(8, 8)
	require.ErrorIs(t, err, ErrClosed)
}

func TestGetRWRejectsAddressSealedByEarlierTransaction(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx1, err := db.Begin()
	require.NoError(t, err)
	addr, err := tx1.Allocate(8, 8)
	require.NoError(t, err)
	require.NoError(t, tx1.WriteAt(addr, []byte("sealedxx")))
	_, err = tx1.Commit(nil)
	require.NoError(t, err)

	tx2, err := db.Begin()
	require.NoError(t, err)
	defer tx2.Abort()

	_, err = tx2.GetRW(addr, 8)
	require.ErrorIs(t, err, ErrReadOnlyViolation)

	ro, err := tx2.GetRO(addr, 8)
	require.NoError(t, err)
	require.Equal(t, "sealedxx", string(ro))
}

func TestTryBeginReleasesLockOnCommit(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx, ok, err := db.TryBegin()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = tx.Commit(nil)
	require.NoError(t, err)

	tx2, ok, err := db.TryBegin()
	require.NoError(t, err)
	require.True(t, ok, "lock must be released after Commit")
	require.NoError(t, tx2.Abort())
}

func TestTryBeginReleasesLockOnAbort(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx, ok, err := db.TryBegin()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Abort())

	tx2, ok, err := db.TryBegin()
	require.NoError(t, err)
	require.True(t, ok, "lock must be released after Abort")
	require.NoError(t, tx2.Abort())
}

func TestReadFooterRejectsCorruptCRC(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin()
	require.NoError(t, err)
	footerAddr, err := tx.Commit(nil)
	require.NoError(t, err)

	// Flip a timestamp byte: the magic still matches, so only the CRC
	// check can reject the footer.
	raw, err := db.st.Bytes(footerAddr.Add(16), 8)
	require.NoError(t, err)
	raw[0] ^= 0xFF

	_, err = readFooter(db.st, footerAddr)
	require.ErrorIs(t, err, ErrCorruptFooter)
}

func TestChecksumIsStableForIdenticalContent(t *testing.T) {
	require.Equal(t, Checksum([]byte("hello")), Checksum([]byte("hello")))
	require.NotEqual(t, Checksum([]byte("hello")), Checksum([]byte("world")))
}

func TestIndexRootsRoundTripThroughFooter(t *testing.T) {
	db, err := Open(tempDBPath(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin()
	require.NoError(t, err)
	a1, err := tx.Allocate(8, 8)
	require.NoError(t, err)
	a2, err := tx.Allocate(8, 8)
	require.NoError(t, err)
	footerAddr, err := tx.Commit([]address.Address{a1, a2, address.Null})
	require.NoError(t, err)

	f, err := readFooter(db.st, footerAddr)
	require.NoError(t, err)
	require.Equal(t, []address.Address{a1, a2, address.Null}, f.IndexRoots)
}
