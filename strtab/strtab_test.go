// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package strtab

import (
	"fmt"
	"testing"

	farm "github.com/dgryski/go-farm"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/internal/unsafestring"
)

// memStore is a minimal in-memory Store+Transaction double: a single
// growable buffer addressed with segment 0, used so strtab's tests don't
// need a real storage.Storage.
type memStore struct {
	buf []byte
}

func (m *memStore) Bytes(addr address.Address, size uint64) ([]byte, error) {
	off := addr.Absolute()
	if off+size > uint64(len(m.buf)) {
		return nil, fmt.Errorf("memStore.Bytes: out of range")
	}
	return m.buf[off : off+size], nil
}

func (m *memStore) Allocate(size, align uint64) (address.Address, error) {
	if len(m.buf) == 0 {
		// Offset 0 stands in for the file header: address.Null is never an
		// allocation.
		m.buf = make([]byte, 8)
	}
	cur := uint64(len(m.buf))
	cur += address.AlignUpPad(cur, align)
	for uint64(len(m.buf)) < cur+size {
		m.buf = append(m.buf, 0)
	}
	return address.Make(0, cur), nil
}

func (m *memStore) WriteAt(addr address.Address, data []byte) error {
	off := addr.Absolute()
	if off+uint64(len(data)) > uint64(len(m.buf)) {
		return fmt.Errorf("memStore.WriteAt: out of range")
	}
	copy(m.buf[off:], data)
	return nil
}

func TestAddAndFlushRoundTrip(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)

	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)

	is := adder.Add(patchAddr, "hello")
	content, err := is.Content()
	require.NoError(t, err)
	require.Equal(t, "hello", content)
	require.False(t, is.IsInStore())

	addrs, err := adder.Flush(store)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, 0, adder.Pending())

	read, err := ReadIndirectString(store, patchAddr)
	require.NoError(t, err)
	require.True(t, read.IsInStore())
	require.Equal(t, addrs[0], read.StoreAddress())

	got, err := read.Content()
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestFlushPreservesInsertionOrder(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)

	words := []string{"alpha", "beta", "gamma", "delta"}
	patches := make([]address.Address, len(words))
	for i, w := range words {
		p, err := store.Allocate(8, 8)
		require.NoError(t, err)
		patches[i] = p
		adder.Add(p, w)
	}
	require.Equal(t, len(words), adder.Pending())

	_, err := adder.Flush(store)
	require.NoError(t, err)

	for i, w := range words {
		read, err := ReadIndirectString(store, patches[i])
		require.NoError(t, err)
		got, err := read.Content()
		require.NoError(t, err)
		require.Equal(t, w, got)
	}
}

func TestEqualByAddressWhenBothInStore(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)
	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)
	adder.Add(patchAddr, "same")
	_, err = adder.Flush(store)
	require.NoError(t, err)

	a, err := ReadIndirectString(store, patchAddr)
	require.NoError(t, err)
	b, err := ReadIndirectString(store, patchAddr)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}

func TestEqualFallsBackToContentWhenNotBothInStore(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)
	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)

	a := New(store, "x")
	b := adder.Add(patchAddr, "x")
	require.True(t, a.Equal(b))

	c := New(store, "y")
	require.False(t, a.Equal(c))
}

func TestLessOrdersByContent(t *testing.T) {
	store := &memStore{}
	a := New(store, "apple")
	b := New(store, "banana")
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func TestHashMatchesContentHash(t *testing.T) {
	store := &memStore{}
	s := New(store, "hash me")
	require.Equal(t, farm.Hash64(unsafestring.ToBytes("hash me")), s.Hash())
}

func TestLenForCallerViewAndStoreBody(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)
	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)

	view := New(store, "twelve chars")
	n, err := view.Len()
	require.NoError(t, err)
	require.Equal(t, len("twelve chars"), n)

	adder.Add(patchAddr, "twelve chars")
	_, err = adder.Flush(store)
	require.NoError(t, err)

	read, err := ReadIndirectString(store, patchAddr)
	require.NoError(t, err)
	n, err = read.Len()
	require.NoError(t, err)
	require.Equal(t, len("twelve chars"), n)
}

func TestEmptyStringRoundTrip(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)
	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)

	adder.Add(patchAddr, "")
	_, err = adder.Flush(store)
	require.NoError(t, err)

	read, err := ReadIndirectString(store, patchAddr)
	require.NoError(t, err)
	got, err := read.Content()
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestReadIndirectStringRejectsHeapTag(t *testing.T) {
	store := &memStore{}
	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)
	// write a raw pointer-slot value with the in-heap tag still set.
	raw := uint64(42) | inHeapMask
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(raw >> (8 * i))
	}
	require.NoError(t, store.WriteAt(patchAddr, buf[:]))

	_, err = ReadIndirectString(store, patchAddr)
	require.ErrorIs(t, err, ErrCorruptIndex)
}

func TestLongStringRoundTrip(t *testing.T) {
	store := &memStore{}
	adder := NewAdder(store)
	patchAddr, err := store.Allocate(8, 8)
	require.NoError(t, err)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	adder.Add(patchAddr, string(long))
	_, err = adder.Flush(store)
	require.NoError(t, err)

	read, err := ReadIndirectString(store, patchAddr)
	require.NoError(t, err)
	got, err := read.Content()
	require.NoError(t, err)
	require.Equal(t, string(long), got)
}
