// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/arrayvec"
)

// memStore is a minimal in-memory Store+Transaction double, mirroring the
// one in strtab's tests, so hamt's tests don't need a real storage.Storage.
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

// intKey is a test key whose hash is set explicitly, so tests can force
// shard collisions without depending on a particular hash function.
type intKey struct {
	v    uint64
	hash uint64
}

func (k intKey) Hash() uint64 { return k.hash }
func (k intKey) Equal(o intKey) bool { return k.v == o.v }
func (k intKey) Less(o intKey) bool { return k.v < o.v }

var intKeyCodec = Codec[intKey]{
	Encode: func(dst []byte, k intKey) []byte {
		var buf [16]byte
		putUint64LE(buf[0:8], k.v)
		putUint64LE(buf[8:16], k.hash)
		return append(dst, buf[:]...)
	},
	Decode: func(b []byte) intKey {
		return intKey{v: getUint64LE(b[0:8]), hash: getUint64LE(b[8:16])}
	},
}

var u64Codec = Codec[uint64]{
	Encode: func(dst []byte, v uint64) []byte {
		var buf [8]byte
		putUint64LE(buf[:], v)
		return append(dst, buf[:]...)
	},
	Decode: func(b []byte) uint64 { return getUint64LE(b) },
}

func newTestIndex() (*memStore, *Index[intKey, uint64]) {
	store := &memStore{}
	return store, New[intKey, uint64](store, intKeyCodec, u64Codec)
}

func TestInsertIntoEmptyProducesLeafRoot(t *testing.T) {
	_, ix := newTestIndex()
	inserted, err := ix.Insert(intKey{v: 1, hash: 0xAAAA}, 100)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotNil(t, ix.root)
	require.True(t, ix.root.isHeap)
	_, ok := ix.root.heap.(*heapLeaf[intKey, uint64])
	require.True(t, ok, "root of single-entry index must be a bare leaf")
}

func TestSecondDistinctShardInsertProducesBranchOfTwo(t *testing.T) {
	_, ix := newTestIndex()
	_, err := ix.Insert(intKey{v: 1, hash: 1}, 10) // shard 1 at depth 0
	require.NoError(t, err)
	_, err = ix.Insert(intKey{v: 2, hash: 2}, 20) // shard 2 at depth 0
	require.NoError(t, err)

	require.True(t, ix.root.isHeap)
	b, ok := ix.root.heap.(*heapBranch[intKey, uint64])
	require.True(t, ok, "two keys in distinct root shards must produce a branch")
	require.Equal(t, 2, b.children.Len())
	require.Equal(t, 2, popcountBelowOrEqual(b.bitmap))
}

func popcountBelowOrEqual(bitmap uint64) int {
	n := 0
	for bitmap != 0 {
		n++
		bitmap &= bitmap - 1
	}
	return n
}

func TestCollisionHashProducesLinearNode(t *testing.T) {
	_, ix := newTestIndex()
	const sameHash = 0x1234567890ABCDEF
	_, err := ix.Insert(intKey{v: 1, hash: sameHash}, 10)
	require.NoError(t, err)
	_, err = ix.Insert(intKey{v: 2, hash: sameHash}, 20)
	require.NoError(t, err)

	// Identical hashes share every shard, so the keys sit below a chain of
	// single-child branches that ends in a linear node at MaxBranchDepth.
	node := ix.root.heap
	depth := 0
	for {
		b, isBranch := node.(*heapBranch[intKey, uint64])
		if !isBranch {
			break
		}
		require.Equal(t, 1, b.children.Len())
		node = b.children.At(0).heap
		depth++
	}
	require.Equal(t, MaxBranchDepth, depth)
	ln, ok := node.(*heapLinear[intKey, uint64])
	require.True(t, ok, "two keys with identical hashes must produce a linear node")
	require.Len(t, ln.leaves, 2)
}

func TestFindReturnsMostRecentValue(t *testing.T) {
	_, ix := newTestIndex()
	k := intKey{v: 7, hash: 0x77}
	_, err := ix.Insert(k, 1)
	require.NoError(t, err)
	inserted, err := ix.Insert(k, 2)
	require.NoError(t, err)
	require.False(t, inserted, "re-inserting an existing key must report inserted=false")

	v, ok, err := ix.Find(k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), v)
}

func TestFindMissOnEmptyIndex(t *testing.T) {
	_, ix := newTestIndex()
	_, ok, err := ix.Find(intKey{v: 1, hash: 1})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlushAndReopenRoundTrip(t *testing.T) {
	store, ix := newTestIndex()

	entries := map[uint64]uint64{}
	for i := uint64(0); i < 200; i++ {
		k := intKey{v: i, hash: i * 2654435761}
		_, err := ix.Insert(k, i*10)
		require.NoError(t, err)
		entries[i] = i * 10
	}

	headerAddr, err := ix.Flush(store, 1)
	require.NoError(t, err)
	require.False(t, headerAddr.IsNull())

	reopened, err := Open[intKey, uint64](store, headerAddr, intKeyCodec, u64Codec)
	require.NoError(t, err)
	require.Equal(t, uint64(len(entries)), reopened.Count())

	for v, want := range entries {
		got, ok, err := reopened.Find(intKey{v: v, hash: v * 2654435761})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestFlushIsIdempotentAtSameGeneration(t *testing.T) {
	store, ix := newTestIndex()
	_, err := ix.Insert(intKey{v: 1, hash: 1}, 11)
	require.NoError(t, err)

	addr1, err := ix.Flush(store, 1)
	require.NoError(t, err)
	addr2, err := ix.Flush(store, 1)
	require.NoError(t, err)
	require.Equal(t, addr1, addr2)
}

func TestFlushWritesNewHeaderAfterFurtherInsertsAtNewGeneration(t *testing.T) {
	store, ix := newTestIndex()
	_, err := ix.Insert(intKey{v: 1, hash: 1}, 11)
	require.NoError(t, err)
	addr1, err := ix.Flush(store, 1)
	require.NoError(t, err)

	_, err = ix.Insert(intKey{v: 2, hash: 2}, 22)
	require.NoError(t, err)
	addr2, err := ix.Flush(store, 2)
	require.NoError(t, err)
	require.NotEqual(t, addr1, addr2)
}

func TestOpenEmptyHeaderAddressProducesEmptyIndex(t *testing.T) {
	store := &memStore{}
	ix, err := Open[intKey, uint64](store, address.Null, intKeyCodec, u64Codec)
	require.NoError(t, err)
	require.Equal(t, uint64(0), ix.Count())
	_, ok, err := ix.Find(intKey{v: 1, hash: 1})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratorVisitsEveryEntryExactlyOnce(t *testing.T) {
	_, ix := newTestIndex()
	want := map[uint64]uint64{}
	for i := uint64(0); i < 64; i++ {
		k := intKey{v: i, hash: i * 0x9E3779B9}
		_, err := ix.Insert(k, i+1000)
		require.NoError(t, err)
		want[i] = i + 1000
	}

	got := map[uint64]uint64{}
	it := ix.Iterate()
	for it.Next() {
		got[it.Key().v] = it.Value()
	}
	require.NoError(t, it.Err())
	require.Equal(t, want, got)
}

func TestIteratorOverEmptyIndexYieldsNothing(t *testing.T) {
	_, ix := newTestIndex()
	it := ix.Iterate()
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestIteratorOverSingleLeafRoot(t *testing.T) {
	_, ix := newTestIndex()
	_, err := ix.Insert(intKey{v: 5, hash: 5}, 500)
	require.NoError(t, err)

	it := ix.Iterate()
	require.True(t, it.Next())
	require.Equal(t, uint64(5), it.Key().v)
	require.Equal(t, uint64(500), it.Value())
	require.False(t, it.Next())
}

func TestSingleChildLeafBranchCollapsesOnFlush(t *testing.T) {
	store, ix := newTestIndex()
	var degenerateChildren arrayvec.SmallVec[childSlot[intKey, uint64]]
	degenerateChildren.PushBack(childSlot[intKey, uint64]{isHeap: true, heap: &heapLeaf[intKey, uint64]{key: intKey{v: 9, hash: 9}, val: 900}})
	degenerate := &heapBranch[intKey, uint64]{
		bitmap:   1,
		children: degenerateChildren,
	}
	addr, kind, err := ix.flushNode(store, degenerate)
	require.NoError(t, err)
	require.Equal(t, kindLeaf, kind, "single-leaf-child branch must collapse into the leaf on flush")

	k, v, err := ix.readLeaf(addr)
	require.NoError(t, err)
	require.Equal(t, intKey{v: 9, hash: 9}, k)
	require.Equal(t, uint64(900), v)
}

func TestLinearNodeRejectsGrowthPastCap(t *testing.T) {
	_, ix := newTestIndex()
	leaves := make([]heapLeaf[intKey, uint64], MaxLinearEntries)
	for i := range leaves {
		leaves[i] = heapLeaf[intKey, uint64]{key: intKey{v: uint64(i), hash: 0xFF}, val: uint64(i)}
	}
	slot := childSlot[intKey, uint64]{isHeap: true, heap: &heapLinear[intKey, uint64]{leaves: leaves}}

	_, _, err := ix.insertAt(slot, intKey{v: uint64(MaxLinearEntries), hash: 0xFF}, 1, 0)
	require.ErrorIs(t, err, ErrCorruptIndex)
}

func TestReadBranchRejectsBadSignature(t *testing.T) {
	store, ix := newTestIndex()
	addr, err := store.Allocate(16, 8)
	require.NoError(t, err)
	require.NoError(t, store.WriteAt(addr, make([]byte, 16)))

	_, err = ix.readBranch(addr)
	require.ErrorIs(t, err, ErrCorruptIndex)
}

func TestReadLinearRejectsTooFewLeaves(t *testing.T) {
	store, ix := newTestIndex()
	buf := make([]byte, 16)
	copy(buf[0:8], linearMagic[:])
	putUint64LE(buf[8:16], 1)
	addr, err := store.Allocate(16, 8)
	require.NoError(t, err)
	require.NoError(t, store.WriteAt(addr, buf))

	_, err = ix.readLinear(addr)
	require.ErrorIs(t, err, ErrCorruptIndex)
}
