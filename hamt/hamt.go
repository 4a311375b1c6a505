// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package hamt implements a persistent, copy-on-write hash-array-mapped
// trie index: a generic Index[K, V] keyed by a 64-bit hash derived from K,
// with branch nodes packing children behind a bitmap and a linear tail for
// hash collisions.
package hamt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/arrayvec"
	"github.com/bpowers/pstore/storage"
)

const (
	// HashIndexBits is the number of hash bits consumed per branch level
	// (log2(64), since a branch packs up to 64 children).
	HashIndexBits = 6
	// MaxBranchDepth is the deepest a branch level can occur before the
	// walk switches to a linear collision node.
	MaxBranchDepth = 11
	// MaxTreeDepth bounds the walk stack: MaxBranchDepth branch levels
	// plus the terminal leaf/linear level, plus one for the root frame
	// itself. Insert and Find assert against this; exceeding it can only
	// happen if the tree is corrupt, since 11 branch levels already
	// exhaust all 64 hash bits.
	MaxTreeDepth = MaxBranchDepth + 2
	// MaxLinearEntries caps the collision bucket of a linear node at 2^16.
	MaxLinearEntries = 1 << 16
)

// ErrCorruptIndex is returned when a node's signature, bitmap, or recorded
// size disagrees with what was read, or when a linear node's bucket would
// exceed MaxLinearEntries.
var ErrCorruptIndex = errors.New("hamt: corrupt index")

// ErrBadAddress is returned when a node or header references an address
// that Store refuses to resolve.
var ErrBadAddress = errors.New("hamt: bad address")

// wrapStoreErr upgrades a Store.Bytes failure caused by an out-of-range
// address into ErrBadAddress, so a reader that walks off the end of a
// mapped region reports bad_address rather than an opaque storage error.
// Any other failure (a genuine I/O error, say) passes through unchanged.
func wrapStoreErr(err error) error {
	if err == nil || !errors.Is(err, storage.ErrOutOfRange) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBadAddress, err)
}

// Store resolves a store address to its bytes. storage.Storage satisfies
// this directly.
type Store interface {
	Bytes(addr address.Address, size uint64) ([]byte, error)
}

// Transaction is the slice of a write transaction Flush needs: space to
// write nodes into.
type Transaction interface {
	Allocate(size, align uint64) (address.Address, error)
	WriteAt(addr address.Address, data []byte) error
}

// Key is the constraint every index key type must satisfy. strtab's
// IndirectString already implements exactly this shape.
type Key[K any] interface {
	Hash() uint64
	Equal(K) bool
	Less(K) bool
}

// Codec serializes and deserializes a leaf field (key or value) to and from
// a flat byte slice; Encode appends to dst and returns the result, Decode
// returns the value and is given exactly the bytes a matching Encode
// produced.
type Codec[T any] struct {
	Encode func(dst []byte, v T) []byte
	Decode func(b []byte) T
}

var (
	headerMagic = [8]byte{'H', 'm', 't', 'H', 'd', 'r', '0', '1'}
	branchMagic = [8]byte{'H', 'm', 't', 'B', 'r', 'n', '0', '1'}
	linearMagic = [8]byte{'H', 'm', 't', 'L', 'i', 'n', '0', '1'}
)

// Index is a persistent COW HAMT mapping K to V. The zero value is not
// valid; construct with New or Open.
type Index[K Key[K], V any] struct {
	store    Store
	keyCodec Codec[K]
	valCodec Codec[V]

	root  *childSlot[K, V] // nil means the index is empty
	count uint64

	dirty             bool
	headerAddr        address.Address
	lastFlushedAt     uint64
	haveLastFlushedAt bool
}

// New constructs an empty index that serializes keys and values with the
// given codecs.
func New[K Key[K], V any](store Store, keyCodec Codec[K], valCodec Codec[V]) *Index[K, V] {
	return &Index[K, V]{store: store, keyCodec: keyCodec, valCodec: valCodec}
}

// Open loads an index whose most recent header block lives at headerAddr.
// A null headerAddr produces an empty index, matching a freshly-created
// index kind that has never been flushed.
func Open[K Key[K], V any](store Store, headerAddr address.Address, keyCodec Codec[K], valCodec Codec[V]) (*Index[K, V], error) {
	ix := New(store, keyCodec, valCodec)
	if headerAddr.IsNull() {
		return ix, nil
	}
	buf, err := store.Bytes(headerAddr, 24)
	if err != nil {
		return nil, fmt.Errorf("hamt.Open: %w", wrapStoreErr(err))
	}
	if !bytes.Equal(buf[0:8], headerMagic[:]) {
		return nil, fmt.Errorf("hamt.Open: bad header signature: %w", ErrCorruptIndex)
	}
	ix.count = getUint64LE(buf[8:16])
	ix.headerAddr = headerAddr
	if rootWord := getUint64LE(buf[16:24]); rootWord != 0 {
		kind, addr := decodeChildWord(rootWord)
		ix.root = &childSlot[K, V]{storeKind: kind, storeAddr: addr}
	}
	return ix, nil
}

// Count reports the number of entries in the index as of the last
// successful Insert.
func (ix *Index[K, V]) Count() uint64 {
	return ix.count
}

// HeaderAddress returns the address of the most recently flushed header
// block, or the null address if the index has never been flushed.
func (ix *Index[K, V]) HeaderAddress() address.Address {
	return ix.headerAddr
}

// Find looks up key, returning its value and true on a hit.
func (ix *Index[K, V]) Find(key K) (V, bool, error) {
	_, v, ok, err := ix.FindEntry(key)
	return v, ok, err
}

// FindEntry looks up key, returning the key actually stored alongside its
// value. The stored key can carry a different representation than the
// search key (for example strtab.IndirectString: a caller-view search key
// may resolve to a leaf holding the committed in-store form), which plain
// Find has no way to hand back.
func (ix *Index[K, V]) FindEntry(key K) (K, V, bool, error) {
	var zeroK K
	var zeroV V
	if ix.root == nil {
		return zeroK, zeroV, false, nil
	}
	return ix.findEntryAt(*ix.root, key, 0)
}

func (ix *Index[K, V]) findEntryAt(slot childSlot[K, V], key K, depth int) (K, V, bool, error) {
	var zeroK K
	var zeroV V
	if depth > MaxTreeDepth {
		panic("hamt: max tree depth exceeded during find")
	}
	node, kind, err := ix.load(slot)
	if err != nil {
		return zeroK, zeroV, false, err
	}
	switch kind {
	case kindLeaf:
		lf := node.(*heapLeaf[K, V])
		if lf.key.Equal(key) {
			return lf.key, lf.val, true, nil
		}
		return zeroK, zeroV, false, nil
	case kindBranch:
		b := node.(*heapBranch[K, V])
		shard := shardAt(key.Hash(), depth)
		bit := uint64(1) << shard
		if b.bitmap&bit == 0 {
			return zeroK, zeroV, false, nil
		}
		idx := popcountBelow(b.bitmap, shard)
		return ix.findEntryAt(b.children.At(idx), key, depth+1)
	case kindLinear:
		ln := node.(*heapLinear[K, V])
		for _, l := range ln.leaves {
			if l.key.Equal(key) {
				return l.key, l.val, true, nil
			}
		}
		return zeroK, zeroV, false, nil
	default:
		return zeroK, zeroV, false, fmt.Errorf("hamt.Index.Find: %w", ErrCorruptIndex)
	}
}

// Insert adds or overwrites key→val, reporting whether a new entry was
// created. An equal-key hit replaces the value and reports inserted =
// false.
func (ix *Index[K, V]) Insert(key K, val V) (bool, error) {
	var root childSlot[K, V]
	if ix.root != nil {
		root = *ix.root
	}
	newRoot, inserted, err := ix.insertAt(root, key, val, 0)
	if err != nil {
		return false, err
	}
	ix.root = &newRoot
	if inserted {
		ix.count++
	}
	ix.dirty = true
	return inserted, nil
}

// isEmptySlot reports whether slot is the zero value: no heap node and the
// null store address, which Insert and Open use as "no root yet". Null is
// never a valid allocation address (address.Null's doc comment), so this
// sentinel never collides with a real store-resident leaf.
func isEmptySlot[K Key[K], V any](slot childSlot[K, V]) bool {
	return !slot.isHeap && slot.storeAddr.IsNull()
}

func (ix *Index[K, V]) insertAt(slot childSlot[K, V], key K, val V, depth int) (childSlot[K, V], bool, error) {
	if depth > MaxTreeDepth {
		panic("hamt: max tree depth exceeded during insert")
	}
	if isEmptySlot(slot) {
		return childSlot[K, V]{isHeap: true, heap: &heapLeaf[K, V]{key: key, val: val}}, true, nil
	}
	node, kind, err := ix.load(slot)
	if err != nil {
		return childSlot[K, V]{}, false, err
	}
	switch kind {
	case kindLeaf:
		lf := node.(*heapLeaf[K, V])
		if lf.key.Equal(key) {
			lf.val = val
			return childSlot[K, V]{isHeap: true, heap: lf}, false, nil
		}
		newSlot, err := ix.splitLeaves(heapLeaf[K, V]{key: lf.key, val: lf.val}, key, val, depth)
		if err != nil {
			return childSlot[K, V]{}, false, err
		}
		return newSlot, true, nil

	case kindBranch:
		b := node.(*heapBranch[K, V])
		shard := shardAt(key.Hash(), depth)
		bit := uint64(1) << shard
		if b.bitmap&bit == 0 {
			idx := popcountBelow(b.bitmap, shard)
			newChild := childSlot[K, V]{isHeap: true, heap: &heapLeaf[K, V]{key: key, val: val}}
			b.bitmap |= bit
			b.children = insertChildAt(b.children, idx, newChild)
			return childSlot[K, V]{isHeap: true, heap: b}, true, nil
		}
		idx := popcountBelow(b.bitmap, shard)
		newChild, inserted, err := ix.insertAt(b.children.At(idx), key, val, depth+1)
		if err != nil {
			return childSlot[K, V]{}, false, err
		}
		b.children.Set(idx, newChild)
		return childSlot[K, V]{isHeap: true, heap: b}, inserted, nil

	case kindLinear:
		ln := node.(*heapLinear[K, V])
		for i := range ln.leaves {
			if ln.leaves[i].key.Equal(key) {
				ln.leaves[i].val = val
				return childSlot[K, V]{isHeap: true, heap: ln}, false, nil
			}
		}
		if len(ln.leaves) >= MaxLinearEntries {
			return childSlot[K, V]{}, false, fmt.Errorf("hamt.Index.Insert: %w", ErrCorruptIndex)
		}
		ln.leaves = append(ln.leaves, heapLeaf[K, V]{key: key, val: val})
		return childSlot[K, V]{isHeap: true, heap: ln}, true, nil

	default:
		return childSlot[K, V]{}, false, fmt.Errorf("hamt.Index.Insert: %w", ErrCorruptIndex)
	}
}

// splitLeaves builds the branch (or, past MaxBranchDepth, linear) node that
// results from a second leaf colliding with existing at depth, recursing
// deeper while their shards keep matching.
func (ix *Index[K, V]) splitLeaves(existing heapLeaf[K, V], key K, val V, depth int) (childSlot[K, V], error) {
	if depth >= MaxBranchDepth {
		return childSlot[K, V]{isHeap: true, heap: &heapLinear[K, V]{
			leaves: []heapLeaf[K, V]{existing, {key: key, val: val}},
		}}, nil
	}
	s1 := shardAt(existing.key.Hash(), depth)
	s2 := shardAt(key.Hash(), depth)
	if s1 != s2 {
		lo, hi := heapLeaf[K, V]{key: existing.key, val: existing.val}, heapLeaf[K, V]{key: key, val: val}
		if s1 > s2 {
			lo, hi = hi, lo
		}
		bitmap := uint64(1)<<s1 | uint64(1)<<s2
		var children arrayvec.SmallVec[childSlot[K, V]]
		children.PushBack(childSlot[K, V]{isHeap: true, heap: &lo})
		children.PushBack(childSlot[K, V]{isHeap: true, heap: &hi})
		return childSlot[K, V]{isHeap: true, heap: &heapBranch[K, V]{bitmap: bitmap, children: children}}, nil
	}
	sub, err := ix.splitLeaves(existing, key, val, depth+1)
	if err != nil {
		return childSlot[K, V]{}, err
	}
	var children arrayvec.SmallVec[childSlot[K, V]]
	children.PushBack(sub)
	return childSlot[K, V]{isHeap: true, heap: &heapBranch[K, V]{
		bitmap:   uint64(1) << s1,
		children: children,
	}}, nil
}

// Flush writes every heap-resident node reachable from the root to the
// store in post-order, collapsing single-leaf-child branches, and writes a
// new header block. generation lets a caller skip redundant work: if
// nothing has been inserted since the header at this generation was last
// written, Flush returns the existing header address unchanged, matching
// original_source's hamt_map generation parameter.
func (ix *Index[K, V]) Flush(tx Transaction, generation uint64) (address.Address, error) {
	if !ix.dirty && ix.haveLastFlushedAt && ix.lastFlushedAt == generation {
		return ix.headerAddr, nil
	}

	var rootWord uint64
	if ix.root != nil {
		if ix.root.isHeap {
			addr, kind, err := ix.flushNode(tx, ix.root.heap)
			if err != nil {
				return address.Null, err
			}
			ix.root = &childSlot[K, V]{storeKind: kind, storeAddr: addr}
		}
		rootWord = encodeChildWord(ix.root.storeKind, ix.root.storeAddr)
	}

	buf := make([]byte, 24)
	copy(buf[0:8], headerMagic[:])
	putUint64LE(buf[8:16], ix.count)
	putUint64LE(buf[16:24], rootWord)
	addr, err := tx.Allocate(uint64(len(buf)), 8)
	if err != nil {
		return address.Null, fmt.Errorf("hamt.Index.Flush: %w", err)
	}
	if err := tx.WriteAt(addr, buf); err != nil {
		return address.Null, fmt.Errorf("hamt.Index.Flush: %w", err)
	}

	ix.headerAddr = addr
	ix.lastFlushedAt = generation
	ix.haveLastFlushedAt = true
	ix.dirty = false
	return addr, nil
}

// Snapshot captures enough of an Index's in-memory state to later Restore
// it, for a caller that needs to discard uncommitted mutations: a
// transaction abort, in the root package's composition of several indices
// into one atomic commit/abort unit. Every node insertAt mutates in place
// is freshly allocated by the transaction doing the mutating (ix.load
// decodes a brand-new heap object for every store-resident node, and a
// Flush leaves every node store-resident), so restoring just the root
// pointer and the scalar bookkeeping
// fields is sufficient; nothing reachable only from the discarded root
// survives to be observed again.
type Snapshot[K Key[K], V any] struct {
	root              *childSlot[K, V]
	count             uint64
	dirty             bool
	headerAddr        address.Address
	lastFlushedAt     uint64
	haveLastFlushedAt bool
}

// Snapshot returns ix's current state for a later Restore.
func (ix *Index[K, V]) Snapshot() Snapshot[K, V] {
	return Snapshot[K, V]{
		root:              ix.root,
		count:             ix.count,
		dirty:             ix.dirty,
		headerAddr:        ix.headerAddr,
		lastFlushedAt:     ix.lastFlushedAt,
		haveLastFlushedAt: ix.haveLastFlushedAt,
	}
}

// Restore discards any mutation made since s was captured.
func (ix *Index[K, V]) Restore(s Snapshot[K, V]) {
	ix.root = s.root
	ix.count = s.count
	ix.dirty = s.dirty
	ix.headerAddr = s.headerAddr
	ix.lastFlushedAt = s.lastFlushedAt
	ix.haveLastFlushedAt = s.haveLastFlushedAt
}

// insertChildAt inserts c into children at position idx, shifting the
// entries past idx up by one. SmallVec has no direct insert-at-position
// primitive, so this grows by one with Resize and shifts through At/Set.
func insertChildAt[K Key[K], V any](children arrayvec.SmallVec[childSlot[K, V]], idx int, c childSlot[K, V]) arrayvec.SmallVec[childSlot[K, V]] {
	n := children.Len()
	children.Resize(n + 1)
	for i := n; i > idx; i-- {
		children.Set(i, children.At(i-1))
	}
	children.Set(idx, c)
	return children
}
