// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/arrayvec"
	"github.com/bpowers/pstore/serialize"
)

// nodeKind discriminates what a child slot's store address points at. It is
// also packed into the low 2 bits of an on-disk child word (node.go's
// encodeChildWord), since store-resident nodes are always 8-byte aligned
// and so never need those bits themselves.
type nodeKind uint8

const (
	kindLeaf nodeKind = iota
	kindBranch
	kindLinear
)

// childSlot is a tagged union of a heap node or a store address: a child is
// either a heap-resident node under this transaction's exclusive ownership,
// or a store address plus the kind needed to load it without first reading
// its bytes. The zero value (isHeap false, storeAddr null) is the sentinel
// empty slot used for a brand-new index's root.
type childSlot[K Key[K], V any] struct {
	isHeap    bool
	heap      heapNode[K, V]
	storeKind nodeKind
	storeAddr address.Address
}

// heapNode is implemented by every heap-resident node kind. Go's own type
// switch plays the role the design note suggests a HeapNodeId arena would:
// the dynamic type of the interface value is the tag.
type heapNode[K Key[K], V any] interface {
	isHeapNode()
}

type heapLeaf[K Key[K], V any] struct {
	key K
	val V
}

func (*heapLeaf[K, V]) isHeapNode() {}

type heapBranch[K Key[K], V any] struct {
	bitmap   uint64
	children arrayvec.SmallVec[childSlot[K, V]]
}

func (*heapBranch[K, V]) isHeapNode() {}

type heapLinear[K Key[K], V any] struct {
	leaves []heapLeaf[K, V]
}

func (*heapLinear[K, V]) isHeapNode() {}

func shardAt(hash uint64, depth int) uint64 {
	return (hash >> uint(depth*HashIndexBits)) & 63
}

func popcountBelow(bitmap, shard uint64) int {
	return bits.OnesCount64(bitmap & ((uint64(1) << shard) - 1))
}

// encodeChildWord packs kind into the low 2 bits of addr's absolute value.
// It relies on every store node being 8-byte aligned, which leaves those
// bits free.
func encodeChildWord(kind nodeKind, addr address.Address) uint64 {
	return addr.Absolute() | uint64(kind)
}

func decodeChildWord(word uint64) (nodeKind, address.Address) {
	return nodeKind(word & 3), address.Address(word &^ 3)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// load resolves slot to its heap-shaped node, reading from the store if the
// slot is not already heap-resident. A store-resident branch or linear node
// is loaded shallowly: its own children remain store-form childSlots,
// materialized lazily the next time they are visited.
func (ix *Index[K, V]) load(slot childSlot[K, V]) (heapNode[K, V], nodeKind, error) {
	if slot.isHeap {
		switch slot.heap.(type) {
		case *heapLeaf[K, V]:
			return slot.heap, kindLeaf, nil
		case *heapBranch[K, V]:
			return slot.heap, kindBranch, nil
		case *heapLinear[K, V]:
			return slot.heap, kindLinear, nil
		default:
			return nil, 0, fmt.Errorf("hamt: unknown heap node type: %w", ErrCorruptIndex)
		}
	}
	switch slot.storeKind {
	case kindLeaf:
		k, v, err := ix.readLeaf(slot.storeAddr)
		if err != nil {
			return nil, 0, err
		}
		return &heapLeaf[K, V]{key: k, val: v}, kindLeaf, nil
	case kindBranch:
		b, err := ix.readBranch(slot.storeAddr)
		return b, kindBranch, err
	case kindLinear:
		ln, err := ix.readLinear(slot.storeAddr)
		return ln, kindLinear, err
	default:
		return nil, 0, fmt.Errorf("hamt: unknown store node kind: %w", ErrCorruptIndex)
	}
}

// readLengthPrefixed reads one varint-length-prefixed byte field starting
// at addr, returning the field's bytes and the address immediately after
// them.
func readLengthPrefixed(store Store, addr address.Address) ([]byte, address.Address, error) {
	first, err := store.Bytes(addr, 1)
	if err != nil {
		return nil, address.Null, fmt.Errorf("hamt.readLengthPrefixed: %w", wrapStoreErr(err))
	}
	size := serialize.DecodeSize(first[0])
	full := make([]byte, size)
	full[0] = first[0]
	if size > 1 {
		rest, err := store.Bytes(addr.Add(1), uint64(size-1))
		if err != nil {
			return nil, address.Null, fmt.Errorf("hamt.readLengthPrefixed: %w", wrapStoreErr(err))
		}
		copy(full[1:], rest)
	}
	length := serialize.Decode(full, size)
	bodyAddr := addr.Add(uint64(size))
	if length == 0 {
		return nil, bodyAddr, nil
	}
	body, err := store.Bytes(bodyAddr, length)
	if err != nil {
		return nil, address.Null, fmt.Errorf("hamt.readLengthPrefixed: %w", wrapStoreErr(err))
	}
	return body, bodyAddr.Add(length), nil
}

func appendLengthPrefixed(dst, field []byte) []byte {
	dst = serialize.Encode(dst, uint64(len(field)))
	return append(dst, field...)
}

// writeLeaf serializes key and val as two length-prefixed fields and
// allocates them as a single aligned record.
func (ix *Index[K, V]) writeLeaf(tx Transaction, key K, val V) (address.Address, error) {
	var buf []byte
	buf = appendLengthPrefixed(buf, ix.keyCodec.Encode(nil, key))
	buf = appendLengthPrefixed(buf, ix.valCodec.Encode(nil, val))
	addr, err := tx.Allocate(uint64(len(buf)), 8)
	if err != nil {
		return address.Null, fmt.Errorf("hamt.writeLeaf: %w", err)
	}
	if err := tx.WriteAt(addr, buf); err != nil {
		return address.Null, fmt.Errorf("hamt.writeLeaf: %w", err)
	}
	return addr, nil
}

func (ix *Index[K, V]) readLeaf(addr address.Address) (K, V, error) {
	var zeroK K
	var zeroV V
	kb, next, err := readLengthPrefixed(ix.store, addr)
	if err != nil {
		return zeroK, zeroV, err
	}
	vb, _, err := readLengthPrefixed(ix.store, next)
	if err != nil {
		return zeroK, zeroV, err
	}
	return ix.keyCodec.Decode(kb), ix.valCodec.Decode(vb), nil
}

// writeBranchRecord serializes an already-flushed heapBranch (every child
// must already be store-form) as [magic][bitmap][children...].
func (ix *Index[K, V]) writeBranchRecord(tx Transaction, n *heapBranch[K, V]) (address.Address, error) {
	count := n.children.Len()
	buf := make([]byte, 16+8*count)
	copy(buf[0:8], branchMagic[:])
	putUint64LE(buf[8:16], n.bitmap)
	for i := 0; i < count; i++ {
		c := n.children.At(i)
		putUint64LE(buf[16+8*i:], encodeChildWord(c.storeKind, c.storeAddr))
	}
	addr, err := tx.Allocate(uint64(len(buf)), 8)
	if err != nil {
		return address.Null, fmt.Errorf("hamt.writeBranchRecord: %w", err)
	}
	if err := tx.WriteAt(addr, buf); err != nil {
		return address.Null, fmt.Errorf("hamt.writeBranchRecord: %w", err)
	}
	return addr, nil
}

func (ix *Index[K, V]) readBranch(addr address.Address) (*heapBranch[K, V], error) {
	hdr, err := ix.store.Bytes(addr, 16)
	if err != nil {
		return nil, fmt.Errorf("hamt.readBranch: %w", wrapStoreErr(err))
	}
	if !bytes.Equal(hdr[0:8], branchMagic[:]) {
		return nil, fmt.Errorf("hamt.readBranch: bad signature: %w", ErrCorruptIndex)
	}
	bitmap := getUint64LE(hdr[8:16])
	if bitmap == 0 {
		return nil, fmt.Errorf("hamt.readBranch: empty bitmap: %w", ErrCorruptIndex)
	}
	n := bits.OnesCount64(bitmap)
	childBytes, err := ix.store.Bytes(addr.Add(16), uint64(n*8))
	if err != nil {
		return nil, fmt.Errorf("hamt.readBranch: %w", wrapStoreErr(err))
	}
	var children arrayvec.SmallVec[childSlot[K, V]]
	children.Reserve(n)
	for i := 0; i < n; i++ {
		kind, caddr := decodeChildWord(getUint64LE(childBytes[i*8:]))
		children.PushBack(childSlot[K, V]{storeKind: kind, storeAddr: caddr})
	}
	return &heapBranch[K, V]{bitmap: bitmap, children: children}, nil
}

// writeLinearRecord serializes a heapLinear node as
// [magic][count][leaves: length-prefixed key, length-prefixed value]*.
func (ix *Index[K, V]) writeLinearRecord(tx Transaction, n *heapLinear[K, V]) (address.Address, error) {
	if len(n.leaves) > MaxLinearEntries {
		return address.Null, fmt.Errorf("hamt.writeLinearRecord: %w", ErrCorruptIndex)
	}
	buf := make([]byte, 16)
	copy(buf[0:8], linearMagic[:])
	putUint64LE(buf[8:16], uint64(len(n.leaves)))
	for _, l := range n.leaves {
		buf = appendLengthPrefixed(buf, ix.keyCodec.Encode(nil, l.key))
		buf = appendLengthPrefixed(buf, ix.valCodec.Encode(nil, l.val))
	}
	addr, err := tx.Allocate(uint64(len(buf)), 8)
	if err != nil {
		return address.Null, fmt.Errorf("hamt.writeLinearRecord: %w", err)
	}
	if err := tx.WriteAt(addr, buf); err != nil {
		return address.Null, fmt.Errorf("hamt.writeLinearRecord: %w", err)
	}
	return addr, nil
}

func (ix *Index[K, V]) readLinear(addr address.Address) (*heapLinear[K, V], error) {
	hdr, err := ix.store.Bytes(addr, 16)
	if err != nil {
		return nil, fmt.Errorf("hamt.readLinear: %w", wrapStoreErr(err))
	}
	if !bytes.Equal(hdr[0:8], linearMagic[:]) {
		return nil, fmt.Errorf("hamt.readLinear: bad signature: %w", ErrCorruptIndex)
	}
	count := getUint64LE(hdr[8:16])
	if count < 2 || count > MaxLinearEntries {
		return nil, fmt.Errorf("hamt.readLinear: %w", ErrCorruptIndex)
	}
	leaves := make([]heapLeaf[K, V], count)
	cursor := addr.Add(16)
	for i := uint64(0); i < count; i++ {
		kb, next, err := readLengthPrefixed(ix.store, cursor)
		if err != nil {
			return nil, fmt.Errorf("hamt.readLinear: %w", err)
		}
		vb, next2, err := readLengthPrefixed(ix.store, next)
		if err != nil {
			return nil, fmt.Errorf("hamt.readLinear: %w", err)
		}
		leaves[i] = heapLeaf[K, V]{key: ix.keyCodec.Decode(kb), val: ix.valCodec.Decode(vb)}
		cursor = next2
	}
	return &heapLinear[K, V]{leaves: leaves}, nil
}

// flushNode writes node (and, recursively, any of its heap-resident
// children) to the store in post-order, returning the address it landed at
// and the kind tag its parent should record. A branch with exactly one
// child that turns out to be a leaf collapses into that leaf directly.
func (ix *Index[K, V]) flushNode(tx Transaction, node heapNode[K, V]) (address.Address, nodeKind, error) {
	switch n := node.(type) {
	case *heapLeaf[K, V]:
		addr, err := ix.writeLeaf(tx, n.key, n.val)
		return addr, kindLeaf, err

	case *heapBranch[K, V]:
		for i := 0; i < n.children.Len(); i++ {
			c := n.children.At(i)
			if c.isHeap {
				addr, kind, err := ix.flushNode(tx, c.heap)
				if err != nil {
					return address.Null, 0, err
				}
				n.children.Set(i, childSlot[K, V]{storeKind: kind, storeAddr: addr})
			}
		}
		if n.children.Len() == 1 && n.children.At(0).storeKind == kindLeaf {
			return n.children.At(0).storeAddr, kindLeaf, nil
		}
		addr, err := ix.writeBranchRecord(tx, n)
		return addr, kindBranch, err

	case *heapLinear[K, V]:
		addr, err := ix.writeLinearRecord(tx, n)
		return addr, kindLinear, err

	default:
		return address.Null, 0, fmt.Errorf("hamt.flushNode: %w", ErrCorruptIndex)
	}
}
