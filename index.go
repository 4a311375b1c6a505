// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	farm "github.com/dgryski/go-farm"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/erroror"
	"github.com/bpowers/pstore/hamt"
	"github.com/bpowers/pstore/strtab"
	"github.com/bpowers/pstore/txn"
)

// Digest is a 128-bit content digest, the key type of three of the four
// index kinds (fragments, compilations, debug-line headers). The original
// index_types.hpp builds these over a SHA-1-sized digest; this port keeps
// only the width (two 64-bit halves) since no concrete hash algorithm is
// mandated. Callers supply whatever digest value their pipeline produces.
type Digest struct {
	Hi, Lo uint64
}

// MakeDigest builds a Digest from its two halves.
func MakeDigest(hi, lo uint64) Digest {
	return Digest{Hi: hi, Lo: lo}
}

func (d Digest) Hash() uint64 {
	var buf [16]byte
	putUint64LE(buf[0:8], d.Hi)
	putUint64LE(buf[8:16], d.Lo)
	return farm.Hash64(buf[:])
}

func (d Digest) Equal(o Digest) bool { return d == o }

func (d Digest) Less(o Digest) bool {
	if d.Hi != o.Hi {
		return d.Hi < o.Hi
	}
	return d.Lo < o.Lo
}

var digestCodec = hamt.Codec[Digest]{
	Encode: func(dst []byte, d Digest) []byte {
		var buf [16]byte
		putUint64LE(buf[0:8], d.Hi)
		putUint64LE(buf[8:16], d.Lo)
		return append(dst, buf[:]...)
	},
	Decode: func(b []byte) Digest {
		return Digest{Hi: getUint64LE(b[0:8]), Lo: getUint64LE(b[8:16])}
	},
}

var extentCodec = hamt.Codec[address.Extent]{
	Encode: func(dst []byte, e address.Extent) []byte {
		var buf [16]byte
		putUint64LE(buf[0:8], uint64(e.Addr))
		putUint64LE(buf[8:16], e.Size)
		return append(dst, buf[:]...)
	},
	Decode: func(b []byte) address.Extent {
		return address.Extent{Addr: address.Address(getUint64LE(b[0:8])), Size: getUint64LE(b[8:16])}
	},
}

var unitCodec = hamt.Codec[struct{}]{
	Encode: func(dst []byte, _ struct{}) []byte { return dst },
	Decode: func(_ []byte) struct{} { return struct{}{} },
}

// DigestExtentIndex is the shape all three digest-keyed index kinds share:
// fragments, compilations, and debug-line headers (the fourth kind, name
// interning, is NameIndex below).
type DigestExtentIndex struct {
	ix *hamt.Index[Digest, address.Extent]
}

func newDigestExtentIndex(store hamt.Store, headerAddr address.Address) (*DigestExtentIndex, error) {
	ix, err := hamt.Open[Digest, address.Extent](store, headerAddr, digestCodec, extentCodec)
	if err != nil {
		return nil, err
	}
	return &DigestExtentIndex{ix: ix}, nil
}

// Insert records key→extent, overwriting any prior extent for the same
// digest.
func (x *DigestExtentIndex) Insert(key Digest, extent address.Extent) (bool, error) {
	return x.ix.Insert(key, extent)
}

// Find resolves key to the extent most recently inserted for it.
func (x *DigestExtentIndex) Find(key Digest) (address.Extent, bool, error) {
	return x.ix.Find(key)
}

// findResult is Find reshaped into an erroror.Result, for callers
// (DB's *Bytes convenience methods) that want to Bind a lookup straight into
// a follow-on fallible step instead of unpacking (extent, bool, error) by
// hand. A miss is reported as ErrNotFound rather than as ok=false, since
// erroror.Result has no room for a third "absent but not an error" state.
func (x *DigestExtentIndex) findResult(key Digest) erroror.Result[address.Extent] {
	extent, found, err := x.Find(key)
	if err != nil {
		return erroror.Err[address.Extent](err)
	}
	if !found {
		return erroror.Err[address.Extent](ErrNotFound)
	}
	return erroror.Of(extent)
}

// Count reports the number of entries as of the last successful Insert.
func (x *DigestExtentIndex) Count() uint64 {
	return x.ix.Count()
}

// Flush serializes the index and returns its new header block's address.
func (x *DigestExtentIndex) Flush(tx *txn.Transaction, generation uint64) (address.Address, error) {
	return x.ix.Flush(tx, generation)
}

func (x *DigestExtentIndex) headerAddress() address.Address {
	return x.ix.HeaderAddress()
}

func (x *DigestExtentIndex) snapshot() hamt.Snapshot[Digest, address.Extent] {
	return x.ix.Snapshot()
}

func (x *DigestExtentIndex) restore(s hamt.Snapshot[Digest, address.Extent]) {
	x.ix.Restore(s)
}

// FragmentIndex is the digest→extent index of compilation fragments.
type FragmentIndex struct{ *DigestExtentIndex }

// CompilationIndex is the digest→extent index of compilation records.
type CompilationIndex struct{ *DigestExtentIndex }

// DebugLineIndex is the digest→extent index of debug-line headers.
type DebugLineIndex struct{ *DigestExtentIndex }

// NameIndex is a "string → unit" index: a set of interned strings,
// deduplicating by content. Insert returns the canonical IndirectString for
// its argument whether or not the string was already present.
type NameIndex struct {
	ix    *hamt.Index[strtab.IndirectString, struct{}]
	store strtab.Store
	adder *strtab.Adder

	// pendingAddrs resolves a still-heap IndirectString's HeapID to its
	// eventual store address once the adder's own Flush has run but before
	// the index's own Flush serializes the leaf holding it. See
	// strtab.Adder.AddNoPatch's doc comment.
	pendingAddrs []address.Address
}

func newNameIndex(store strtab.Store, headerAddr address.Address) (*NameIndex, error) {
	n := &NameIndex{store: store, adder: strtab.NewAdder(store)}
	keyCodec := hamt.Codec[strtab.IndirectString]{
		Encode: n.encodeKey,
		Decode: func(b []byte) strtab.IndirectString {
			return strtab.FromStoreAddress(store, address.Address(getUint64LE(b)))
		},
	}
	ix, err := hamt.Open[strtab.IndirectString, struct{}](store, headerAddr, keyCodec, unitCodec)
	if err != nil {
		return nil, err
	}
	n.ix = ix
	return n, nil
}

func (n *NameIndex) encodeKey(dst []byte, s strtab.IndirectString) []byte {
	addr := n.resolveAddr(s)
	var buf [8]byte
	putUint64LE(buf[:], addr.Absolute())
	return append(dst, buf[:]...)
}

func (n *NameIndex) resolveAddr(s strtab.IndirectString) address.Address {
	if s.IsInStore() {
		return s.StoreAddress()
	}
	id, ok := s.HeapID()
	if !ok || id >= uint64(len(n.pendingAddrs)) {
		panic("pstore: NameIndex key has no resolvable store address")
	}
	return n.pendingAddrs[id]
}

// Insert interns content if it is not already present, returning the
// canonical IndirectString either way and whether a new entry was created.
func (n *NameIndex) Insert(content string) (strtab.IndirectString, bool, error) {
	search := strtab.New(n.store, content)
	if existing, _, found, err := n.ix.FindEntry(search); err != nil {
		return strtab.IndirectString{}, false, err
	} else if found {
		return existing, false, nil
	}
	s := n.adder.AddNoPatch(content)
	if _, err := n.ix.Insert(s, struct{}{}); err != nil {
		return strtab.IndirectString{}, false, err
	}
	return s, true, nil
}

// Find reports whether content is already interned, and its canonical
// IndirectString if so.
func (n *NameIndex) Find(content string) (strtab.IndirectString, bool, error) {
	search := strtab.New(n.store, content)
	existing, _, found, err := n.ix.FindEntry(search)
	return existing, found, err
}

// Count reports the number of interned strings.
func (n *NameIndex) Count() uint64 {
	return n.ix.Count()
}

// Flush writes every pending string body via the two-phase adder, resolves
// each newly-interned key to its final address, and then flushes the HAMT
// header block itself.
func (n *NameIndex) Flush(tx *txn.Transaction, generation uint64) (address.Address, error) {
	addrs, err := n.adder.Flush(tx)
	if err != nil {
		return address.Null, err
	}
	n.pendingAddrs = addrs
	addr, err := n.ix.Flush(tx, generation)
	n.pendingAddrs = nil
	return addr, err
}

func (n *NameIndex) headerAddress() address.Address {
	return n.ix.HeaderAddress()
}

// snapshot captures the HAMT's in-memory state; restore rolls it back and
// discards the adder's whole pending list, so abort drops an in-flight
// transaction's interning work as one unit.
func (n *NameIndex) snapshot() hamt.Snapshot[strtab.IndirectString, struct{}] {
	return n.ix.Snapshot()
}

func (n *NameIndex) restore(s hamt.Snapshot[strtab.IndirectString, struct{}]) {
	n.ix.Restore(s)
	n.adder.Discard()
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
