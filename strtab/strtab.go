// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package strtab implements the indirect string table: a two-phase
// interner that lets a string's address be used as an index key before
// the string's body has actually been written anywhere.
package strtab

import (
	"errors"
	"fmt"

	farm "github.com/dgryski/go-farm"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/internal/unsafestring"
	"github.com/bpowers/pstore/serialize"
)

// ErrCorruptIndex is returned when a stored pointer-slot is found with its
// in-heap tag bit still set, which can only happen if a string was never
// flushed before the transaction that wrote it committed.
var ErrCorruptIndex = errors.New("strtab: corrupt indirect string pointer")

// inHeapMask is the low bit of a pointer-slot value that distinguishes an
// in-heap reference from an in-store body address. Store bodies are
// always 2-byte aligned so the bit is otherwise unused.
const inHeapMask = 0x1

// Store resolves a store address to its bytes. storage.Storage satisfies
// this directly.
type Store interface {
	Bytes(addr address.Address, size uint64) ([]byte, error)
}

// Transaction is the slice of a write transaction the adder needs: space to
// write string bodies into, and a way to patch an already-written
// pointer-slot once a body's final address is known.
type Transaction interface {
	Allocate(size, align uint64) (address.Address, error)
	WriteAt(addr address.Address, data []byte) error
}

type form uint8

const (
	formCallerView form = iota // not yet in the index at all
	formHeapRef                // indexed, pointer-slot reserved, body not yet flushed
	formStoreAddr              // body committed to the store
)

// IndirectString is a view into caller-owned memory, an in-heap reference
// to a string an Adder is still holding onto, or an in-store body address.
// The zero value is not valid; construct one via New, Adder.Add, or
// ReadIndirectString.
type IndirectString struct {
	store Store
	form  form

	content string // valid for formCallerView and formHeapRef
	addr    address.Address
	heapID  uint64
}

// New wraps content as a caller-owned view, suitable for use as a lookup key
// before it is known whether the string is already interned.
func New(store Store, content string) IndirectString {
	return IndirectString{store: store, form: formCallerView, content: content}
}

// ReadIndirectString reads the 8-byte pointer-slot at ptrAddr and resolves
// it to the string it names. After a transaction has committed, every
// pointer-slot in the store must name a store body; a live in-heap tag at
// that point means the adder that owned it was never flushed.
func ReadIndirectString(store Store, ptrAddr address.Address) (IndirectString, error) {
	buf, err := store.Bytes(ptrAddr, 8)
	if err != nil {
		return IndirectString{}, fmt.Errorf("strtab.ReadIndirectString: %w", err)
	}
	raw := getUint64LE(buf)
	if raw&inHeapMask != 0 {
		return IndirectString{}, fmt.Errorf("strtab.ReadIndirectString: %w", ErrCorruptIndex)
	}
	return IndirectString{store: store, form: formStoreAddr, addr: address.Address(raw)}, nil
}

// FromStoreAddress wraps an already-known body address directly, without
// going through a pointer-slot indirection. NameIndex's key codec uses
// this to decode a leaf's stored body address back into an IndirectString;
// the pointer-slot form in ReadIndirectString is for the name-to-string
// lookup path, not the index's own leaf records.
func FromStoreAddress(store Store, addr address.Address) IndirectString {
	return IndirectString{store: store, form: formStoreAddr, addr: addr}
}

// IsInStore reports whether the receiver already names a committed body.
func (s IndirectString) IsInStore() bool {
	return s.form == formStoreAddr
}

// StoreAddress returns the in-store address of the body. It panics if the
// receiver is not in the store; callers should check IsInStore first.
func (s IndirectString) StoreAddress() address.Address {
	if s.form != formStoreAddr {
		panic("strtab: StoreAddress called on a string with no store body")
	}
	return s.addr
}

// Content resolves the receiver to its string content, reading the body
// from the store if necessary.
func (s IndirectString) Content() (string, error) {
	switch s.form {
	case formCallerView, formHeapRef:
		return s.content, nil
	case formStoreAddr:
		return readBody(s.store, s.addr)
	default:
		panic("strtab: IndirectString in unknown form")
	}
}

// mustContent resolves content, panicking on a store read failure. A
// failure here means the store is corrupt, not that the caller did
// something wrong, so it is treated the same way address.Make treats an
// out-of-range offset: as an invariant violation rather than a recoverable
// error.
func (s IndirectString) mustContent() string {
	c, err := s.Content()
	if err != nil {
		panic(fmt.Sprintf("strtab: %v", err))
	}
	return c
}

// Equal compares two indirect strings. Two committed (in-store) strings
// are compared by address, since the intern invariant guarantees distinct
// addresses imply distinct content; any other combination falls back to
// comparing resolved content.
func (s IndirectString) Equal(rhs IndirectString) bool {
	if s.form == formStoreAddr && rhs.form == formStoreAddr {
		return s.addr == rhs.addr
	}
	return s.mustContent() == rhs.mustContent()
}

// Less orders two indirect strings lexicographically on their content.
func (s IndirectString) Less(rhs IndirectString) bool {
	return s.mustContent() < rhs.mustContent()
}

// Hash hashes the receiver's content, for use as a HAMT key hash.
func (s IndirectString) Hash() uint64 {
	c := s.mustContent()
	return farm.Hash64(unsafestring.ToBytes(c))
}

// Len returns the length of the receiver's content without necessarily
// resolving a store body's bytes beyond its length prefix.
func (s IndirectString) Len() (int, error) {
	if s.form != formStoreAddr {
		return len(s.content), nil
	}
	prefix, err := s.store.Bytes(s.addr, 2)
	if err != nil {
		return 0, fmt.Errorf("strtab.IndirectString.Len: %w", err)
	}
	size := serialize.DecodeSize(prefix[0])
	full := make([]byte, size)
	copy(full, prefix)
	if size > 2 {
		rest, err := s.store.Bytes(s.addr.Add(2), uint64(size-2))
		if err != nil {
			return 0, fmt.Errorf("strtab.IndirectString.Len: %w", err)
		}
		copy(full[2:], rest)
	}
	return int(serialize.Decode(full, size)), nil
}

func readBody(store Store, addr address.Address) (string, error) {
	prefix, err := store.Bytes(addr, 2)
	if err != nil {
		return "", fmt.Errorf("strtab.readBody: length prefix: %w", err)
	}
	size := serialize.DecodeSize(prefix[0])
	full := make([]byte, size)
	copy(full, prefix)
	if size > 2 {
		rest, err := store.Bytes(addr.Add(2), uint64(size-2))
		if err != nil {
			return "", fmt.Errorf("strtab.readBody: length prefix tail: %w", err)
		}
		copy(full[2:], rest)
	}
	length := serialize.Decode(full, size)
	if length == 0 {
		return "", nil
	}
	// serialize.WriteString pads a 1-byte length prefix to 2 bytes.
	bodyOff := uint64(size)
	if bodyOff < 2 {
		bodyOff = 2
	}
	body, err := store.Bytes(addr.Add(bodyOff), length)
	if err != nil {
		return "", fmt.Errorf("strtab.readBody: body: %w", err)
	}
	return string(body), nil
}

// pendingEntry is one string remembered during the Add phase, awaiting
// Flush.
type pendingEntry struct {
	patchAddr address.Address
	content   string
}

// Adder implements two-phase insertion. The zero value is not usable;
// construct with NewAdder.
type Adder struct {
	store   Store
	pending []pendingEntry
}

// NewAdder constructs an Adder that resolves store bodies through store.
func NewAdder(store Store) *Adder {
	return &Adder{store: store}
}

// Add is called once the caller (typically the NameIndex) has determined
// that content is not already interned. patchAddr is the address of an
// already-reserved 8-byte pointer-slot that Flush will later overwrite with
// the string's final store address. Add returns an in-heap IndirectString
// that compares equal to any other view of the same content until Flush
// runs.
func (a *Adder) Add(patchAddr address.Address, content string) IndirectString {
	id := uint64(len(a.pending))
	a.pending = append(a.pending, pendingEntry{patchAddr: patchAddr, content: content})
	return IndirectString{store: a.store, form: formHeapRef, content: content, heapID: id}
}

// AddNoPatch is Add for a caller with no pointer-slot to patch: the string
// itself is the key (NameIndex's "string → unit" interning), not a value
// some other structure points at. The returned IndirectString's HeapID
// identifies it among Flush's returned addresses, in order, so the caller
// can resolve its final address once Flush runs.
func (a *Adder) AddNoPatch(content string) IndirectString {
	return a.Add(address.Null, content)
}

// HeapID returns the position of s among the entries an Adder is still
// holding, for callers (NameIndex) that must resolve s to its eventual
// store address from Flush's returned slice before the adder's own
// pointer-slot patch would have done so. The second result is false if s is
// not in the in-heap form.
func (s IndirectString) HeapID() (uint64, bool) {
	if s.form != formHeapRef {
		return 0, false
	}
	return s.heapID, true
}

// Pending reports how many strings are awaiting Flush.
func (a *Adder) Pending() int {
	return len(a.pending)
}

// Discard drops every string added since the last Flush without writing
// anything, for a caller whose transaction is being aborted rather than
// committed.
func (a *Adder) Discard() {
	a.pending = a.pending[:0]
}

// Flush writes the body of every string remembered since the last Flush, in
// insertion order, and patches each one's pointer-slot to the body's final
// address. It returns the store addresses the bodies landed at, in the same
// order.
func (a *Adder) Flush(tx Transaction) ([]address.Address, error) {
	addrs := make([]address.Address, 0, len(a.pending))
	for _, p := range a.pending {
		bodyAddr, err := writeBody(tx, p.content)
		if err != nil {
			return nil, fmt.Errorf("strtab.Adder.Flush: %w", err)
		}
		if !p.patchAddr.IsNull() {
			var buf [8]byte
			putUint64LE(buf[:], bodyAddr.Absolute())
			if err := tx.WriteAt(p.patchAddr, buf[:]); err != nil {
				return nil, fmt.Errorf("strtab.Adder.Flush: patch: %w", err)
			}
		}
		addrs = append(addrs, bodyAddr)
	}
	a.pending = a.pending[:0]
	return addrs, nil
}

func writeBody(tx Transaction, content string) (address.Address, error) {
	vw := &serialize.VectorWriter{}
	if _, err := serialize.WriteString[uint64](vw, content); err != nil {
		return address.Null, err
	}
	addr, err := tx.Allocate(uint64(len(vw.Buf)), 2)
	if err != nil {
		return address.Null, err
	}
	if err := tx.WriteAt(addr, vw.Buf); err != nil {
		return address.Null, err
	}
	return addr, nil
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
