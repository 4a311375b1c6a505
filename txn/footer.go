// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package txn

import (
	"bytes"
	"fmt"
	"hash/crc64"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/serialize"
	"github.com/bpowers/pstore/storage"
)

var footerMagic = [8]byte{'p', 's', 't', 'o', 'r', 'e', 'f', '1'}

// FooterVersionCRC64XZ identifies the CRC-64/XZ (ECMA-182 reversed)
// polynomial this port uses for footer checksums. It is recorded in every
// footer's Version field rather than hardcoded, so a future format change
// has somewhere to branch from.
const FooterVersionCRC64XZ = 1

var crcTable = crc64.MakeTable(crc64.ECMA)

// Footer is the per-transaction trailer: a link to the previous footer
// (forming a chain back to genesis), a timestamp, the per-index table of
// header_block addresses, and a CRC. Frontier is this port's own addition:
// the free-address value immediately after the footer's own bytes, which
// lets the next transaction resume allocation without a separate
// persisted counter (see Database.frontier).
type Footer struct {
	PrevFooter address.Address
	Timestamp  int64
	Frontier   uint64
	Version    uint64
	IndexRoots []address.Address
}

// footerStore is the read side's minimal dependency: anything that can
// resolve an address to bytes. *storage.Storage and *Database both satisfy
// it.
type footerStore interface {
	Bytes(addr address.Address, size uint64) ([]byte, error)
}

func footerSize(n int) uint64 {
	// magic + prev + timestamp + frontier + version + count + n*root + crc
	return 8*7 + 8*uint64(n)
}

// encodeFooter serializes a footer whose PrevFooter/Timestamp/IndexRoots
// are fixed and whose Frontier is exactly addr+size, the invariant every
// footer, genesis included, satisfies: its own Frontier is the free
// address immediately past its own bytes.
func encodeFooter(addr address.Address, prev address.Address, timestamp int64, indexRoots []address.Address) ([]byte, uint64) {
	size := footerSize(len(indexRoots))
	frontier := uint64(addr) + size

	buf := make([]byte, size)
	fw := &serialize.FixedBufferWriter{Buf: buf}
	fw.PutBytes(footerMagic[:])
	serialize.WriteUint64(fw, uint64(prev))
	serialize.WriteUint64(fw, uint64(timestamp))
	serialize.WriteUint64(fw, frontier)
	serialize.WriteUint64(fw, FooterVersionCRC64XZ)
	serialize.WriteUint64(fw, uint64(len(indexRoots)))
	for _, r := range indexRoots {
		serialize.WriteUint64(fw, uint64(r))
	}
	crc := crc64.Checksum(buf[:len(buf)-8], crcTable)
	serialize.WriteUint64(fw, crc)
	return buf, frontier
}

// writeFooter allocates and writes f within tx, returning the footer's own
// address and the frontier value immediately past it (tx.free after the
// write).
func writeFooter(tx *Transaction, f Footer) (address.Address, uint64, error) {
	size := footerSize(len(f.IndexRoots))
	addr, err := tx.Allocate(size, 8)
	if err != nil {
		return address.Null, 0, fmt.Errorf("txn.writeFooter: %w", err)
	}

	buf, frontier := encodeFooter(addr, f.PrevFooter, f.Timestamp, f.IndexRoots)
	if err := tx.WriteAt(addr, buf); err != nil {
		return address.Null, 0, fmt.Errorf("txn.writeFooter: %w", err)
	}
	return addr, frontier, nil
}

// writeGenesisFooter writes the very first footer a fresh database ever
// gets, directly against st rather than through a Transaction (none exists
// yet at Open). Its PrevFooter is Null: it is the head of the chain, not a
// link in it. Open alone produces a chain of length 1, and the first user
// Commit extends it to 2.
func writeGenesisFooter(st *storage.Storage, timestamp int64) (address.Address, uint64, error) {
	addr := address.Address(HeaderSize)
	size := footerSize(0)
	newLogical := uint64(addr) + size
	if cur := st.LogicalSize(); newLogical > cur {
		if err := st.MapBytes(cur, newLogical); err != nil {
			return address.Null, 0, fmt.Errorf("txn.writeGenesisFooter: %w", err)
		}
	}

	buf, frontier := encodeFooter(addr, address.Null, timestamp, nil)
	dst, err := st.Bytes(addr, size)
	if err != nil {
		return address.Null, 0, fmt.Errorf("txn.writeGenesisFooter: %w", err)
	}
	copy(dst, buf)

	if err := st.Protect(addr, address.Address(frontier)); err != nil {
		return address.Null, 0, fmt.Errorf("txn.writeGenesisFooter: %w", err)
	}
	return addr, frontier, nil
}

// readFooter reads back a footer written by writeFooter, verifying its
// magic and CRC.
func readFooter(store footerStore, addr address.Address) (Footer, error) {
	fixed, err := store.Bytes(addr, 8*6)
	if err != nil {
		return Footer{}, fmt.Errorf("txn.readFooter: %w", err)
	}
	if !bytes.Equal(fixed[0:8], footerMagic[:]) {
		return Footer{}, fmt.Errorf("txn.readFooter: %w", ErrCorruptFooter)
	}
	prev := address.Address(getUint64LE(fixed[8:16]))
	timestamp := int64(getUint64LE(fixed[16:24]))
	frontier := getUint64LE(fixed[24:32])
	version := getUint64LE(fixed[32:40])
	n := getUint64LE(fixed[40:48])

	size := footerSize(int(n))
	full, err := store.Bytes(addr, size)
	if err != nil {
		return Footer{}, fmt.Errorf("txn.readFooter: %w", err)
	}
	wantCRC := getUint64LE(full[size-8:])
	gotCRC := crc64.Checksum(full[:size-8], crcTable)
	if gotCRC != wantCRC {
		return Footer{}, fmt.Errorf("txn.readFooter: %w", ErrCorruptFooter)
	}
	if version != FooterVersionCRC64XZ {
		return Footer{}, fmt.Errorf("txn.readFooter: version %d: %w", version, ErrVersionMismatch)
	}

	roots := make([]address.Address, n)
	for i := uint64(0); i < n; i++ {
		off := 48 + i*8
		roots[i] = address.Address(getUint64LE(full[off : off+8]))
	}
	return Footer{
		PrevFooter: prev,
		Timestamp:  timestamp,
		Frontier:   frontier,
		Version:    version,
		IndexRoots: roots,
	}, nil
}

func getUint64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
