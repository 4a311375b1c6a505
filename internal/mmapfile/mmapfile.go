// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmapfile wraps the OS primitives the storage layer needs to map
// growing regions of a single backing file, and to later mark committed
// ranges of those regions read-only. The teacher repo (bpowers/bit) reaches
// directly into golang.org/x/sys/unix for madvise/mlock in
// internal/index/reader.go and imports a vendored mmap.ReaderAt it never
// includes in the retrieval pack; this package is that missing layer,
// written the same way, generalized from "one static read-only mapping of a
// sealed file" to "many independently growable, independently protectable
// regions of a live file".
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize is the OS page size, used to round Protect's half-open byte
// range: rounding first up and last down to the OS page size.
var PageSize = unix.Getpagesize()

// Region is one OS memory mapping of a byte range of a backing file.
type Region struct {
	data     []byte
	writable bool
}

// Map creates a new mapping of length bytes of f starting at offset. When
// writable is true the mapping is PROT_READ|PROT_WRITE and MAP_SHARED so
// writes are visible to other processes mapping the same file range;
// otherwise it is PROT_READ only.
func Map(f *os.File, offset int64, length int, writable bool) (*Region, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapfile.Map(off=%d, len=%d): %w", offset, length, err)
	}
	return &Region{data: data, writable: writable}, nil
}

// Bytes returns the mapped byte range. The slice is valid only while the
// region is live; callers that need the memory to outlive the region must
// copy it.
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the length in bytes of the mapping.
func (r *Region) Len() int {
	return len(r.data)
}

// Writable reports whether the region was mapped writable.
func (r *Region) Writable() bool {
	return r.writable
}

// Protect changes the protection of the half-open byte range [first, last)
// within the region to read-only (readonly=true) or read-write
// (readonly=false). mprotect rejects a first that is not page-aligned and
// extends last up to a whole page; callers that must not touch a partial
// page should pre-round themselves.
func (r *Region) Protect(first, last int, readonly bool) error {
	if first < 0 || last > len(r.data) || first > last {
		return fmt.Errorf("mmapfile.Protect: range [%d, %d) out of bounds for region of length %d", first, last, len(r.data))
	}
	if first == last {
		return nil
	}
	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(r.data[first:last], prot); err != nil {
		return fmt.Errorf("mmapfile.Protect: mprotect: %w", err)
	}
	r.writable = !readonly
	return nil
}

// Unmap releases the mapping. The Region must not be used afterwards.
func (r *Region) Unmap() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("mmapfile.Unmap: %w", err)
	}
	return nil
}

// RoundDownPage rounds off down to the nearest page boundary.
func RoundDownPage(off int) int {
	return off &^ (PageSize - 1)
}

// RoundUpPage rounds off up to the nearest page boundary.
func RoundUpPage(off int) int {
	return (off + PageSize - 1) &^ (PageSize - 1)
}
