// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package storage presents a single growing file as a flat, segmented
// address space. Growth creates new
// memory-mapped regions and publishes them into a Segment Address Table
// (SAT); commit calls Protect to seal the bytes a finished transaction
// wrote. It is grounded on the teacher's (bpowers/bit) mmap-reader-over-a-
// file pattern in datafile/datafile.go and internal/dataio/dataio.go,
// generalized from one static read-only mapping to many growable,
// independently protectable regions of a live file.
package storage

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/bpowers/pstore/address"
	"github.com/bpowers/pstore/internal/mmapfile"
)

// ErrOutOfRange is returned by Bytes when addr names a segment that is not
// currently mapped, or a range that runs past the end of a mapped region.
// Callers resolving an index or footer address wrap this in their own
// bad-address sentinel.
var ErrOutOfRange = errors.New("storage: address out of range")

// region is one memory mapping of the backing file, always exactly one
// whole segment (address.SegmentSize bytes), which simplifies the Segment
// Address Table to one entry per region.
type region struct {
	mm         *mmapfile.Region
	fileOffset int64
	segment    uint64
}

func (r *region) end() int64 {
	return r.fileOffset + int64(r.mm.Len())
}

// satEntry is one Segment Address Table slot: a reference to the owning
// region plus the base offset of this segment's bytes within that region's
// mapping. Because every region in this implementation covers exactly one
// segment, base is always 0, but the field is kept so a future
// region-spans-multiple-min-chunks implementation can populate it.
type satEntry struct {
	region *region
	base   int
}

func (e satEntry) valid() bool {
	return e.region != nil
}

// Storage is the segmented, memory-mapped view of a single backing file.
// It owns the Segment Address Table and the set of live regions, and is
// the only thing in this module that talks mmap/mprotect/truncate to the
// OS.
type Storage struct {
	f       *os.File
	sat     []satEntry
	regions []*region // sorted by fileOffset, contiguous, non-overlapping
}

// Open attaches a Storage to an already-opened file. Nothing is mapped
// until the first MapBytes call, and Storage reserves no header bytes of
// its own: Protect seals whatever page-aligned range it is given.
func Open(f *os.File) (*Storage, error) {
	return &Storage{f: f}, nil
}

// LogicalSize returns the highest mapped absolute byte offset: the sum of
// every live region's length. Bytes beyond this are unmapped.
func (s *Storage) LogicalSize() uint64 {
	if len(s.regions) == 0 {
		return 0
	}
	return uint64(s.regions[len(s.regions)-1].end())
}

// segmentFor returns the SAT entry for segment, or the zero value if that
// segment is not currently mapped.
func (s *Storage) segmentFor(segment uint64) satEntry {
	if segment >= uint64(len(s.sat)) {
		return satEntry{}
	}
	return s.sat[segment]
}

// MapBytes grows or shrinks the mapping to cover newLogical bytes of
// address space. oldLogical is accepted (and checked) purely as a sanity
// cross-check against the caller's own bookkeeping; the storage layer
// derives the true current extent from its own region list.
func (s *Storage) MapBytes(oldLogical, newLogical uint64) error {
	if oldLogical != s.LogicalSize() {
		return fmt.Errorf("storage.MapBytes: oldLogical %d does not match current logical size %d", oldLogical, s.LogicalSize())
	}
	if newLogical < oldLogical {
		return s.shrinkTo(newLogical)
	}
	return s.growTo(newLogical)
}

func (s *Storage) growTo(newLogical uint64) error {
	wantSegments := (newLogical + address.SegmentSize - 1) / address.SegmentSize
	if newLogical == 0 {
		wantSegments = 0
	}
	for uint64(len(s.regions)) < wantSegments {
		segment := uint64(len(s.regions))
		fileOffset := int64(segment * address.SegmentSize)
		newFileLen := fileOffset + int64(address.SegmentSize)
		if err := s.f.Truncate(newFileLen); err != nil {
			return fmt.Errorf("storage.growTo: truncate to %d: %w", newFileLen, err)
		}
		mm, err := mmapfile.Map(s.f, fileOffset, int(address.SegmentSize), true)
		if err != nil {
			return fmt.Errorf("storage.growTo: map segment %d: %w", segment, err)
		}
		r := &region{mm: mm, fileOffset: fileOffset, segment: segment}
		s.regions = append(s.regions, r)
		for uint64(len(s.sat)) <= segment {
			s.sat = append(s.sat, satEntry{})
		}
		s.sat[segment] = satEntry{region: r, base: 0}
	}
	return nil
}

func (s *Storage) shrinkTo(newLogical uint64) error {
	keepSegments := (newLogical + address.SegmentSize - 1) / address.SegmentSize
	if newLogical == 0 {
		keepSegments = 0
	}
	var errs error
	for uint64(len(s.regions)) > keepSegments {
		last := s.regions[len(s.regions)-1]
		if err := last.mm.Unmap(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("storage.shrinkTo: unmap segment %d: %w", last.segment, err))
		}
		s.regions = s.regions[:len(s.regions)-1]
		s.sat[last.segment] = satEntry{}
	}
	s.sat = s.sat[:keepSegments]
	if errs != nil {
		return errs
	}
	if err := s.f.Truncate(int64(keepSegments * address.SegmentSize)); err != nil {
		return fmt.Errorf("storage.shrinkTo: truncate: %w", err)
	}
	return nil
}

// Bytes returns a slice of size bytes starting at addr. The slice aliases
// the underlying mapped memory directly (Go's garbage collector keeps the
// slice header alive as long as it is referenced; the backing pages stay
// mapped until Close or a shrink unmaps their region), so there is no
// separate handle type to hold onto.
func (s *Storage) Bytes(addr address.Address, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if s.RequestSpansRegions(addr, size) {
		return nil, fmt.Errorf("storage.Bytes: [%s, +%d) spans more than one region", addr, size)
	}
	e := s.segmentFor(addr.Segment())
	if !e.valid() {
		return nil, fmt.Errorf("storage.Bytes: segment %d is not mapped: %w", addr.Segment(), ErrOutOfRange)
	}
	data := e.region.mm.Bytes()
	start := e.base + int(addr.Offset())
	end := start + int(size)
	if end > len(data) {
		return nil, fmt.Errorf("storage.Bytes: [%d, %d) exceeds region length %d: %w", start, end, len(data), ErrOutOfRange)
	}
	return data[start:end], nil
}

// RequestSpansRegions reports whether the half-open range [addr, addr+size)
// crosses a region boundary.
func (s *Storage) RequestSpansRegions(addr address.Address, size uint64) bool {
	if size == 0 {
		return false
	}
	lastByte := addr.Add(size - 1)
	return addr.Segment() != lastByte.Segment()
}

// Copier copies chunkLen bytes between an in-store pointer and a scratch
// buffer; the direction is determined by which of src/dst aliases the
// store.
type Copier func(store, scratch []byte, chunkLen int)

// CopyFromStore copies size bytes starting at addr into dst, breaking the
// transfer at region boundaries. dst must be at least size bytes long.
func (s *Storage) CopyFromStore(addr address.Address, size uint64, dst []byte) error {
	return s.walkRegions(addr, size, func(store []byte, off uint64, chunkLen int) error {
		copy(dst[off:off+uint64(chunkLen)], store)
		return nil
	})
}

// CopyToStore copies size bytes from src into the store starting at addr,
// breaking the transfer at region boundaries. Every byte written must lie
// within a region still mapped writable, or the write will fault.
func (s *Storage) CopyToStore(addr address.Address, size uint64, src []byte) error {
	return s.walkRegions(addr, size, func(store []byte, off uint64, chunkLen int) error {
		copy(store, src[off:off+uint64(chunkLen)])
		return nil
	})
}

func (s *Storage) walkRegions(addr address.Address, size uint64, fn func(store []byte, off uint64, chunkLen int) error) error {
	remaining := size
	cur := addr
	var consumed uint64
	for remaining > 0 {
		e := s.segmentFor(cur.Segment())
		if !e.valid() {
			return fmt.Errorf("storage.walkRegions: segment %d is not mapped: %w", cur.Segment(), ErrOutOfRange)
		}
		data := e.region.mm.Bytes()
		start := e.base + int(cur.Offset())
		avail := uint64(len(data) - start)
		chunk := remaining
		if chunk > avail {
			chunk = avail
		}
		if err := fn(data[start:start+int(chunk)], consumed, int(chunk)); err != nil {
			return err
		}
		remaining -= chunk
		consumed += chunk
		cur = cur.Add(chunk)
	}
	return nil
}

// Protect marks the half-open absolute byte range [first, last) read-only,
// rounding first up and last down to the page size. It is called at commit
// to seal all bytes written by the finished transaction.
func (s *Storage) Protect(first, last address.Address) error {
	if !first.Less(last) {
		return nil
	}
	for _, r := range s.regions {
		segStart := r.segment * address.SegmentSize
		segEnd := segStart + address.SegmentSize
		rangeStart := maxU64(first.Absolute(), segStart)
		rangeEnd := minU64(last.Absolute(), segEnd)
		if rangeStart >= rangeEnd {
			continue
		}
		localFirst := mmapfile.RoundUpPage(int(rangeStart - segStart))
		localLast := mmapfile.RoundDownPage(int(rangeEnd - segStart))
		if localFirst >= localLast {
			continue
		}
		if err := r.mm.Protect(localFirst, localLast, true); err != nil {
			return fmt.Errorf("storage.Protect: segment %d: %w", r.segment, err)
		}
	}
	return nil
}

// TruncateToPhysicalSize truncates the backing file to match the end of
// the last live region.
func (s *Storage) TruncateToPhysicalSize() error {
	var end int64
	if len(s.regions) > 0 {
		end = s.regions[len(s.regions)-1].end()
	}
	if err := s.f.Truncate(end); err != nil {
		return fmt.Errorf("storage.TruncateToPhysicalSize: %w", err)
	}
	return nil
}

// Close unmaps every live region. It aggregates every unmap failure with
// go.uber.org/multierr rather than stopping at the first, so a caller
// closing down a database sees every region that failed to release.
func (s *Storage) Close() error {
	var errs error
	for _, r := range s.regions {
		if err := r.mm.Unmap(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("storage.Close: segment %d: %w", r.segment, err))
		}
	}
	s.regions = nil
	s.sat = nil
	return errs
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
