// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package arrayvec implements a stack-preferred, heap-fallback
// variable-length buffer: up to InlineCapacity elements live in the
// SmallVec value itself, and growth beyond that spills to a regular Go
// slice. The HAMT uses it for a branch's packed children, a short run of
// elements where avoiding a heap allocation matters.
package arrayvec

import "unsafe"

// InlineCapacity is the number of elements a SmallVec holds before it
// spills to the heap. The inline-to-heap transition happens exactly at
// InlineCapacity+1 elements.
const InlineCapacity = 8

// SmallVec is a small-vector over T: while len(s) <= InlineCapacity its
// elements live in the inline array and no heap allocation has occurred;
// past that it behaves like (and is backed by) a plain slice. Any mutation
// that may grow the vector invalidates every previously obtained index
// reference.
type SmallVec[T any] struct {
	inline  [InlineCapacity]T
	spilled []T
	n       int
	onHeap  bool
}

// New returns an empty SmallVec.
func New[T any]() *SmallVec[T] {
	return &SmallVec[T]{}
}

// NewWithLen returns a SmallVec of length n with zero-valued elements.
func NewWithLen[T any](n int) *SmallVec[T] {
	s := New[T]()
	s.Resize(n)
	return s
}

// NewFrom returns a SmallVec seeded from the given elements, in order.
func NewFrom[T any](elems ...T) *SmallVec[T] {
	s := New[T]()
	for _, e := range elems {
		s.PushBack(e)
	}
	return s
}

// Len returns the number of elements.
func (s *SmallVec[T]) Len() int {
	return s.n
}

// SizeBytes returns the number of elements times the size of one element.
func (s *SmallVec[T]) SizeBytes() int {
	var zero T
	return s.n * sizeOf(zero)
}

// Empty reports whether the vector has no elements.
func (s *SmallVec[T]) Empty() bool {
	return s.n == 0
}

// Capacity returns the current backing capacity: InlineCapacity while
// inline, or the spilled slice's capacity once spilled.
func (s *SmallVec[T]) Capacity() int {
	if !s.onHeap {
		return InlineCapacity
	}
	return cap(s.spilled)
}

func (s *SmallVec[T]) storage() []T {
	if s.onHeap {
		return s.spilled
	}
	return s.inline[:]
}

// spill moves the inline elements to a heap slice with the requested
// minimum capacity. It is a no-op if already spilled and already big
// enough.
func (s *SmallVec[T]) spill(minCap int) {
	if s.onHeap && cap(s.spilled) >= minCap {
		return
	}
	newCap := minCap
	if newCap < 2*InlineCapacity {
		newCap = 2 * InlineCapacity
	}
	newSlice := make([]T, newCap)
	copy(newSlice, s.storage()[:s.n])
	s.spilled = newSlice
	s.onHeap = true
}

// Reserve ensures capacity for at least n elements total, spilling to the
// heap if n exceeds InlineCapacity.
func (s *SmallVec[T]) Reserve(n int) {
	if n > s.Capacity() {
		s.spill(n)
	}
}

// PushBack appends v to the end of the vector.
func (s *SmallVec[T]) PushBack(v T) {
	if s.n == s.Capacity() {
		s.spill(s.n + 1)
	}
	store := s.storageMutable()
	store[s.n] = v
	s.n++
}

// EmplaceBack is an alias for PushBack; Go has no in-place constructor
// distinct from an assignment.
func (s *SmallVec[T]) EmplaceBack(v T) {
	s.PushBack(v)
}

func (s *SmallVec[T]) storageMutable() []T {
	if s.onHeap {
		return s.spilled
	}
	return s.inline[:]
}

// PopBack removes and discards the last element. It panics if the vector
// is empty.
func (s *SmallVec[T]) PopBack() {
	if s.n == 0 {
		panic("arrayvec.SmallVec.PopBack: empty")
	}
	var zero T
	s.storageMutable()[s.n-1] = zero
	s.n--
}

// Back returns the last element. It panics if the vector is empty.
func (s *SmallVec[T]) Back() T {
	if s.n == 0 {
		panic("arrayvec.SmallVec.Back: empty")
	}
	return s.storage()[s.n-1]
}

// At returns the element at index i.
func (s *SmallVec[T]) At(i int) T {
	if i < 0 || i >= s.n {
		panic("arrayvec.SmallVec.At: index out of range")
	}
	return s.storage()[i]
}

// Set overwrites the element at index i.
func (s *SmallVec[T]) Set(i int, v T) {
	if i < 0 || i >= s.n {
		panic("arrayvec.SmallVec.Set: index out of range")
	}
	s.storageMutable()[i] = v
}

// Resize grows or shrinks the vector to exactly n elements, zero-filling
// any newly exposed elements.
func (s *SmallVec[T]) Resize(n int) {
	if n < 0 {
		panic("arrayvec.SmallVec.Resize: negative length")
	}
	if n > s.Capacity() {
		s.spill(n)
	}
	store := s.storageMutable()
	var zero T
	for i := s.n; i < n && i < len(store); i++ {
		store[i] = zero
	}
	s.n = n
}

// Clear empties the vector without changing its capacity.
func (s *SmallVec[T]) Clear() {
	var zero T
	store := s.storageMutable()
	for i := 0; i < s.n; i++ {
		store[i] = zero
	}
	s.n = 0
}

// Erase removes the element at pos, shifting subsequent elements down.
func (s *SmallVec[T]) Erase(pos int) {
	s.EraseRange(pos, pos+1)
}

// EraseRange removes the half-open range [first, last), shifting
// subsequent elements down.
func (s *SmallVec[T]) EraseRange(first, last int) {
	if first < 0 || last > s.n || first > last {
		panic("arrayvec.SmallVec.EraseRange: out of range")
	}
	store := s.storageMutable()
	n := copy(store[first:], store[last:s.n])
	var zero T
	for i := first + n; i < s.n; i++ {
		store[i] = zero
	}
	s.n -= last - first
}

// Data returns the live elements as a slice. The slice aliases the
// vector's own storage and is invalidated by any subsequent mutation.
func (s *SmallVec[T]) Data() []T {
	return s.storage()[:s.n]
}

// ForEach iterates forward over the vector's elements.
func (s *SmallVec[T]) ForEach(fn func(i int, v T)) {
	store := s.storage()
	for i := 0; i < s.n; i++ {
		fn(i, store[i])
	}
}

// ForEachReverse iterates backward over the vector's elements.
func (s *SmallVec[T]) ForEachReverse(fn func(i int, v T)) {
	store := s.storage()
	for i := s.n - 1; i >= 0; i-- {
		fn(i, store[i])
	}
}

// OnHeap reports whether the vector has spilled to a heap allocation.
func (s *SmallVec[T]) OnHeap() bool {
	return s.onHeap
}

// sizeOf approximates the storage size of one T: for the element types
// this package is actually used with (fixed-size structs and machine
// words) this is exact.
func sizeOf[T any](zero T) int {
	return int(unsafe.Sizeof(zero))
}
