// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package serialize

import (
	"fmt"
)

// WriteString writes s as a varint length prefix, padded to at least two
// bytes, followed by the raw bytes. Padding the prefix lets a reader
// always fetch two bytes up front and already have the full length for
// short strings (the original string_helper::write's approach).
func WriteString[R any](w Writer[R], s string) (R, error) {
	lenBuf := Encode(nil, uint64(len(s)))
	if len(lenBuf) == 1 {
		lenBuf = append(lenBuf, 0)
	}
	r, err := w.PutBytes(lenBuf)
	if err != nil {
		var zero R
		return zero, err
	}
	if len(s) > 0 {
		if _, err := w.PutBytes([]byte(s)); err != nil {
			var zero R
			return zero, err
		}
	}
	return r, nil
}

// ReadString reads back a string written by WriteString. On any failure
// partway through reading the body it returns an empty string rather than
// a partially filled one.
func ReadString(r Reader) (string, error) {
	var lenBuf [2]byte
	if err := r.GetBytes(lenBuf[:]); err != nil {
		return "", fmt.Errorf("serialize.ReadString: length prefix: %w", err)
	}
	size := DecodeSize(lenBuf[0])
	full := make([]byte, size)
	copy(full, lenBuf[:])
	if size > 2 {
		if err := r.GetBytes(full[2:]); err != nil {
			return "", fmt.Errorf("serialize.ReadString: length prefix tail: %w", err)
		}
	}
	length := Decode(full, size)

	if length == 0 {
		return "", nil
	}
	body := make([]byte, length)
	if err := r.GetBytes(body); err != nil {
		return "", fmt.Errorf("serialize.ReadString: body: %w", err)
	}
	return string(body), nil
}

// Pair is the canonical two-element container.
type Pair[A, B any] struct {
	First  A
	Second B
}

// WritePair writes a.First then a.Second in declaration order.
func WritePair[R, A, B any](w Writer[R], p Pair[A, B], writeA func(Writer[R], A) (R, error), writeB func(Writer[R], B) (R, error)) (R, error) {
	if _, err := writeA(w, p.First); err != nil {
		var zero R
		return zero, err
	}
	return writeB(w, p.Second)
}

// ReadPair reads back a Pair written by WritePair.
func ReadPair[A, B any](r Reader, readA func(Reader) (A, error), readB func(Reader) (B, error)) (Pair[A, B], error) {
	a, err := readA(r)
	if err != nil {
		return Pair[A, B]{}, err
	}
	b, err := readB(r)
	if err != nil {
		return Pair[A, B]{}, err
	}
	return Pair[A, B]{First: a, Second: b}, nil
}

// WriteSlice writes a size prefix followed by each element in order.
func WriteSlice[R, T any](w Writer[R], elems []T, writeOne func(Writer[R], T) (R, error)) (R, error) {
	sizeBuf := Encode(nil, uint64(len(elems)))
	r, err := w.PutBytes(sizeBuf)
	if err != nil {
		var zero R
		return zero, err
	}
	for _, e := range elems {
		if r, err = writeOne(w, e); err != nil {
			var zero R
			return zero, err
		}
	}
	return r, nil
}

// ReadSlice reads back a slice written by WriteSlice.
func ReadSlice[T any](r Reader, readOne func(Reader) (T, error)) ([]T, error) {
	n, err := readSizePrefix(r)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := readOne(r)
		if err != nil {
			return nil, fmt.Errorf("serialize.ReadSlice: element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteSet writes a set's elements as a size-prefixed container. Ordering
// is caller-supplied (sets have no intrinsic order in this port's maps).
func WriteSet[R, T comparable](w Writer[R], set map[T]struct{}, order []T, writeOne func(Writer[R], T) (R, error)) (R, error) {
	return WriteSlice(w, order, writeOne)
}

// ReadSet reads back a set written by WriteSet.
func ReadSet[T comparable](r Reader, readOne func(Reader) (T, error)) (map[T]struct{}, error) {
	elems, err := ReadSlice(r, readOne)
	if err != nil {
		return nil, err
	}
	out := make(map[T]struct{}, len(elems))
	for _, e := range elems {
		out[e] = struct{}{}
	}
	return out, nil
}

// WriteMap writes a map as a size-prefixed sequence of key/value pairs, in
// the order given by keys (callers own key ordering, since Go maps have
// none).
func WriteMap[R, K comparable, V any](w Writer[R], m map[K]V, keys []K, writeKey func(Writer[R], K) (R, error), writeVal func(Writer[R], V) (R, error)) (R, error) {
	pairs := make([]Pair[K, V], len(keys))
	for i, k := range keys {
		pairs[i] = Pair[K, V]{First: k, Second: m[k]}
	}
	return WriteSlice(w, pairs, func(w Writer[R], p Pair[K, V]) (R, error) {
		return WritePair(w, p, writeKey, writeVal)
	})
}

// ReadMap reads back a map written by WriteMap.
func ReadMap[K comparable, V any](r Reader, readKey func(Reader) (K, error), readVal func(Reader) (V, error)) (map[K]V, error) {
	pairs, err := ReadSlice(r, func(r Reader) (Pair[K, V], error) {
		return ReadPair(r, readKey, readVal)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, len(pairs))
	for _, p := range pairs {
		out[p.First] = p.Second
	}
	return out, nil
}

// WriteAtomicUint64 writes the current value of an atomic-style uint64
// counter as 8 little-endian bytes.
func WriteAtomicUint64[R any](w Writer[R], v uint64) (R, error) {
	var buf [8]byte
	putUint64LE(buf[:], v)
	return w.PutBytes(buf[:])
}

// ReadAtomicUint64 reads back a value written by WriteAtomicUint64.
func ReadAtomicUint64(r Reader) (uint64, error) {
	var buf [8]byte
	if err := r.GetBytes(buf[:]); err != nil {
		return 0, fmt.Errorf("serialize.ReadAtomicUint64: %w", err)
	}
	return getUint64LE(buf[:]), nil
}

func readSizePrefix(r Reader) (uint64, error) {
	var first [1]byte
	if err := r.GetBytes(first[:]); err != nil {
		return 0, fmt.Errorf("serialize.readSizePrefix: %w", err)
	}
	size := DecodeSize(first[0])
	full := make([]byte, size)
	full[0] = first[0]
	if size > 1 {
		if err := r.GetBytes(full[1:]); err != nil {
			return 0, fmt.Errorf("serialize.readSizePrefix: tail: %w", err)
		}
	}
	return Decode(full, size), nil
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

// WriteUint32 / ReadUint32 and WriteUint64 / ReadUint64 are the fixed-width
// little-endian scalar codecs; txn's footers are built from WriteUint64,
// while hamt and the root package encode their own records directly.
func WriteUint32[R any](w Writer[R], v uint32) (R, error) {
	var buf [4]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return w.PutBytes(buf[:])
}

func ReadUint32(r Reader) (uint32, error) {
	var buf [4]byte
	if err := r.GetBytes(buf[:]); err != nil {
		return 0, fmt.Errorf("serialize.ReadUint32: %w", err)
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

func WriteUint64[R any](w Writer[R], v uint64) (R, error) {
	var buf [8]byte
	putUint64LE(buf[:], v)
	return w.PutBytes(buf[:])
}

func ReadUint64(r Reader) (uint64, error) {
	var buf [8]byte
	if err := r.GetBytes(buf[:]); err != nil {
		return 0, fmt.Errorf("serialize.ReadUint64: %w", err)
	}
	return getUint64LE(buf[:]), nil
}
