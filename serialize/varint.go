// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package serialize

import (
	"fmt"
	"math/bits"
)

// MaxVarintLen is the maximum number of bytes Encode ever produces,
// matching the original varint.hpp's max_output_length.
const MaxVarintLen = 9

// nineByteThreshold is the largest value representable without falling
// back to the 9-byte "raw 8-byte follow-on" encoding.
const nineByteThreshold = (uint64(1) << 56) - 1

// EncodedSize returns the number of bytes Encode will produce for x.
func EncodedSize(x uint64) int {
	if x > nineByteThreshold {
		return 9
	}
	n := 64 - bits.LeadingZeros64(x|1)
	return (n-1)/7 + 1
}

// Encode appends the varint encoding of x to dst and returns the result,
// matching pstore's prefix-style variable-length integer: the low bits of
// the first byte encode how many bytes follow. Values above 2^56-1 are
// preceded by a single zero marker byte and then written as 8 raw
// little-endian bytes (the distinguished 9-byte form).
func Encode(dst []byte, x uint64) []byte {
	n := 64 - bits.LeadingZeros64(x|1)
	if n > 56 {
		dst = append(dst, 0)
		for i := 0; i < 8; i++ {
			dst = append(dst, byte(x))
			x >>= 8
		}
		return dst
	}
	nbytes := (n-1)/7 + 1
	encoded := (2*x + 1) << uint(nbytes-1)
	for i := 0; i < nbytes; i++ {
		dst = append(dst, byte(encoded))
		encoded >>= 8
	}
	return dst
}

// DecodeSize returns the total number of bytes (including firstByte
// itself) that make up the varint whose first byte is firstByte.
func DecodeSize(firstByte byte) int {
	return bits.TrailingZeros16(uint16(firstByte)|0x100) + 1
}

// Decode decodes the varint occupying the first size bytes of b, where
// size == DecodeSize(b[0]). It panics if len(b) < size; callers are
// expected to have already validated the buffer is that long.
func Decode(b []byte, size int) uint64 {
	if len(b) < size {
		panic(fmt.Sprintf("serialize.Decode: buffer too short: %d < %d", len(b), size))
	}
	if size == 9 {
		var result uint64
		for i := 0; i < 8; i++ {
			result |= uint64(b[1+i]) << (8 * i)
		}
		return result
	}
	var result uint64
	for i := 0; i < size; i++ {
		result |= uint64(b[i]) << (8 * i)
	}
	return result >> uint(size)
}

// DecodeAuto decodes the varint at the start of b, returning the value and
// the number of bytes it occupied. It returns an error wrapping
// ErrNoBufferSpace if b is shorter than the encoded length demands.
func DecodeAuto(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("serialize.DecodeAuto: %w", ErrNoBufferSpace)
	}
	size := DecodeSize(b[0])
	if len(b) < size {
		return 0, 0, fmt.Errorf("serialize.DecodeAuto: need %d bytes, have %d: %w", size, len(b), ErrNoBufferSpace)
	}
	return Decode(b, size), size, nil
}
