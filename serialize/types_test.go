// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package serialize

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "foo", "bar", string(make([]byte, 300))} {
		vw := &VectorWriter{}
		_, err := WriteString[uint64](vw, s)
		require.NoError(t, err)
		r := NewBoundedReader(vw.Buf)
		got, err := ReadString(r)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestStringShortLengthPrefixPaddedToTwoBytes(t *testing.T) {
	vw := &VectorWriter{}
	_, err := WriteString[uint64](vw, "hi")
	require.NoError(t, err)
	// len("hi")=2 encodes to 1 byte normally; WriteString must pad to 2.
	require.Equal(t, byte(0), vw.Buf[1])
	require.Equal(t, "hi", string(vw.Buf[2:4]))
}

func TestEqualStringsProduceIdenticalBytes(t *testing.T) {
	vw1 := &VectorWriter{}
	vw2 := &VectorWriter{}
	_, err := WriteString[uint64](vw1, "same")
	require.NoError(t, err)
	_, err = WriteString[uint64](vw2, "same")
	require.NoError(t, err)
	require.Equal(t, vw1.Buf, vw2.Buf)
}

func TestPairRoundTrip(t *testing.T) {
	vw := &VectorWriter{}
	p := Pair[string, uint64]{First: "key", Second: 42}
	_, err := WritePair(vw, p, WriteString[uint64], func(w Writer[uint64], v uint64) (uint64, error) {
		return WriteUint64(w, v)
	})
	require.NoError(t, err)

	r := NewBoundedReader(vw.Buf)
	got, err := ReadPair(r, ReadString, ReadUint64)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestSliceRoundTrip(t *testing.T) {
	vw := &VectorWriter{}
	elems := []string{"alpha", "beta", "gamma"}
	_, err := WriteSlice[uint64](vw, elems, WriteString[uint64])
	require.NoError(t, err)

	r := NewBoundedReader(vw.Buf)
	got, err := ReadSlice(r, ReadString)
	require.NoError(t, err)
	require.Equal(t, elems, got)
}

func TestEmptySliceRoundTrip(t *testing.T) {
	vw := &VectorWriter{}
	_, err := WriteSlice[uint64](vw, []string{}, WriteString[uint64])
	require.NoError(t, err)

	r := NewBoundedReader(vw.Buf)
	got, err := ReadSlice(r, ReadString)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMapRoundTrip(t *testing.T) {
	vw := &VectorWriter{}
	m := map[string]uint64{"a": 1, "b": 2}
	keys := []string{"a", "b"}
	_, err := WriteMap[uint64](vw, m, keys, WriteString[uint64], WriteUint64[uint64])
	require.NoError(t, err)

	r := NewBoundedReader(vw.Buf)
	got, err := ReadMap(r, ReadString, ReadUint64)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSetRoundTrip(t *testing.T) {
	vw := &VectorWriter{}
	set := map[string]struct{}{"x": {}, "y": {}}
	order := []string{"x", "y"}
	_, err := WriteSet[uint64](vw, set, order, WriteString[uint64])
	require.NoError(t, err)

	r := NewBoundedReader(vw.Buf)
	got, err := ReadSet(r, ReadString)
	require.NoError(t, err)
	require.Equal(t, set, got)
}

func TestAtomicUint64RoundTrip(t *testing.T) {
	vw := &VectorWriter{}
	_, err := WriteAtomicUint64[uint64](vw, 0xdeadbeef)
	require.NoError(t, err)
	r := NewBoundedReader(vw.Buf)
	got, err := ReadAtomicUint64(r)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), got)
}

func TestBoundedReaderOverread(t *testing.T) {
	r := NewBoundedReader([]byte{1, 2, 3})
	var buf [4]byte
	err := r.GetBytes(buf[:])
	require.ErrorIs(t, err, ErrNoBufferSpace)
}

func TestFixedBufferWriterOverflow(t *testing.T) {
	w := &FixedBufferWriter{Buf: make([]byte, 4)}
	_, err := w.PutBytes([]byte("12345"))
	require.ErrorIs(t, err, ErrNoBufferSpace)
}

func TestCountingWriterTracksBytesConsumed(t *testing.T) {
	vw := &VectorWriter{}
	cw := NewCountingWriter[uint64](vw)
	_, err := cw.PutBytes([]byte("hello"))
	require.NoError(t, err)
	_, err = cw.PutBytes([]byte("!!"))
	require.NoError(t, err)
	require.Equal(t, uint64(7), cw.BytesConsumed())
	require.Equal(t, uint64(7), cw.BytesProducedOrConsumed())
}

func TestIterReaderTrustsUnderlyingReader(t *testing.T) {
	vw := &VectorWriter{}
	_, err := WriteString[uint64](vw, "trusted")
	require.NoError(t, err)

	r := NewIterReader(bytes.NewReader(vw.Buf))
	got, err := ReadString(r)
	require.NoError(t, err)
	require.Equal(t, "trusted", got)
}
