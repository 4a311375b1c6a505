// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package erroror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfHasValue(t *testing.T) {
	r := Of(42)
	require.True(t, r.HasValue())
	require.Equal(t, 42, r.Value())
	require.NoError(t, r.Error())
	require.True(t, Equal(r, 42))
}

func TestErrHasNoValue(t *testing.T) {
	boom := errors.New("boom")
	r := Err[int](boom)
	require.False(t, r.HasValue())
	require.Equal(t, boom, r.Error())
	require.Panics(t, func() { r.Value() })
}

func TestErrRejectsNilError(t *testing.T) {
	require.Panics(t, func() { Err[int](nil) })
}

func TestBindPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	r := Err[int](boom)
	out := Bind(r, func(v int) Result[string] {
		t.Fatal("f should not be called on an error result")
		return Of("")
	})
	require.False(t, out.HasValue())
	require.Equal(t, boom, out.Error())
}

func TestBindChainsValue(t *testing.T) {
	r := Of(21)
	out := Bind(r, func(v int) Result[int] {
		return Of(v * 2)
	})
	require.True(t, out.HasValue())
	require.Equal(t, 42, out.Value())
}

func TestBind2(t *testing.T) {
	a := Of(1)
	b := Of(2)
	out := Bind2(a, b, func(x, y int) Result[int] {
		return Of(x + y)
	})
	require.Equal(t, 3, out.Value())

	boom := errors.New("boom")
	out = Bind2(a, Err[int](boom), func(x, y int) Result[int] {
		t.Fatal("f should not run")
		return Of(0)
	})
	require.Equal(t, boom, out.Error())
}

func TestMap(t *testing.T) {
	r := Of(10)
	out := Map(r, func(v int) string { return "x" })
	require.Equal(t, "x", out.Value())

	boom := errors.New("boom")
	outErr := Map(Err[int](boom), func(v int) string {
		t.Fatal("f should not run")
		return ""
	})
	require.Equal(t, boom, outErr.Error())
}

func TestGet(t *testing.T) {
	v, err := Of(5).Get()
	require.NoError(t, err)
	require.Equal(t, 5, v)
}
