// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package erroror provides a disjoint-union result type used across the
// fallible operations of the pstore core: a value is either a Value or an
// Error, never both, and callers chain fallible steps with Bind instead of
// threading (T, error) pairs by hand.
package erroror

import "errors"

// Result holds either a value of type T or an error. The zero Result holds
// neither: calling Value on it panics, matching pstore's
// assertion that a Result is always constructed with one or the other.
type Result[T any] struct {
	value T
	err   error
	ok    bool
}

// Of constructs a Result holding a value.
func Of[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Err constructs a Result holding an error. Passing a nil error panics: a
// Result is not allowed to claim failure without a reason.
func Err[T any](err error) Result[T] {
	if err == nil {
		panic("erroror.Err: nil error")
	}
	return Result[T]{err: err}
}

// HasValue reports whether r holds a value rather than an error.
func (r Result[T]) HasValue() bool {
	return r.ok
}

// Value returns the held value. It panics if r holds an error.
func (r Result[T]) Value() T {
	if !r.ok {
		panic("erroror.Result: Value() called on an error result")
	}
	return r.value
}

// Error returns the held error, or nil if r holds a value.
func (r Result[T]) Error() error {
	return r.err
}

// Get returns the usual (value, error) pair, for callers that would rather
// not match on HasValue themselves.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Equal reports whether r holds a value equal to v.
func Equal[T comparable](r Result[T], v T) bool {
	return r.ok && r.value == v
}

// EqualError reports whether r holds an error matching target in the
// errors.Is sense, so callers can compare a Result against a bare
// sentinel error the same way Equal compares one against a bare value.
func EqualError[T any](r Result[T], target error) bool {
	return !r.ok && errors.Is(r.err, target)
}

// Bind applies f to the value held by r, propagating r's error untouched
// when r holds no value.
func Bind[T, U any](r Result[T], f func(T) Result[U]) Result[U] {
	if !r.ok {
		return Result[U]{err: r.err}
	}
	return f(r.value)
}

// Bind2 is the tuple-destructuring generalization of Bind: f receives both
// halves of a two-valued result, for chains that produce (a, b) pairs.
func Bind2[A, B, U any](a Result[A], b Result[B], f func(A, B) Result[U]) Result[U] {
	if !a.ok {
		return Result[U]{err: a.err}
	}
	if !b.ok {
		return Result[U]{err: b.err}
	}
	return f(a.value, b.value)
}

// Map transforms the held value without the possibility of failure.
func Map[T, U any](r Result[T], f func(T) U) Result[U] {
	if !r.ok {
		return Result[U]{err: r.err}
	}
	return Result[U]{value: f(r.value), ok: true}
}
