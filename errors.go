// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/bpowers/pstore/hamt"
	"github.com/bpowers/pstore/serialize"
	"github.com/bpowers/pstore/storage"
	"github.com/bpowers/pstore/strtab"
	"github.com/bpowers/pstore/txn"
)

// ErrorKind classifies a failure into one of a handful of named kinds, for
// callers that want to branch on category rather than match a specific
// sentinel from a lower layer.
type ErrorKind int

const (
	// KindUnknown is returned by Kind for any error this package does not
	// recognize (most commonly a plain OS error that was never wrapped in
	// one of the sentinels below).
	KindUnknown ErrorKind = iota
	KindIO
	KindBadAddress
	KindReadOnlyViolation
	KindCorruptIndex
	KindVersionMismatch
	KindNoBufferSpace
	KindAlreadyOpen
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindBadAddress:
		return "bad_address"
	case KindReadOnlyViolation:
		return "read_only_violation"
	case KindCorruptIndex:
		return "corrupt_index"
	case KindVersionMismatch:
		return "version_mismatch"
	case KindNoBufferSpace:
		return "no_buffer_space"
	case KindAlreadyOpen:
		return "already_open"
	default:
		return "unknown"
	}
}

// ErrAlreadyOpen is returned by TryBegin when another writer already holds
// the database's single-writer lock.
var ErrAlreadyOpen = txn.ErrAlreadyOpen

// ErrNotFound is the failure erroror.Result-returning lookups (FragmentBytes
// and friends) carry when the key itself is simply absent, distinct from an
// I/O or corruption failure while resolving it.
var ErrNotFound = errors.New("pstore: key not found")

// Kind classifies err into one of the error kinds by walking its wrapped
// chain for the sentinels each lower layer already defines. Leaf I/O calls
// surface OS errors as typed errors immediately; higher layers propagate
// them unchanged, so this function, not the call sites themselves, is
// where classification lives: every layer below just wraps with
// fmt.Errorf("%w", ...) and lets errors.Is/errors.As do the matching here.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, hamt.ErrBadAddress), errors.Is(err, storage.ErrOutOfRange):
		return KindBadAddress
	case errors.Is(err, txn.ErrReadOnlyViolation):
		return KindReadOnlyViolation
	case errors.Is(err, hamt.ErrCorruptIndex),
		errors.Is(err, strtab.ErrCorruptIndex),
		errors.Is(err, txn.ErrCorruptFooter),
		errors.Is(err, txn.ErrBadHeader):
		return KindCorruptIndex
	case errors.Is(err, txn.ErrVersionMismatch):
		return KindVersionMismatch
	case errors.Is(err, serialize.ErrNoBufferSpace):
		return KindNoBufferSpace
	case errors.Is(err, txn.ErrAlreadyOpen):
		return KindAlreadyOpen
	default:
		var pathErr *fs.PathError
		var errno syscall.Errno
		if errors.As(err, &pathErr) || errors.As(err, &errno) {
			return KindIO
		}
		return KindUnknown
	}
}
