// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package txn

import "errors"

// ErrBadHeader is returned by Open when an existing file's first bytes do
// not carry the expected magic.
var ErrBadHeader = errors.New("txn: bad database header")

// ErrCorruptFooter is returned when a footer's magic or CRC does not
// match, the same class of corruption error the index layer reports for
// its own on-disk records.
var ErrCorruptFooter = errors.New("txn: corrupt footer")

// ErrReadOnlyViolation is returned by Transaction.GetRW when the requested
// range was sealed by an earlier, already-committed transaction.
var ErrReadOnlyViolation = errors.New("txn: read-only violation")

// ErrClosed is returned by any Transaction method called after Commit or
// Abort has already run.
var ErrClosed = errors.New("txn: transaction already committed or aborted")

// ErrVersionMismatch is returned when a footer's recorded format/checksum
// version is not one this port understands.
var ErrVersionMismatch = errors.New("txn: unrecognized footer version")

// ErrAlreadyOpen reports that another writer already holds the
// single-writer lock. Database.TryBegin itself reports that case as
// ok=false; the root package's DB.TryBegin turns it into this error.
var ErrAlreadyOpen = errors.New("txn: another writer already holds the lock")
