// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// gen-testdata populates a pstore database with synthetic fixture data: each
// generated value is interned into the name index and also written as a
// fragment payload, keyed by the HMAC-SHA256 digest of its content, so tests
// and benchmarks have a reproducible-shaped database to open against.
package main

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"

	"github.com/bpowers/pstore"
	"github.com/bpowers/pstore/address"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand() *mrand.Rand {
	var seedBytes [8]byte
	if _, err := crand.Read(seedBytes[:]); err != nil {
		panic(err)
	}
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return mrand.New(mrand.NewSource(seed))
}

func main() {
	var (
		dbPath = flag.String("db", "", "path to the pstore database file (created if absent)")
		nPairs = flag.Int("n", 1000000, "number of fragment+name fixtures to generate")
		batch  = flag.Int("batch", 1000, "fixtures committed per transaction")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "gen-testdata: -db is required")
		os.Exit(2)
	}

	db, err := pstore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rng := newRand()
	h := hmac.New(sha256.New, []byte(hmacKey))

	written := 0
	for written < *nPairs {
		n := *batch
		if remaining := *nPairs - written; n > remaining {
			n = remaining
		}

		tx, err := db.Begin()
		if err != nil {
			fmt.Fprintf(os.Stderr, "gen-testdata: begin: %v\n", err)
			os.Exit(1)
		}

		for i := 0; i < n; i++ {
			var buf [suffixLen / 2]byte
			if _, err := rng.Read(buf[:]); err != nil {
				panic(err)
			}
			value := fmt.Sprintf("%s%x", prefix, buf)

			h.Reset()
			h.Write([]byte(value))
			sum := h.Sum(nil)
			key := pstore.MakeDigest(binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16]))

			addr, err := tx.Allocate(uint64(len(value)), 8)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gen-testdata: allocate: %v\n", err)
				os.Exit(1)
			}
			if err := tx.WriteAt(addr, []byte(value)); err != nil {
				fmt.Fprintf(os.Stderr, "gen-testdata: write: %v\n", err)
				os.Exit(1)
			}
			extent := address.Extent{Addr: addr, Size: uint64(len(value))}
			if _, err := db.Fragments().Insert(key, extent); err != nil {
				fmt.Fprintf(os.Stderr, "gen-testdata: insert fragment: %v\n", err)
				os.Exit(1)
			}
			if _, _, err := db.Names().Insert(value); err != nil {
				fmt.Fprintf(os.Stderr, "gen-testdata: insert name: %v\n", err)
				os.Exit(1)
			}
		}

		if _, err := tx.Commit(); err != nil {
			fmt.Fprintf(os.Stderr, "gen-testdata: commit: %v\n", err)
			os.Exit(1)
		}
		written += n
	}

	fmt.Printf("wrote %d fragment+name fixtures into %s\n", written, *dbPath)
	fmt.Printf("fragments: %d  names: %d\n", db.Fragments().Count(), db.Names().Count())
}
