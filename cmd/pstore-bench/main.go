// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// pstore-bench is a synthetic load generator: it opens (or creates) a
// database, inserts a batch of random fragment digests and interned names
// across one or more transactions, and reports elapsed time and throughput.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"time"

	"github.com/bpowers/pstore"
	"github.com/bpowers/pstore/address"
)

func newRand() *mrand.Rand {
	var seedBytes [8]byte
	if _, err := rand.Read(seedBytes[:]); err != nil {
		panic(err)
	}
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return mrand.New(mrand.NewSource(seed))
}

func main() {
	var (
		dbPath       = flag.String("db", "", "path to the pstore database file (created if absent)")
		numEntries   = flag.Int("n", 100000, "total number of fragment+name pairs to insert")
		batchSize    = flag.Int("batch", 1000, "entries committed per transaction")
		payloadBytes = flag.Int("payload", 64, "size in bytes of each fragment's stored payload")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "pstore-bench: -db is required")
		os.Exit(2)
	}

	db, err := pstore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pstore-bench: open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rng := newRand()
	payload := make([]byte, *payloadBytes)

	start := time.Now()
	inserted := 0
	for inserted < *numEntries {
		n := *batchSize
		if remaining := *numEntries - inserted; n > remaining {
			n = remaining
		}

		tx, err := db.Begin()
		if err != nil {
			fmt.Fprintf(os.Stderr, "pstore-bench: begin: %v\n", err)
			os.Exit(1)
		}

		for i := 0; i < n; i++ {
			if _, err := rng.Read(payload); err != nil {
				panic(err)
			}

			addr, err := tx.Allocate(uint64(len(payload)), 8)
			if err != nil {
				fmt.Fprintf(os.Stderr, "pstore-bench: allocate: %v\n", err)
				os.Exit(1)
			}
			if err := tx.WriteAt(addr, payload); err != nil {
				fmt.Fprintf(os.Stderr, "pstore-bench: write: %v\n", err)
				os.Exit(1)
			}

			key := pstore.MakeDigest(rng.Uint64(), rng.Uint64())
			extent := address.Extent{Addr: addr, Size: uint64(len(payload))}
			if _, err := db.Fragments().Insert(key, extent); err != nil {
				fmt.Fprintf(os.Stderr, "pstore-bench: insert fragment: %v\n", err)
				os.Exit(1)
			}

			name := fmt.Sprintf("bench_%x", rng.Uint64())
			if _, _, err := db.Names().Insert(name); err != nil {
				fmt.Fprintf(os.Stderr, "pstore-bench: insert name: %v\n", err)
				os.Exit(1)
			}
		}

		if _, err := tx.Commit(); err != nil {
			fmt.Fprintf(os.Stderr, "pstore-bench: commit: %v\n", err)
			os.Exit(1)
		}
		inserted += n
	}
	elapsed := time.Since(start)

	fmt.Printf("inserted %d fragment+name pairs in %s\n", inserted, elapsed)
	fmt.Printf("%.0f pairs/sec\n", float64(inserted)/elapsed.Seconds())
	fmt.Printf("fragments: %d  names: %d\n", db.Fragments().Count(), db.Names().Count())
}
