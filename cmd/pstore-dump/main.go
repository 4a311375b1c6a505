// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// pstore-dump is a read-only inspection tool: it opens a database and
// reports the size of its four named indices, or the record for a single
// key when -name is given, or when -lookup is given with
// -digest-hi/-digest-lo.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bpowers/pstore"
	"github.com/bpowers/pstore/address"
)

func main() {
	var (
		dbPath     = flag.String("db", "", "path to the pstore database file")
		digestHi   = flag.Uint64("digest-hi", 0, "high 64 bits of a fragment/compilation/debug-line digest to look up")
		digestLo   = flag.Uint64("digest-lo", 0, "low 64 bits of the digest to look up")
		kind       = flag.String("kind", "", "index to look the digest up in: fragment, compilation, or debug-line")
		name       = flag.String("name", "", "interned name to look up instead of a digest")
		lookupFlag = flag.Bool("lookup", false, "perform a lookup instead of printing summary counts")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "pstore-dump: -db is required")
		os.Exit(2)
	}

	db, err := pstore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pstore-dump: open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if !*lookupFlag && *name == "" {
		dumpSummary(db)
		return
	}

	if *name != "" {
		dumpName(db, *name)
		return
	}

	dumpDigest(db, *kind, pstore.MakeDigest(*digestHi, *digestLo))
}

func dumpSummary(db *pstore.DB) {
	fmt.Printf("path:         %s\n", db.Path())
	fmt.Printf("fragments:    %d\n", db.Fragments().Count())
	fmt.Printf("compilations: %d\n", db.Compilations().Count())
	fmt.Printf("debug-lines:  %d\n", db.DebugLines().Count())
	fmt.Printf("names:        %d\n", db.Names().Count())
}

func dumpName(db *pstore.DB, name string) {
	s, found, err := db.Names().Find(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pstore-dump: lookup: %v\n", err)
		os.Exit(1)
	}
	if !found {
		fmt.Printf("%q: not found\n", name)
		return
	}
	content, err := s.Content()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pstore-dump: resolve content: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%q: found (content %q)\n", name, content)
}

func dumpDigest(db *pstore.DB, kind string, key pstore.Digest) {
	var (
		extent address.Extent
		found  bool
		err    error
	)

	switch kind {
	case "", "fragment":
		extent, found, err = db.Fragments().Find(key)
	case "compilation":
		extent, found, err = db.Compilations().Find(key)
	case "debug-line":
		extent, found, err = db.DebugLines().Find(key)
	default:
		fmt.Fprintf(os.Stderr, "pstore-dump: unknown -kind %q (want fragment, compilation, or debug-line)\n", kind)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "pstore-dump: lookup: %v\n", err)
		os.Exit(1)
	}
	if !found {
		fmt.Printf("digest(%#x, %#x): not found\n", key.Hi, key.Lo)
		return
	}
	fmt.Printf("digest(%#x, %#x): addr=%d size=%d\n", key.Hi, key.Lo, extent.Addr, extent.Size)
}
