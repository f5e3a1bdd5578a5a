// prevaldb-inspect dumps dataset state straight from a pebble store: a
// prefix's hash file, a hash's aggregate count, recently modified
// prefixes, or store size stats. Run it against a stopped server's DB
// path (pebble is single-process).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"prevaldb/pkg/logger"
	"prevaldb/pkg/models"
	"prevaldb/pkg/store"
)

func main() {
	var (
		dbPath   = flag.String("db", "./.database", "DB path (the server's --db value)")
		prefix   = flag.String("prefix", "", "dump the hash file for this 5-char prefix")
		hash     = flag.String("hash", "", "print the aggregate count for this full hash")
		modified = flag.Duration("modified", 0, "list prefixes modified within this window (e.g. 24h)")
		stats    = flag.Bool("stats", false, "print store size stats")
	)
	flag.Parse()
	logger.Init()

	db, err := store.Open(filepath.Join(*dbPath, "store"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	did := false

	if *prefix != "" {
		did = true
		f, err := db.ReadFile(ctx, *prefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *prefix, err)
			os.Exit(1)
		}
		fmt.Printf("# prefix=%s version=%s modified=%s\n", *prefix, f.Version, f.Modified.UTC().Format(time.RFC3339))
		os.Stdout.Write(f.Content)
	}

	if *hash != "" {
		did = true
		if len(*hash) < models.PrefixLen+models.SuffixLen {
			fmt.Fprintln(os.Stderr, "hash too short")
			os.Exit(2)
		}
		total, err := db.AggregateCount(ctx, (*hash)[:models.PrefixLen], (*hash)[models.PrefixLen:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "aggregate: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d\n", *hash, total)
	}

	if *modified > 0 {
		did = true
		since := time.Now().Add(-*modified)
		for _, p := range db.ModifiedSince(since) {
			fmt.Println(p)
		}
	}

	if *stats {
		did = true
		s := db.Stats()
		fmt.Printf("disk_bytes=%d wal_bytes=%d memtable_bytes=%d\n", s.DiskBytes, s.WALBytes, s.MemtableBytes)
	}

	if !did {
		flag.Usage()
		os.Exit(2)
	}
}
