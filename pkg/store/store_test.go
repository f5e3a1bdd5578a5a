package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// backend is the union of every store capability, implemented by both the
// in-memory and the pebble stores.
type backend interface {
	FileStore
	CounterStore
	MarkerStore
	ReceiptStore
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	p, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return map[string]backend{
		"memory": NewMemory(),
		"pebble": p,
	}
}

const testSuffix = "2DC183F740EE76F27B78EB39C8AD972A757"

func TestFileLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.ReadFile(ctx, "21BD1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unprovisioned read: want ErrNotFound, got %v", err)
			}
			if err := s.WriteFileIf(ctx, "21BD1", []byte("x"), Version("0")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unprovisioned write: want ErrNotFound, got %v", err)
			}

			if err := s.Provision(ctx, "21BD1"); err != nil {
				t.Fatalf("provision: %v", err)
			}
			if err := s.Provision(ctx, "21BD1"); !errors.Is(err, ErrExists) {
				t.Fatalf("re-provision: want ErrExists, got %v", err)
			}

			f, err := s.ReadFile(ctx, "21BD1")
			if err != nil {
				t.Fatalf("read after provision: %v", err)
			}
			if len(f.Content) != 0 {
				t.Fatalf("provisioned file should be empty, got %q", f.Content)
			}

			content := []byte(testSuffix + ":5\n")
			if err := s.WriteFileIf(ctx, "21BD1", content, f.Version); err != nil {
				t.Fatalf("conditional write: %v", err)
			}

			// the old token is now stale
			if err := s.WriteFileIf(ctx, "21BD1", []byte("y"), f.Version); !errors.Is(err, ErrConflict) {
				t.Fatalf("stale token: want ErrConflict, got %v", err)
			}

			f2, err := s.ReadFile(ctx, "21BD1")
			if err != nil {
				t.Fatalf("re-read: %v", err)
			}
			if string(f2.Content) != string(content) {
				t.Fatalf("content mismatch: %q", f2.Content)
			}
			if f2.Version == f.Version {
				t.Fatal("version token did not advance")
			}
			if f2.Modified.Before(f.Modified) {
				t.Fatal("modified time went backwards")
			}
		})
	}
}

func TestCounterIdempotency(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			applied, err := s.AddOrIncrement(ctx, "21BD1", testSuffix, "txn-1", 5)
			if err != nil || !applied {
				t.Fatalf("first write: applied=%v err=%v", applied, err)
			}
			// same transaction again: recorded, not re-applied
			applied, err = s.AddOrIncrement(ctx, "21BD1", testSuffix, "txn-1", 5)
			if err != nil || applied {
				t.Fatalf("duplicate write: applied=%v err=%v", applied, err)
			}
			// different transaction: applied
			applied, err = s.AddOrIncrement(ctx, "21BD1", testSuffix, "txn-2", 3)
			if err != nil || !applied {
				t.Fatalf("second txn: applied=%v err=%v", applied, err)
			}

			total, err := s.AggregateCount(ctx, "21BD1", testSuffix)
			if err != nil {
				t.Fatalf("aggregate: %v", err)
			}
			if total != 8 {
				t.Fatalf("aggregate: want 8, got %d", total)
			}

			// unknown hash aggregates to zero
			total, err = s.AggregateCount(ctx, "FFFFF", strings.Repeat("0", 35))
			if err != nil || total != 0 {
				t.Fatalf("unknown aggregate: want 0, got %d (%v)", total, err)
			}
		})
	}
}

func TestPurgeTransactions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AddOrIncrement(ctx, "21BD1", testSuffix, "old-txn", 1); err != nil {
				t.Fatal(err)
			}

			// everything recorded so far is before a future cutoff
			n, err := s.PurgeTransactionsBefore(ctx, time.Now().Add(time.Hour))
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if n != 1 {
				t.Fatalf("purge count: want 1, got %d", n)
			}

			// the ledger forgot the transaction, so it can be counted again;
			// that is the accepted trade for bounded ledger growth
			applied, err := s.AddOrIncrement(ctx, "21BD1", testSuffix, "old-txn", 1)
			if err != nil || !applied {
				t.Fatalf("post-purge write: applied=%v err=%v", applied, err)
			}

			// aggregates survive the purge
			total, err := s.AggregateCount(ctx, "21BD1", testSuffix)
			if err != nil || total != 2 {
				t.Fatalf("aggregate after purge: want 2, got %d (%v)", total, err)
			}

			// a purge matching nothing is clean and leaves the store usable
			n, err = s.PurgeTransactionsBefore(ctx, time.Time{})
			if err != nil || n != 0 {
				t.Fatalf("empty purge: n=%d err=%v", n, err)
			}
			if _, err := s.AddOrIncrement(ctx, "21BD1", testSuffix, "new-txn", 1); err != nil {
				t.Fatalf("write after empty purge: %v", err)
			}
		})
	}
}

func TestMarkers(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			before := time.Now().Add(-time.Minute)
			s.MarkModified("21BD1")
			s.MarkModified("FFFFF")

			got := s.ModifiedSince(before)
			if len(got) != 2 {
				t.Fatalf("modified since: want 2 prefixes, got %v", got)
			}
			if s.ModifiedSince(time.Now().Add(time.Minute)) != nil {
				t.Fatal("future window should match nothing")
			}

			n := s.ClearMarkersBefore(time.Now().Add(time.Minute))
			if n != 2 {
				t.Fatalf("clear: want 2, got %d", n)
			}
			if got := s.ModifiedSince(before); len(got) != 0 {
				t.Fatalf("markers survived clear: %v", got)
			}
			// clearing an empty marker set is clean, and writes still land
			if n := s.ClearMarkersBefore(time.Now().Add(time.Minute)); n != 0 {
				t.Fatalf("empty clear: want 0, got %d", n)
			}
			s.MarkModified("21BD1")
			if got := s.ModifiedSince(before); len(got) != 1 {
				t.Fatalf("marker after empty clear: %v", got)
			}
		})
	}
}

func TestReceipts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.GetReceipt(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing receipt: want ErrNotFound, got %v", err)
			}
			r := Receipt{
				SubscriptionID: "sub-1",
				TransactionID:  "txn-1",
				EntryCount:     3,
				PrefixCount:    2,
				AcceptedTS:     time.Now().UnixNano(),
			}
			if err := s.PutReceipt(ctx, r); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.GetReceipt(ctx, "txn-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got != r {
				t.Fatalf("receipt mismatch: %+v != %+v", got, r)
			}
		})
	}
}

func TestContextCancellation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := s.ReadFile(ctx, "21BD1"); !errors.Is(err, context.Canceled) {
				t.Fatalf("read: want context.Canceled, got %v", err)
			}
			if _, err := s.AddOrIncrement(ctx, "21BD1", testSuffix, "t", 1); !errors.Is(err, context.Canceled) {
				t.Fatalf("counter: want context.Canceled, got %v", err)
			}
		})
	}
}
