// Package store defines the capability interfaces the merge engine and the
// range lookup are built against, plus the pebble-backed production
// implementation and an in-memory implementation for tests and dev mode.
//
// All shared mutable state lives behind these interfaces and is mutated
// exclusively through conditional writes: the hash file by version token,
// the counter ledger by idempotency key. Neither interface ever exposes an
// unconditional overwrite.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a prefix has never been provisioned.
	ErrNotFound = errors.New("prefix not provisioned")
	// ErrConflict is returned when a conditional write lost to a
	// concurrent writer. Callers re-read and retry.
	ErrConflict = errors.New("conditional write conflict")
	// ErrExists is returned when provisioning a prefix that already has a
	// hash file.
	ErrExists = errors.New("prefix already provisioned")
)

// Version is the opaque token guarding conditional hash file writes.
type Version string

// HashFile is one read of a prefix's file: raw content, the version token
// to guard the next write, and the last modification time for caching
// headers.
type HashFile struct {
	Content  []byte
	Version  Version
	Modified time.Time
}

// FileStore holds one hash file per provisioned prefix.
//
// Absence of a file (ErrNotFound) is distinct from an empty file: prefixes
// are provisioned out-of-band and the merge engine never creates them.
type FileStore interface {
	// ReadFile returns the current hash file for prefix, or ErrNotFound.
	ReadFile(ctx context.Context, prefix string) (HashFile, error)
	// WriteFileIf replaces the file content only if expect still matches
	// the stored version. A stale token returns ErrConflict and the caller
	// restarts from ReadFile.
	WriteFileIf(ctx context.Context, prefix string, content []byte, expect Version) error
	// Provision creates an empty hash file for prefix. ErrExists when the
	// prefix already has one.
	Provision(ctx context.Context, prefix string) error
}

// CounterStore is the per-(prefix, suffix, transaction) idempotency ledger.
type CounterStore interface {
	// AddOrIncrement durably records that the transaction's delta for this
	// hash has been counted, and folds it into the per-hash aggregate.
	//
	// applied is true when this call recorded the contribution for the
	// first time; false with a nil error means an earlier delivery already
	// counted it. ErrConflict means a concurrent writer raced on the same
	// key; the caller retries and the retry resolves to one of the two
	// outcomes above.
	AddOrIncrement(ctx context.Context, prefix, suffix, transactionID string, delta int64) (applied bool, err error)
	// AggregateCount returns the ledger's running total for a hash; zero
	// when it was never counted.
	AggregateCount(ctx context.Context, prefix, suffix string) (int64, error)
	// PurgeTransactionsBefore removes idempotency records recorded before
	// cutoff and reports how many were removed. Aggregates are untouched.
	PurgeTransactionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MarkerStore records which prefixes changed, for downstream cache purge.
// Writes are best-effort; the merge engine never retries them.
type MarkerStore interface {
	MarkModified(prefix string)
	// ModifiedSince lists prefixes marked at or after since.
	ModifiedSince(since time.Time) []string
	// ClearMarkersBefore drops markers older than cutoff and reports how
	// many were removed.
	ClearMarkersBefore(cutoff time.Time) int
}

// ReceiptStore persists transaction receipts for out-of-core auditing.
type ReceiptStore interface {
	PutReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, transactionID string) (Receipt, error)
}

// Receipt mirrors models.TransactionReceipt at the storage layer; kept
// separate so the store package does not import models.
type Receipt struct {
	SubscriptionID string `json:"subscription"`
	TransactionID  string `json:"transaction"`
	EntryCount     int    `json:"entry_count"`
	PrefixCount    int    `json:"prefix_count"`
	AcceptedTS     int64  `json:"accepted_ts"`
}
