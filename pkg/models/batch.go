package models

import "strings"

// PrefixLen is the number of leading hex characters used as the partition
// key for storage and lookup.
const PrefixLen = 5

// SuffixLen is the number of hex characters in the row key within a
// prefix's hash file (SHA-1 remainder).
const SuffixLen = 35

// IngestionEntry is a single observation inside a submission: a full hash
// and a positive prevalence delta to add to its aggregate.
type IngestionEntry struct {
	Hash       string `json:"hash"`
	Prevalence int64  `json:"prevalence"`
}

// Prefix returns the entry's partition key: the first five hex characters
// of the hash, uppercased.
func (e IngestionEntry) Prefix() string {
	if len(e.Hash) < PrefixLen {
		return ""
	}
	return strings.ToUpper(e.Hash[:PrefixLen])
}

// Suffix returns the remainder of the hash after the prefix, uppercased.
func (e IngestionEntry) Suffix() string {
	if len(e.Hash) < PrefixLen {
		return ""
	}
	return strings.ToUpper(e.Hash[PrefixLen:])
}

// SubmissionBatch is one producer submission. TransactionID is the
// idempotency scope: the queue may deliver the same batch more than once,
// and every redelivery must be a logical no-op.
//
// Entries are grouped by prefix. The batch is immutable once journaled.
type SubmissionBatch struct {
	SubscriptionID string                      `json:"subscription"`
	TransactionID  string                      `json:"transaction"`
	Entries        map[string][]IngestionEntry `json:"entries"`
	TS             int64                       `json:"ts,omitempty"`
}

// Normalize uppercases all prefix keys and drops empty groups. Group keys
// arriving in lowercase are folded into their uppercase group.
func (b *SubmissionBatch) Normalize() {
	if len(b.Entries) == 0 {
		return
	}
	norm := make(map[string][]IngestionEntry, len(b.Entries))
	for prefix, entries := range b.Entries {
		if len(entries) == 0 {
			continue
		}
		up := strings.ToUpper(prefix)
		norm[up] = append(norm[up], entries...)
	}
	b.Entries = norm
}

// EntryCount returns the total number of entries across all prefix groups.
func (b *SubmissionBatch) EntryCount() int {
	n := 0
	for _, entries := range b.Entries {
		n += len(entries)
	}
	return n
}

// TransactionReceipt records that a submission was accepted into the
// journal. It is written by the transport layer and consumed by
// out-of-core auditing.
type TransactionReceipt struct {
	SubscriptionID string `json:"subscription"`
	TransactionID  string `json:"transaction"`
	EntryCount     int    `json:"entry_count"`
	PrefixCount    int    `json:"prefix_count"`
	AcceptedTS     int64  `json:"accepted_ts"`
}
