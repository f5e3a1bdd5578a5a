// Package lookup serves k-anonymity range queries: the caller sends only a
// 5-character hash prefix and receives every known suffix:prevalence pair
// for it, verbatim from storage.
package lookup

import (
	"context"
	"errors"
	"strings"
	"time"

	"prevaldb/pkg/store"
	"prevaldb/pkg/telemetry"
	"prevaldb/pkg/validation"
)

// ErrBadPrefix is returned when the prefix is not exactly five hex
// characters. Maps to 400 at the transport layer.
var ErrBadPrefix = errors.New("malformed prefix")

// ErrUnknownPrefix is returned when the prefix was never provisioned. An
// expected outcome, not a failure: maps to a quiet 404.
var ErrUnknownPrefix = errors.New("unknown prefix")

// Result is a served range: the hash file exactly as stored, plus its last
// modification time for caching headers.
type Result struct {
	Content  []byte
	Modified time.Time
}

// Service answers range queries from the hash file store. Safe for
// unbounded concurrent use; no side effects.
type Service struct {
	files store.FileStore
}

// New builds a lookup service over the given file store.
func New(files store.FileStore) *Service {
	return &Service{files: files}
}

// Prefix returns the stored hash file for a 5-hex-character prefix. Input
// case is ignored; the stored content is served as-is, never re-encoded.
func (s *Service) Prefix(ctx context.Context, prefix string) (Result, error) {
	if err := validation.ValidatePrefix(prefix); err != nil {
		telemetry.RangeLookups.WithLabelValues("bad_prefix").Inc()
		return Result{}, ErrBadPrefix
	}
	f, err := s.files.ReadFile(ctx, strings.ToUpper(prefix))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			telemetry.RangeLookups.WithLabelValues("not_found").Inc()
			return Result{}, ErrUnknownPrefix
		}
		telemetry.RangeLookups.WithLabelValues("error").Inc()
		return Result{}, err
	}
	telemetry.RangeLookups.WithLabelValues("ok").Inc()
	return Result{Content: f.Content, Modified: f.Modified}, nil
}
