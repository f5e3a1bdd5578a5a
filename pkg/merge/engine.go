// Package merge implements the ingestion core: idempotent counting and
// conditional hash file merges, driven per submission batch.
//
// There is no in-process coordination between writers. Correctness rests
// entirely on the two conditional-write stores: the counter ledger rejects
// duplicate (prefix, suffix, transaction) contributions, and the file store
// rejects writes carrying a stale version token, forcing the losing writer
// to re-read and re-merge. Retry loops are paced but unbounded; they abort
// only on context cancellation, which leaves the batch safe to redeliver.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"prevaldb/pkg/codec"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/models"
	"prevaldb/pkg/store"
	"prevaldb/pkg/telemetry"
)

// Engine merges submission batches into the prevalence dataset.
type Engine struct {
	files    store.FileStore
	counters store.CounterStore
	markers  store.MarkerStore
	pace     *rate.Limiter

	markerWG sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryRate bounds how fast the engine re-issues conflicted or failed
// store writes. Retry timing never affects correctness, only store load.
func WithRetryRate(perSecond float64, burst int) Option {
	return func(e *Engine) { e.pace = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMarkers attaches the best-effort modification marker sink.
func WithMarkers(m store.MarkerStore) Option {
	return func(e *Engine) { e.markers = m }
}

// New builds an Engine over the given stores.
func New(files store.FileStore, counters store.CounterStore, opts ...Option) *Engine {
	e := &Engine{
		files:    files,
		counters: counters,
		pace:     rate.NewLimiter(rate.Limit(100), 20),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ProcessBatch merges one submission batch. Idempotent under redelivery:
// entries whose (hash, transaction) contribution is already recorded are
// skipped everywhere, so replaying a completed batch changes nothing.
//
// Prefix groups are processed concurrently and independently; a group whose
// prefix was never provisioned is logged and abandoned without failing the
// others. A non-nil error means at least one group did not complete and the
// caller should let the queue redeliver the batch.
func (e *Engine) ProcessBatch(ctx context.Context, batch *models.SubmissionBatch) error {
	if batch == nil || len(batch.Entries) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for prefix, entries := range batch.Entries {
		wg.Add(1)
		go func(prefix string, entries []models.IngestionEntry) {
			defer wg.Done()
			start := time.Now()
			err := e.processGroup(ctx, batch.TransactionID, prefix, entries)
			telemetry.MergeDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("prefix %s: %w", prefix, err)
				}
				mu.Unlock()
			}
		}(prefix, entries)
	}
	wg.Wait()

	if firstErr != nil {
		telemetry.BatchesProcessed.WithLabelValues("failed").Inc()
		return firstErr
	}
	telemetry.BatchesProcessed.WithLabelValues("ok").Inc()
	return nil
}

// Drain blocks until every in-flight marker write has finished. Marker
// writes are asynchronous and never joined per batch, so callers must
// drain the engine before closing the marker store.
func (e *Engine) Drain() {
	e.markerWG.Wait()
}

// processGroup completes one prefix group: the counter fan-out first, then
// the file merge of the entries that were counted for the first time. The
// ordering is what makes redelivery a no-op for the file as well as for the
// ledger.
func (e *Engine) processGroup(ctx context.Context, txn, prefix string, entries []models.IngestionEntry) error {
	if e.markers != nil {
		e.markerWG.Add(1)
		go func() {
			defer e.markerWG.Done()
			e.markers.MarkModified(prefix)
		}()
	}

	fresh, err := e.countEntries(ctx, txn, prefix, entries)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		logger.Debug("group_already_counted", "prefix", prefix, "txn", txn)
		return nil
	}
	return e.mergeFile(ctx, prefix, fresh)
}

// countEntries fans out the idempotent counter writes for a group and
// returns the suffix -> delta mapping of first-time contributions.
func (e *Engine) countEntries(ctx context.Context, txn, prefix string, entries []models.IngestionEntry) (map[string]int64, error) {
	applied := make([]bool, len(entries))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry models.IngestionEntry) {
			defer wg.Done()
			ok, err := e.countOne(ctx, txn, prefix, entry)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			applied[i] = ok
		}(i, entry)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	fresh := make(map[string]int64)
	for i, entry := range entries {
		if !applied[i] {
			telemetry.EntriesDuplicate.Inc()
			continue
		}
		telemetry.EntriesApplied.Inc()
		// duplicate hashes within one batch fold into a single delta
		fresh[entry.Suffix()] += entry.Prevalence
	}
	return fresh, nil
}

// countOne retries the conditional counter write until it lands or the
// context is cancelled. Every retry is a no-op-safe conditional write, so
// timing never matters for correctness.
func (e *Engine) countOne(ctx context.Context, txn, prefix string, entry models.IngestionEntry) (bool, error) {
	suffix := entry.Suffix()
	for {
		applied, err := e.counters.AddOrIncrement(ctx, prefix, suffix, txn, entry.Prevalence)
		if err == nil {
			return applied, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		telemetry.CounterRetries.Inc()
		if !errors.Is(err, store.ErrConflict) {
			logger.Warn("counter_write_retry", "prefix", prefix, "suffix", suffix, "txn", txn, "error", err)
		}
		if err := e.pace.Wait(ctx); err != nil {
			return false, err
		}
	}
}

// mergeFile folds deltas into the prefix's hash file under optimistic
// concurrency: read, merge, conditional write, and start over whenever the
// version token went stale underneath us.
func (e *Engine) mergeFile(ctx context.Context, prefix string, deltas map[string]int64) error {
	for {
		f, err := e.files.ReadFile(ctx, prefix)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// provisioning is out-of-band; drop the group, keep the batch
				telemetry.GroupsUnprovisioned.Inc()
				logger.Error("prefix_not_provisioned", "prefix", prefix, "entries", len(deltas))
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			logger.Warn("hash_file_read_retry", "prefix", prefix, "error", err)
			if err := e.pace.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		table := codec.Parse(f.Content)
		for suffix, delta := range deltas {
			table[suffix] += delta
		}

		err = e.files.WriteFileIf(ctx, prefix, codec.Serialize(table), f.Version)
		if err == nil {
			logger.Debug("hash_file_merged", "prefix", prefix, "entries", len(deltas), "rows", len(table))
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			telemetry.MergeConflicts.Inc()
		} else if errors.Is(err, store.ErrNotFound) {
			telemetry.GroupsUnprovisioned.Inc()
			logger.Error("prefix_not_provisioned", "prefix", prefix, "entries", len(deltas))
			return nil
		} else {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			logger.Warn("hash_file_write_retry", "prefix", prefix, "error", err)
		}
		if err := e.pace.Wait(ctx); err != nil {
			return err
		}
	}
}
