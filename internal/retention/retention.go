// Package retention expires aged bookkeeping: idempotency counter records
// whose transactions are past the retention period, and modification
// markers older than the same cutoff. The prevalence hash files themselves
// are never touched.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"prevaldb/pkg/config"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/store"
)

// Runner drives scheduled purge runs.
type Runner struct {
	counters store.CounterStore
	markers  store.MarkerStore
	cfg      config.RetentionConfig
	path     string
}

// New builds a Runner over the stores it purges. path is the retention
// state folder under the DB path (run stamps land there).
func New(counters store.CounterStore, markers store.MarkerStore, cfg config.RetentionConfig, path string) *Runner {
	return &Runner{counters: counters, markers: markers, cfg: cfg, path: path}
}

// Start starts the purge scheduler if enabled. Returns a cancel func.
func (r *Runner) Start(ctx context.Context) (context.CancelFunc, error) {
	if !r.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	if r.cfg.Period.Duration() <= 0 {
		return nil, fmt.Errorf("retention enabled without a period")
	}
	if err := os.MkdirAll(r.path, 0o700); err != nil {
		logger.Error("retention_path_create_failed", "path", r.path, "error", err)
		return nil, err
	}

	cronExpr := r.cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", r.cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", r.cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", r.cfg.Period.Duration(), "path", r.path)
	ctx2, cancel := context.WithCancel(ctx)
	go r.runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func (r *Runner) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}

		if err := r.RunOnce(ctx); err != nil {
			logger.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce performs one purge pass: transaction records and markers older
// than the cutoff are dropped. Safe to invoke on demand (admin trigger,
// tests); concurrent runs are harmless since every delete is idempotent.
func (r *Runner) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.Period.Duration())
	start := time.Now()

	purged, err := r.counters.PurgeTransactionsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge transaction records: %w", err)
	}
	cleared := 0
	if r.markers != nil {
		cleared = r.markers.ClearMarkersBefore(cutoff)
	}

	logger.Info("retention_run_complete",
		"cutoff", cutoff.Format(time.RFC3339),
		"transactions_purged", purged,
		"markers_cleared", cleared,
		"took", time.Since(start).String())
	return r.stamp(cutoff, purged, cleared)
}

// stamp records the last completed run so operators can confirm purges
// are happening.
func (r *Runner) stamp(cutoff time.Time, purged, cleared int) error {
	if r.path == "" {
		return nil
	}
	line := fmt.Sprintf("time=%s cutoff=%s transactions=%d markers=%d\n",
		time.Now().UTC().Format(time.RFC3339), cutoff.Format(time.RFC3339), purged, cleared)
	f, err := os.OpenFile(filepath.Join(r.path, "runs.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}
