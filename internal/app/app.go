// Package app wires the server components together: config, storage, the
// ingest pipeline, the retention scheduler, and the HTTP listeners.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"prevaldb/internal/retention"
	"prevaldb/pkg/config"
	"prevaldb/pkg/ingest"
	"prevaldb/pkg/ingest/queue"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/lookup"
	"prevaldb/pkg/merge"
	"prevaldb/pkg/state"
	"prevaldb/pkg/store"
	"prevaldb/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg       *config.Config
	cfgSource string
	version   string

	paths   state.Paths
	db      *store.Pebble
	q       *queue.Queue
	journal *queue.Journal
	engine  *merge.Engine
	proc    *ingest.Processor
	lookup  *lookup.Service
	ret     *retention.Runner

	srv *http.Server
}

// New initializes resources that do not require a running context: state
// dirs, the pebble store, the queue and journal, and the services. Call Run
// to start the workers and listeners and block until shutdown.
func New(cfg *config.Config, cfgSource, version string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	validation.SetLimits(validation.Limits{
		MaxBatchEntries: cfg.Limits.MaxBatchEntries,
		MaxPrefixGroups: cfg.Limits.MaxPrefixGroups,
	})

	paths, err := state.EnsureStateDirs(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs: %w", err)
	}

	db, err := store.Open(paths.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", paths.Store, err)
	}

	q := queue.New(cfg.Ingest.Queue.Capacity)
	var journal *queue.Journal
	if cfg.Ingest.Queue.WAL.Enabled {
		walDir := cfg.Ingest.Queue.WAL.Dir
		if walDir == "" {
			walDir = paths.WAL
		}
		journal, err = queue.OpenJournal(queue.JournalOptions{
			Dir:         walDir,
			MaxFileSize: cfg.Ingest.Queue.WAL.MaxFileSize.Int64(),
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open submission journal: %w", err)
		}
	} else {
		logger.Warn("submission_journal_disabled")
	}

	engine := merge.New(db, db,
		merge.WithMarkers(db),
		merge.WithRetryRate(cfg.Ingest.Processor.RetryRPS, cfg.Ingest.Processor.RetryBurst),
	)
	proc := ingest.NewProcessor(q, journal, engine, db, ingest.Options{
		Workers:          cfg.Ingest.Processor.Workers,
		TruncateInterval: cfg.Ingest.Processor.TruncateInterval.Duration(),
	})

	a := &App{
		cfg:       cfg,
		cfgSource: cfgSource,
		version:   version,
		paths:     paths,
		db:        db,
		q:         q,
		journal:   journal,
		engine:    engine,
		proc:      proc,
		lookup:    lookup.New(db),
		ret:       retention.New(db, db, cfg.Retention, paths.Retention),
	}
	return a, nil
}

// Run replays the journal, starts the workers, the retention scheduler and
// the HTTP listeners, and blocks until ctx is canceled or a fatal server
// error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.proc.Recover(ctx); err != nil {
		return err
	}

	procDone := make(chan struct{})
	go func() {
		a.proc.Run(ctx)
		close(procDone)
	}()

	retCancel, err := a.ret.Start(ctx)
	if err != nil {
		return err
	}
	defer retCancel()

	a.printBanner()

	errCh := a.startHTTP(ctx)
	fastCh := a.startFastHTTP()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	case runErr = <-fastCh:
	}

	a.shutdownHTTP()
	a.proc.Shutdown()
	<-procDone
	// marker writes are fire-and-forget; join them before the store closes
	a.engine.Drain()
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Error("journal_close_failed", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
	return runErr
}
