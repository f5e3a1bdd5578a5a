// Package ingest runs the submission pipeline: accepted batches are
// journaled, queued, and handed to merge workers. The journal is the
// source of at-least-once delivery; the queue only buffers between the
// transports and the workers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"prevaldb/pkg/ingest/queue"
	"prevaldb/pkg/logger"
	"prevaldb/pkg/merge"
	"prevaldb/pkg/models"
	"prevaldb/pkg/store"
	"prevaldb/pkg/telemetry"
	"prevaldb/pkg/validation"
)

// Options configure the Processor.
type Options struct {
	// Workers is the number of concurrent merge workers.
	Workers int
	// TruncateInterval bounds how often acknowledged journal segments are
	// reclaimed.
	TruncateInterval time.Duration
}

// Processor owns the submission pipeline between Submit and the merge
// engine. Start it once with Run; Submit is safe for concurrent use.
type Processor struct {
	q        *queue.Queue
	journal  *queue.Journal
	engine   *merge.Engine
	receipts store.ReceiptStore
	opts     Options

	mu          sync.Mutex
	outstanding map[int64]struct{}

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewProcessor wires a Processor. journal and receipts may be nil in
// tests; a nil journal disables durability (offsets become -1).
func NewProcessor(q *queue.Queue, j *queue.Journal, e *merge.Engine, receipts store.ReceiptStore, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TruncateInterval <= 0 {
		opts.TruncateInterval = 30 * time.Second
	}
	return &Processor{
		q:           q,
		journal:     j,
		engine:      e,
		receipts:    receipts,
		opts:        opts,
		outstanding: make(map[int64]struct{}),
		stop:        make(chan struct{}),
	}
}

// Submit validates and accepts one submission batch: journal append,
// enqueue, receipt. Returns the receipt once the batch is durable. The
// caller may retry on error; a retried transaction is still counted once.
func (p *Processor) Submit(ctx context.Context, batch *models.SubmissionBatch) (models.TransactionReceipt, error) {
	batch.Normalize()
	if err := validation.ValidateBatch(batch); err != nil {
		return models.TransactionReceipt{}, err
	}
	if batch.TS == 0 {
		batch.TS = time.Now().UnixNano()
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return models.TransactionReceipt{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	off := int64(-1)
	if p.journal != nil {
		// append and track under one lock: reclaim computes its watermark
		// under the same lock, so it can never truncate an offset that was
		// appended but not yet outstanding
		p.mu.Lock()
		off, err = p.journal.Append(payload)
		if err == nil {
			p.outstanding[off] = struct{}{}
		}
		p.mu.Unlock()
		if err != nil {
			return models.TransactionReceipt{}, fmt.Errorf("failed to journal batch: %w", err)
		}
	}

	op := &queue.Op{
		Subscription: batch.SubscriptionID,
		Transaction:  batch.TransactionID,
		Payload:      payload,
		TS:           batch.TS,
		Journal:      off,
	}
	if err := p.q.Enqueue(ctx, op); err != nil {
		// the journaled record stays; recovery will replay it
		logger.Warn("enqueue_after_journal_failed", "txn", batch.TransactionID, "error", err)
		return models.TransactionReceipt{}, err
	}
	telemetry.QueueDepth.Set(float64(p.q.Len()))

	receipt := models.TransactionReceipt{
		SubscriptionID: batch.SubscriptionID,
		TransactionID:  batch.TransactionID,
		EntryCount:     batch.EntryCount(),
		PrefixCount:    len(batch.Entries),
		AcceptedTS:     batch.TS,
	}
	if p.receipts != nil {
		if err := p.receipts.PutReceipt(ctx, store.Receipt{
			SubscriptionID: receipt.SubscriptionID,
			TransactionID:  receipt.TransactionID,
			EntryCount:     receipt.EntryCount,
			PrefixCount:    receipt.PrefixCount,
			AcceptedTS:     receipt.AcceptedTS,
		}); err != nil {
			logger.Warn("receipt_write_failed", "txn", batch.TransactionID, "error", err)
		}
	}
	logger.Info("batch_accepted",
		"subscription", batch.SubscriptionID,
		"txn", batch.TransactionID,
		"entries", receipt.EntryCount,
		"prefixes", receipt.PrefixCount,
		"journal_offset", off)
	return receipt, nil
}

// Recover replays journaled batches that were never acknowledged. Call
// before Run, once, at startup. Replayed batches may already have been
// partially or fully merged; the engine makes redelivery harmless.
func (p *Processor) Recover(ctx context.Context) error {
	if p.journal == nil {
		return nil
	}
	replayed := 0
	err := p.journal.Recover(func(rec queue.Record) error {
		var batch models.SubmissionBatch
		if err := json.Unmarshal(rec.Data, &batch); err != nil {
			logger.Error("journal_record_undecodable", "offset", rec.Offset, "error", err)
			return nil
		}
		p.track(rec.Offset)
		op := &queue.Op{
			Subscription: batch.SubscriptionID,
			Transaction:  batch.TransactionID,
			Payload:      rec.Data,
			TS:           batch.TS,
			Journal:      rec.Offset,
		}
		if err := p.q.Enqueue(ctx, op); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	if replayed > 0 {
		logger.Info("journal_replayed", "batches", replayed)
	}
	telemetry.QueueDepth.Set(float64(p.q.Len()))
	return nil
}

// Run starts the merge workers and the journal janitor. Blocks until
// Shutdown is called.
func (p *Processor) Run(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.q.RunWorker(p.stop, func(op *queue.Op) error {
				return p.handle(ctx, op)
			})
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.TruncateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.reclaim()
				telemetry.QueueDepth.Set(float64(p.q.Len()))
			case <-p.stop:
				return
			}
		}
	}()

	p.wg.Wait()
}

// Shutdown stops the workers. Queued items remain journaled and are
// replayed on the next start.
func (p *Processor) Shutdown() {
	p.stopped.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.reclaim()
}

func (p *Processor) handle(ctx context.Context, op *queue.Op) error {
	var batch models.SubmissionBatch
	if err := json.Unmarshal(op.Payload, &batch); err != nil {
		// poison record: ack so it is not replayed forever
		logger.Error("batch_undecodable", "txn", op.Transaction, "error", err)
		p.ack(op.Journal)
		return err
	}

	if err := p.engine.ProcessBatch(ctx, &batch); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// keep the offset outstanding; recovery redelivers
			return err
		}
		logger.Warn("batch_requeued", "txn", op.Transaction, "error", err)
		requeue := &queue.Op{
			Subscription: op.Subscription,
			Transaction:  op.Transaction,
			Payload:      op.Payload, // TryEnqueue copies before we return
			TS:           op.TS,
			Journal:      op.Journal,
		}
		if qerr := p.q.TryEnqueue(requeue); qerr != nil {
			logger.Error("batch_requeue_failed", "txn", op.Transaction, "error", qerr)
		}
		return err
	}

	p.ack(op.Journal)
	logger.Debug("batch_merged", "txn", op.Transaction, "journal_offset", op.Journal)
	return nil
}

func (p *Processor) track(offset int64) {
	if offset < 0 {
		return
	}
	p.mu.Lock()
	p.outstanding[offset] = struct{}{}
	p.mu.Unlock()
}

func (p *Processor) ack(offset int64) {
	if offset < 0 {
		return
	}
	p.mu.Lock()
	delete(p.outstanding, offset)
	p.mu.Unlock()
}

// reclaim drops journal segments below the lowest unacknowledged offset.
func (p *Processor) reclaim() {
	if p.journal == nil {
		return
	}
	p.mu.Lock()
	watermark := p.journal.NextOffset()
	for off := range p.outstanding {
		if off < watermark {
			watermark = off
		}
	}
	p.mu.Unlock()
	if err := p.journal.TruncateBefore(watermark); err != nil {
		logger.Warn("journal_truncate_failed", "watermark", watermark, "error", err)
	}
}
