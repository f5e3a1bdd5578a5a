package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Default and fallback capacities.
const defaultCapacity = 16 * 1024
const fallbackCapacity = 1024

// Instrumentation counters (package-local).
var (
	enqueueTotal     uint64
	enqueueFailTotal uint64
	enqSeq           uint64
)

// Queue is a threadsafe, fixed-size in-memory queue of submission items.
// Durability comes from the WAL journal in front of it: the queue only
// provides hand-off and backpressure between transports and workers.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	closed   int32

	enqWg    sync.WaitGroup
	inFlight int64
}

// New creates a bounded Queue of the given capacity (>0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = fallbackCapacity
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// NewDefault creates a Queue with the default capacity.
func NewDefault() *Queue { return New(defaultCapacity) }

// Out exposes items for consumers. Do not close the returned channel.
func (q *Queue) Out() <-chan *Item { return q.ch }

func (q *Queue) prepare(op *Op) (*Item, *bytebufferpool.ByteBuffer) {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	if op.Extras != nil {
		newMap := make(map[string]string, len(op.Extras))
		for k, v := range op.Extras {
			newMap[k] = v
		}
		newOp.Extras = newMap
	}
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	return &Item{Op: newOp, buf: bb, q: q}, bb
}

func (q *Queue) release(it *Item, bb *bytebufferpool.ByteBuffer) {
	if bb != nil {
		bytebufferpool.Put(bb)
	}
	opPool.Put(it.Op)
	atomic.AddUint64(&q.dropped, 1)
	atomic.AddUint64(&enqueueFailTotal, 1)
}

// TryEnqueue enqueues an Op without blocking; ErrQueueFull when saturated.
// The payload is copied into a pooled buffer, so the caller's slice may be
// reused immediately.
func (q *Queue) TryEnqueue(op *Op) error {
	atomic.AddUint64(&enqueueTotal, 1)
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}

	it, bb := q.prepare(op)
	select {
	case q.ch <- it:
		atomic.AddInt64(&q.inFlight, 1)
		return nil
	default:
		q.release(it, bb)
		return ErrQueueFull
	}
}

// Enqueue blocks until op is enqueued or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	atomic.AddUint64(&enqueueTotal, 1)
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}

	it, bb := q.prepare(op)
	select {
	case q.ch <- it:
		atomic.AddInt64(&q.inFlight, 1)
		return nil
	case <-ctx.Done():
		q.release(it, bb)
		return ctx.Err()
	}
}

// RunWorker dequeues items and calls handler for each, calling Item.Done()
// always. Exits when stop fires or the queue closes.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Op)
			}(it)
		case <-stop:
			return
		}
	}
}

// CloseAndDrain closes the queue channel and drains remaining items,
// releasing their resources. In-flight enqueues finish first.
func (q *Queue) CloseAndDrain() {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return
	}
	q.enqWg.Wait()
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns how many enqueues were rejected (full queue or
// cancellation).
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// EnqueuedTotal returns total attempted enqueues.
func (q *Queue) EnqueuedTotal() uint64 { return atomic.LoadUint64(&enqueueTotal) }

// FailedTotal returns total enqueue failures.
func (q *Queue) FailedTotal() uint64 { return atomic.LoadUint64(&enqueueFailTotal) }
