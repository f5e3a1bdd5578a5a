package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Op is one journaled submission waiting for the merge pipeline. Payload is
// the serialized SubmissionBatch and may be backed by a pooled ByteBuffer;
// consumers must call Item.Done() when finished with it.
type Op struct {
	// Subscription and Transaction identify the producer and the
	// idempotency scope; they are carried outside the payload so workers
	// can log and ack without decoding.
	Subscription string
	Transaction  string
	// Payload holds the serialized batch.
	Payload []byte
	// TS is the accept timestamp (nanoseconds).
	TS int64
	// EnqSeq is a monotonic enqueue sequence assigned on accept.
	EnqSeq uint64
	// Journal is the WAL offset backing this delivery, or -1 when the
	// journal is disabled.
	Journal int64
	// Extras holds small metadata from the transport layer (request id,
	// remote address). Optional.
	Extras map[string]string
}

// Item wraps an Op and owns a pooled ByteBuffer if one was used. Consumers
// MUST call Done() exactly once after processing the item to return pooled
// resources.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
	q    *Queue
}

// Done releases pooled resources (buffer + op) back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.q != nil {
			atomic.AddInt64(&it.q.inFlight, -1)
			it.q = nil
		}
		if it.buf != nil {
			// avoid retaining huge buffers in the pool
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Op != nil {
			it.Op.Payload = nil
			it.Op.Extras = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
	})
}

// Items are never pooled: an Item's sync.Once is spent after Done, so a
// reused Item would silently skip its release.
var opPool = sync.Pool{New: func() any { return &Op{} }}

// maxPooledBuffer is the largest payload buffer returned to the pool;
// larger ones are dropped so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024 // 256 KiB

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("submission queue full")

// ErrQueueClosed is returned when enqueueing after the queue has closed.
var ErrQueueClosed = errors.New("submission queue closed")
