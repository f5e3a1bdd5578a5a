package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDequeue(t *testing.T) {
	q := New(4)
	op := &Op{Subscription: "s1", Transaction: "t1", Payload: []byte("hello"), TS: 42}
	if err := q.TryEnqueue(op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len: want 1, got %d", q.Len())
	}

	it := <-q.Out()
	if string(it.Op.Payload) != "hello" || it.Op.Transaction != "t1" {
		t.Fatalf("dequeued wrong op: %+v", it.Op)
	}
	it.Done()
}

func TestPayloadCopied(t *testing.T) {
	q := New(4)
	payload := []byte("original")
	if err := q.TryEnqueue(&Op{Transaction: "t1", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	copy(payload, "XXXXXXXX") // caller reuses its slice

	it := <-q.Out()
	defer it.Done()
	if string(it.Op.Payload) != "original" {
		t.Fatalf("payload not copied on enqueue: %q", it.Op.Payload)
	}
}

func TestTryEnqueueFull(t *testing.T) {
	q := New(1)
	if err := q.TryEnqueue(&Op{Transaction: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.TryEnqueue(&Op{Transaction: "t2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped: want 1, got %d", q.Dropped())
	}
}

func TestEnqueueBlocksUntilCancelled(t *testing.T) {
	q := New(1)
	if err := q.TryEnqueue(&Op{Transaction: "t1"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, &Op{Transaction: "t2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestRunWorker(t *testing.T) {
	q := New(8)
	stop := make(chan struct{})
	got := make(chan string, 8)

	go q.RunWorker(stop, func(op *Op) error {
		got <- op.Transaction
		return nil
	})

	for _, txn := range []string{"a", "b", "c"} {
		if err := q.TryEnqueue(&Op{Transaction: txn}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case txn := <-got:
			if txn != want {
				t.Fatalf("order: want %s, got %s", want, txn)
			}
		case <-time.After(time.Second):
			t.Fatal("worker never received op")
		}
	}
	close(stop)
}

func TestCloseAndDrain(t *testing.T) {
	q := New(8)
	for i := 0; i < 3; i++ {
		if err := q.TryEnqueue(&Op{Transaction: "t"}); err != nil {
			t.Fatal(err)
		}
	}
	q.CloseAndDrain()
	if err := q.TryEnqueue(&Op{Transaction: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed, got %v", err)
	}
	// idempotent
	q.CloseAndDrain()
}

func TestEachItemReleasesIndependently(t *testing.T) {
	q := New(4)
	if err := q.TryEnqueue(&Op{Transaction: "a", Payload: []byte("one")}); err != nil {
		t.Fatal(err)
	}
	if err := q.TryEnqueue(&Op{Transaction: "b", Payload: []byte("two")}); err != nil {
		t.Fatal(err)
	}
	first := <-q.Out()
	second := <-q.Out()

	first.Done()
	first.Done() // second call is a no-op
	if first.Op != nil {
		t.Fatal("released item still holds its op")
	}

	// the first release must not consume the second item's release
	if string(second.Op.Payload) != "two" {
		t.Fatalf("second payload: %q", second.Op.Payload)
	}
	second.Done()
	if second.Op != nil {
		t.Fatal("second item never released")
	}
}
