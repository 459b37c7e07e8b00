package job

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fastPolicy keeps test retries cheap.
var fastPolicy = RetryPolicy{
	Attempts: 3,
	Backoff:  []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	Timeout:  time.Second,
}

func TestQueueExecutesTask(t *testing.T) {
	q := NewQueue(QueueBilling, fastPolicy)
	q.Start(2)
	defer q.Stop()

	done := make(chan error, 1)
	var calls atomic.Int32
	err := q.Enqueue(&Task{
		ID: "job_1",
		Fn: func(context.Context) error {
			calls.Add(1)
			return nil
		},
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestQueueTerminalFailurePersisted(t *testing.T) {
	rs := newMemResults()
	q := NewQueue(QueueBilling, fastPolicy, WithResultStore(rs, time.Hour))
	q.Start(1)
	defer q.Stop()

	done := make(chan error, 1)
	boom := errors.New("boom")
	err := q.Enqueue(&Task{
		ID:   "job_2",
		Fn:   func(context.Context) error { return boom },
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("terminal error = %v, want wrapped boom", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}

	f, err := rs.GetJobFailure(context.Background(), "job_2")
	if err != nil {
		t.Fatal(err)
	}
	if f.Queue != QueueBilling || f.Attempts != 3 {
		t.Errorf("failure record = %+v", f)
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(QueueBulkOperations, fastPolicy, WithBuffer(1))
	// No workers started: the buffer fills immediately.

	if err := q.Enqueue(&Task{ID: "a", Fn: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(&Task{ID: "b", Fn: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want queue full", err)
	}
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(QueueBilling, fastPolicy)
	q.Start(1)
	q.Stop()

	err := q.Enqueue(&Task{ID: "a", Fn: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want queue closed", err)
	}
}
