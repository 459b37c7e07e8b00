package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when the queue's buffer is exhausted.
var ErrQueueFull = errors.New("billing: job queue full")

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("billing: job queue closed")

// Task is one enqueued unit of work. Done, when set, is invoked exactly
// once from the worker goroutine with the terminal outcome (nil on
// success, the exhausted-retries error otherwise).
type Task struct {
	ID   string
	Fn   Func
	Done func(err error)
}

// Queue is a named in-process work queue. Each worker drains tasks and runs
// them under the queue's retry policy; a task that exhausts its retries gets
// a Failure record persisted with the queue's TTL. Workers hold no state
// across tasks, so all coordination happens through the store.
type Queue struct {
	name     string
	runner   *Runner
	tasks    chan *Task
	results  ResultStore
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
	attempts int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithBuffer sets the task buffer size.
func WithBuffer(n int) QueueOption {
	return func(q *Queue) {
		q.tasks = make(chan *Task, n)
	}
}

// WithResultStore enables persistence of terminal failure records.
func WithResultStore(rs ResultStore, ttl time.Duration) QueueOption {
	return func(q *Queue) {
		q.results = rs
		q.ttl = ttl
	}
}

// WithQueueClock overrides the time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a queue whose workers run tasks under policy.
func NewQueue(name string, policy RetryPolicy, opts ...QueueOption) *Queue {
	q := &Queue{
		name:     name,
		runner:   NewRunner(policy),
		tasks:    make(chan *Task, 1024),
		ttl:      DefaultResultTTL,
		logger:   slog.Default(),
		now:      time.Now,
		attempts: policy.Attempts,
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}
	q.runner.logger = q.logger

	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Start launches n worker goroutines.
func (q *Queue) Start(n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop signals the workers and waits for in-flight tasks to finish.
// Buffered tasks that no worker picked up are dropped; callers rely on
// at-least-once redelivery from upstream, not on the buffer.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	q.wg.Wait()
}

// Enqueue submits a task without blocking.
func (q *Queue) Enqueue(t *Task) error {
	select {
	case <-q.stopChan:
		return ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopChan:
			return
		case t := <-q.tasks:
			q.execute(t)
		}
	}
}

func (q *Queue) execute(t *Task) {
	err := q.runner.Run(context.Background(), t.ID, t.Fn)
	if err != nil {
		q.logger.Error("job failed terminally",
			"queue", q.name,
			"job_id", t.ID,
			"error", err,
		)
		if q.results != nil {
			f := &Failure{
				JobID:    t.ID,
				Queue:    q.name,
				Error:    err.Error(),
				Attempts: q.attempts,
				FailedAt: q.now().UTC(),
			}
			if perr := q.results.PutJobFailure(context.Background(), f, q.ttl); perr != nil {
				q.logger.Error("failed to persist job failure record",
					"queue", q.name,
					"job_id", t.ID,
					"error", perr,
				)
			}
		}
	}

	if t.Done != nil {
		t.Done(err)
	}
}
