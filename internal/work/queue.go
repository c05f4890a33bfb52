// Package work provides the supervised queue that runs background
// persistence tasks. Compaction and progress writes must never block a
// live conversation, so they are handed to fixed workers over a bounded
// channel instead of spawned as bare goroutines.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/szaher/recall/internal/telemetry"
)

const defaultTaskTimeout = 30 * time.Second

// Task is one unit of background work. Run receives a context bounded
// by the queue's per-task timeout.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue runs tasks on a fixed set of workers. Enqueue never blocks:
// when the channel is full the task is dropped and counted, which for
// this system costs at most one unstored chunk or progress update.
type Queue struct {
	tasks   chan Task
	wg      sync.WaitGroup
	logger  *slog.Logger
	timeout time.Duration
	metrics *telemetry.Metrics
	onDone  func(name string, err error)

	// mu orders Enqueue sends against the channel close in Close.
	mu     sync.RWMutex
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithTimeout sets the per-task timeout. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithMetrics counts task outcomes on the given instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithDoneHook registers a callback invoked after every executed task
// with the task name and its final error (nil on success). Used by
// tests to wait for asynchronous work deterministically.
func WithDoneHook(fn func(name string, err error)) Option {
	return func(q *Queue) { q.onDone = fn }
}

// NewQueue starts workers goroutines consuming a channel of the given
// depth. Both are clamped to at least 1.
func NewQueue(workers, depth int, logger *slog.Logger, opts ...Option) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	q := &Queue{
		tasks:   make(chan Task, depth),
		logger:  logger,
		timeout: defaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue submits a task without blocking. It reports false when the
// queue is full or closed; the caller treats that as a logged loss,
// never an error surfaced to the conversation.
func (q *Queue) Enqueue(name string, fn func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.count("dropped")
		return false
	}
	select {
	case q.tasks <- Task{Name: name, Run: fn}:
		return true
	default:
		q.logger.Warn("work queue full, task dropped", "task", name)
		q.count("dropped")
		return false
	}
}

// Depth reports the number of queued, not yet started tasks.
func (q *Queue) Depth() int { return len(q.tasks) }

// Close stops accepting tasks, drains the queue, and waits for all
// workers to finish. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.runTask(t)
	}
}

func (q *Queue) runTask(t Task) {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	start := time.Now()
	err, panicked := q.invoke(ctx, t)

	switch {
	case panicked:
		q.count("panic")
	case err != nil:
		q.logger.Error("background task failed",
			"task", t.Name, "duration", time.Since(start), "error", err)
		q.count("error")
	default:
		q.count("ok")
	}

	if q.onDone != nil {
		q.onDone(t.Name, err)
	}
}

// invoke runs the task body, converting a panic into an error so one
// bad task cannot take down a worker.
func (q *Queue) invoke(ctx context.Context, t Task) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			q.logger.Error("background task panicked",
				"task", t.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return t.Run(ctx), false
}

func (q *Queue) count(status string) {
	if q.metrics != nil {
		q.metrics.Tasks.WithLabelValues(status).Inc()
	}
}
