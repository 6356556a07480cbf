package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/metrics"
)

const (
	DefaultRetryWorkers     = 4
	DefaultRetryMaxAttempts = 5
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = time.Minute
	retryBuffer             = 256
)

// RetryTask re-runs one idempotent saga step.
type RetryTask struct {
	Step    string
	OrderID string
	Run     func(ctx context.Context) error
}

type RetryOptions struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

// RetryQueue runs failed non-critical steps in the background with
// exponential backoff. Only transient errors are retried; anything else is
// logged for manual reconciliation. Tasks that exhaust their attempts are
// left to the reconciler.
type RetryQueue struct {
	tasks  chan RetryTask
	opts   RetryOptions
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	workers sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func NewRetryQueue(ctx context.Context, opts RetryOptions) *RetryQueue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultRetryWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRetryMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultRetryBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultRetryMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &RetryQueue{
		tasks:  make(chan RetryTask, retryBuffer),
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *RetryQueue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.workers.Add(1)
		go q.worker()
	}
}

// Stop cancels in-flight backoffs and waits for the workers to exit.
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.cancel()
	q.workers.Wait()
}

// Enqueue schedules t. It never blocks; a full or stopped queue drops the
// task and reports false.
func (q *RetryQueue) Enqueue(t RetryTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending.Add(1)
	select {
	case q.tasks <- t:
		return true
	default:
		q.pending.Done()
		q.logger.Warn("retry queue full, leaving step to reconciler", "step", t.Step, "order_id", t.OrderID)
		return false
	}
}

// Wait blocks until every enqueued task has finished.
func (q *RetryQueue) Wait() {
	q.pending.Wait()
}

func (q *RetryQueue) worker() {
	defer q.workers.Done()
	for t := range q.tasks {
		q.process(t)
		q.pending.Done()
	}
}

func (q *RetryQueue) process(t RetryTask) {
	var lastErr error
	for attempt := 0; attempt < q.opts.MaxAttempts; attempt++ {
		if !q.sleep(q.backoff(attempt)) {
			return
		}
		err := t.Run(q.ctx)
		if err == nil {
			metrics.RecordRetry(t.Step, true)
			q.logger.Info("retried step succeeded", "step", t.Step, "order_id", t.OrderID, "attempt", attempt+1)
			return
		}
		metrics.RecordRetry(t.Step, false)
		lastErr = err
		if !commerce.IsTransient(err) {
			q.logger.Error("step needs manual reconciliation", "step", t.Step, "order_id", t.OrderID, "error", err)
			return
		}
		q.logger.Warn("step retry failed", "step", t.Step, "order_id", t.OrderID, "attempt", attempt+1, "error", err)
	}
	q.logger.Error("step retries exhausted", "step", t.Step, "order_id", t.OrderID, "error", lastErr)
}

func (q *RetryQueue) backoff(attempt int) time.Duration {
	d := q.opts.BaseDelay << attempt
	if d <= 0 || d > q.opts.MaxDelay {
		return q.opts.MaxDelay
	}
	return d
}

func (q *RetryQueue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}
