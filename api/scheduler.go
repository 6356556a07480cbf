/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically sweeps for checkouts the saga left unfinished (orders stuck
  in processing, completed orders missing their discount or ranking step)
  and repairs them through settlement.Reconciler.

DESIGN:
  - robfig/cron drives the schedule ("@every 1m" by default, any cron spec)
  - SkipIfStillRunning: a slow sweep is never overlapped by the next one
  - Each sweep runs under its own timeout
  - The checkout rate limiter is pruned on the same clock

USAGE:
  scheduler, err := NewReconciliationScheduler(reconciler, "@every 1m", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual sweep)
  - settlement/reconciler.go: What a sweep does
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/coinshop/settlement"
)

const (
	DefaultSweepTimeout = 2 * time.Minute
	limiterCleanupSpec  = "@every 1h"
	maxLimiters         = 10000
)

// ReconciliationScheduler runs reconciliation sweeps on a cron schedule.
type ReconciliationScheduler struct {
	Reconciler   *settlement.Reconciler
	Schedule     string
	SweepTimeout time.Duration

	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	runs    int
	last    settlement.SweepReport
}

// NewReconciliationScheduler validates schedule and prepares the scheduler.
func NewReconciliationScheduler(rec *settlement.Reconciler, schedule string, logger *slog.Logger) (*ReconciliationScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	rs := &ReconciliationScheduler{
		Reconciler:   rec,
		Schedule:     schedule,
		SweepTimeout: DefaultSweepTimeout,
		logger:       logger,
	}
	rs.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := rs.cron.AddFunc(schedule, rs.sweep); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return rs, nil
}

// WithLimiter prunes the checkout rate limiter on the same scheduler.
func (rs *ReconciliationScheduler) WithLimiter(h *Handler) *ReconciliationScheduler {
	if h == nil || h.limiter == nil {
		return rs
	}
	if _, err := rs.cron.AddFunc(limiterCleanupSpec, func() { h.limiter.Cleanup(maxLimiters) }); err != nil {
		rs.logger.Warn("limiter cleanup not scheduled", "error", err)
	}
	return rs
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.started {
		return
	}
	rs.started = true
	rs.cron.Start()
	rs.logger.Info("reconciliation scheduler started", "schedule", rs.Schedule)
}

// Stop stops the scheduler and waits for a running sweep.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	if !rs.started {
		rs.mu.Unlock()
		return
	}
	rs.started = false
	rs.mu.Unlock()

	<-rs.cron.Stop().Done()
	rs.logger.Info("reconciliation scheduler stopped")
}

// RunNow performs one sweep synchronously.
func (rs *ReconciliationScheduler) RunNow() settlement.SweepReport {
	rs.sweep()
	return rs.Last()
}

// Last returns the most recent sweep report.
func (rs *ReconciliationScheduler) Last() settlement.SweepReport {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}

// Runs returns how many sweeps completed.
func (rs *ReconciliationScheduler) Runs() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runs
}

func (rs *ReconciliationScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.SweepTimeout)
	defer cancel()

	rep, err := rs.Reconciler.Sweep(ctx)
	if err != nil {
		rs.logger.Error("reconciliation sweep failed", "error", err)
		return
	}

	rs.mu.Lock()
	rs.runs++
	rs.last = rep
	rs.mu.Unlock()
}
