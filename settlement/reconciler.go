package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
	"github.com/warp/coinshop/events"
	"github.com/warp/coinshop/metrics"
	"github.com/warp/coinshop/orders"
	"github.com/warp/coinshop/ranking"
	"github.com/warp/coinshop/wallet"
)

// ErrUnverifiable marks a stale order whose payment can no longer be checked.
var ErrUnverifiable = errors.New("payment cannot be verified")

const (
	DefaultReconcileGrace    = 2 * time.Minute
	DefaultReconcileLookback = 24 * time.Hour
)

// Reconciler repairs what the saga left unfinished:
//
//   - processing orders older than Grace whose debit is journaled are
//     completed; those never charged are marked failed
//   - orders completed within Lookback get their discount and ranking
//     steps re-applied (both are idempotent per order) and the user's
//     totals re-derived from the ranking ledger
//
// The wallet journal must outlive Grace+Lookback; see wallet.WithRetention.
type Reconciler struct {
	coordinator *Coordinator
	orders      *orders.Manager
	wallet      *wallet.Ledger
	discounts   *discount.Registry
	ranking     *ranking.Recorder
	logger      *slog.Logger

	Grace    time.Duration
	Lookback time.Duration
	now      func() time.Time
}

func NewReconciler(c *Coordinator) *Reconciler {
	return &Reconciler{
		coordinator: c,
		orders:      c.orders,
		wallet:      c.wallet,
		discounts:   c.discounts,
		ranking:     c.ranking,
		logger:      c.logger.With("component", "reconciler"),
		Grace:       DefaultReconcileGrace,
		Lookback:    DefaultReconcileLookback,
		now:         c.opts.Now,
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Resumed  int `json:"resumed"`
	Failed   int `json:"failed"`
	Repaired int `json:"repaired"`
	Errors   int `json:"errors"`
}

// Sweep runs one reconciliation pass. Per-order failures are counted and
// logged; only a failure to list orders aborts the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := r.now()

	processing, err := r.orders.ListByStatus(ctx, commerce.StatusProcessing)
	if err != nil {
		return rep, fmt.Errorf("list processing orders: %w", err)
	}
	for _, o := range processing {
		if now.Sub(o.UpdatedAt) < r.Grace {
			continue
		}
		if err := r.settleStale(ctx, o, &rep); err != nil {
			rep.Errors++
			r.logger.Error("stale order not reconciled", "order_id", o.ID, "error", err)
		}
	}

	completed, err := r.orders.ListByStatus(ctx, commerce.StatusCompleted)
	if err != nil {
		return rep, fmt.Errorf("list completed orders: %w", err)
	}
	for _, o := range completed {
		if o.CompletedAt == nil || now.Sub(*o.CompletedAt) > r.Lookback {
			continue
		}
		repaired, err := r.repair(ctx, o)
		if err != nil {
			rep.Errors++
			r.logger.Warn("completed order repair failed", "order_id", o.ID, "error", err)
		}
		if repaired {
			rep.Repaired++
			metrics.RecordReconciled("repaired")
		}
	}

	if rep != (SweepReport{}) {
		r.logger.Info("reconciliation sweep",
			"resumed", rep.Resumed, "failed", rep.Failed, "repaired", rep.Repaired, "errors", rep.Errors)
	}
	return rep, nil
}

func (r *Reconciler) settleStale(ctx context.Context, o commerce.Order, rep *SweepReport) error {
	charged := !o.Total.IsPositive()
	if !charged {
		ok, err := r.wallet.HasDebit(ctx, o.UserID, o.ID)
		if err != nil {
			return err
		}
		charged = ok
		// Past the journal retention a missing debit proves nothing.
		if !charged && r.now().Sub(o.CreatedAt) > r.wallet.Retention() {
			return fmt.Errorf("%w: order %s outlived the wallet journal, needs manual review", ErrUnverifiable, o.ID)
		}
	}

	if charged {
		if _, err := r.coordinator.Resume(ctx, o.ID); err != nil {
			return err
		}
		rep.Resumed++
		metrics.RecordReconciled("resumed")
		r.logger.Info("stale order completed", "order_id", o.ID)
		return nil
	}

	failed, err := r.orders.Transition(ctx, o.ID, commerce.StatusFailed, &orders.Extra{Reason: "payment was not captured"})
	if err != nil {
		return err
	}
	rep.Failed++
	metrics.RecordReconciled("failed")
	r.coordinator.publishOrder(events.OrderUpdated, failed, "failed")
	r.logger.Warn("stale order failed, no debit found", "order_id", o.ID)
	return nil
}

// repair re-applies the idempotent post-debit steps. It reports whether
// either step changed anything.
func (r *Reconciler) repair(ctx context.Context, o commerce.Order) (bool, error) {
	var errs []error
	repaired := false

	if o.DiscountCode != "" {
		c, err := r.discounts.Consume(ctx, o.DiscountCode, o.ID, o.UserID, o.Total)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("discount: %w", err))
		case !c.Replayed:
			repaired = true
		}
	}

	st, err := r.ranking.RecordPurchase(ctx, o.UserID, o.ID, o.Total, o.ItemCount())
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("ranking: %w", err))
	case !st.Replayed, st.Rewritten:
		repaired = true
	}

	return repaired, errors.Join(errs...)
}
