/*
Package settlement drives one checkout across the wallet, discount registry,
ranking recorder and order manager with at most one debit per checkout.

THE SAGA:

	1. affordability   wallet.CanAfford                  no side effect
	2. create order    orders.Create(status=processing)  durable placeholder
	3. debit           wallet.Debit(ref=order id)        the only money movement
	4. discount        discount.Consume                  non-fatal, retried
	5. ranking         ranking.RecordPurchase            non-fatal, retried
	6. complete        orders.Transition(completed)
	7. broadcast       order.created / order.updated / wallet.balance_changed

  Steps 1-3 abort the checkout with one user-facing error. Steps 4 and 5
  are logged and handed to the RetryQueue; the order still completes.

IDEMPOTENCY:
  The order id is derived from the idempotency key (user + cart hash +
  discount code + time bucket, or a client-supplied key). A retried
  checkout finds its order with FindDuplicate and replays instead of
  charging again. Two concurrent twins collide on the store's unique
  insert; the loser resumes the winner's order. The debit itself is
  journaled per order id, so resuming can never charge twice.

	candidate id      existing order        action
	ORD-<key>         none                  run the saga
	ORD-<key>         completed             replay (broadcast only)
	ORD-<key>         processing/pending    resume from step 3
	ORD-<key>         failed/cancelled      try ORD-<key>-R1, -R2, ...

AFTER THE DEBIT:
  Money has moved, so nothing after step 3 may mark the order failed. A
  completion that times out leaves the order processing and the receipt
  reports Pending; the retry queue and the reconciler finish it.

SEE ALSO:
  - reconciler.go: sweeps stale processing orders
  - retry.go: background retries for steps 4-6
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/auth"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
	"github.com/warp/coinshop/events"
	"github.com/warp/coinshop/metrics"
	"github.com/warp/coinshop/notify"
	"github.com/warp/coinshop/orders"
	"github.com/warp/coinshop/ranking"
	"github.com/warp/coinshop/wallet"
)

const (
	DefaultBucket        = 10 * time.Minute
	DefaultStepTimeout   = 5 * time.Second
	DefaultNotifyTimeout = 10 * time.Second
	// MaxCheckoutAttempts bounds how many failed or cancelled orders one
	// idempotency key may accumulate.
	MaxCheckoutAttempts = 8
)

// Step names used in logs, metrics and retry tasks.
const (
	StepAffordability = "affordability"
	StepCreate        = "create"
	StepDebit         = "debit"
	StepDiscount      = "discount"
	StepRanking       = "ranking"
	StepComplete      = "complete"
	StepRefund        = "refund"
)

// Fulfiller produces the delivery payload attached on completion.
type Fulfiller interface {
	Fulfill(ctx context.Context, order commerce.Order) (*commerce.Delivery, error)
}

type Options struct {
	Bucket        time.Duration
	StepTimeout   time.Duration
	NotifyTimeout time.Duration
	Logger        *slog.Logger
	Bus           *events.Bus
	Retry         *RetryQueue
	Notifier      notify.Notifier
	Fulfiller     Fulfiller
	Now           func() time.Time
}

type Coordinator struct {
	wallet    *wallet.Ledger
	discounts *discount.Registry
	ranking   *ranking.Recorder
	orders    *orders.Manager

	bus       *events.Bus
	retry     *RetryQueue
	notifier  notify.Notifier
	fulfiller Fulfiller
	logger    *slog.Logger
	opts      Options

	background sync.WaitGroup
}

func NewCoordinator(w *wallet.Ledger, d *discount.Registry, r *ranking.Recorder, o *orders.Manager, opts Options) *Coordinator {
	if opts.Bucket <= 0 {
		opts.Bucket = DefaultBucket
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	return &Coordinator{
		wallet:    w,
		discounts: d,
		ranking:   r,
		orders:    o,
		bus:       opts.Bus,
		retry:     opts.Retry,
		notifier:  opts.Notifier,
		fulfiller: opts.Fulfiller,
		logger:    opts.Logger,
		opts:      opts,
	}
}

// Bus returns the event channel the coordinator publishes on.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

// Wait blocks until background notifications have been dispatched.
func (c *Coordinator) Wait() { c.background.Wait() }

// =============================================================================
// CHECKOUT
// =============================================================================

// Cart is the checkout input.
type Cart struct {
	// UserID defaults to the session user and must match it when set.
	UserID       string
	Items        []commerce.LineItem
	DiscountCode string
	// IdempotencyKey overrides the derived key when the client sends one.
	IdempotencyKey string
}

// Receipt is the checkout result.
type Receipt struct {
	Order    commerce.Order    `json:"order"`
	Balance  decimal.Decimal   `json:"balance"`
	Replayed bool              `json:"replayed"`
	Pending  bool              `json:"pending"`
	Warnings []string          `json:"warnings,omitempty"`
	Standing *ranking.Standing `json:"standing,omitempty"`
}

// Checkout settles cart for the session user in ctx.
func (c *Coordinator) Checkout(ctx context.Context, cart Cart) (rcpt Receipt, err error) {
	start := time.Now()
	defer func() { metrics.RecordCheckout(outcome(rcpt, err), time.Since(start)) }()

	session, err := auth.Require(ctx)
	if err != nil {
		return Receipt{}, err
	}
	userID := session.UserID
	if cart.UserID != "" && cart.UserID != userID {
		return Receipt{}, fmt.Errorf("%w: session does not own cart", commerce.ErrUnauthenticated)
	}

	draft := orders.Draft{
		UserID:        userID,
		Items:         cart.Items,
		DiscountCode:  discount.Normalize(cart.DiscountCode),
		PaymentMethod: commerce.PaymentWallet,
		Status:        commerce.StatusProcessing,
	}
	if err := draft.Validate(); err != nil {
		return Receipt{}, err
	}
	draft.OriginalTotal = commerce.ItemsTotal(cart.Items)

	if cart.IdempotencyKey != "" {
		draft.IdempotencyKey = ScopeKey(userID, cart.IdempotencyKey)
	} else {
		draft.IdempotencyKey = DeriveKey(userID, cart.Items, draft.DiscountCode, BucketStart(c.opts.Now(), c.opts.Bucket))
	}
	log := c.logger.With("user_id", userID, "idempotency_key", draft.IdempotencyKey[:12])

	priced := false
	var total decimal.Decimal
	for attempt := 0; attempt < MaxCheckoutAttempts; attempt++ {
		id := CandidateID(draft.IdempotencyKey, attempt)

		// A retry must find its order before the code is re-validated:
		// a single-use code is already exhausted by the first attempt.
		existing, err := c.findDuplicate(ctx, id)
		if err != nil {
			return Receipt{}, err
		}
		if existing != nil {
			if existing.Status == commerce.StatusFailed || existing.Status == commerce.StatusCancelled {
				continue
			}
			log.Info("checkout retry matched existing order", "order_id", id, "status", existing.Status)
			return c.resume(ctx, *existing)
		}

		if !priced {
			if draft.DiscountCode != "" {
				v, err := c.quote(ctx, draft.DiscountCode, draft.OriginalTotal)
				if err != nil {
					return Receipt{}, err
				}
				if !v.Valid {
					return Receipt{}, v.Err(draft.OriginalTotal)
				}
				draft.Discount = v.Discount
			}
			total = draft.OriginalTotal.Sub(draft.Discount)
			priced = true
		}

		// 1. Affordability
		if err := c.checkAffordable(ctx, userID, total); err != nil {
			return Receipt{}, err
		}

		// 2. Order creation
		draft.ID = id
		order, err := c.create(ctx, draft)
		if errors.Is(err, commerce.ErrDuplicateOrder) {
			// A concurrent twin inserted first.
			existing, ferr := c.findDuplicate(ctx, id)
			if ferr != nil {
				return Receipt{}, ferr
			}
			if existing == nil {
				return Receipt{}, err
			}
			log.Info("checkout raced a concurrent twin", "order_id", id)
			return c.resume(ctx, *existing)
		}
		if err != nil {
			return Receipt{}, err
		}
		log.Info("order created", "order_id", order.ID, "total", order.Total.String())
		c.publishOrder(events.OrderCreated, order, "created")

		return c.settle(ctx, order, false)
	}
	return Receipt{}, fmt.Errorf("%w: too many failed attempts for this checkout", commerce.ErrConflict)
}

// Resume finishes a processing order. Used by retries and the reconciler.
func (c *Coordinator) Resume(ctx context.Context, orderID string) (Receipt, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return Receipt{}, err
	}
	return c.resume(ctx, o)
}

func (c *Coordinator) resume(ctx context.Context, o commerce.Order) (Receipt, error) {
	switch o.Status {
	case commerce.StatusCompleted:
		return c.replay(ctx, o)
	case commerce.StatusPending:
		moved, err := c.transition(ctx, o.ID, commerce.StatusProcessing, nil)
		if err != nil {
			return Receipt{}, err
		}
		o = moved
	case commerce.StatusProcessing:
	default:
		return Receipt{Order: o, Replayed: true}, &commerce.TransitionError{OrderID: o.ID, From: o.Status, To: commerce.StatusCompleted}
	}
	return c.settle(ctx, o, true)
}

// replay re-broadcasts a completed order without touching any state.
func (c *Coordinator) replay(ctx context.Context, o commerce.Order) (Receipt, error) {
	rcpt := Receipt{Order: o, Replayed: true}
	if bal, err := c.balance(ctx, o.UserID); err == nil {
		rcpt.Balance = bal
		c.publishBalance(o.UserID, bal, "replay")
	}
	c.publishOrder(events.OrderUpdated, o, "replayed")
	return rcpt, nil
}

// settle runs steps 3-7 for a processing order.
func (c *Coordinator) settle(ctx context.Context, o commerce.Order, replayed bool) (Receipt, error) {
	log := c.logger.With("order_id", o.ID, "user_id", o.UserID)
	rcpt := Receipt{Order: o, Replayed: replayed}

	// 3. Debit
	if o.Total.IsPositive() {
		mv, err := c.debit(ctx, o)
		if err != nil {
			metrics.RecordStepFailure(StepDebit)
			var insufficient *commerce.InsufficientFundsError
			if errors.As(err, &insufficient) {
				log.Warn("debit rejected, failing order", "shortfall", insufficient.Shortfall.String())
				if failed, terr := c.transition(ctx, o.ID, commerce.StatusFailed, &orders.Extra{Reason: err.Error()}); terr == nil {
					c.publishOrder(events.OrderUpdated, failed, "failed")
				} else {
					log.Error("could not mark order failed", "error", terr)
				}
				return Receipt{}, err
			}
			log.Error("debit failed, order left processing", "error", err)
			c.schedule(StepDebit, o.ID, func(ctx context.Context) error {
				_, err := c.Resume(ctx, o.ID)
				return err
			})
			return Receipt{}, fmt.Errorf("%w: payment for order %s could not be confirmed: %v", commerce.ErrTransientStore, o.ID, err)
		}
		rcpt.Balance = mv.Balance
		if mv.Applied {
			log.Info("wallet debited", "amount", o.Total.String(), "balance", mv.Balance.String())
		}
	} else if bal, err := c.balance(ctx, o.UserID); err == nil {
		rcpt.Balance = bal
	}

	// Money has moved. The remaining steps must not be abandoned because
	// the caller went away.
	ctx = context.WithoutCancel(ctx)

	// 4. Discount consumption
	if o.DiscountCode != "" {
		if err := c.consumeDiscount(ctx, o); err != nil {
			rcpt.Warnings = append(rcpt.Warnings, "discount code redemption is delayed")
			c.nonFatal(log, StepDiscount, o.ID, err, func(ctx context.Context) error { return c.consumeDiscount(ctx, o) })
		}
	}

	// 5. Ranking
	standing, err := c.recordPurchase(ctx, o)
	if err != nil {
		rcpt.Warnings = append(rcpt.Warnings, "loyalty rank update is delayed")
		c.nonFatal(log, StepRanking, o.ID, err, func(ctx context.Context) error {
			_, err := c.recordPurchase(ctx, o)
			return err
		})
	} else {
		rcpt.Standing = &standing
	}

	// 6. Completion
	completed, err := c.complete(ctx, o)
	switch {
	case err == nil:
		rcpt.Order = completed
	case errors.Is(err, commerce.ErrIllegalTransition):
		// The order was failed or cancelled while this debit was in flight.
		log.Error("order closed under a debit, refunding", "error", err)
		c.refund(ctx, o, log)
		return Receipt{}, err
	default:
		metrics.RecordStepFailure(StepComplete)
		log.Warn("completion deferred", "error", err)
		rcpt.Pending = true
		c.schedule(StepComplete, o.ID, func(ctx context.Context) error {
			_, err := c.complete(ctx, o)
			return err
		})
	}

	// 7. Broadcast
	c.publishOrder(events.OrderUpdated, rcpt.Order, "settled")
	c.publishBalance(o.UserID, rcpt.Balance, "debit")
	if !rcpt.Pending && !replayed {
		c.dispatchNotification(rcpt.Order)
	}
	return rcpt, nil
}

// Cancel cancels a pending order owned by the session user.
//
// Checkout never leaves an order pending; coin orders go straight to
// processing. Pending orders come from external payment paths (card, bank
// transfer) that create them through orders.Manager and settle or drop them
// later. Cancel is the customer-side exit for those.
func (c *Coordinator) Cancel(ctx context.Context, orderID, reason string) (commerce.Order, error) {
	session, err := auth.Require(ctx)
	if err != nil {
		return commerce.Order{}, err
	}
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return commerce.Order{}, err
	}
	if o.UserID != session.UserID {
		return commerce.Order{}, fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, orderID)
	}
	cancelled, err := c.transition(ctx, orderID, commerce.StatusCancelled, &orders.Extra{Reason: reason})
	if err != nil {
		return commerce.Order{}, err
	}
	c.publishOrder(events.OrderUpdated, cancelled, "cancelled")
	return cancelled, nil
}

// =============================================================================
// STEPS
// =============================================================================

func (c *Coordinator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.StepTimeout)
}

func (c *Coordinator) quote(ctx context.Context, code string, amount decimal.Decimal) (discount.Validation, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.discounts.Quote(ctx, code, amount)
}

func (c *Coordinator) findDuplicate(ctx context.Context, id string) (*commerce.Order, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.orders.FindDuplicate(ctx, id)
}

func (c *Coordinator) checkAffordable(ctx context.Context, userID string, total decimal.Decimal) error {
	if !total.IsPositive() {
		return nil
	}
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	ok, err := c.wallet.CanAfford(ctx, userID, total)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	bal, err := c.wallet.Balance(ctx, userID)
	if err != nil {
		return err
	}
	return commerce.NewInsufficientFunds(userID, bal, total)
}

func (c *Coordinator) create(ctx context.Context, d orders.Draft) (commerce.Order, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.orders.Create(ctx, d)
}

func (c *Coordinator) debit(ctx context.Context, o commerce.Order) (wallet.Movement, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.wallet.Debit(ctx, o.UserID, o.Total, o.ID)
}

func (c *Coordinator) consumeDiscount(ctx context.Context, o commerce.Order) error {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	_, err := c.discounts.Consume(ctx, o.DiscountCode, o.ID, o.UserID, o.Total)
	return err
}

func (c *Coordinator) recordPurchase(ctx context.Context, o commerce.Order) (ranking.Standing, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.ranking.RecordPurchase(ctx, o.UserID, o.ID, o.Total, o.ItemCount())
}

func (c *Coordinator) complete(ctx context.Context, o commerce.Order) (commerce.Order, error) {
	var delivery *commerce.Delivery
	if c.fulfiller != nil {
		fctx, cancel := c.stepContext(ctx)
		d, err := c.fulfiller.Fulfill(fctx, o)
		cancel()
		if err != nil {
			c.logger.Warn("fulfilment failed, completing without delivery", "order_id", o.ID, "error", err)
		} else {
			delivery = d
		}
	}
	completed, err := c.transition(ctx, o.ID, commerce.StatusCompleted, &orders.Extra{Delivery: delivery})
	if err != nil && completed.Status == commerce.StatusCompleted {
		// Delivery mirror failed; the order itself is complete.
		c.logger.Warn("delivery record not written", "order_id", o.ID, "error", err)
		return completed, nil
	}
	return completed, err
}

func (c *Coordinator) transition(ctx context.Context, id string, to commerce.OrderStatus, extra *orders.Extra) (commerce.Order, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.orders.Transition(ctx, id, to, extra)
}

func (c *Coordinator) balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	ctx, cancel := c.stepContext(ctx)
	defer cancel()
	return c.wallet.Balance(ctx, userID)
}

// refund returns the debit of an order that can no longer complete.
func (c *Coordinator) refund(ctx context.Context, o commerce.Order, log *slog.Logger) {
	run := func(ctx context.Context) error {
		ctx, cancel := c.stepContext(ctx)
		defer cancel()
		mv, err := c.wallet.Credit(ctx, o.UserID, o.Total, "refund:"+o.ID)
		if err == nil {
			c.publishBalance(o.UserID, mv.Balance, "refund")
		}
		return err
	}
	if err := run(ctx); err != nil {
		c.nonFatal(log, StepRefund, o.ID, err, run)
	}
}

// nonFatal logs a failed post-debit step and schedules it when retrying
// can help.
func (c *Coordinator) nonFatal(log *slog.Logger, step, orderID string, err error, run func(context.Context) error) {
	metrics.RecordStepFailure(step)
	if !commerce.IsTransient(err) {
		log.Error("step failed and needs manual reconciliation", "step", step, "error", err)
		return
	}
	log.Warn("step failed, retrying in background", "step", step, "error", err)
	c.schedule(step, orderID, run)
}

func (c *Coordinator) schedule(step, orderID string, run func(context.Context) error) {
	if c.retry == nil {
		return
	}
	c.retry.Enqueue(RetryTask{Step: step, OrderID: orderID, Run: run})
}

// =============================================================================
// BROADCAST
// =============================================================================

func (c *Coordinator) publishOrder(t events.Type, o commerce.Order, action string) {
	total := o.Total
	c.bus.Publish(events.Event{
		Type:      t,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Status:    string(o.Status),
		Total:     &total,
		Action:    action,
		Timestamp: c.opts.Now(),
	})
}

func (c *Coordinator) publishBalance(userID string, balance decimal.Decimal, action string) {
	c.bus.Publish(events.Event{
		Type:      events.WalletBalanceChanged,
		UserID:    userID,
		Balance:   &balance,
		Action:    action,
		Timestamp: c.opts.Now(),
	})
}

func (c *Coordinator) dispatchNotification(o commerce.Order) {
	if c.notifier == nil {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.NotifyTimeout)
		defer cancel()
		u, err := c.wallet.User(ctx, o.UserID)
		if err != nil {
			c.logger.Warn("notification skipped", "order_id", o.ID, "error", err)
			return
		}
		if err := c.notifier.OrderCompleted(ctx, u, o); err != nil {
			c.logger.Warn("notification failed", "order_id", o.ID, "error", err)
		}
	}()
}

func outcome(r Receipt, err error) string {
	switch {
	case err != nil && commerce.IsClientError(err):
		return "rejected"
	case err != nil:
		return "failed"
	case r.Pending:
		return "pending"
	case r.Replayed:
		return "replayed"
	}
	return "completed"
}
