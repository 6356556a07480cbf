/*
Package orders owns the order record and its state machine.

STATE MACHINE:

	pending ──────► processing ──────► completed
	   │                 │
	   ▼                 ▼
	cancelled          failed

  completed, cancelled and failed are terminal. A transition into the
  state the order is already in returns the order unchanged, so a retried
  completion is harmless.

TOTALS:
  Every write re-checks Total == OriginalTotal - Discount and Discount >= 0.

DELIVERY:
  Completion may carry a delivery payload (account credentials). It is
  stored on the order and mirrored into the deliveries collection, keyed by
  order id.
*/
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
)

// legal lists the allowed transitions.
var legal = map[commerce.OrderStatus][]commerce.OrderStatus{
	commerce.StatusPending:    {commerce.StatusProcessing, commerce.StatusCancelled},
	commerce.StatusProcessing: {commerce.StatusCompleted, commerce.StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to commerce.OrderStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

const idAttempts = 3

type Manager struct {
	orders     *docstore.Collection[commerce.Order]
	deliveries *docstore.Collection[DeliveryRecord]
	now        func() time.Time
	newID      func() string
}

func New(store docstore.Store) *Manager {
	return &Manager{
		orders:     docstore.NewCollection[commerce.Order](store, docstore.Orders),
		deliveries: docstore.NewCollection[DeliveryRecord](store, docstore.Deliveries),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return "ORD-" + uuid.NewString() },
	}
}

// WithClock overrides the time source (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithIDGenerator overrides generated ids (tests).
func (m *Manager) WithIDGenerator(fn func() string) *Manager {
	m.newID = fn
	return m
}

// Draft is the input to Create.
type Draft struct {
	// ID is optional. When set it must not exist yet.
	ID     string
	UserID string
	Items  []commerce.LineItem
	// OriginalTotal defaults to the sum of line items.
	OriginalTotal  decimal.Decimal
	Discount       decimal.Decimal
	DiscountCode   string
	PaymentMethod  commerce.PaymentMethod
	Status         commerce.OrderStatus
	IdempotencyKey string
}

// Validate checks a draft without touching the store.
func (d Draft) Validate() error {
	if d.UserID == "" {
		return &commerce.OrderError{Field: "user_id", Message: "is required"}
	}
	if len(d.Items) == 0 {
		return &commerce.OrderError{Field: "items", Message: "cart is empty", Err: commerce.ErrEmptyCart}
	}
	for i, it := range d.Items {
		if it.ProductID == "" {
			return &commerce.OrderError{Field: fmt.Sprintf("items[%d].product_id", i), Message: "is required"}
		}
		if it.Quantity <= 0 {
			return &commerce.OrderError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be positive"}
		}
		if it.UnitPrice.IsNegative() {
			return &commerce.OrderError{Field: fmt.Sprintf("items[%d].unit_price", i), Message: "must not be negative"}
		}
	}
	if d.OriginalTotal.IsNegative() {
		return &commerce.OrderError{Field: "original_total", Message: "must not be negative"}
	}
	if d.Discount.IsNegative() {
		return &commerce.OrderError{Field: "discount", Message: "must not be negative"}
	}
	switch d.Status {
	case "", commerce.StatusPending, commerce.StatusProcessing:
	default:
		return &commerce.OrderError{Field: "status", Message: fmt.Sprintf("cannot create an order in status %s", d.Status)}
	}
	return nil
}

// Create persists a new order built from d.
func (m *Manager) Create(ctx context.Context, d Draft) (commerce.Order, error) {
	if err := d.Validate(); err != nil {
		return commerce.Order{}, err
	}

	original := d.OriginalTotal
	if original.IsZero() {
		original = commerce.ItemsTotal(d.Items)
	}
	status := d.Status
	if status == "" {
		status = commerce.StatusPending
	}
	method := d.PaymentMethod
	if method == "" {
		method = commerce.PaymentWallet
	}

	now := m.now()
	o := commerce.Order{
		UserID:         d.UserID,
		Items:          append([]commerce.LineItem(nil), d.Items...),
		OriginalTotal:  original,
		Discount:       d.Discount,
		Total:          original.Sub(d.Discount),
		DiscountCode:   d.DiscountCode,
		PaymentMethod:  method,
		Status:         status,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.Total.IsNegative() {
		return commerce.Order{}, &commerce.OrderError{Field: "total", Message: "discount exceeds order amount"}
	}
	if err := o.CheckTotals(); err != nil {
		return commerce.Order{}, err
	}

	if d.ID != "" {
		o.ID = d.ID
		if err := m.orders.Insert(ctx, o.ID, o); err != nil {
			if errors.Is(err, docstore.ErrDuplicateID) {
				return commerce.Order{}, fmt.Errorf("%w: %s", commerce.ErrDuplicateOrder, o.ID)
			}
			return commerce.Order{}, err
		}
		return o, nil
	}

	for attempt := 0; attempt < idAttempts; attempt++ {
		o.ID = m.newID()
		err := m.orders.Insert(ctx, o.ID, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, docstore.ErrDuplicateID) {
			return commerce.Order{}, err
		}
	}
	return commerce.Order{}, fmt.Errorf("%w: could not allocate a unique id", commerce.ErrDuplicateOrder)
}

// Extra carries optional data for a transition.
type Extra struct {
	// Reason is recorded on failed and cancelled orders.
	Reason string
	// Delivery is attached on completion.
	Delivery *commerce.Delivery
}

// Transition moves an order to status to.
func (m *Manager) Transition(ctx context.Context, id string, to commerce.OrderStatus, extra *Extra) (commerce.Order, error) {
	if extra == nil {
		extra = &Extra{}
	}
	o, err := m.orders.Mutate(ctx, id, func(o *commerce.Order) error {
		if o.Status == to {
			return docstore.ErrSkipWrite
		}
		if !CanTransition(o.Status, to) {
			return &commerce.TransitionError{OrderID: id, From: o.Status, To: to}
		}
		now := m.now()
		o.Status = to
		o.UpdatedAt = now
		switch to {
		case commerce.StatusCompleted:
			o.CompletedAt = &now
			if extra.Delivery != nil {
				dl := *extra.Delivery
				if dl.DeliveredAt.IsZero() {
					dl.DeliveredAt = now
				}
				o.Delivery = &dl
			}
		case commerce.StatusFailed, commerce.StatusCancelled:
			o.FailureReason = extra.Reason
		}
		return o.CheckTotals()
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return commerce.Order{}, fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, id)
	}
	if err != nil {
		return commerce.Order{}, err
	}

	if o.Status == commerce.StatusCompleted && o.Delivery != nil {
		if err := m.linkDelivery(ctx, o); err != nil {
			return o, fmt.Errorf("link delivery for %s: %w", id, err)
		}
	}
	return o, nil
}

// FindDuplicate returns the order stored under candidateID, or nil.
func (m *Manager) FindDuplicate(ctx context.Context, candidateID string) (*commerce.Order, error) {
	o, _, err := m.orders.Get(ctx, candidateID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Get returns one order.
func (m *Manager) Get(ctx context.Context, id string) (commerce.Order, error) {
	o, _, err := m.orders.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return commerce.Order{}, fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, id)
	}
	return o, err
}

// ListByUser returns a user's orders, newest first.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]commerce.Order, error) {
	return m.filter(ctx, func(o commerce.Order) bool { return o.UserID == userID })
}

// ListByStatus returns orders in status, newest first.
func (m *Manager) ListByStatus(ctx context.Context, status commerce.OrderStatus) ([]commerce.Order, error) {
	return m.filter(ctx, func(o commerce.Order) bool { return o.Status == status })
}

func (m *Manager) filter(ctx context.Context, keep func(commerce.Order) bool) ([]commerce.Order, error) {
	all, err := m.orders.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]commerce.Order, 0, len(all))
	for _, o := range all {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
