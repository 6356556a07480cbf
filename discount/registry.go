/*
Package discount owns single-use (or limited-use) discount codes.

OPERATIONS:
  Validate(code, amount)                 structured verdict, never a bare bool
  Consume(code, orderID, userID, amount) bind one use to an order

VALIDATION ORDER:
  not_found -> inactive -> expired -> limit_reached -> below_minimum
  The first failing condition is reported so the storefront can explain the
  rejection precisely.

CONSUMPTION:
  Consume runs as one version-conditioned write on the code document:
  1. Already bound to this order?  success, no increment (retry-safe)
  2. Re-validate against the amount passed now
  3. UsageCount++ and append the order binding

  When the code is exhausted and bound to some other order, the caller gets
  DiscountError{Reason: already_consumed}, which unwraps to
  commerce.ErrAlreadyConsumedByOtherOrder (a conflict).

CODES ARE NEVER DELETED:
  Deactivate flips Active to false; redemptions stay for audit.

SEE ALSO:
  - settlement/coordinator.go: validates at checkout, consumes after debit
*/
package discount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
)

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	codes *docstore.Collection[commerce.DiscountCode]
	now   func() time.Time
}

func NewRegistry(store docstore.Store) *Registry {
	return &Registry{
		codes: docstore.NewCollection[commerce.DiscountCode](store, docstore.Discounts),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Normalize canonicalises a user-entered code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validation is the verdict for a code against an order amount.
type Validation struct {
	Valid    bool                    `json:"valid"`
	Reason   commerce.DiscountReason `json:"reason,omitempty"`
	Code     string                  `json:"code"`
	Discount decimal.Decimal         `json:"discount"`
	// MinAmount is set when Reason is below_minimum.
	MinAmount decimal.Decimal `json:"min_amount,omitempty"`
}

// Err converts a failed verdict into a *commerce.DiscountError.
func (v Validation) Err(amount decimal.Decimal) error {
	if v.Valid {
		return nil
	}
	return &commerce.DiscountError{Code: v.Code, Reason: v.Reason, MinAmount: v.MinAmount, Amount: amount}
}

// Check evaluates a code at a point in time. Pure.
func Check(c commerce.DiscountCode, amount decimal.Decimal, now time.Time) commerce.DiscountReason {
	switch {
	case !c.Active:
		return commerce.ReasonInactive
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return commerce.ReasonExpired
	case c.Remaining() == 0:
		return commerce.ReasonLimitReached
	case amount.LessThan(c.MinAmount):
		return commerce.ReasonBelowMinimum
	}
	return ""
}

// DiscountFor caps the code's value at the order amount.
func DiscountFor(c commerce.DiscountCode, amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(c.Value, amount)
}

// Validate checks a code. Store failures are the only error returns.
func (r *Registry) Validate(ctx context.Context, code string, amount decimal.Decimal) (Validation, error) {
	code = Normalize(code)
	c, _, err := r.codes.Get(ctx, code)
	if errors.Is(err, docstore.ErrNotFound) {
		return Validation{Code: code, Reason: commerce.ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("get discount %s: %w", code, err)
	}
	return verdict(c, amount, r.now()), nil
}

// Quote validates code against the cart amount and then checks that the
// discounted total still meets the minimum, since that is the amount
// Consume will see.
func (r *Registry) Quote(ctx context.Context, code string, amount decimal.Decimal) (Validation, error) {
	code = Normalize(code)
	c, _, err := r.codes.Get(ctx, code)
	if errors.Is(err, docstore.ErrNotFound) {
		return Validation{Code: code, Reason: commerce.ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("get discount %s: %w", code, err)
	}
	now := r.now()
	v := verdict(c, amount, now)
	if !v.Valid {
		return v, nil
	}
	if final := amount.Sub(v.Discount); Check(c, final, now) == commerce.ReasonBelowMinimum {
		return Validation{Code: c.Code, Reason: commerce.ReasonBelowMinimum, MinAmount: c.MinAmount}, nil
	}
	return v, nil
}

func verdict(c commerce.DiscountCode, amount decimal.Decimal, now time.Time) Validation {
	v := Validation{Code: c.Code}
	if reason := Check(c, amount, now); reason != "" {
		v.Reason = reason
		if reason == commerce.ReasonBelowMinimum {
			v.MinAmount = c.MinAmount
		}
		return v
	}
	v.Valid = true
	v.Discount = DiscountFor(c, amount)
	return v
}

// Consumption is the result of Consume.
type Consumption struct {
	Code       string
	OrderID    string
	UsageCount int
	// Replayed is true when the order was already bound to the code.
	Replayed bool
}

// Consume binds one use of code to orderID after re-validating against amount.
func (r *Registry) Consume(ctx context.Context, code, orderID, userID string, amount decimal.Decimal) (Consumption, error) {
	code = Normalize(code)
	if orderID == "" {
		return Consumption{}, fmt.Errorf("%w: order id is required", commerce.ErrValidation)
	}

	var out Consumption
	_, err := r.codes.Mutate(ctx, code, func(c *commerce.DiscountCode) error {
		if _, ok := c.RedemptionFor(orderID); ok {
			out = Consumption{Code: code, OrderID: orderID, UsageCount: c.UsageCount, Replayed: true}
			return docstore.ErrSkipWrite
		}
		now := r.now()
		if reason := Check(*c, amount, now); reason != "" {
			if reason == commerce.ReasonLimitReached && len(c.Redemptions) > 0 {
				reason = commerce.ReasonAlreadyConsumed
			}
			return &commerce.DiscountError{Code: code, Reason: reason, MinAmount: c.MinAmount, Amount: amount}
		}
		c.UsageCount++
		c.Redemptions = append(c.Redemptions, commerce.Redemption{OrderID: orderID, UserID: userID, At: now})
		c.UpdatedAt = now
		out = Consumption{Code: code, OrderID: orderID, UsageCount: c.UsageCount}
		return nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return Consumption{}, &commerce.DiscountError{Code: code, Reason: commerce.ReasonNotFound, Amount: amount}
	}
	if err != nil {
		return Consumption{}, err
	}
	return out, nil
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// NewCode describes a code to create.
type NewCode struct {
	Code       string
	Value      decimal.Decimal
	MinAmount  decimal.Decimal
	ExpiresAt  *time.Time
	UsageLimit int
}

// Create registers a new active code.
func (r *Registry) Create(ctx context.Context, nc NewCode) (commerce.DiscountCode, error) {
	code := Normalize(nc.Code)
	switch {
	case code == "":
		return commerce.DiscountCode{}, fmt.Errorf("%w: code is required", commerce.ErrValidation)
	case !nc.Value.IsPositive():
		return commerce.DiscountCode{}, fmt.Errorf("%w: value must be positive", commerce.ErrValidation)
	case nc.MinAmount.IsNegative():
		return commerce.DiscountCode{}, fmt.Errorf("%w: min_amount must not be negative", commerce.ErrValidation)
	case nc.UsageLimit < 0:
		return commerce.DiscountCode{}, fmt.Errorf("%w: usage_limit must not be negative", commerce.ErrValidation)
	}

	now := r.now()
	c := commerce.DiscountCode{
		Code:       code,
		Value:      nc.Value,
		MinAmount:  nc.MinAmount,
		ExpiresAt:  nc.ExpiresAt,
		UsageLimit: nc.UsageLimit,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.codes.Insert(ctx, code, c); err != nil {
		if errors.Is(err, docstore.ErrDuplicateID) {
			return commerce.DiscountCode{}, fmt.Errorf("%w: discount code %s already exists", commerce.ErrConflict, code)
		}
		return commerce.DiscountCode{}, err
	}
	return c, nil
}

// Deactivate soft-deletes a code.
func (r *Registry) Deactivate(ctx context.Context, code string) (commerce.DiscountCode, error) {
	code = Normalize(code)
	c, err := r.codes.Mutate(ctx, code, func(c *commerce.DiscountCode) error {
		if !c.Active {
			return docstore.ErrSkipWrite
		}
		c.Active = false
		c.UpdatedAt = r.now()
		return nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return commerce.DiscountCode{}, fmt.Errorf("%w: %s", commerce.ErrDiscountNotFound, code)
	}
	return c, err
}

// Get returns one code.
func (r *Registry) Get(ctx context.Context, code string) (commerce.DiscountCode, error) {
	code = Normalize(code)
	c, _, err := r.codes.Get(ctx, code)
	if errors.Is(err, docstore.ErrNotFound) {
		return commerce.DiscountCode{}, fmt.Errorf("%w: %s", commerce.ErrDiscountNotFound, code)
	}
	return c, err
}

// List returns all codes sorted by code.
func (r *Registry) List(ctx context.Context) ([]commerce.DiscountCode, error) {
	codes, err := r.codes.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	return codes, nil
}
