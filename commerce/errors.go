/*
errors.go - Error taxonomy for the settlement subsystem

ERROR CATEGORIES:
  1. ErrValidation        - malformed or empty cart, negative totals, rejected code
  2. ErrInsufficientFunds - balance too low at check time or at debit time
  3. ErrConflict          - discount bound to another order, duplicate order id,
                            illegal status transition
  4. ErrTransientStore    - backing store momentarily unreachable
  5. ErrUnauthenticated   - no session attached to the call

Specific sentinels wrap their category so callers can test either:

    errors.Is(err, commerce.ErrAlreadyConsumedByOtherOrder) // exact
    errors.Is(err, commerce.ErrConflict)                    // category

Structured errors (InsufficientFundsError, DiscountError, OrderError) carry
the details the API needs to explain a rejection and unwrap to a sentinel.

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package commerce

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/docstore"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("conflict")
	ErrTransientStore    = errors.New("store temporarily unavailable")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNotFound          = errors.New("not found")
)

var (
	ErrInvalidOrder                = fmt.Errorf("%w: invalid order", ErrValidation)
	ErrEmptyCart                   = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrInvalidAmount               = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrIllegalTransition           = fmt.Errorf("%w: illegal status transition", ErrConflict)
	ErrDuplicateOrder              = fmt.Errorf("%w: order id already exists", ErrConflict)
	ErrAlreadyConsumedByOtherOrder = fmt.Errorf("%w: discount code already consumed by another order", ErrConflict)
	ErrUserNotFound                = fmt.Errorf("%w: user", ErrNotFound)
	ErrOrderNotFound               = fmt.Errorf("%w: order", ErrNotFound)
	ErrDiscountNotFound            = fmt.Errorf("%w: discount code", ErrNotFound)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports the exact shortfall.
type InsufficientFundsError struct {
	UserID    string
	Balance   decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func NewInsufficientFunds(userID string, balance, requested decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{
		UserID:    userID,
		Balance:   balance,
		Requested: requested,
		Shortfall: requested.Sub(balance),
	}
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Balance, e.Requested, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// DiscountReason explains why a code was rejected.
type DiscountReason string

const (
	ReasonNotFound        DiscountReason = "not_found"
	ReasonInactive        DiscountReason = "inactive"
	ReasonExpired         DiscountReason = "expired"
	ReasonLimitReached    DiscountReason = "limit_reached"
	ReasonBelowMinimum    DiscountReason = "below_minimum"
	ReasonAlreadyConsumed DiscountReason = "already_consumed"
)

// DiscountError is a rejected validation or consumption.
type DiscountError struct {
	Code      string
	Reason    DiscountReason
	MinAmount decimal.Decimal // set for below_minimum
	Amount    decimal.Decimal
}

func (e *DiscountError) Error() string {
	switch e.Reason {
	case ReasonBelowMinimum:
		return fmt.Sprintf("discount code %s: order amount %s is below minimum %s", e.Code, e.Amount, e.MinAmount)
	case ReasonNotFound:
		return fmt.Sprintf("discount code %s does not exist", e.Code)
	case ReasonExpired:
		return fmt.Sprintf("discount code %s has expired", e.Code)
	case ReasonInactive:
		return fmt.Sprintf("discount code %s is not active", e.Code)
	case ReasonLimitReached:
		return fmt.Sprintf("discount code %s has reached its usage limit", e.Code)
	case ReasonAlreadyConsumed:
		return fmt.Sprintf("discount code %s was already consumed by another order", e.Code)
	}
	return fmt.Sprintf("discount code %s rejected: %s", e.Code, e.Reason)
}

func (e *DiscountError) Unwrap() error {
	if e.Reason == ReasonAlreadyConsumed {
		return ErrAlreadyConsumedByOtherOrder
	}
	return ErrValidation
}

// OrderError describes why an order draft or record is invalid.
type OrderError struct {
	Field   string
	Message string
	// Err is a more specific cause, such as ErrEmptyCart.
	Err error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Message)
}

func (e *OrderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidOrder, e.Err}
	}
	return []error{ErrInvalidOrder}
}

// TransitionError names the rejected transition.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsTransient returns true if the error might succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore) ||
		errors.Is(err, docstore.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUnauthenticated)
}

// IsConflict returns true for conflicts that retrying cannot fix.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, docstore.ErrNotFound)
}
