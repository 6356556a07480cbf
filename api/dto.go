/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain records
  (commerce.Order, settlement.Receipt, ranking.Standing) already carry json
  tags and are returned as-is; the types here cover request bodies and the
  few responses that have no domain counterpart.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Response wrappers

AMOUNTS:
  Coin amounts are decimal strings or numbers ("150000" or 150000), decoded
  by shopspring/decimal. Never floats.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
)

// =============================================================================
// CHECKOUT
// =============================================================================

// CheckoutRequest is the cart submitted by the storefront.
type CheckoutRequest struct {
	UserID       string              `json:"user_id,omitempty"`
	Items        []commerce.LineItem `json:"items"`
	DiscountCode string              `json:"discount_code,omitempty"`
	// IdempotencyKey may also be sent as the Idempotency-Key header.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ValidateDiscountRequest asks whether a code applies to an amount.
type ValidateDiscountRequest struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

// CancelOrderRequest carries an optional reason.
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// ACCOUNT
// =============================================================================

// BalanceResponse is the authoritative balance at read time.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	AsOf    time.Time       `json:"as_of"`
}

// OrderListResponse wraps a user's orders.
type OrderListResponse struct {
	Orders []commerce.Order `json:"orders"`
	Count  int              `json:"count"`
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateUserRequest opens a wallet.
type CreateUserRequest struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Email   string          `json:"email"`
	Balance decimal.Decimal `json:"balance"`
}

// CreditRequest tops a wallet up. Ref makes the credit idempotent.
type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Ref    string          `json:"ref,omitempty"`
}

// CreditResponse is the balance after a credit.
type CreditResponse struct {
	UserID  string          `json:"user_id"`
	Ref     string          `json:"ref"`
	Balance decimal.Decimal `json:"balance"`
	Applied bool            `json:"applied"`
}

// CreateDiscountRequest registers a code.
type CreateDiscountRequest struct {
	Code       string          `json:"code"`
	Value      decimal.Decimal `json:"value"`
	MinAmount  decimal.Decimal `json:"min_amount"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	UsageLimit int             `json:"usage_limit"`
}

// IssueTokenRequest asks for a development session token.
type IssueTokenRequest struct {
	UserID string `json:"user_id"`
}

// TokenResponse is a signed session token.
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
