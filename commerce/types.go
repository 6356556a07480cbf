/*
Package commerce holds the storefront's persisted record shapes.

PURPOSE:
  Every component of the settlement subsystem (wallet, discount registry,
  ranking engine, order lifecycle) reads and writes these records through
  the document store. Keeping them in one package means the coordinator can
  pass an Order or User between components without conversion.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: coin balance, cumulative spend/orders, current tier
  - Order: line items, totals, status, delivery payload
  - DiscountCode: single-use (or limited-use) code with redemption bindings
  - RankingLedger: append-only purchase history per user
  - Tier: loyalty level with conjunctive thresholds

AMOUNTS:
  Coins are decimal.Decimal. Balances, totals and thresholds never go
  through float64.

INVARIANTS:
  - Order.Total == Order.OriginalTotal - Order.Discount, Discount >= 0
  - DiscountCode.UsageCount <= DiscountCode.UsageLimit when a limit is set
  - RankingLedger entries are never edited or removed

SEE ALSO:
  - errors.go: Error taxonomy shared by all components
  - docstore/store.go: Persistence contract
*/
package commerce

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// USER
// =============================================================================

// User is the account record. Balance is mutated only by the wallet; spend,
// order count and tier only by the ranking recorder.
type User struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	Balance     decimal.Decimal `json:"balance"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	TotalOrders int             `json:"total_orders"`
	RankID      string          `json:"rank_id"`

	// WalletJournal records recent balance movements, written in the same
	// conditional update as the balance itself.
	WalletJournal []WalletEntry `json:"wallet_journal,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletEntry is one balance movement. Ref is the order id for debits.
type WalletEntry struct {
	Ref          string          `json:"ref"`
	Delta        decimal.Decimal `json:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	At           time.Time       `json:"at"`
}

// MaxWalletJournal is the journal size above which entries older than the
// retention window may be pruned. Entries inside the window are never
// dropped, however many there are.
const MaxWalletJournal = 64

// DefaultJournalRetention covers the default reconcile grace plus lookback
// with room to spare.
const DefaultJournalRetention = 48 * time.Hour

// JournalEntry returns the journal entry recorded for ref, if any.
func (u *User) JournalEntry(ref string) (WalletEntry, bool) {
	for _, e := range u.WalletJournal {
		if e.Ref == ref {
			return e, true
		}
	}
	return WalletEntry{}, false
}

// AppendJournal adds an entry. While the journal is over MaxWalletJournal,
// leading entries older than retention (relative to e.At) are dropped.
func (u *User) AppendJournal(e WalletEntry, retention time.Duration) {
	u.WalletJournal = append(u.WalletJournal, e)
	cutoff := e.At.Add(-retention)
	drop := 0
	for len(u.WalletJournal)-drop > MaxWalletJournal && u.WalletJournal[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		u.WalletJournal = append([]WalletEntry(nil), u.WalletJournal[drop:]...)
	}
}

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusFailed     OrderStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// PaymentMethod tags how an order was paid. Only the wallet path has
// internal state; other tags are recorded as-is.
type PaymentMethod string

const (
	PaymentWallet PaymentMethod = "wallet"
)

// LineItem is one product in the cart.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Duration  string          `json:"duration,omitempty"` // e.g. "1 month", "12 months"
}

// Subtotal is Quantity * UnitPrice.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Delivery is the credential payload handed to the buyer on completion.
type Delivery struct {
	Username     string    `json:"username,omitempty"`
	Secret       string    `json:"secret,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// Order is the durable record of one checkout.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Items          []LineItem      `json:"items"`
	OriginalTotal  decimal.Decimal `json:"original_total"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	DiscountCode   string          `json:"discount_code,omitempty"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	Status         OrderStatus     `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Delivery       *Delivery       `json:"delivery,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ItemsTotal sums the line item subtotals.
func ItemsTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// ItemCount sums quantities across line items.
func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// CheckTotals verifies Total == OriginalTotal - Discount and Discount >= 0.
func (o *Order) CheckTotals() error {
	if o.Discount.IsNegative() {
		return &OrderError{Field: "discount", Message: "discount must not be negative"}
	}
	if !o.Total.Equal(o.OriginalTotal.Sub(o.Discount)) {
		return &OrderError{Field: "total", Message: "total must equal original_total - discount"}
	}
	return nil
}

// =============================================================================
// DISCOUNT CODE
// =============================================================================

// DiscountCode is a redeemable fixed-value code. UsageLimit 0 means unlimited.
type DiscountCode struct {
	Code        string          `json:"code"`
	Value       decimal.Decimal `json:"value"`
	MinAmount   decimal.Decimal `json:"min_amount"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	UsageLimit  int             `json:"usage_limit"`
	UsageCount  int             `json:"usage_count"`
	Active      bool            `json:"active"`
	Redemptions []Redemption    `json:"redemptions,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Redemption binds one consumption of a code to an order.
type Redemption struct {
	OrderID string    `json:"order_id"`
	UserID  string    `json:"user_id,omitempty"`
	At      time.Time `json:"at"`
}

// RedemptionFor returns the binding for orderID, if any.
func (d *DiscountCode) RedemptionFor(orderID string) (Redemption, bool) {
	for _, r := range d.Redemptions {
		if r.OrderID == orderID {
			return r, true
		}
	}
	return Redemption{}, false
}

// Remaining returns the uses left, or -1 when unlimited.
func (d *DiscountCode) Remaining() int {
	if d.UsageLimit <= 0 {
		return -1
	}
	if left := d.UsageLimit - d.UsageCount; left > 0 {
		return left
	}
	return 0
}

// =============================================================================
// RANKING
// =============================================================================

// Tier is a loyalty level. Both thresholds must be met to qualify.
type Tier struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	MinSpent  decimal.Decimal `json:"min_spent"`
	MinOrders int             `json:"min_orders"`
}

// RankingEntry is one purchase event. TierID is the tier after this entry.
type RankingEntry struct {
	At        time.Time       `json:"at"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"order_id"`
	ItemCount int             `json:"item_count"`
	TierID    string          `json:"tier_id"`
}

// RankingLedger is the append-only purchase history of one user.
type RankingLedger struct {
	UserID  string         `json:"user_id"`
	Entries []RankingEntry `json:"entries"`
}

// Has reports whether an entry for orderID was already appended.
func (l *RankingLedger) Has(orderID string) bool {
	for _, e := range l.Entries {
		if e.OrderID == orderID {
			return true
		}
	}
	return false
}

// Totals derives cumulative spend and order count from the entries.
func (l *RankingLedger) Totals() (decimal.Decimal, int) {
	spent := decimal.Zero
	for _, e := range l.Entries {
		spent = spent.Add(e.Amount)
	}
	return spent, len(l.Entries)
}
