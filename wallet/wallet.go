/*
Package wallet owns each user's coin balance.

OPERATIONS:
  Balance(userID)                 read the authoritative balance
  CanAfford(userID, amount)       amount > 0 AND balance >= amount
  Debit(userID, amount, ref)      conditional write, re-checks affordability
  Credit(userID, amount, ref)     top-up / refund
  HasDebit(userID, ref)           was this order already charged?

CHECK-THEN-ACT:
  CanAfford is advisory. Two tabs can both pass it against the same balance.
  Debit therefore re-reads the balance and writes the new value with a
  version-conditioned update (docstore.Collection.Mutate), so the second
  debit either sees the reduced balance and fails with InsufficientFundsError
  or loses the race and retries against fresh data.

IDEMPOTENCY:
  Each movement is journaled on the user record with its ref (the order id)
  in the same write as the balance change. A Debit with a ref that is
  already journaled returns the recorded balance without charging again.

  The journal keeps every entry younger than the retention window
  (WithRetention). The reconciler relies on it to tell a charged order from
  an uncharged one, so the window must cover its grace plus lookback.

SEE ALSO:
  - settlement/coordinator.go: the only caller of Debit
  - commerce/types.go: User, WalletEntry
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
)

// Ledger reads and writes balances on the users collection.
type Ledger struct {
	users     *docstore.Collection[commerce.User]
	now       func() time.Time
	retention time.Duration
}

func New(store docstore.Store) *Ledger {
	return &Ledger{
		users:     docstore.NewCollection[commerce.User](store, docstore.Users),
		now:       func() time.Time { return time.Now().UTC() },
		retention: commerce.DefaultJournalRetention,
	}
}

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithRetention sets how long journal entries are kept. It never goes
// below commerce.DefaultJournalRetention.
func (l *Ledger) WithRetention(d time.Duration) *Ledger {
	l.retention = max(d, commerce.DefaultJournalRetention)
	return l
}

// Retention returns the journal retention window.
func (l *Ledger) Retention() time.Duration { return l.retention }

// Movement is the result of a debit or credit.
type Movement struct {
	Balance decimal.Decimal
	// Applied is false when the ref was already journaled.
	Applied bool
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	u, _, err := l.users.Get(ctx, userID)
	if err != nil {
		return decimal.Zero, wrapUserErr(userID, err)
	}
	return u.Balance, nil
}

// CanAfford reports amount > 0 && balance >= amount.
func (l *Ledger) CanAfford(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, nil
	}
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// Debit subtracts amount, failing with *commerce.InsufficientFundsError when
// the balance at write time is too low.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (Movement, error) {
	if !amount.IsPositive() {
		return Movement{}, commerce.ErrInvalidAmount
	}
	return l.move(ctx, userID, amount.Neg(), ref)
}

// Credit adds amount.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (Movement, error) {
	if !amount.IsPositive() {
		return Movement{}, commerce.ErrInvalidAmount
	}
	return l.move(ctx, userID, amount, ref)
}

// HasDebit reports whether a movement with ref is journaled.
func (l *Ledger) HasDebit(ctx context.Context, userID, ref string) (bool, error) {
	u, _, err := l.users.Get(ctx, userID)
	if err != nil {
		return false, wrapUserErr(userID, err)
	}
	e, ok := u.JournalEntry(ref)
	return ok && e.Delta.IsNegative(), nil
}

// Journal returns the recent movements, oldest first.
func (l *Ledger) Journal(ctx context.Context, userID string) ([]commerce.WalletEntry, error) {
	u, _, err := l.users.Get(ctx, userID)
	if err != nil {
		return nil, wrapUserErr(userID, err)
	}
	return u.WalletJournal, nil
}

func (l *Ledger) move(ctx context.Context, userID string, delta decimal.Decimal, ref string) (Movement, error) {
	var mv Movement
	_, err := l.users.Mutate(ctx, userID, func(u *commerce.User) error {
		if ref != "" {
			if e, ok := u.JournalEntry(ref); ok {
				mv = Movement{Balance: e.BalanceAfter, Applied: false}
				return docstore.ErrSkipWrite
			}
		}
		next := u.Balance.Add(delta)
		if next.IsNegative() {
			return commerce.NewInsufficientFunds(userID, u.Balance, delta.Neg())
		}
		now := l.now()
		u.Balance = next
		u.UpdatedAt = now
		u.AppendJournal(commerce.WalletEntry{Ref: ref, Delta: delta, BalanceAfter: next, At: now}, l.retention)
		mv = Movement{Balance: next, Applied: true}
		return nil
	})
	if err != nil {
		return Movement{}, wrapUserErr(userID, err)
	}
	return mv, nil
}

func wrapUserErr(userID string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", commerce.ErrUserNotFound, userID)
	}
	return err
}

// Open creates the user record with a zero balance unless one is given.
func (l *Ledger) Open(ctx context.Context, u commerce.User) (commerce.User, error) {
	if u.ID == "" {
		return commerce.User{}, fmt.Errorf("%w: user id is required", commerce.ErrValidation)
	}
	if u.Balance.IsNegative() {
		return commerce.User{}, commerce.ErrInvalidAmount
	}
	now := l.now()
	u.CreatedAt, u.UpdatedAt = now, now
	u.WalletJournal = nil
	if err := l.users.Insert(ctx, u.ID, u); err != nil {
		if errors.Is(err, docstore.ErrDuplicateID) {
			return commerce.User{}, fmt.Errorf("%w: user %s already exists", commerce.ErrConflict, u.ID)
		}
		return commerce.User{}, err
	}
	return u, nil
}

// User returns the full user record.
func (l *Ledger) User(ctx context.Context, userID string) (commerce.User, error) {
	u, _, err := l.users.Get(ctx, userID)
	if err != nil {
		return commerce.User{}, wrapUserErr(userID, err)
	}
	return u, nil
}
