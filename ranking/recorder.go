package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder appends purchases to ranking ledgers and keeps the user's spend,
// order count and tier in step with them.
//
// RecordPurchase is safe to retry: the ledger is keyed by order id, and the
// user's totals are always re-derived from the whole ledger.
type Recorder struct {
	ladder  *Ladder
	ledgers *docstore.Collection[commerce.RankingLedger]
	users   *docstore.Collection[commerce.User]
	now     func() time.Time
}

func NewRecorder(store docstore.Store, ladder *Ladder) *Recorder {
	if ladder == nil {
		ladder = DefaultLadder()
	}
	return &Recorder{
		ladder:  ladder,
		ledgers: docstore.NewCollection[commerce.RankingLedger](store, docstore.Rankings),
		users:   docstore.NewCollection[commerce.User](store, docstore.Users),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Ladder returns the ladder used for classification.
func (r *Recorder) Ladder() *Ladder { return r.ladder }

// Standing is a user's derived loyalty position.
type Standing struct {
	UserID      string          `json:"user_id"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	TotalOrders int             `json:"total_orders"`
	Tier        commerce.Tier   `json:"tier"`
	Progress    Progress        `json:"progress"`
	// Promoted is true when this call moved the stored tier.
	Promoted bool `json:"promoted,omitempty"`
	// Replayed is true when the order was already in the ledger.
	Replayed bool `json:"replayed,omitempty"`
	// Rewritten is true when this call changed the stored totals.
	Rewritten bool `json:"-"`
}

// RecordPurchase appends one purchase and reclassifies the user.
func (r *Recorder) RecordPurchase(ctx context.Context, userID, orderID string, amount decimal.Decimal, itemCount int) (Standing, error) {
	if userID == "" || orderID == "" {
		return Standing{}, fmt.Errorf("%w: user id and order id are required", commerce.ErrValidation)
	}
	if amount.IsNegative() {
		return Standing{}, commerce.ErrInvalidAmount
	}

	replayed := false
	_, err := r.ledgers.Upsert(ctx, userID, commerce.RankingLedger{UserID: userID}, func(l *commerce.RankingLedger) error {
		if l.Has(orderID) {
			replayed = true
			return docstore.ErrSkipWrite
		}
		replayed = false
		spent, orders := l.Totals()
		spent, orders = spent.Add(amount), orders+1
		l.Entries = append(l.Entries, commerce.RankingEntry{
			At:        r.now(),
			Amount:    amount,
			OrderID:   orderID,
			ItemCount: itemCount,
			TierID:    r.ladder.Classify(spent, orders).ID,
		})
		return nil
	})
	if err != nil {
		return Standing{}, fmt.Errorf("append ranking entry for %s: %w", orderID, err)
	}

	st, err := r.Rebuild(ctx, userID)
	if err != nil {
		return Standing{}, err
	}
	st.Replayed = replayed
	return st, nil
}

// Standing reads the stored totals and tier.
func (r *Recorder) Standing(ctx context.Context, userID string) (Standing, error) {
	u, _, err := r.users.Get(ctx, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Standing{}, fmt.Errorf("%w: %s", commerce.ErrUserNotFound, userID)
	}
	if err != nil {
		return Standing{}, err
	}
	tier, ok := r.ladder.Tier(u.RankID)
	if !ok {
		tier = r.ladder.Classify(u.TotalSpent, u.TotalOrders)
	}
	return r.standing(userID, u.TotalSpent, u.TotalOrders, tier)
}

// Rebuild re-derives the user's totals and tier from the ledger and writes
// them when the stored values drifted.
func (r *Recorder) Rebuild(ctx context.Context, userID string) (Standing, error) {
	var (
		spent    decimal.Decimal
		orders   int
		tier     commerce.Tier
		promoted bool
		written  bool
	)
	_, err := r.users.Mutate(ctx, userID, func(u *commerce.User) error {
		// The ledger is read after the user so that a concurrent purchase
		// either shows up here or bumps the user version and forces a rerun.
		ledger, err := r.Ledger(ctx, userID)
		if err != nil {
			return err
		}
		spent, orders = ledger.Totals()
		tier = r.ladder.Classify(spent, orders)
		promoted, written = false, false
		if u.TotalSpent.Equal(spent) && u.TotalOrders == orders && u.RankID == tier.ID {
			return docstore.ErrSkipWrite
		}
		promoted = u.RankID != tier.ID
		written = true
		u.TotalSpent = spent
		u.TotalOrders = orders
		u.RankID = tier.ID
		u.UpdatedAt = r.now()
		return nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return Standing{}, fmt.Errorf("%w: %s", commerce.ErrUserNotFound, userID)
	}
	if err != nil {
		return Standing{}, fmt.Errorf("update standing for %s: %w", userID, err)
	}

	st, err := r.standing(userID, spent, orders, tier)
	if err != nil {
		return Standing{}, err
	}
	st.Promoted = promoted
	st.Rewritten = written
	return st, nil
}

// Ledger returns the purchase history.
func (r *Recorder) Ledger(ctx context.Context, userID string) (commerce.RankingLedger, error) {
	ledger, _, err := r.ledgers.Get(ctx, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return commerce.RankingLedger{UserID: userID}, nil
	}
	return ledger, err
}

func (r *Recorder) standing(userID string, spent decimal.Decimal, orders int, tier commerce.Tier) (Standing, error) {
	p, err := r.ladder.Progress(tier, spent, orders)
	if err != nil {
		return Standing{}, err
	}
	return Standing{
		UserID:      userID,
		TotalSpent:  spent,
		TotalOrders: orders,
		Tier:        tier,
		Progress:    p,
	}, nil
}
