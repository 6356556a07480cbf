/*
Package ranking derives a user's loyalty tier from cumulative spend and
order count.

TWO HALVES:
  ladder.go    pure computation: Classify and Progress, no I/O, no clock
  recorder.go  the only write path that may change a user's tier

CONJUNCTIVE THRESHOLDS:
  A tier is reached only when BOTH MinSpent and MinOrders are met.

    Silver{MinSpent: 500000, MinOrders: 3}
    (500000, 3) -> Silver
    (500000, 2) -> Bronze   spend alone is not enough

RECOMPUTED, NOT INCREMENTED:
  The stored tier is always Classify(totals derived from the ledger). A
  missed or replayed event cannot leave the tier out of step with history.
*/
package ranking

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
)

var ErrInvalidLadder = fmt.Errorf("%w: invalid tier ladder", commerce.ErrValidation)

var hundred = decimal.NewFromInt(100)

// Ladder is an ordered, validated list of tiers, lowest first.
type Ladder struct {
	tiers []commerce.Tier
}

// NewLadder validates tiers. The first tier is the entry tier and must have
// zero thresholds; MinSpent and MinOrders must both strictly increase up the
// ladder.
func NewLadder(tiers []commerce.Tier) (*Ladder, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidLadder)
	}
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: tier %d has no id", ErrInvalidLadder, i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: duplicate tier id %q", ErrInvalidLadder, t.ID)
		}
		seen[t.ID] = true
		if t.MinSpent.IsNegative() || t.MinOrders < 0 {
			return nil, fmt.Errorf("%w: tier %q has negative thresholds", ErrInvalidLadder, t.ID)
		}
		if i == 0 {
			if !t.MinSpent.IsZero() || t.MinOrders != 0 {
				return nil, fmt.Errorf("%w: entry tier %q must have zero thresholds", ErrInvalidLadder, t.ID)
			}
			continue
		}
		prev := tiers[i-1]
		if !t.MinSpent.GreaterThan(prev.MinSpent) {
			return nil, fmt.Errorf("%w: tier %q min_spent must exceed %q", ErrInvalidLadder, t.ID, prev.ID)
		}
		if t.MinOrders <= prev.MinOrders {
			return nil, fmt.Errorf("%w: tier %q min_orders must exceed %q", ErrInvalidLadder, t.ID, prev.ID)
		}
	}
	return &Ladder{tiers: append([]commerce.Tier(nil), tiers...)}, nil
}

// MustLadder panics on an invalid ladder. For package-level defaults.
func MustLadder(tiers []commerce.Tier) *Ladder {
	l, err := NewLadder(tiers)
	if err != nil {
		panic(err)
	}
	return l
}

// DefaultTiers is the storefront's shipped ladder.
func DefaultTiers() []commerce.Tier {
	return []commerce.Tier{
		{ID: "bronze", Name: "Bronze", MinSpent: decimal.Zero, MinOrders: 0},
		{ID: "silver", Name: "Silver", MinSpent: decimal.NewFromInt(500000), MinOrders: 3},
		{ID: "gold", Name: "Gold", MinSpent: decimal.NewFromInt(1500000), MinOrders: 8},
		{ID: "platinum", Name: "Platinum", MinSpent: decimal.NewFromInt(5000000), MinOrders: 20},
		{ID: "diamond", Name: "Diamond", MinSpent: decimal.NewFromInt(15000000), MinOrders: 50},
	}
}

// DefaultLadder returns a ladder over DefaultTiers.
func DefaultLadder() *Ladder {
	return MustLadder(DefaultTiers())
}

// Tiers returns a copy of the tiers, lowest first.
func (l *Ladder) Tiers() []commerce.Tier {
	return append([]commerce.Tier(nil), l.tiers...)
}

// Entry is the lowest tier.
func (l *Ladder) Entry() commerce.Tier { return l.tiers[0] }

// Top is the highest tier.
func (l *Ladder) Top() commerce.Tier { return l.tiers[len(l.tiers)-1] }

// Tier looks a tier up by id.
func (l *Ladder) Tier(id string) (commerce.Tier, bool) {
	for _, t := range l.tiers {
		if t.ID == id {
			return t, true
		}
	}
	return commerce.Tier{}, false
}

// Qualifies reports whether both thresholds of t are met.
func Qualifies(t commerce.Tier, totalSpent decimal.Decimal, totalOrders int) bool {
	return totalSpent.GreaterThanOrEqual(t.MinSpent) && totalOrders >= t.MinOrders
}

// Classify returns the highest tier whose thresholds are both met, falling
// back to the entry tier.
func (l *Ladder) Classify(totalSpent decimal.Decimal, totalOrders int) commerce.Tier {
	for i := len(l.tiers) - 1; i >= 0; i-- {
		if Qualifies(l.tiers[i], totalSpent, totalOrders) {
			return l.tiers[i]
		}
	}
	return l.tiers[0]
}

// Progress toward the tier after the current one.
type Progress struct {
	Current         commerce.Tier   `json:"current"`
	Next            *commerce.Tier  `json:"next"`
	Percent         decimal.Decimal `json:"percent"`
	RemainingSpent  decimal.Decimal `json:"remaining_spent"`
	RemainingOrders int             `json:"remaining_orders"`
}

var errUnknownTier = errors.New("unknown tier")

// Progress computes how far totals are toward the tier above current.
// Percent is the lower of the two ratios, capped at 100. The top tier
// reports Next == nil and Percent == 100.
func (l *Ladder) Progress(current commerce.Tier, totalSpent decimal.Decimal, totalOrders int) (Progress, error) {
	idx := -1
	for i, t := range l.tiers {
		if t.ID == current.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Progress{}, fmt.Errorf("%w: %q", errUnknownTier, current.ID)
	}

	p := Progress{Current: l.tiers[idx]}
	if idx == len(l.tiers)-1 {
		p.Percent = hundred
		return p, nil
	}

	next := l.tiers[idx+1]
	p.Next = &next

	spentRatio := ratio(totalSpent, next.MinSpent)
	ordersRatio := ratio(decimal.NewFromInt(int64(totalOrders)), decimal.NewFromInt(int64(next.MinOrders)))
	p.Percent = decimal.Min(hundred, decimal.Min(spentRatio, ordersRatio).Mul(hundred)).Round(2)

	if rem := next.MinSpent.Sub(totalSpent); rem.IsPositive() {
		p.RemainingSpent = rem
	}
	if rem := next.MinOrders - totalOrders; rem > 0 {
		p.RemainingOrders = rem
	}
	return p, nil
}

// ratio treats a zero threshold as fully met.
func ratio(have, need decimal.Decimal) decimal.Decimal {
	if !need.IsPositive() {
		return decimal.NewFromInt(1)
	}
	if have.IsNegative() {
		return decimal.Zero
	}
	return have.DivRound(need, 8)
}
