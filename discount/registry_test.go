package discount_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
	"github.com/warp/coinshop/docstore/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func coins(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newRegistry(t *testing.T, codes ...discount.NewCode) *discount.Registry {
	t.Helper()
	r := discount.NewRegistry(memory.New()).WithClock(func() time.Time { return now })
	for _, nc := range codes {
		_, err := r.Create(context.Background(), nc)
		require.NoError(t, err)
	}
	return r
}

func save10() discount.NewCode {
	return discount.NewCode{Code: "SAVE10", Value: coins(10000), MinAmount: coins(50000), UsageLimit: 1}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestCheck_ReportsFirstFailingCondition(t *testing.T) {
	past := now.Add(-time.Hour)
	base := commerce.DiscountCode{Code: "X", Value: coins(100), MinAmount: coins(1000), UsageLimit: 1, Active: true}

	tests := []struct {
		name   string
		mutate func(c *commerce.DiscountCode)
		amount int64
		want   commerce.DiscountReason
	}{
		{name: "valid", amount: 1000, want: ""},
		{name: "inactive beats everything", amount: 10, want: commerce.ReasonInactive, mutate: func(c *commerce.DiscountCode) {
			c.Active = false
			c.ExpiresAt = &past
			c.UsageCount = 1
		}},
		{name: "expired beats limit", amount: 10, want: commerce.ReasonExpired, mutate: func(c *commerce.DiscountCode) {
			c.ExpiresAt = &past
			c.UsageCount = 1
		}},
		{name: "limit beats minimum", amount: 10, want: commerce.ReasonLimitReached, mutate: func(c *commerce.DiscountCode) {
			c.UsageCount = 1
		}},
		{name: "below minimum", amount: 999, want: commerce.ReasonBelowMinimum},
		{name: "expiry instant is expired", amount: 1000, want: commerce.ReasonExpired, mutate: func(c *commerce.DiscountCode) {
			at := now
			c.ExpiresAt = &at
		}},
		{name: "zero limit is unlimited", amount: 1000, want: "", mutate: func(c *commerce.DiscountCode) {
			c.UsageLimit = 0
			c.UsageCount = 1000
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			assert.Equal(t, tt.want, discount.Check(c, coins(tt.amount), now))
		})
	}
}

func TestValidate(t *testing.T) {
	r := newRegistry(t, save10())
	ctx := context.Background()

	v, err := r.Validate(ctx, " save10 ", coins(150000))
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "SAVE10", v.Code)
	assert.True(t, v.Discount.Equal(coins(10000)))

	v, err = r.Validate(ctx, "SAVE10", coins(40000))
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, commerce.ReasonBelowMinimum, v.Reason)
	assert.True(t, v.MinAmount.Equal(coins(50000)))

	v, err = r.Validate(ctx, "NOPE", coins(150000))
	require.NoError(t, err)
	assert.Equal(t, commerce.ReasonNotFound, v.Reason)
	assert.ErrorIs(t, v.Err(coins(150000)), commerce.ErrValidation)
}

func TestDiscountFor_CapsAtAmount(t *testing.T) {
	c := commerce.DiscountCode{Value: coins(10000)}
	assert.True(t, discount.DiscountFor(c, coins(4000)).Equal(coins(4000)))
	assert.True(t, discount.DiscountFor(c, coins(40000)).Equal(coins(10000)))
}

func TestQuote_ChecksDiscountedTotalAgainstMinimum(t *testing.T) {
	// GIVEN: SAVE10 with min 50000
	// WHEN: a cart of 55000 is quoted (45000 after discount)
	// THEN: the quote is rejected because Consume would see 45000

	r := newRegistry(t, save10())

	v, err := r.Quote(context.Background(), "SAVE10", coins(55000))
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, commerce.ReasonBelowMinimum, v.Reason)

	v, err = r.Quote(context.Background(), "SAVE10", coins(60000))
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestConsume_SingleUseCode(t *testing.T) {
	// GIVEN: SAVE10 with usage_limit 1
	// WHEN: order A consumes it, retries, then order B tries
	// THEN: A's retry is a no-op and B is told the code belongs to another order

	r := newRegistry(t, save10())
	ctx := context.Background()

	c, err := r.Consume(ctx, "SAVE10", "ORD-A", "user-1", coins(140000))
	require.NoError(t, err)
	assert.False(t, c.Replayed)
	assert.Equal(t, 1, c.UsageCount)

	c, err = r.Consume(ctx, "SAVE10", "ORD-A", "user-1", coins(140000))
	require.NoError(t, err)
	assert.True(t, c.Replayed)
	assert.Equal(t, 1, c.UsageCount)

	_, err = r.Consume(ctx, "SAVE10", "ORD-B", "user-2", coins(140000))
	require.Error(t, err)
	assert.ErrorIs(t, err, commerce.ErrAlreadyConsumedByOtherOrder)
	assert.ErrorIs(t, err, commerce.ErrConflict)

	code, err := r.Get(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, code.UsageCount)
	require.Len(t, code.Redemptions, 1)
	assert.Equal(t, "ORD-A", code.Redemptions[0].OrderID)
}

func TestConsume_RevalidatesAmount(t *testing.T) {
	r := newRegistry(t, save10())

	_, err := r.Consume(context.Background(), "SAVE10", "ORD-A", "user-1", coins(40000))

	var de *commerce.DiscountError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, commerce.ReasonBelowMinimum, de.Reason)
}

func TestConsume_UnknownCode(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Consume(context.Background(), "NOPE", "ORD-A", "user-1", coins(1))

	var de *commerce.DiscountError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, commerce.ReasonNotFound, de.Reason)
}

func TestConsume_ConcurrentOrdersOnlyOneWins(t *testing.T) {
	r := newRegistry(t, save10())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Consume(ctx, "SAVE10", "ORD-"+string(rune('A'+i)), "user-1", coins(140000))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.LessOrEqual(t, wins, 1)

	code, err := r.Get(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, wins, code.UsageCount)
	assert.LessOrEqual(t, code.UsageCount, code.UsageLimit)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestCreate_Validation(t *testing.T) {
	r := newRegistry(t, save10())
	ctx := context.Background()

	_, err := r.Create(ctx, discount.NewCode{Code: "save10", Value: coins(1)})
	assert.ErrorIs(t, err, commerce.ErrConflict)

	_, err = r.Create(ctx, discount.NewCode{Code: "FREE", Value: decimal.Zero})
	assert.ErrorIs(t, err, commerce.ErrValidation)

	_, err = r.Create(ctx, discount.NewCode{Code: "  ", Value: coins(1)})
	assert.ErrorIs(t, err, commerce.ErrValidation)
}

func TestDeactivate_KeepsRedemptions(t *testing.T) {
	r := newRegistry(t, discount.NewCode{Code: "MULTI", Value: coins(100), UsageLimit: 5})
	ctx := context.Background()

	_, err := r.Consume(ctx, "MULTI", "ORD-A", "user-1", coins(1000))
	require.NoError(t, err)

	c, err := r.Deactivate(ctx, "multi")
	require.NoError(t, err)
	assert.False(t, c.Active)
	assert.Len(t, c.Redemptions, 1)

	v, err := r.Validate(ctx, "MULTI", coins(1000))
	require.NoError(t, err)
	assert.Equal(t, commerce.ReasonInactive, v.Reason)

	_, err = r.Deactivate(ctx, "GHOST")
	assert.ErrorIs(t, err, commerce.ErrDiscountNotFound)
}
