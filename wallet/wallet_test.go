package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
	"github.com/warp/coinshop/docstore/memory"
	"github.com/warp/coinshop/wallet"
)

func coins(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func setup(t *testing.T, balance int64) (*wallet.Ledger, *memory.Memory) {
	t.Helper()
	store := memory.New()
	l := wallet.New(store)
	_, err := l.Open(context.Background(), commerce.User{ID: "user-1", Balance: coins(balance)})
	require.NoError(t, err)
	return l, store
}

func TestCanAfford(t *testing.T) {
	l, _ := setup(t, 100000)
	ctx := context.Background()

	tests := []struct {
		amount int64
		want   bool
	}{
		{amount: 100000, want: true},
		{amount: 99999, want: true},
		{amount: 100001, want: false},
		{amount: 0, want: false},
		{amount: -5, want: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.amount), func(t *testing.T) {
			ok, err := l.CanAfford(ctx, "user-1", coins(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestDebit_ReducesBalance(t *testing.T) {
	l, _ := setup(t, 200000)
	ctx := context.Background()

	mv, err := l.Debit(ctx, "user-1", coins(150000), "ORD-1")
	require.NoError(t, err)
	assert.True(t, mv.Applied)
	assert.True(t, mv.Balance.Equal(coins(50000)))

	has, err := l.HasDebit(ctx, "user-1", "ORD-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDebit_SameRefChargesOnce(t *testing.T) {
	// GIVEN: an order already charged
	// WHEN: the debit is retried with the same ref
	// THEN: the balance is unchanged and the recorded balance is returned

	l, _ := setup(t, 200000)
	ctx := context.Background()

	_, err := l.Debit(ctx, "user-1", coins(150000), "ORD-1")
	require.NoError(t, err)

	mv, err := l.Debit(ctx, "user-1", coins(150000), "ORD-1")
	require.NoError(t, err)
	assert.False(t, mv.Applied)
	assert.True(t, mv.Balance.Equal(coins(50000)))

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(coins(50000)))
}

func TestDebit_InsufficientFundsReportsShortfall(t *testing.T) {
	l, _ := setup(t, 100000)

	_, err := l.Debit(context.Background(), "user-1", coins(150000), "ORD-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, commerce.ErrInsufficientFunds)

	var insufficient *commerce.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Shortfall.Equal(coins(50000)))
	assert.True(t, insufficient.Balance.Equal(coins(100000)))
}

func TestDebit_RejectsNonPositiveAmounts(t *testing.T) {
	l, _ := setup(t, 100)

	_, err := l.Debit(context.Background(), "user-1", decimal.Zero, "ORD-1")
	assert.ErrorIs(t, err, commerce.ErrInvalidAmount)

	_, err = l.Credit(context.Background(), "user-1", coins(-1), "top-up")
	assert.ErrorIs(t, err, commerce.ErrInvalidAmount)
}

func TestDebit_UnknownUser(t *testing.T) {
	l, _ := setup(t, 100)

	_, err := l.Debit(context.Background(), "ghost", coins(1), "ORD-1")
	assert.ErrorIs(t, err, commerce.ErrUserNotFound)
}

func TestDebit_RechecksAfterLosingRace(t *testing.T) {
	// GIVEN: a balance of 150000 and a debit that passed the advisory check
	// WHEN: another tab spends 100000 between our read and our write
	// THEN: our debit re-reads and fails instead of going negative

	l, store := setup(t, 150000)
	ctx := context.Background()

	store.Inject(memory.Fault{
		Collection: docstore.Users,
		Op:         memory.OpUpdate,
		Times:      1,
		Before: func() {
			_, err := l.Debit(ctx, "user-1", coins(100000), "ORD-other")
			require.NoError(t, err)
		},
	})

	_, err := l.Debit(ctx, "user-1", coins(150000), "ORD-mine")
	assert.ErrorIs(t, err, commerce.ErrInsufficientFunds)

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(coins(50000)))
}

func TestDebit_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := setup(t, 500)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, "user-1", coins(100), fmt.Sprintf("ORD-%d", i))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, succeeded, 5)
	assert.True(t, bal.Equal(coins(int64(500-100*succeeded))))
	assert.False(t, bal.IsNegative())
}

func TestCredit_RefundIsIdempotent(t *testing.T) {
	l, _ := setup(t, 0)
	ctx := context.Background()

	_, err := l.Credit(ctx, "user-1", coins(300), "refund:ORD-1")
	require.NoError(t, err)
	mv, err := l.Credit(ctx, "user-1", coins(300), "refund:ORD-1")
	require.NoError(t, err)
	assert.False(t, mv.Applied)
	assert.True(t, mv.Balance.Equal(coins(300)))

	// a credit is not a debit
	has, err := l.HasDebit(ctx, "user-1", "refund:ORD-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestOpen(t *testing.T) {
	l, _ := setup(t, 0)
	ctx := context.Background()

	_, err := l.Open(ctx, commerce.User{ID: "user-1"})
	assert.ErrorIs(t, err, commerce.ErrConflict)

	_, err = l.Open(ctx, commerce.User{ID: "user-2", Balance: coins(-1)})
	assert.ErrorIs(t, err, commerce.ErrInvalidAmount)

	_, err = l.Open(ctx, commerce.User{})
	assert.ErrorIs(t, err, commerce.ErrValidation)
}

func TestJournal_KeepsDebitsInsideRetention(t *testing.T) {
	// GIVEN: an order debit followed by more than a journal's worth of credits
	// WHEN: the credits all fall inside the retention window
	// THEN: the debit is still journaled and a second debit is not applied

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	l, _ := setup(t, 1000)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := l.Debit(ctx, "user-1", coins(100), "ORD-A")
	require.NoError(t, err)
	for i := 0; i < commerce.MaxWalletJournal; i++ {
		_, err := l.Credit(ctx, "user-1", coins(1), fmt.Sprintf("topup-%d", i))
		require.NoError(t, err)
	}

	ok, err := l.HasDebit(ctx, "user-1", "ORD-A")
	require.NoError(t, err)
	assert.True(t, ok)

	mv, err := l.Debit(ctx, "user-1", coins(100), "ORD-A")
	require.NoError(t, err)
	assert.False(t, mv.Applied)

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(coins(1000-100+int64(commerce.MaxWalletJournal))))
}

func TestJournal_PrunesOnlyPastRetention(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	l, _ := setup(t, 1000)
	l.WithClock(func() time.Time { return now }).WithRetention(72 * time.Hour)
	ctx := context.Background()
	require.Equal(t, 72*time.Hour, l.Retention())

	_, err := l.Debit(ctx, "user-1", coins(100), "ORD-A")
	require.NoError(t, err)
	for i := 0; i < commerce.MaxWalletJournal; i++ {
		_, err := l.Credit(ctx, "user-1", coins(1), fmt.Sprintf("topup-%d", i))
		require.NoError(t, err)
	}

	// Exactly at the boundary the debit is not older than the window.
	now = now.Add(l.Retention())
	_, err = l.Credit(ctx, "user-1", coins(1), "at-boundary")
	require.NoError(t, err)
	ok, err := l.HasDebit(ctx, "user-1", "ORD-A")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, err = l.Credit(ctx, "user-1", coins(1), "past-boundary")
	require.NoError(t, err)
	ok, err = l.HasDebit(ctx, "user-1", "ORD-A")
	require.NoError(t, err)
	assert.False(t, ok)

	journal, err := l.Journal(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, journal, commerce.MaxWalletJournal)
}

func TestWithRetention_NeverBelowDefault(t *testing.T) {
	l, _ := setup(t, 0)
	l.WithRetention(time.Minute)
	assert.Equal(t, commerce.DefaultJournalRetention, l.Retention())
}
