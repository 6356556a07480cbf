package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
	"github.com/warp/coinshop/docstore/memory"
	"github.com/warp/coinshop/orders"
	"github.com/warp/coinshop/settlement"
)

func (f *fixture) processingOrder(t *testing.T, userID string, total int64) commerce.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), orders.Draft{
		UserID: userID,
		Items:  cartOf(total).Items,
		Status: commerce.StatusProcessing,
	})
	require.NoError(t, err)
	return o
}

func TestReconciler_CompletesStaleDebitedOrder(t *testing.T) {
	// GIVEN: a processing order whose debit went through before a crash
	// WHEN: the sweep runs after the grace period
	// THEN: the order completes without a second debit and ranking is recorded

	f := newFixture(t)
	f.openUser(t, "user-1", 200000)
	ctx := context.Background()

	o := f.processingOrder(t, "user-1", 150000)
	_, err := f.wallet.Debit(ctx, "user-1", o.Total, o.ID)
	require.NoError(t, err)

	f.clock.Advance(settlement.DefaultReconcileGrace + time.Second)
	rep, err := settlement.NewReconciler(f.coord).Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, 0, rep.Failed)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusCompleted, got.Status)
	assert.Len(t, f.debits(t, "user-1"), 1)
	assert.True(t, f.balance(t, "user-1").Equal(coins(50000)))

	standing, err := f.ranking.Standing(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, standing.TotalOrders)
}

func TestReconciler_FailsStaleUnchargedOrder(t *testing.T) {
	f := newFixture(t)
	f.openUser(t, "user-1", 200000)
	ctx := context.Background()

	o := f.processingOrder(t, "user-1", 150000)

	f.clock.Advance(settlement.DefaultReconcileGrace + time.Second)
	rep, err := settlement.NewReconciler(f.coord).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusFailed, got.Status)
	assert.True(t, f.balance(t, "user-1").Equal(coins(200000)))
}

func TestReconciler_LeavesFreshOrdersAlone(t *testing.T) {
	f := newFixture(t)
	f.openUser(t, "user-1", 200000)
	ctx := context.Background()

	o := f.processingOrder(t, "user-1", 150000)

	rep, err := settlement.NewReconciler(f.coord).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.SweepReport{}, rep)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusProcessing, got.Status)
}

func TestReconciler_RepairsMissingPostDebitSteps(t *testing.T) {
	// GIVEN: a completed order whose discount and ranking steps were lost
	// WHEN: the sweep runs
	// THEN: both steps are applied once, and a second sweep changes nothing

	f := newFixture(t)
	f.openUser(t, "user-1", 200000)
	f.createCode(t, "SAVE10", 10000, 0, 1)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, orders.Draft{
		UserID:       "user-1",
		Items:        cartOf(100000).Items,
		Discount:     coins(10000),
		DiscountCode: "SAVE10",
		Status:       commerce.StatusProcessing,
	})
	require.NoError(t, err)
	_, err = f.orders.Transition(ctx, o.ID, commerce.StatusCompleted, nil)
	require.NoError(t, err)

	r := settlement.NewReconciler(f.coord)
	rep, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)

	code, err := f.discounts.Get(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, code.UsageCount)

	rep, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Repaired)

	standing, err := f.ranking.Standing(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, standing.TotalOrders)
	assert.True(t, standing.TotalSpent.Equal(coins(90000)))
}

func TestReconciler_HoldsUnchargedOrderOlderThanJournal(t *testing.T) {
	// GIVEN: a processing order older than the wallet journal retention
	// WHEN: the sweep finds no debit for it
	// THEN: the order is left for review instead of being marked failed

	f := newFixture(t)
	f.openUser(t, "user-1", 200000)
	ctx := context.Background()

	o := f.processingOrder(t, "user-1", 150000)

	f.clock.Advance(f.wallet.Retention() + time.Minute)
	rep, err := settlement.NewReconciler(f.coord).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 1, rep.Errors)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusProcessing, got.Status)
}

func TestReconciler_RebuildsDriftedTotals(t *testing.T) {
	// GIVEN: a completed order whose ranking entry was written but whose
	//        user totals update failed
	// WHEN: the sweep runs
	// THEN: the totals are re-derived and the order counts as repaired

	f := newFixture(t)
	f.openUser(t, "user-1", 200000)
	ctx := context.Background()

	o := f.processingOrder(t, "user-1", 100000)
	_, err := f.orders.Transition(ctx, o.ID, commerce.StatusCompleted, nil)
	require.NoError(t, err)

	f.store.Inject(memory.Fault{Collection: docstore.Users, Op: memory.OpUpdate, Err: docstore.ErrUnavailable, Times: 1})
	_, err = f.ranking.RecordPurchase(ctx, "user-1", o.ID, o.Total, o.ItemCount())
	require.Error(t, err)

	rep, err := settlement.NewReconciler(f.coord).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)

	standing, err := f.ranking.Standing(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, standing.TotalOrders)
	assert.True(t, standing.TotalSpent.Equal(coins(100000)))
}
