package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/settlement"
)

func TestReconciliationScheduler_RejectsBadSchedule(t *testing.T) {
	a := newTestAPI(t, 0)

	_, err := NewReconciliationScheduler(settlement.NewReconciler(a.coord), "every now and then", nil)
	assert.Error(t, err)
}

func TestReconciliationScheduler_RunNow(t *testing.T) {
	// GIVEN: a scheduler that would only fire hourly
	// WHEN: a sweep is forced
	// THEN: it is counted and its report kept

	a := newTestAPI(t, 5)
	rs, err := NewReconciliationScheduler(settlement.NewReconciler(a.coord), "@every 1h", nil)
	require.NoError(t, err)
	rs.WithLimiter(a.handler)

	rs.Start()
	defer rs.Stop()

	rep := rs.RunNow()
	assert.Equal(t, settlement.SweepReport{}, rep)
	assert.Equal(t, 1, rs.Runs())
}

func TestUserRateLimiter_Cleanup(t *testing.T) {
	rl := NewUserRateLimiter(1, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	rl.Cleanup(10)
	assert.False(t, rl.Allow("a"), "below max keeps buckets")

	rl.Cleanup(0)
	assert.True(t, rl.Allow("a"), "over max starts fresh")
}
