package syncagent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/events"
	"github.com/warp/coinshop/syncagent"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeSource struct {
	mu      sync.Mutex
	balance decimal.Decimal
	reads   int
}

func (f *fakeSource) Balance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.balance, nil
}

func (f *fakeSource) set(v int64) {
	f.mu.Lock()
	f.balance = decimal.NewFromInt(v)
	f.mu.Unlock()
}

func (f *fakeSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func startAgent(t *testing.T, src *fakeSource, bus *events.Bus) (*syncagent.Agent, <-chan syncagent.Snapshot) {
	agent := syncagent.New(src, bus, "user-1", time.Hour, nil)
	changes := make(chan syncagent.Snapshot, 16)
	agent.OnChange(func(s syncagent.Snapshot) { changes <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	first := waitChange(t, changes)
	assert.Equal(t, "initial", first.Trigger)
	return agent, changes
}

func waitChange(t *testing.T, ch <-chan syncagent.Snapshot) syncagent.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no balance change observed")
		return syncagent.Snapshot{}
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestAgent_InitialReadPopulatesCache(t *testing.T) {
	src := &fakeSource{}
	src.set(100000)

	agent, _ := startAgent(t, src, events.NewBus())

	snap, ok := agent.Cached()
	require.True(t, ok)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(100000)))
}

func TestAgent_BalanceEventTriggersReread(t *testing.T) {
	// GIVEN: an agent with a cached balance of 150000
	// WHEN: the wallet is debited and a balance_changed event is published
	// THEN: the agent re-reads the authoritative balance, not the event payload

	src := &fakeSource{}
	src.set(150000)
	bus := events.NewBus()
	agent, changes := startAgent(t, src, bus)

	src.set(10000)
	bogus := decimal.NewFromInt(999)
	bus.Publish(events.Event{Type: events.WalletBalanceChanged, UserID: "user-1", Balance: &bogus})

	snap := waitChange(t, changes)
	assert.Equal(t, "event", snap.Trigger)
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(10000)))

	cached, _ := agent.Cached()
	assert.True(t, cached.Balance.Equal(decimal.NewFromInt(10000)))
}

func TestAgent_PausedIgnoresEventsButHonoursSignal(t *testing.T) {
	// GIVEN: a paused agent (tab hidden)
	// WHEN: a balance event arrives, then another tab signals
	// THEN: only the signal causes a read

	src := &fakeSource{}
	src.set(500)
	bus := events.NewBus()
	agent, changes := startAgent(t, src, bus)

	agent.Pause()
	require.True(t, agent.Paused())
	src.set(400)
	bus.Publish(events.Event{Type: events.WalletBalanceChanged, UserID: "user-1"})

	agent.Signal()
	snap := waitChange(t, changes)
	assert.Equal(t, "signal", snap.Trigger)
	assert.Equal(t, 2, src.readCount())
}

func TestAgent_ResumeForcesRead(t *testing.T) {
	src := &fakeSource{}
	src.set(500)
	agent, changes := startAgent(t, src, nil)

	agent.Pause()
	src.set(700)
	agent.Resume()

	snap := waitChange(t, changes)
	assert.Equal(t, "resume", snap.Trigger)
	assert.False(t, agent.Paused())
}

func TestAgent_OtherUsersEventsIgnored(t *testing.T) {
	src := &fakeSource{}
	src.set(500)
	bus := events.NewBus()
	agent, _ := startAgent(t, src, bus)

	bus.Publish(events.Event{Type: events.WalletBalanceChanged, UserID: "user-2"})
	_, err := agent.Refresh(context.Background())
	require.NoError(t, err)

	// initial + manual refresh only
	assert.Equal(t, 2, src.readCount())
}
