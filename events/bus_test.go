package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/events"
)

func TestBus_DeliversToMatchingSubscribers(t *testing.T) {
	// GIVEN: two subscribers filtering on different users
	// WHEN: an event for user-1 is published
	// THEN: only user-1's subscriber receives it, stamped with a timestamp

	bus := events.NewBus()
	one := bus.Subscribe(events.ForUser("user-1"), 4)
	two := bus.Subscribe(events.ForUser("user-2"), 4)
	defer one.Close()
	defer two.Close()

	bus.Publish(events.Event{Type: events.OrderCreated, UserID: "user-1", OrderID: "ORD-1"})

	select {
	case e := <-one.C:
		assert.Equal(t, "ORD-1", e.OrderID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, two.C, 0)
}

func TestBus_TypeFilter(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.ForUser("user-1", events.WalletBalanceChanged), 4)
	defer sub.Close()

	bus.Publish(events.Event{Type: events.OrderUpdated, UserID: "user-1"})
	bus.Publish(events.Event{Type: events.WalletBalanceChanged, UserID: "user-1"})

	require.Len(t, sub.C, 1)
	e := <-sub.C
	assert.Equal(t, events.WalletBalanceChanged, e.Type)
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	// GIVEN: a subscriber with a buffer of one that never reads
	// WHEN: three events are published
	// THEN: Publish returns, one event is buffered and two are counted as dropped

	bus := events.NewBus()
	var dropped int
	bus.OnDrop = func(events.Event) { dropped++ }
	sub := bus.Subscribe(nil, 1)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(events.Event{Type: events.OrderUpdated, UserID: "user-1"})
	}

	assert.Len(t, sub.C, 1)
	assert.Equal(t, int64(2), sub.Dropped())
	assert.Equal(t, 2, dropped)
}

func TestBus_CloseUnsubscribes(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(nil, 1)
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(events.Event{Type: events.OrderUpdated, UserID: "user-1"})
}
