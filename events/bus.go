// Package events is the in-process publish/subscribe channel between the
// settlement coordinator and its readers (order lists, balance sync agents,
// websocket clients).
//
// Publish never blocks: each subscriber has a bounded buffer and an event
// that does not fit is dropped for that subscriber only. Readers that miss
// an event recover by re-reading the store, so a drop costs freshness,
// never correctness.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	OrderCreated         Type = "order.created"
	OrderUpdated         Type = "order.updated"
	WalletBalanceChanged Type = "wallet.balance_changed"
)

// Event is the broadcast payload.
type Event struct {
	Type      Type             `json:"type"`
	OrderID   string           `json:"order_id,omitempty"`
	UserID    string           `json:"user_id"`
	Status    string           `json:"status,omitempty"`
	Total     *decimal.Decimal `json:"total,omitempty"`
	Balance   *decimal.Decimal `json:"balance,omitempty"`
	Action    string           `json:"action,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Filter selects events for a subscriber. A nil filter accepts everything.
type Filter func(Event) bool

// ForUser accepts events for userID, optionally restricted to types.
func ForUser(userID string, types ...Type) Filter {
	return func(e Event) bool {
		if e.UserID != userID {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

const DefaultBuffer = 32

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	now    func() time.Time

	// OnDrop, when set, is called for every event dropped on a full buffer.
	OnDrop func(Event)
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      uint64
	ch      chan Event
	filter  Filter
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a subscriber. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{C: ch, bus: b, id: b.nextID, ch: ch, filter: filter}
	b.subs[s.id] = s
	return s
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			if b.OnDrop != nil {
				b.OnDrop(e)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
