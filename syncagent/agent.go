/*
Package syncagent keeps a session's cached balance in step with the wallet.

The agent is read-only with respect to the wallet. It overwrites its cache
from the authoritative balance:

  - every Interval while not paused
  - immediately on Signal (another tab changed something)
  - immediately on a wallet.balance_changed event for its user
  - immediately on Resume (tab shown again)

The cache is never used to decide affordability; checkout re-checks on the
server.
*/
package syncagent

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/events"
)

const DefaultInterval = 30 * time.Second

// BalanceSource is the authoritative balance reader.
type BalanceSource interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Snapshot is one cached reading.
type Snapshot struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	FetchedAt time.Time       `json:"fetched_at"`
	// Trigger names what caused the read: initial, poll, signal, event, resume.
	Trigger string `json:"trigger"`
}

type Agent struct {
	source   BalanceSource
	bus      *events.Bus
	userID   string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	cached    *Snapshot
	paused    bool
	listeners []func(Snapshot)

	signal chan struct{}
	wake   chan struct{}
}

func New(source BalanceSource, bus *events.Bus, userID string, interval time.Duration, logger *slog.Logger) *Agent {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		source:   source,
		bus:      bus,
		userID:   userID,
		interval: interval,
		logger:   logger.With("component", "syncagent", "user_id", userID),
		now:      func() time.Time { return time.Now().UTC() },
		signal:   make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
	}
}

// OnChange registers fn to run after every read whose balance differs from
// the previous one (including the first read). Callbacks run on the agent's
// goroutine.
func (a *Agent) OnChange(fn func(Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Cached returns the last reading.
func (a *Agent) Cached() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cached == nil {
		return Snapshot{}, false
	}
	return *a.cached, true
}

// Pause stops periodic and event-driven reads (tab hidden).
func (a *Agent) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume restarts reads and forces one immediately (tab shown).
func (a *Agent) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	notify(a.wake)
}

// Paused reports whether the agent is paused.
func (a *Agent) Paused() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.paused
}

// Signal forces an immediate read, even while paused.
func (a *Agent) Signal() {
	notify(a.signal)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run reads until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	var updates <-chan events.Event
	if a.bus != nil {
		sub := a.bus.Subscribe(events.ForUser(a.userID, events.WalletBalanceChanged), 8)
		defer sub.Close()
		updates = sub.C
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.refresh(ctx, "initial")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !a.Paused() {
				a.refresh(ctx, "poll")
			}
		case <-a.signal:
			a.refresh(ctx, "signal")
		case <-a.wake:
			a.refresh(ctx, "resume")
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if !a.Paused() {
				a.refresh(ctx, "event")
			}
		}
	}
}

// Refresh reads the balance now and updates the cache.
func (a *Agent) Refresh(ctx context.Context) (Snapshot, error) {
	return a.read(ctx, "manual")
}

func (a *Agent) refresh(ctx context.Context, trigger string) {
	if _, err := a.read(ctx, trigger); err != nil && ctx.Err() == nil {
		a.logger.Warn("balance refresh failed", "trigger", trigger, "error", err)
	}
}

func (a *Agent) read(ctx context.Context, trigger string) (Snapshot, error) {
	bal, err := a.source.Balance(ctx, a.userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{UserID: a.userID, Balance: bal, FetchedAt: a.now(), Trigger: trigger}

	a.mu.Lock()
	changed := a.cached == nil || !a.cached.Balance.Equal(bal)
	a.cached = &snap
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(snap)
		}
	}
	return snap, nil
}
