package connector

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/booktracker"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/inflight"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticSnapshots struct{}

func (staticSnapshots) FetchSnapshot(_ context.Context, pair domain.TradingPair) (domain.RawBookMessage, error) {
	return domain.RawBookMessage{
		Type:        domain.BookMessageSnapshot,
		TradingPair: pair,
		UpdateID:    1,
		Levels: []domain.RawLevel{
			{Side: domain.BookSideBid, Price: d("0.40"), Quantity: d("10")},
			{Side: domain.BookSideAsk, Price: d("0.45"), Quantity: d("8")},
		},
	}, nil
}

type fakeStatusFetcher struct {
	mu       sync.Mutex
	statuses map[string]domain.OrderStatusMessage
	calls    int
}

func (f *fakeStatusFetcher) FetchStatus(_ context.Context, o domain.TrackedOrder) (domain.OrderStatusMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.statuses[o.ExchangeOrderID], nil
}

type memStore struct {
	mu    sync.Mutex
	saves int
	data  map[string]map[string]domain.TrackedOrder
}

func (m *memStore) Save(_ context.Context, connector string, orders map[string]domain.TrackedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]map[string]domain.TrackedOrder{}
	}
	m.saves++
	m.data[connector] = orders
	return nil
}

func (m *memStore) Load(_ context.Context, connector string) (map[string]domain.TrackedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[connector], nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type fakeLease struct {
	mu       sync.Mutex
	lost     bool
	extends  int
	released bool
}

func (l *fakeLease) Extend(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.lost {
		return domain.ErrLockHeld
	}
	return nil
}

func (l *fakeLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

type fakeLocks struct {
	held  bool
	lease *fakeLease
	keys  []string
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (domain.Lease, error) {
	f.keys = append(f.keys, key)
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return f.lease, nil
}

// pushFeed delivers its messages once, then waits for cancellation.
type pushFeed struct {
	h    domain.FeedHandler
	msgs []domain.RawBookMessage
}

func (p *pushFeed) Run(ctx context.Context) error {
	for _, m := range p.msgs {
		if err := p.h.HandleBook(ctx, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"missing name", Config{}, Deps{Snapshots: staticSnapshots{}, Trackers: booktracker.LevelTrackers}},
		{"missing snapshots", Config{Name: "x"}, Deps{Trackers: booktracker.LevelTrackers}},
		{"orders without fetcher", Config{Name: "x", TrackOrders: true}, Deps{Snapshots: staticSnapshots{}, Trackers: booktracker.LevelTrackers}},
		{"duplicate pair", Config{Name: "x", Pairs: []domain.TradingPair{"A", "A"}}, Deps{Snapshots: staticSnapshots{}, Trackers: booktracker.LevelTrackers}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps, discard())
			assert.Error(t, err)
		})
	}
}

func TestBooksOnlyConnector(t *testing.T) {
	c, err := New(Config{Name: "poly", Pairs: []domain.TradingPair{"tok"}}, Deps{
		Snapshots: staticSnapshots{},
		Trackers:  booktracker.LevelTrackers,
	}, discard())
	require.NoError(t, err)
	assert.Nil(t, c.Registry())

	c.AttachFeed(&pushFeed{h: c, msgs: []domain.RawBookMessage{{
		Type:        domain.BookMessageDiff,
		TradingPair: "tok",
		UpdateID:    2,
		Levels:      []domain.RawLevel{{Side: domain.BookSideAsk, Price: d("0.44"), Quantity: d("3")}},
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	book, ok := c.Books().Book("tok")
	require.True(t, ok)
	require.Eventually(t, func() bool { return book.LastUpdateID() == 2 }, waitFor, tick)

	require.NoError(t, c.HandleOrderUpdate(ctx, domain.OrderStatusMessage{ClientOrderID: "x", Status: "matched"}))
	assert.ErrorIs(t, c.HandleBook(ctx, domain.RawBookMessage{TradingPair: "other"}), domain.ErrNotFound)

	snap, ok := c.Book("tok", 1)
	require.True(t, ok)
	assert.Equal(t, 0.44, snap.BestAsk)
	assert.Len(t, snap.Asks, 1)
	_, ok = c.Book("other", 1)
	assert.False(t, ok)
	assert.Nil(t, c.OpenOrders())

	stats := c.Stats()
	assert.Equal(t, "poly", stats.Name)
	require.Len(t, stats.Books, 1)
	assert.Zero(t, stats.OpenOrders)

	cancel()
	require.NoError(t, <-done)
}

func trackingConnector(t *testing.T, deps Deps, cfg Config) *Connector {
	t.Helper()
	deps.Snapshots = staticSnapshots{}
	deps.Trackers = booktracker.LevelTrackers
	deps.Statuses = inflight.PolymarketStatuses
	cfg.Name = "polymarket"
	cfg.Pairs = []domain.TradingPair{"tok"}
	cfg.TrackOrders = true
	c, err := New(cfg, deps, discard())
	require.NoError(t, err)
	return c
}

func TestRunRestoresReconcilesAndCheckpoints(t *testing.T) {
	store := &memStore{data: map[string]map[string]domain.TrackedOrder{
		"polymarket": {
			"A": {
				ClientOrderID:   "A",
				ExchangeOrderID: "X1",
				TradingPair:     "tok",
				Side:            domain.OrderSideBuy,
				OrderType:       domain.OrderTypeLimit,
				Price:           d("0.5"),
				Amount:          d("10"),
				State:           domain.OrderStateOpen,
			},
			"B": {
				ClientOrderID:   "B",
				ExchangeOrderID: "X2",
				TradingPair:     "tok",
				Side:            domain.OrderSideSell,
				OrderType:       domain.OrderTypeLimit,
				Price:           d("0.6"),
				Amount:          d("5"),
				State:           domain.OrderStateOpen,
			},
		},
	}}
	fetcher := &fakeStatusFetcher{statuses: map[string]domain.OrderStatusMessage{
		"X1": {Status: "matched", ExecutedBase: d("10"), ExecutedQuote: d("5")},
		"X2": {Status: "live"},
	}}
	rec := &inflight.Recorder{}
	lease := &fakeLease{}
	locks := &fakeLocks{lease: lease}

	c := trackingConnector(t, Deps{
		StatusFetcher: fetcher,
		Events:        rec,
		Store:         store,
		Lock:          locks,
	}, Config{RestoreOnStart: true, Poller: inflight.PollerConfig{Interval: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.OfType(domain.OrderEventCompleted)) == 1 }, waitFor, tick)
	_, ok := c.Registry().Get("B")
	assert.True(t, ok, "live order stays tracked")
	_, ok = c.Registry().Get("A")
	assert.False(t, ok, "completed order leaves the registry")

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"registry:polymarket"}, locks.keys)
	assert.True(t, lease.released)
	assert.Equal(t, 1, store.saveCount(), "final checkpoint")
	saved, _ := store.Load(context.Background(), "polymarket")
	assert.Contains(t, saved, "B")
	assert.NotContains(t, saved, "A")
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	c := trackingConnector(t, Deps{
		StatusFetcher: &fakeStatusFetcher{},
		Lock:          &fakeLocks{held: true},
	}, Config{})

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRunStopsWhenLeaseLost(t *testing.T) {
	store := &memStore{}
	lease := &fakeLease{lost: true}
	c := trackingConnector(t, Deps{
		StatusFetcher: &fakeStatusFetcher{},
		Store:         store,
		Lock:          &fakeLocks{lease: lease},
	}, Config{LockTTL: 30 * time.Millisecond, Poller: inflight.PollerConfig{Interval: time.Hour}})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrLockHeld)
	case <-time.After(waitFor):
		t.Fatal("connector kept running without its lease")
	}
	assert.Zero(t, store.saveCount(), "no checkpoint once ownership is lost")
}

func TestHandleOrderUpdateReachesRegistry(t *testing.T) {
	rec := &inflight.Recorder{}
	c := trackingConnector(t, Deps{StatusFetcher: &fakeStatusFetcher{}, Events: rec}, Config{})
	require.NoError(t, c.Registry().StartTracking(inflight.Order{
		ClientOrderID:   "A",
		ExchangeOrderID: "X1",
		TradingPair:     "tok",
		Side:            domain.OrderSideBuy,
		OrderType:       domain.OrderTypeLimit,
		Price:           d("0.5"),
		Amount:          d("2"),
	}))

	open := c.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, "X1", open[0].ExchangeOrderID)

	require.NoError(t, c.HandleOrderUpdate(context.Background(), domain.OrderStatusMessage{
		ExchangeOrderID: "X1",
		Status:          "canceled",
	}))
	assert.Len(t, rec.OfType(domain.OrderEventCancelled), 1)
	assert.Zero(t, c.Stats().OpenOrders)
}

func TestTrackAndAckOrder(t *testing.T) {
	rec := &inflight.Recorder{}
	c := trackingConnector(t, Deps{StatusFetcher: &fakeStatusFetcher{}, Events: rec}, Config{})

	tracked, err := c.TrackOrder(inflight.Order{
		TradingPair: "tok",
		Side:        domain.OrderSideSell,
		Price:       d("0.6"),
		Amount:      d("3"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tracked.ClientOrderID, "ms-S-"), tracked.ClientOrderID)
	assert.Equal(t, domain.OrderStateOpen, tracked.State)
	assert.Equal(t, domain.OrderTypeLimit, tracked.OrderType)

	_, err = c.TrackOrder(inflight.Order{ClientOrderID: tracked.ClientOrderID, TradingPair: "tok", Side: domain.OrderSideSell, Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = c.TrackOrder(inflight.Order{TradingPair: "other", Side: domain.OrderSideBuy, Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	assert.ErrorIs(t, c.AckOrder("nope", "X9"), domain.ErrNotFound)
	assert.ErrorIs(t, c.AckOrder(tracked.ClientOrderID, ""), domain.ErrInvalidOrder)
	require.NoError(t, c.AckOrder(tracked.ClientOrderID, "X9"))

	// Push updates now resolve by the exchange id.
	require.NoError(t, c.HandleOrderUpdate(context.Background(), domain.OrderStatusMessage{
		ExchangeOrderID: "X9",
		Status:          "matched",
		Fills:           []domain.Fill{{FillID: "t1", Price: d("0.6"), Amount: d("3")}},
	}))
	assert.Len(t, rec.OfType(domain.OrderEventFilled), 1)
	assert.Len(t, rec.OfType(domain.OrderEventCompleted), 1)
	assert.Zero(t, c.Stats().OpenOrders)
}

func TestTrackOrderNeedsRegistry(t *testing.T) {
	c, err := New(Config{Name: "poly", Pairs: []domain.TradingPair{"tok"}}, Deps{
		Snapshots: staticSnapshots{},
		Trackers:  booktracker.LevelTrackers,
	}, discard())
	require.NoError(t, err)

	_, err = c.TrackOrder(inflight.Order{TradingPair: "tok", Side: domain.OrderSideBuy, Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrTrackingDisabled)
	assert.ErrorIs(t, c.AckOrder("a", "b"), domain.ErrTrackingDisabled)
}

type countingLimiter struct {
	mu   sync.Mutex
	keys []string
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(_ context.Context, key string, _ int, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return nil
}

func TestLimitedFetcher(t *testing.T) {
	next := &fakeStatusFetcher{statuses: map[string]domain.OrderStatusMessage{"X1": {Status: "live"}}}
	lim := &countingLimiter{}
	f := &limitedFetcher{next: next, limiter: lim, key: "status:kalshi", limit: 10, window: time.Second}

	msg, err := f.FetchStatus(context.Background(), domain.TrackedOrder{ExchangeOrderID: "X1"})
	require.NoError(t, err)
	assert.Equal(t, "live", msg.Status)
	assert.Equal(t, []string{"status:kalshi"}, lim.keys)
	assert.Equal(t, 1, next.calls)
}

type healthCount struct{ n int }

func (h *healthCount) ReportHealth(context.Context, domain.HealthEvent) error {
	h.n++
	return nil
}

func TestHealthFanout(t *testing.T) {
	assert.Nil(t, NewHealthFanout(nil, nil))

	a, b := &healthCount{}, &healthCount{}
	h := NewHealthFanout(a, nil, b)
	require.NoError(t, h.ReportHealth(context.Background(), domain.HealthEvent{Degraded: true}))
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
