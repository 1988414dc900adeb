package booktracker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/orderbook"
	"github.com/alanyoungcy/marketsync/internal/tracker"
)

// TrackerFactory builds the venue-specific tracker for a pair.
type TrackerFactory func(pair domain.TradingPair, logger *slog.Logger) tracker.ActiveOrderTracker

// LevelTrackers is the factory for price-aggregated feeds.
func LevelTrackers(pair domain.TradingPair, logger *slog.Logger) tracker.ActiveOrderTracker {
	return tracker.NewLevelTracker(pair, logger)
}

// OrderTrackers is the factory for order-granular feeds.
func OrderTrackers(pair domain.TradingPair, logger *slog.Logger) tracker.ActiveOrderTracker {
	return tracker.NewOrderTracker(pair, logger)
}

// Manager owns the coordinators of one connector.
type Manager struct {
	connector  string
	cfg        Config
	fetcher    SnapshotFetcher
	newTracker TrackerFactory
	sinks      Sinks
	logger     *slog.Logger

	mu      sync.RWMutex
	coords  map[domain.TradingPair]*Coordinator
	running bool
}

// NewManager creates an empty manager.
func NewManager(connector string, fetcher SnapshotFetcher, newTracker TrackerFactory, cfg Config, sinks Sinks, logger *slog.Logger) *Manager {
	return &Manager{
		connector:  connector,
		cfg:        cfg,
		fetcher:    fetcher,
		newTracker: newTracker,
		sinks:      sinks,
		logger:     logger,
		coords:     make(map[domain.TradingPair]*Coordinator),
	}
}

// Add registers a pair. Pairs must be added before Run.
func (m *Manager) Add(pair domain.TradingPair) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil, fmt.Errorf("booktracker: add %s: manager already running", pair)
	}
	if _, ok := m.coords[pair]; ok {
		return nil, fmt.Errorf("booktracker: add %s: %w", pair, domain.ErrAlreadyExists)
	}
	c := NewCoordinator(m.connector, pair, m.newTracker(pair, m.logger), m.fetcher, m.cfg, m.sinks, m.logger)
	m.coords[pair] = c
	return c, nil
}

// Pairs returns the registered pairs in sorted order.
func (m *Manager) Pairs() []domain.TradingPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.TradingPair, 0, len(m.coords))
	for p := range m.coords {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) coordinator(pair domain.TradingPair) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coords[pair]
	return c, ok
}

// Book returns the book for pair.
func (m *Manager) Book(pair domain.TradingPair) (*orderbook.Book, bool) {
	c, ok := m.coordinator(pair)
	if !ok {
		return nil, false
	}
	return c.Book(), true
}

// Status returns the coordinator status for pair.
func (m *Manager) Status(pair domain.TradingPair) (Status, bool) {
	c, ok := m.coordinator(pair)
	if !ok {
		return Status{}, false
	}
	return c.Status(), true
}

// Statuses returns every coordinator status, sorted by pair.
func (m *Manager) Statuses() []Status {
	pairs := m.Pairs()
	out := make([]Status, 0, len(pairs))
	for _, p := range pairs {
		if st, ok := m.Status(p); ok {
			out = append(out, st)
		}
	}
	return out
}

// Route delivers a book message to its pair's coordinator.
func (m *Manager) Route(ctx context.Context, msg domain.RawBookMessage) error {
	c, ok := m.coordinator(msg.TradingPair)
	if !ok {
		return fmt.Errorf("booktracker: route %s: %w", msg.TradingPair, domain.ErrNotFound)
	}
	return c.SubmitBook(ctx, msg)
}

// RouteTrade delivers a trade to its pair's coordinator.
func (m *Manager) RouteTrade(ctx context.Context, msg domain.RawTradeMessage) error {
	c, ok := m.coordinator(msg.TradingPair)
	if !ok {
		return fmt.Errorf("booktracker: route trade %s: %w", msg.TradingPair, domain.ErrNotFound)
	}
	return c.SubmitTrade(ctx, msg)
}

// Run runs every coordinator until ctx is cancelled or one fails.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	m.logger.Info("book manager starting",
		slog.String("connector", m.connector),
		slog.Int("pairs", len(coords)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range coords {
		g.Go(func() error { return c.Run(gctx) })
	}
	return g.Wait()
}
