// Package connector composes the book reconstruction engine and the
// in-flight order registry of one exchange into a runnable unit, and is
// the FeedHandler its websocket feeds deliver into.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/booktracker"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/inflight"
)

// clientIDPrefix prefixes client order ids generated on intake.
const clientIDPrefix = "ms"

// Feed is a long-running exchange stream. Run returns nil once ctx is
// cancelled.
type Feed interface {
	Run(ctx context.Context) error
}

// Config tunes a Connector.
type Config struct {
	Name  string
	Pairs []domain.TradingPair
	Book  booktracker.Config

	// TrackOrders enables the registry and the poller.
	TrackOrders    bool
	Poller         inflight.PollerConfig
	TerminalMemory int
	RestoreOnStart bool

	// LockTTL is the lifetime of the registry ownership lease. It is
	// renewed every LockTTL/3.
	LockTTL time.Duration

	// StatusRateLimit caps status requests per StatusRateWindow across
	// every process sharing the limiter. Zero disables it.
	StatusRateLimit  int
	StatusRateWindow time.Duration

	CheckpointTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.StatusRateWindow <= 0 {
		c.StatusRateWindow = time.Second
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = 10 * time.Second
	}
	return c
}

// Deps are the exchange-specific and infrastructure collaborators. Only
// Snapshots and Trackers are required; StatusFetcher and Statuses are
// required when orders are tracked. Every other field may be nil.
type Deps struct {
	Snapshots booktracker.SnapshotFetcher
	Trackers  booktracker.TrackerFactory

	Statuses      inflight.StatusTable
	StatusFetcher inflight.StatusFetcher
	Fees          inflight.FeeSource

	Events inflight.EventSink
	Health domain.HealthSink
	Mirror booktracker.BookMirror
	Trades booktracker.TradeSink
	Store  domain.OrderStateStore

	Lock    domain.LockManager
	Limiter domain.RateLimiter
}

// Connector runs the books and orders of one exchange.
type Connector struct {
	cfg      Config
	deps     Deps
	manager  *booktracker.Manager
	registry *inflight.Registry
	poller   *inflight.Poller
	feeds    []Feed
	logger   *slog.Logger
}

// New builds a Connector and registers a coordinator per configured pair.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Connector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("connector: name is required")
	}
	if deps.Snapshots == nil || deps.Trackers == nil {
		return nil, fmt.Errorf("connector %s: snapshot fetcher and tracker factory are required", cfg.Name)
	}
	cfg = cfg.withDefaults()

	c := &Connector{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "connector"), slog.String("connector", cfg.Name)),
	}

	c.manager = booktracker.NewManager(cfg.Name, deps.Snapshots, deps.Trackers, cfg.Book, booktracker.Sinks{
		Mirror: deps.Mirror,
		Health: deps.Health,
		Trades: deps.Trades,
	}, logger)
	for _, pair := range cfg.Pairs {
		if _, err := c.manager.Add(pair); err != nil {
			return nil, fmt.Errorf("connector %s: %w", cfg.Name, err)
		}
	}

	if cfg.TrackOrders {
		if deps.StatusFetcher == nil || deps.Statuses == nil {
			return nil, fmt.Errorf("connector %s: order tracking needs a status fetcher and status table", cfg.Name)
		}
		sink := deps.Events
		if sink == nil {
			sink = inflight.NewMultiSink(logger)
		}
		c.registry = inflight.NewRegistry(cfg.Name, deps.Statuses, sink, cfg.TerminalMemory, logger)

		var fetcher inflight.StatusFetcher = deps.StatusFetcher
		if deps.Limiter != nil && cfg.StatusRateLimit > 0 {
			fetcher = &limitedFetcher{
				next:    deps.StatusFetcher,
				limiter: deps.Limiter,
				key:     "status:" + cfg.Name,
				limit:   cfg.StatusRateLimit,
				window:  cfg.StatusRateWindow,
			}
		}
		c.poller = inflight.NewPoller(c.registry, fetcher, deps.Fees, deps.Store, deps.Health, cfg.Poller, logger)
	}
	return c, nil
}

// Name returns the connector name.
func (c *Connector) Name() string { return c.cfg.Name }

// Books returns the book manager.
func (c *Connector) Books() *booktracker.Manager { return c.manager }

// Registry returns the order registry, or nil when orders are not tracked.
func (c *Connector) Registry() *inflight.Registry { return c.registry }

// AttachFeed adds a feed to be run alongside the connector. It must be
// called before Run.
func (c *Connector) AttachFeed(f Feed) {
	c.feeds = append(c.feeds, f)
}

// HandleBook routes a book message to its pair's coordinator.
func (c *Connector) HandleBook(ctx context.Context, msg domain.RawBookMessage) error {
	return c.manager.Route(ctx, msg)
}

// HandleTrade routes a public trade to its pair's coordinator.
func (c *Connector) HandleTrade(ctx context.Context, msg domain.RawTradeMessage) error {
	return c.manager.RouteTrade(ctx, msg)
}

// HandleOrderUpdate applies a pushed order status. It is a no-op when
// orders are not tracked.
func (c *Connector) HandleOrderUpdate(ctx context.Context, msg domain.OrderStatusMessage) error {
	if c.registry == nil {
		return nil
	}
	return c.registry.ApplyOrderUpdate(ctx, msg, c.deps.Fees)
}

// Run takes ownership of the registry, restores it, and runs the books,
// the poller and every feed until ctx is cancelled or one of them fails.
// A final checkpoint is written on the way out.
func (c *Connector) Run(ctx context.Context) error {
	var lease domain.Lease
	if c.registry != nil && c.deps.Lock != nil {
		l, err := c.deps.Lock.Acquire(ctx, "registry:"+c.cfg.Name, c.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("connector %s: acquire registry lock: %w", c.cfg.Name, err)
		}
		lease = l
		defer lease.Release()
	}

	if c.registry != nil && c.cfg.RestoreOnStart && c.deps.Store != nil {
		if err := c.restore(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("connector starting",
		slog.Int("pairs", len(c.cfg.Pairs)),
		slog.Int("feeds", len(c.feeds)),
		slog.Bool("track_orders", c.registry != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.manager.Run(gctx) })
	for _, f := range c.feeds {
		g.Go(func() error { return f.Run(gctx) })
	}
	if c.poller != nil {
		g.Go(func() error { return c.poller.Run(gctx) })
	}
	if lease != nil {
		g.Go(func() error { return c.keepalive(gctx, lease) })
	}
	err := g.Wait()

	// After losing the lease another process owns the checkpoint.
	if c.poller != nil && !errors.Is(err, domain.ErrLockHeld) {
		cctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckpointTimeout)
		if cerr := c.poller.Checkpoint(cctx); cerr != nil {
			c.logger.Error("final checkpoint failed", slog.String("error", cerr.Error()))
		}
		cancel()
	}
	c.logger.Info("connector stopped")
	return err
}

// restore loads the last checkpoint and reconciles the restored orders
// once before the feeds start.
func (c *Connector) restore(ctx context.Context) error {
	records, err := c.deps.Store.Load(ctx, c.cfg.Name)
	if err != nil {
		return fmt.Errorf("connector %s: load checkpoint: %w", c.cfg.Name, err)
	}
	if n := c.registry.Restore(records); n == 0 {
		return nil
	}
	if err := c.poller.PollOnce(ctx); err != nil {
		c.logger.Warn("initial reconcile incomplete", slog.String("error", err.Error()))
	}
	return nil
}

// keepalive renews the lease until ctx ends. Losing the lease stops the
// connector so two processes never drive one registry.
func (c *Connector) keepalive(ctx context.Context, lease domain.Lease) error {
	ticker := time.NewTicker(c.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := lease.Extend(ctx, c.cfg.LockTTL)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLockHeld):
				return fmt.Errorf("connector %s: registry lock lost: %w", c.cfg.Name, err)
			case ctx.Err() != nil:
				return nil
			default:
				c.logger.Warn("lock renewal failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stats is a point-in-time view for status endpoints.
type Stats struct {
	Name           string               `json:"name"`
	Books          []booktracker.Status `json:"books"`
	OpenOrders     int                  `json:"open_orders"`
	OrdersDegraded bool                 `json:"orders_degraded"`
}

// Stats returns the current book statuses and order counts.
func (c *Connector) Stats() Stats {
	s := Stats{Name: c.cfg.Name, Books: c.manager.Statuses()}
	if c.registry != nil {
		s.OpenOrders = c.registry.Len()
	}
	if c.poller != nil {
		s.OrdersDegraded = c.poller.Degraded()
	}
	return s
}

// Book renders the top depth levels of pair. It reports false for an
// unknown pair or a book that has not been initialised yet.
func (c *Connector) Book(pair domain.TradingPair, depth int) (domain.OrderbookSnapshot, bool) {
	b, ok := c.manager.Book(pair)
	if !ok || !b.Initialized() {
		return domain.OrderbookSnapshot{}, false
	}
	return b.Snapshot(depth), true
}

// OpenOrders returns the tracked orders sorted by creation time.
func (c *Connector) OpenOrders() []domain.TrackedOrder {
	if c.registry == nil {
		return nil
	}
	open := c.registry.Open()
	out := make([]domain.TrackedOrder, 0, len(open))
	for i := range open {
		out = append(out, open[i].Record())
	}
	return out
}

// TrackOrder registers an order the strategy layer has submitted. An empty
// client id is generated. The pair must be one the connector follows.
func (c *Connector) TrackOrder(o inflight.Order) (domain.TrackedOrder, error) {
	if c.registry == nil {
		return domain.TrackedOrder{}, fmt.Errorf("connector %s: track order: %w", c.cfg.Name, domain.ErrTrackingDisabled)
	}
	if !slices.Contains(c.cfg.Pairs, o.TradingPair) {
		return domain.TrackedOrder{}, fmt.Errorf("connector %s: track order: unknown pair %q: %w", c.cfg.Name, o.TradingPair, domain.ErrInvalidOrder)
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = inflight.NewClientOrderID(clientIDPrefix, o.Side)
	}
	if err := c.registry.StartTracking(o); err != nil {
		return domain.TrackedOrder{}, fmt.Errorf("connector %s: %w", c.cfg.Name, err)
	}
	tracked, _ := c.registry.Get(o.ClientOrderID)
	return tracked.Record(), nil
}

// AckOrder records the exchange id assigned to a tracked order.
func (c *Connector) AckOrder(clientID, exchangeID string) error {
	if c.registry == nil {
		return fmt.Errorf("connector %s: ack order: %w", c.cfg.Name, domain.ErrTrackingDisabled)
	}
	if exchangeID == "" {
		return fmt.Errorf("connector %s: ack order %s: empty exchange id: %w", c.cfg.Name, clientID, domain.ErrInvalidOrder)
	}
	if err := c.registry.SetExchangeOrderID(clientID, exchangeID); err != nil {
		return fmt.Errorf("connector %s: %w", c.cfg.Name, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FeedHandler = (*Connector)(nil)
