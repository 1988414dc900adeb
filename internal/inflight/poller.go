package inflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// StatusFetcher queries the exchange for the current state of one order.
// It returns an error wrapping domain.ErrNotFound when the exchange does
// not know the order.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, o domain.TrackedOrder) (domain.OrderStatusMessage, error)
}

// PollerConfig tunes a Poller. Zero values take defaults.
type PollerConfig struct {
	Interval        time.Duration
	FetchTimeout    time.Duration
	DegradedAfter   int
	CheckpointEvery int
	// NotFoundLimit fails an order after this many consecutive not-found
	// answers. Zero disables it.
	NotFoundLimit int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	return c
}

// Poller reconciles the registry against the exchange on a fixed interval
// and checkpoints it.
type Poller struct {
	registry *Registry
	fetcher  StatusFetcher
	fees     FeeSource
	store    domain.OrderStateStore
	health   domain.HealthSink
	cfg      PollerConfig
	logger   *slog.Logger

	ticks    int
	failures int
	degraded atomic.Bool
	lastErr  error
	notFound map[string]int
}

// NewPoller creates a poller. store and health may be nil.
func NewPoller(
	registry *Registry,
	fetcher StatusFetcher,
	fees FeeSource,
	store domain.OrderStateStore,
	health domain.HealthSink,
	cfg PollerConfig,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		registry: registry,
		fetcher:  fetcher,
		fees:     fees,
		store:    store,
		health:   health,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "order_poller"), slog.String("connector", registry.Connector())),
		notFound: make(map[string]int),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("order poller starting", slog.Duration("interval", p.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("order poller stopped")
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	err := p.PollOnce(ctx)
	switch {
	case err == nil:
		p.recordSuccess(ctx)
	case ctx.Err() != nil:
		return
	default:
		p.recordFailure(ctx, err)
	}

	p.ticks++
	if p.cfg.CheckpointEvery > 0 && p.ticks%p.cfg.CheckpointEvery == 0 {
		if err := p.Checkpoint(ctx); err != nil {
			p.logger.Error("checkpoint failed", slog.String("error", err.Error()))
		}
	}
}

// PollOnce fetches and applies the status of every tracked order that has
// an exchange id, restored orders first. It returns the fetch errors
// joined; every order is attempted regardless.
func (p *Poller) PollOnce(ctx context.Context) error {
	orders := p.registry.Unreconciled()
	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		seen[o.ClientOrderID] = struct{}{}
	}
	for _, o := range p.registry.Open() {
		if _, ok := seen[o.ClientOrderID]; !ok {
			seen[o.ClientOrderID] = struct{}{}
			orders = append(orders, o)
		}
	}
	// Orders finished through the push channel leave their counters behind.
	for id := range p.notFound {
		if _, ok := seen[id]; !ok {
			delete(p.notFound, id)
		}
	}

	var errs []error
	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.ExchangeOrderID == "" {
			p.logger.Debug("order not acknowledged yet, skipping", slog.String("order_id", o.ClientOrderID))
			continue
		}
		if err := p.pollOrder(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) pollOrder(ctx context.Context, o Order) error {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	msg, err := p.fetcher.FetchStatus(fctx, o.Record())
	if errors.Is(err, domain.ErrNotFound) && p.cfg.NotFoundLimit > 0 {
		p.notFound[o.ClientOrderID]++
		if p.notFound[o.ClientOrderID] >= p.cfg.NotFoundLimit {
			delete(p.notFound, o.ClientOrderID)
			return p.registry.Fail(ctx, o.ClientOrderID, "order not found on exchange")
		}
		return nil
	}
	if err != nil {
		p.logger.Warn("fetch order status failed",
			slog.String("order_id", o.ClientOrderID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("inflight: poll %s: %w", o.ClientOrderID, err)
	}
	delete(p.notFound, o.ClientOrderID)

	if msg.ClientOrderID == "" {
		msg.ClientOrderID = o.ClientOrderID
	}
	if msg.ExchangeOrderID == "" {
		msg.ExchangeOrderID = o.ExchangeOrderID
	}
	return p.registry.ApplyOrderUpdate(ctx, msg, p.fees)
}

// Checkpoint saves the registry to the state store.
func (p *Poller) Checkpoint(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	snap := p.registry.Snapshot()
	if err := p.store.Save(ctx, p.registry.Connector(), snap); err != nil {
		return fmt.Errorf("inflight: checkpoint: %w", err)
	}
	p.logger.Debug("registry checkpointed", slog.Int("orders", len(snap)))
	return nil
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	p.failures++
	p.lastErr = err
	if p.failures >= p.cfg.DegradedAfter && !p.degraded.Load() {
		p.degraded.Store(true)
		p.logger.Error("order polling degraded", slog.Int("failures", p.failures), slog.String("error", err.Error()))
		p.report(ctx, true)
	}
}

func (p *Poller) recordSuccess(ctx context.Context) {
	was := p.degraded.Swap(false)
	p.failures = 0
	p.lastErr = nil
	if was {
		p.logger.Info("order polling recovered")
		p.report(ctx, false)
	}
}

// Degraded reports whether polling is currently degraded. It is safe to
// call from any goroutine.
func (p *Poller) Degraded() bool { return p.degraded.Load() }

func (p *Poller) report(ctx context.Context, degraded bool) {
	if p.health == nil {
		return
	}
	ev := domain.HealthEvent{
		Component: "order_poller",
		Connector: p.registry.Connector(),
		Degraded:  degraded,
		Failures:  p.failures,
		Timestamp: time.Now().UTC(),
	}
	if p.lastErr != nil {
		ev.LastError = p.lastErr.Error()
	}
	if err := p.health.ReportHealth(ctx, ev); err != nil {
		p.logger.Error("health sink failed", slog.String("error", err.Error()))
	}
}
