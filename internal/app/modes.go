package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/booktracker"
	"github.com/alanyoungcy/marketsync/internal/connector"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/inflight"
	"github.com/alanyoungcy/marketsync/internal/platform/kalshi"
	"github.com/alanyoungcy/marketsync/internal/platform/polymarket"
	"github.com/alanyoungcy/marketsync/internal/server"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/server/ws"
	"github.com/alanyoungcy/marketsync/internal/wallet"
)

// TrackMode reconstructs books and tracks in-flight orders on every enabled
// exchange.
func (a *App) TrackMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting track mode")
	return a.stream(ctx, deps, true)
}

// BooksMode reconstructs books only. No credentials are needed.
func (a *App) BooksMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting books mode")
	return a.stream(ctx, deps, false)
}

// MigrateMode applies pending database migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Postgres == nil {
		return fmt.Errorf("app: migrate mode requires postgres")
	}
	applied, err := deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations complete",
		slog.Int("applied", len(applied)),
		slog.Any("files", applied),
	)
	return nil
}

// ArchiveMode copies yesterday's (UTC) audit trail to object storage and
// exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires postgres and s3")
	}
	day := time.Now().UTC().AddDate(0, 0, -1)
	n, err := deps.Archiver.ArchiveDay(ctx, day)
	if err != nil {
		return fmt.Errorf("app: archive %s: %w", day.Format(time.DateOnly), err)
	}
	a.logger.InfoContext(ctx, "audit archived",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int64("entries", n),
	)
	return nil
}

// stream builds a connector per enabled exchange and runs them, plus the
// optional status server, until ctx is cancelled or one of them fails.
func (a *App) stream(ctx context.Context, deps *Dependencies, track bool) error {
	var conns []*connector.Connector

	if a.cfg.Polymarket.Enabled {
		c, err := a.buildPolymarket(ctx, deps, track)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}
	if a.cfg.Kalshi.Enabled {
		c, err := a.buildKalshi(deps, track)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}
	if len(conns) == 0 {
		return fmt.Errorf("app: no connectors enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("app: connector %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, conns)
		g.Go(func() error { return srv.Run(gctx) })
	} else if track {
		a.logger.WarnContext(ctx, "server disabled: no order intake, only checkpointed orders are tracked")
	}
	return g.Wait()
}

// buildPolymarket assembles the Polymarket connector: CLOB snapshots, the
// market channel for book diffs and trades, and the user channel plus CLOB
// polling for orders.
func (a *App) buildPolymarket(ctx context.Context, deps *Dependencies, track bool) (*connector.Connector, error) {
	pcfg := a.cfg.Polymarket

	tokenIDs := append([]string(nil), pcfg.TokenIDs...)
	if len(pcfg.MarketSlugs) > 0 {
		resolved, err := polymarket.NewGammaClient(pcfg.GammaHost).ResolveTokenIDs(ctx, pcfg.MarketSlugs)
		if err != nil {
			return nil, fmt.Errorf("app: resolve polymarket slugs: %w", err)
		}
		tokenIDs = appendUnique(tokenIDs, resolved...)
		a.logger.InfoContext(ctx, "polymarket slugs resolved",
			slog.Int("slugs", len(pcfg.MarketSlugs)),
			slog.Int("tokens", len(resolved)),
		)
	}
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("app: polymarket: no token ids to track")
	}

	creds := polymarket.Credentials{
		Address:    pcfg.Address,
		Key:        pcfg.ApiKey,
		Secret:     pcfg.ApiSecret,
		Passphrase: pcfg.ApiPassphrase,
	}
	if track && !creds.Valid() && pcfg.HasWallet() {
		derived, err := a.derivePolymarketCredentials(ctx)
		if err != nil {
			return nil, err
		}
		creds = derived
	}
	clob := polymarket.NewClobClient(pcfg.ClobHost, creds)

	// Polymarket hashes are not gapless. The feed numbers updates in arrival
	// order, so diffs are applied as they come.
	book := a.bookConfig()
	book.Sequenced = false
	book.ReorderWindow = -1

	c, err := connector.New(
		a.connectorConfig("polymarket", toPairs(tokenIDs), book, track),
		a.connectorDeps(deps, clob, booktracker.LevelTrackers, inflight.PolymarketStatuses, clob, pcfg.FeeRateBps),
		a.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	c.AttachFeed(polymarket.NewMarketWSClient(pcfg.WsHost+"/ws/market", tokenIDs, c, a.logger))
	if track && creds.Valid() {
		c.AttachFeed(polymarket.NewUserWSClient(pcfg.WsHost+"/ws/user", creds, nil, c, a.logger))
	}
	return c, nil
}

// derivePolymarketCredentials signs in with the configured wallet key and
// fetches the account's API credentials.
func (a *App) derivePolymarketCredentials(ctx context.Context) (polymarket.Credentials, error) {
	pcfg := a.cfg.Polymarket
	key, err := wallet.KeySource{
		PrivateKey:       pcfg.PrivateKey,
		EncryptedKeyPath: pcfg.EncryptedKeyPath,
		Password:         pcfg.KeyPassword,
	}.Load()
	if err != nil {
		return polymarket.Credentials{}, fmt.Errorf("app: polymarket wallet: %w", err)
	}
	signer := wallet.NewSigner(key, pcfg.ChainID)
	creds, err := polymarket.NewClobClient(pcfg.ClobHost, polymarket.Credentials{}).
		DeriveCredentials(ctx, signer, pcfg.Address, 0)
	if err != nil {
		return polymarket.Credentials{}, fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "polymarket api credentials derived",
		slog.String("signer", signer.Address()),
		slog.String("address", creds.Address),
	)
	return creds, nil
}

// lateHandler lets a feed be built before the connector it delivers into.
type lateHandler struct {
	domain.FeedHandler
}

// buildKalshi assembles the Kalshi connector. The websocket client serves
// both the feed and the snapshots, since Kalshi snapshots arrive by
// resubscribing to the delta channel.
func (a *App) buildKalshi(deps *Dependencies, track bool) (*connector.Connector, error) {
	kcfg := a.cfg.Kalshi

	pem, err := os.ReadFile(kcfg.RsaPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("app: read kalshi private key: %w", err)
	}
	signer, err := kalshi.NewSigner(kcfg.ApiKey, pem)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	late := &lateHandler{}
	wsClient := kalshi.NewWSClient(kcfg.WsURL, signer, kcfg.Tickers, track, late, a.logger)

	// Kalshi sequence numbers are gapless per subscription.
	book := a.bookConfig()
	book.Sequenced = true

	c, err := connector.New(
		a.connectorConfig("kalshi", toPairs(kcfg.Tickers), book, track),
		a.connectorDeps(deps, wsClient, booktracker.LevelTrackers, inflight.KalshiStatuses, kalshi.NewClient(kcfg.BaseURL, signer), kcfg.FeeRateBps),
		a.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	late.FeedHandler = c
	c.AttachFeed(wsClient)
	return c, nil
}

func (a *App) bookConfig() booktracker.Config {
	t := a.cfg.Tracker
	return booktracker.Config{
		SnapshotTimeout:  t.SnapshotTimeout.Duration,
		RetryInterval:    t.RetryInterval.Duration,
		DegradedAfter:    t.DegradedAfter,
		GapTimeout:       t.GapTimeout.Duration,
		MaxBufferedDiffs: t.MaxBufferedDiffs,
		MirrorDepth:      t.MirrorDepth,
		ChannelSize:      t.ChannelSize,
	}
}

func (a *App) connectorConfig(name string, pairs []domain.TradingPair, book booktracker.Config, track bool) connector.Config {
	o := a.cfg.Orders
	return connector.Config{
		Name:        name,
		Pairs:       pairs,
		Book:        book,
		TrackOrders: track,
		Poller: inflight.PollerConfig{
			Interval:        o.PollInterval.Duration,
			FetchTimeout:    o.FetchTimeout.Duration,
			DegradedAfter:   o.DegradedAfter,
			CheckpointEvery: o.CheckpointEvery,
			NotFoundLimit:   o.NotFoundLimit,
		},
		TerminalMemory:   o.TerminalMemory,
		RestoreOnStart:   o.RestoreOnStart,
		LockTTL:          o.LockTTL.Duration,
		StatusRateLimit:  o.StatusRateLimit,
		StatusRateWindow: o.StatusRateWindow.Duration,
	}
}

// connectorDeps fills connector.Deps from the wired infrastructure. Nil
// pointers are left out so the connector sees untyped nil interfaces.
func (a *App) connectorDeps(
	deps *Dependencies,
	snapshots booktracker.SnapshotFetcher,
	trackers booktracker.TrackerFactory,
	statuses inflight.StatusTable,
	fetcher inflight.StatusFetcher,
	feeBps int,
) connector.Deps {
	d := connector.Deps{
		Snapshots:     snapshots,
		Trackers:      trackers,
		Statuses:      statuses,
		StatusFetcher: fetcher,
		Fees:          feeRate(feeBps),
		Store:         deps.OrderStore,
	}

	d.Events = inflight.NewMultiSink(a.logger, eventSinks(deps)...)
	d.Health = connector.NewHealthFanout(healthSinks(deps)...)

	if deps.BookCache != nil {
		d.Mirror = deps.BookCache
	}
	if deps.PriceCache != nil {
		d.Trades = deps.PriceCache
	}
	if deps.LockManager != nil {
		d.Lock = deps.LockManager
	}
	if deps.RateLimiter != nil {
		d.Limiter = deps.RateLimiter
	}
	return d
}

func eventSinks(deps *Dependencies) []inflight.EventSink {
	var sinks []inflight.EventSink
	if deps.SignalBus != nil {
		sinks = append(sinks, deps.SignalBus)
	}
	if deps.AuditStore != nil {
		sinks = append(sinks, deps.AuditStore)
	}
	if deps.Notifier != nil {
		sinks = append(sinks, deps.Notifier)
	}
	return sinks
}

func healthSinks(deps *Dependencies) []domain.HealthSink {
	var sinks []domain.HealthSink
	if deps.SignalBus != nil {
		sinks = append(sinks, deps.SignalBus)
	}
	if deps.AuditStore != nil {
		sinks = append(sinks, deps.AuditStore)
	}
	if deps.Notifier != nil {
		sinks = append(sinks, deps.Notifier)
	}
	return sinks
}

// feeRate converts basis points to a flat fee source. Zero means fills
// without a reported fee are recorded fee-free.
func feeRate(bps int) inflight.FeeSource {
	if bps <= 0 {
		return nil
	}
	return inflight.FeeRate(decimal.New(int64(bps), -4))
}

// buildServer assembles the status API over the running connectors.
func (a *App) buildServer(deps *Dependencies, conns []*connector.Connector) *server.Server {
	sources := make([]handler.ConnectorSource, 0, len(conns))
	names := make([]string, 0, len(conns))
	for _, c := range conns {
		sources = append(sources, c)
		names = append(names, c.Name())
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(sources),
		Connectors: handler.NewConnectorHandler(sources, a.logger),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if deps.BookCache != nil && deps.PriceCache != nil {
		handlers.Market = handler.NewMarketHandler(deps.BookCache, deps.PriceCache, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:       a.cfg.Mode,
			Connectors: names,
			StartedAt:  time.Now().UTC(),
		})
	}

	var limiter domain.RateLimiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Second,
	}, handlers, hub, limiter, a.logger)
}

func toPairs(ids []string) []domain.TradingPair {
	out := make([]domain.TradingPair, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.TradingPair(id))
	}
	return out
}

func appendUnique(dst []string, more ...string) []string {
	seen := make(map[string]struct{}, len(dst)+len(more))
	for _, s := range dst {
		seen[s] = struct{}{}
	}
	for _, s := range more {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}
