// Package booktracker keeps one local order book per trading pair in sync
// with a venue: it bootstraps from a snapshot, buffers and orders diffs,
// and re-bootstraps when a sequenced feed leaves a gap open too long.
package booktracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/orderbook"
	"github.com/alanyoungcy/marketsync/internal/tracker"
)

// SnapshotFetcher fetches a full book for one pair from the venue.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, pair domain.TradingPair) (domain.RawBookMessage, error)
}

// BookMirror receives the top of the book after every applied mutation.
// The Redis orderbook cache satisfies it.
type BookMirror interface {
	SetSnapshot(ctx context.Context, assetID string, snap domain.OrderbookSnapshot) error
}

// TradeSink receives validated public trades.
type TradeSink interface {
	RecordTrade(ctx context.Context, t domain.Trade) error
}

// Sinks are the optional outbound collaborators of a coordinator.
type Sinks struct {
	Mirror BookMirror
	Health domain.HealthSink
	Trades TradeSink
}

// Config tunes a coordinator. Zero values take the defaults below.
type Config struct {
	// Sequenced means update ids are gapless, so a diff ahead of last+1 is
	// held until the gap fills.
	Sequenced       bool
	SnapshotTimeout time.Duration
	RetryInterval   time.Duration
	DegradedAfter   int
	GapTimeout      time.Duration
	// ReorderWindow holds diffs of an unsequenced feed this long so that
	// late arrivals are still applied in id order. Negative applies each
	// diff as it arrives.
	ReorderWindow time.Duration
	// MaxBufferedDiffs caps the diffs held at once. Zero is unbounded.
	MaxBufferedDiffs int
	MirrorDepth      int
	ChannelSize      int
}

func (c Config) withDefaults() Config {
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 10 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = 5 * time.Second
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = 50 * time.Millisecond
	}
	if c.MirrorDepth <= 0 {
		c.MirrorDepth = 20
	}
	if c.ChannelSize <= 0 {
		c.ChannelSize = 1024
	}
	return c
}

// Status is a read-only view of a coordinator's health.
type Status struct {
	TradingPair  domain.TradingPair `json:"trading_pair"`
	Initialized  bool               `json:"initialized"`
	LastUpdateID uint64             `json:"last_update_id"`
	Buffered     int                `json:"buffered"`
	Degraded     bool               `json:"degraded"`
	Failures     int                `json:"failures"`
	LastError    string             `json:"last_error,omitempty"`
}

type snapshotResult struct {
	msg domain.RawBookMessage
	err error
}

// Coordinator owns one pair's book. Run is the only goroutine that mutates
// the book or the tracker.
type Coordinator struct {
	connector string
	pair      domain.TradingPair
	cfg       Config
	tracker   tracker.ActiveOrderTracker
	fetcher   SnapshotFetcher
	sinks     Sinks
	book      *orderbook.Book
	stats     *TradeStats
	logger    *slog.Logger

	diffs  chan domain.RawBookMessage
	trades chan domain.RawTradeMessage

	// Owned by Run.
	pending       map[uint64]domain.RawBookMessage
	gapSince      time.Time
	needsSnapshot bool
	fetching      bool
	reorderC      <-chan time.Time
	// minSnapshotID is the lowest snapshot that may bootstrap the book
	// after buffered diffs were discarded.
	minSnapshotID uint64
	failures      int
	degraded      bool
	lastErr       error

	statusMu sync.RWMutex
	status   Status
}

// NewCoordinator wires a coordinator for pair. Nothing runs until Run.
func NewCoordinator(
	connector string,
	pair domain.TradingPair,
	tr tracker.ActiveOrderTracker,
	fetcher SnapshotFetcher,
	cfg Config,
	sinks Sinks,
	logger *slog.Logger,
) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		connector:     connector,
		pair:          pair,
		cfg:           cfg,
		tracker:       tr,
		fetcher:       fetcher,
		sinks:         sinks,
		book:          orderbook.NewBook(pair),
		stats:         &TradeStats{},
		logger:        logger.With(slog.String("component", "book_coordinator"), slog.String("connector", connector), slog.String("pair", string(pair))),
		diffs:         make(chan domain.RawBookMessage, cfg.ChannelSize),
		trades:        make(chan domain.RawTradeMessage, cfg.ChannelSize),
		pending:       make(map[uint64]domain.RawBookMessage),
		needsSnapshot: true,
		status:        Status{TradingPair: pair},
	}
}

// TradingPair returns the pair this coordinator tracks.
func (c *Coordinator) TradingPair() domain.TradingPair { return c.pair }

// Book returns the book. Readers must only use its query methods.
func (c *Coordinator) Book() *orderbook.Book { return c.book }

// TradeStats returns the running trade totals.
func (c *Coordinator) TradeStats() TradeStatsSnapshot { return c.stats.Snapshot() }

// Diffs exposes the inbound book message channel.
func (c *Coordinator) Diffs() chan<- domain.RawBookMessage { return c.diffs }

// Trades exposes the inbound trade channel.
func (c *Coordinator) Trades() chan<- domain.RawTradeMessage { return c.trades }

// SubmitBook queues a snapshot or diff, blocking until there is room or
// ctx is done.
func (c *Coordinator) SubmitBook(ctx context.Context, msg domain.RawBookMessage) error {
	select {
	case c.diffs <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("booktracker: submit %s: %w", c.pair, ctx.Err())
	}
}

// SubmitTrade queues a trade, blocking until there is room or ctx is done.
func (c *Coordinator) SubmitTrade(ctx context.Context, msg domain.RawTradeMessage) error {
	select {
	case c.trades <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("booktracker: submit trade %s: %w", c.pair, ctx.Err())
	}
}

// Status returns the last published status.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Run bootstraps the book and processes messages until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	results := make(chan snapshotResult, 1)
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	c.logger.Info("book coordinator starting", slog.Bool("sequenced", c.cfg.Sequenced))
	c.startFetch(ctx, results)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("book coordinator stopped")
			return nil

		case res := <-results:
			c.fetching = false
			c.handleFetched(ctx, res)

		case msg := <-c.diffs:
			c.handleBookMessage(ctx, msg, results)

		case raw := <-c.trades:
			c.handleTrade(ctx, raw)

		case <-c.reorderC:
			c.reorderC = nil
			c.drainPending(ctx)

		case <-ticker.C:
			c.checkGap(ctx, results)
			if c.needsSnapshot {
				c.startFetch(ctx, results)
			}
		}
		c.publishStatus()
	}
}

// startFetch launches at most one snapshot request. The result comes back
// to Run over results so the book is only touched by the loop.
func (c *Coordinator) startFetch(ctx context.Context, results chan<- snapshotResult) {
	if c.fetching {
		return
	}
	c.fetching = true
	go func() {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
		defer cancel()
		msg, err := c.fetcher.FetchSnapshot(fctx, c.pair)
		results <- snapshotResult{msg: msg, err: err}
	}()
}

func (c *Coordinator) handleFetched(ctx context.Context, res snapshotResult) {
	if res.err != nil {
		if ctx.Err() != nil {
			return
		}
		c.recordFailure(ctx, fmt.Errorf("booktracker: fetch snapshot: %w", res.err))
		return
	}
	if c.book.Initialized() && res.msg.UpdateID < c.book.LastUpdateID() {
		c.logger.Debug("fetched snapshot older than book, ignoring",
			slog.Uint64("snapshot_id", res.msg.UpdateID),
			slog.Uint64("last_update_id", c.book.LastUpdateID()),
		)
		// The book is current unless a gap is still waiting on a resync.
		if len(c.pending) == 0 {
			c.needsSnapshot = false
		}
		c.recordSuccess(ctx)
		return
	}
	if err := c.applySnapshot(ctx, res.msg); err != nil {
		c.recordFailure(ctx, err)
		return
	}
	c.recordSuccess(ctx)
}

func (c *Coordinator) handleBookMessage(ctx context.Context, msg domain.RawBookMessage, results chan<- snapshotResult) {
	switch msg.Type {
	case domain.BookMessageSnapshot:
		if c.book.Initialized() && msg.UpdateID < c.book.LastUpdateID() {
			c.logger.Debug("stale feed snapshot dropped", slog.Uint64("update_id", msg.UpdateID))
			return
		}
		if err := c.applySnapshot(ctx, msg); err != nil {
			c.logger.Warn("feed snapshot rejected", slog.String("error", err.Error()))
		}
	case domain.BookMessageDiff, "":
		c.handleDiff(ctx, msg, results)
	default:
		c.logger.Warn("unexpected book message type", slog.String("type", string(msg.Type)))
	}
}

func (c *Coordinator) handleDiff(ctx context.Context, msg domain.RawBookMessage, results chan<- snapshotResult) {
	if !c.book.Initialized() {
		c.buffer(msg)
		return
	}

	last := c.book.LastUpdateID()
	if msg.UpdateID <= last {
		c.logger.Debug("stale diff dropped",
			slog.Uint64("update_id", msg.UpdateID),
			slog.Uint64("last_update_id", last),
		)
		return
	}

	if !c.cfg.Sequenced && c.cfg.ReorderWindow > 0 {
		c.hold(ctx, msg)
		return
	}

	if c.cfg.Sequenced && msg.UpdateID > last+1 {
		c.pending[msg.UpdateID] = msg
		if c.gapSince.IsZero() {
			c.gapSince = time.Now()
			c.logger.Debug("sequence gap opened",
				slog.Uint64("expected", last+1),
				slog.Uint64("got", msg.UpdateID),
			)
		}
		if c.cfg.MaxBufferedDiffs > 0 && len(c.pending) > c.cfg.MaxBufferedDiffs {
			c.resync(ctx, results, "reorder buffer overflow")
		}
		return
	}

	c.applyDiff(ctx, msg)
	c.drainPending(ctx)
}

// buffer holds a diff that arrived before the book was bootstrapped. On
// overflow the whole buffer is discarded and only a snapshot at or past the
// newest discarded id may bootstrap the book.
func (c *Coordinator) buffer(msg domain.RawBookMessage) {
	c.pending[msg.UpdateID] = msg
	if c.cfg.MaxBufferedDiffs <= 0 || len(c.pending) <= c.cfg.MaxBufferedDiffs {
		return
	}
	ids := c.pendingIDs()
	c.minSnapshotID = max(c.minSnapshotID, ids[len(ids)-1])
	clear(c.pending)
	c.logger.Warn("pre-snapshot buffer overflow, discarding buffered diffs",
		slog.Int("discarded", len(ids)),
		slog.Uint64("min_snapshot_id", c.minSnapshotID),
		slog.Int("max_buffered", c.cfg.MaxBufferedDiffs),
	)
}

// hold parks an unsequenced diff until the reorder window closes, or
// applies everything held once the buffer is full.
func (c *Coordinator) hold(ctx context.Context, msg domain.RawBookMessage) {
	c.pending[msg.UpdateID] = msg
	if c.cfg.MaxBufferedDiffs > 0 && len(c.pending) >= c.cfg.MaxBufferedDiffs {
		c.reorderC = nil
		c.drainPending(ctx)
		return
	}
	if c.reorderC == nil {
		c.reorderC = time.After(c.cfg.ReorderWindow)
	}
}

func (c *Coordinator) pendingIDs() []uint64 {
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// drainPending discards buffered diffs the book already reflects and
// applies the rest in ascending order. In sequenced mode it stops at the
// first gap.
func (c *Coordinator) drainPending(ctx context.Context) {
	for _, id := range c.pendingIDs() {
		last := c.book.LastUpdateID()
		if id <= last {
			delete(c.pending, id)
			continue
		}
		if c.cfg.Sequenced && id > last+1 {
			break
		}
		msg := c.pending[id]
		delete(c.pending, id)
		c.applyDiff(ctx, msg)
	}
	if len(c.pending) == 0 {
		c.gapSince = time.Time{}
	} else if c.cfg.Sequenced && c.gapSince.IsZero() {
		c.gapSince = time.Now()
	}
}

func (c *Coordinator) applyDiff(ctx context.Context, msg domain.RawBookMessage) {
	rows, err := c.tracker.Diff(msg)
	if err != nil {
		c.logger.Warn("diff rejected",
			slog.Uint64("update_id", msg.UpdateID),
			slog.String("error", err.Error()),
		)
		return
	}
	if c.book.ApplyDiff(rows) {
		c.mirror(ctx)
	}
}

func (c *Coordinator) applySnapshot(ctx context.Context, msg domain.RawBookMessage) error {
	if msg.UpdateID < c.minSnapshotID {
		return fmt.Errorf("booktracker: snapshot %d predates discarded diffs up to %d: %w",
			msg.UpdateID, c.minSnapshotID, domain.ErrStaleMessage)
	}
	rows, err := c.tracker.Snapshot(msg)
	if err != nil {
		return fmt.Errorf("booktracker: apply snapshot: %w", err)
	}
	first := !c.book.Initialized()
	if !c.book.ApplySnapshot(rows) {
		return fmt.Errorf("booktracker: snapshot %d behind book: %w", rows.UpdateID, domain.ErrStaleMessage)
	}
	c.needsSnapshot = false
	c.gapSince = time.Time{}
	c.minSnapshotID = 0
	if first {
		c.logger.Info("book bootstrapped",
			slog.Uint64("update_id", rows.UpdateID),
			slog.Int("buffered", len(c.pending)),
		)
	}
	c.drainPending(ctx)
	c.mirror(ctx)
	return nil
}

func (c *Coordinator) checkGap(ctx context.Context, results chan<- snapshotResult) {
	if !c.cfg.Sequenced || c.gapSince.IsZero() {
		return
	}
	if time.Since(c.gapSince) >= c.cfg.GapTimeout {
		c.resync(ctx, results, "sequence gap timeout")
	}
}

// resync requests a fresh snapshot. Buffered diffs are kept; whatever the
// new snapshot already covers is discarded when it lands.
func (c *Coordinator) resync(ctx context.Context, results chan<- snapshotResult, reason string) {
	c.logger.Warn("re-bootstrapping book",
		slog.String("reason", reason),
		slog.Uint64("last_update_id", c.book.LastUpdateID()),
		slog.Int("buffered", len(c.pending)),
	)
	c.gapSince = time.Time{}
	c.needsSnapshot = true
	c.startFetch(ctx, results)
}

func (c *Coordinator) handleTrade(ctx context.Context, raw domain.RawTradeMessage) {
	trade, err := c.tracker.Trade(raw)
	if err != nil {
		c.logger.Warn("trade rejected", slog.String("error", err.Error()))
		return
	}
	c.stats.Record(trade)
	if c.sinks.Trades == nil {
		return
	}
	if err := c.sinks.Trades.RecordTrade(ctx, trade); err != nil {
		c.logger.Error("trade sink failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) mirror(ctx context.Context) {
	if c.sinks.Mirror == nil {
		return
	}
	if err := c.sinks.Mirror.SetSnapshot(ctx, string(c.pair), c.book.Snapshot(c.cfg.MirrorDepth)); err != nil {
		c.logger.Error("book mirror failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, err error) {
	c.failures++
	c.lastErr = err
	c.logger.Warn("snapshot failed, will retry",
		slog.Int("failures", c.failures),
		slog.Duration("retry_in", c.cfg.RetryInterval),
		slog.String("error", err.Error()),
	)
	if c.failures >= c.cfg.DegradedAfter && !c.degraded {
		c.degraded = true
		c.logger.Error("book degraded", slog.Int("failures", c.failures))
		c.reportHealth(ctx, true)
	}
}

func (c *Coordinator) recordSuccess(ctx context.Context) {
	wasDegraded := c.degraded
	c.failures = 0
	c.lastErr = nil
	c.degraded = false
	if wasDegraded {
		c.logger.Info("book recovered")
		c.reportHealth(ctx, false)
	}
}

func (c *Coordinator) reportHealth(ctx context.Context, degraded bool) {
	if c.sinks.Health == nil {
		return
	}
	ev := domain.HealthEvent{
		Component:   "book_coordinator",
		Connector:   c.connector,
		TradingPair: string(c.pair),
		Degraded:    degraded,
		Failures:    c.failures,
		Timestamp:   time.Now().UTC(),
	}
	if c.lastErr != nil {
		ev.LastError = c.lastErr.Error()
	}
	if err := c.sinks.Health.ReportHealth(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("health sink failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) publishStatus() {
	st := Status{
		TradingPair:  c.pair,
		Initialized:  c.book.Initialized(),
		LastUpdateID: c.book.LastUpdateID(),
		Buffered:     len(c.pending),
		Degraded:     c.degraded,
		Failures:     c.failures,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}
