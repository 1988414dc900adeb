package orderbook

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Book is the local reconstruction of one trading pair's order book. It is
// mutated by exactly one coordinator and read concurrently by strategies,
// so every method takes the book lock.
type Book struct {
	mu           sync.RWMutex
	pair         domain.TradingPair
	bids         *Ladder
	asks         *Ladder
	lastUpdateID uint64
	lastUpdated  time.Time
	snapshots    int
}

// NewBook creates an empty book for pair.
func NewBook(pair domain.TradingPair) *Book {
	return &Book{
		pair: pair,
		bids: NewLadder(domain.BookSideBid),
		asks: NewLadder(domain.BookSideAsk),
	}
}

// TradingPair returns the pair this book tracks.
func (b *Book) TradingPair() domain.TradingPair { return b.pair }

// ApplySnapshot replaces both ladders wholesale. A snapshot older than what
// the book already reflects is refused so LastUpdateID never decreases.
func (b *Book) ApplySnapshot(rows domain.BookRows) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snapshots > 0 && rows.UpdateID < b.lastUpdateID {
		return false
	}
	b.bids.Clear()
	b.asks.Clear()
	for _, r := range rows.Bids {
		b.bids.Upsert(r.Price, r.Quantity)
	}
	for _, r := range rows.Asks {
		b.asks.Upsert(r.Price, r.Quantity)
	}
	b.lastUpdateID = rows.UpdateID
	b.lastUpdated = stamp(rows.Timestamp)
	b.snapshots++
	return true
}

// ApplyDiff applies rows on top of the current ladders. Diffs at or below
// the last applied update id are ignored, which makes re-delivery a no-op.
func (b *Book) ApplyDiff(rows domain.BookRows) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rows.UpdateID <= b.lastUpdateID {
		return false
	}
	for _, r := range rows.Bids {
		b.bids.Upsert(r.Price, r.Quantity)
	}
	for _, r := range rows.Asks {
		b.asks.Upsert(r.Price, r.Quantity)
	}
	b.lastUpdateID = rows.UpdateID
	b.lastUpdated = stamp(rows.Timestamp)
	return true
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

// Initialized reports whether at least one snapshot has been applied.
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshots > 0
}

// LastUpdateID returns the update id of the last applied snapshot or diff.
func (b *Book) LastUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// LastUpdated returns the timestamp of the last applied message.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdated
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Best()
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Best()
}

// MidPrice returns the midpoint of the best bid and ask. ok is false when
// either side is empty.
func (b *Book) MidPrice() (mid decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okBid := b.bids.Best()
	ask, okAsk := b.asks.Best()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns best ask minus best bid.
func (b *Book) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okBid := b.bids.Best()
	ask, okAsk := b.asks.Best()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// ladderFor returns the ladder a marketable order on side would consume:
// buys lift asks, sells hit bids. Caller must hold b.mu.
func (b *Book) ladderFor(side domain.OrderSide) *Ladder {
	if side == domain.OrderSideBuy {
		return b.asks
	}
	return b.bids
}

// PriceForVolume estimates where a marketable order of qty would finish.
func (b *Book) PriceForVolume(side domain.OrderSide, qty decimal.Decimal) WalkResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ladderFor(side).WalkForVolume(qty)
}

// PriceForQuoteVolume is PriceForVolume with a notional target.
func (b *Book) PriceForQuoteVolume(side domain.OrderSide, quote decimal.Decimal) WalkResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ladderFor(side).WalkForQuoteVolume(quote)
}

// VWAPForVolume returns the average execution price for qty on side.
func (b *Book) VWAPForVolume(side domain.OrderSide, qty decimal.Decimal) (decimal.Decimal, WalkResult) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ladderFor(side).VWAPForVolume(qty)
}

// SimulateFill returns the levels a marketable order would consume.
func (b *Book) SimulateFill(side domain.OrderSide, qty decimal.Decimal) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ladderFor(side).SimulateFill(qty)
}

// Depth returns up to n levels per side, best first.
func (b *Book) Depth(n int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Levels(n), b.asks.Levels(n)
}

// Snapshot renders the top depth levels as the float view used by caches.
// depth <= 0 renders the whole book.
func (b *Book) Snapshot(depth int) domain.OrderbookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := domain.OrderbookSnapshot{
		AssetID:   string(b.pair),
		UpdateID:  b.lastUpdateID,
		Timestamp: b.lastUpdated,
	}
	for _, lvl := range b.bids.Levels(depth) {
		snap.Bids = append(snap.Bids, toPriceLevel(lvl))
	}
	for _, lvl := range b.asks.Levels(depth) {
		snap.Asks = append(snap.Asks, toPriceLevel(lvl))
	}
	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
	}
	return snap
}

func toPriceLevel(lvl Level) domain.PriceLevel {
	return domain.PriceLevel{
		Price: lvl.Price.InexactFloat64(),
		Size:  lvl.Quantity.InexactFloat64(),
	}
}
