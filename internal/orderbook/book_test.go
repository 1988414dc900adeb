package orderbook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func row(price, qty string) domain.PriceLevelRow {
	return domain.PriceLevelRow{Price: d(price), Quantity: d(qty)}
}

func rows(updateID uint64, bids, asks []domain.PriceLevelRow) domain.BookRows {
	return domain.BookRows{
		TradingPair: "T",
		Bids:        bids,
		Asks:        asks,
		UpdateID:    updateID,
		Timestamp:   time.UnixMilli(int64(updateID)),
	}
}

func TestSnapshotThenDiffRemovesBid(t *testing.T) {
	b := NewBook("T")
	require.True(t, b.ApplySnapshot(rows(10,
		[]domain.PriceLevelRow{row("100", "2")},
		[]domain.PriceLevelRow{row("101", "3")},
	)))
	require.True(t, b.ApplyDiff(rows(11, []domain.PriceLevelRow{row("100", "0")}, nil)))

	_, ok := b.BestBid()
	assert.False(t, ok)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "101", ask.Price.String())
	assert.Equal(t, "3", ask.Quantity.String())
	assert.Equal(t, uint64(11), b.LastUpdateID())
}

func TestApplyDiffIdempotent(t *testing.T) {
	b := NewBook("T")
	b.ApplySnapshot(rows(1,
		[]domain.PriceLevelRow{row("10", "1")},
		[]domain.PriceLevelRow{row("11", "1")},
	))

	diff := rows(2, []domain.PriceLevelRow{row("10", "4"), row("9", "2")}, []domain.PriceLevelRow{row("11", "0")})
	require.True(t, b.ApplyDiff(diff))
	bidsOnce, asksOnce := b.Depth(0)

	assert.False(t, b.ApplyDiff(diff), "second application must be a no-op")
	bidsTwice, asksTwice := b.Depth(0)

	assert.Equal(t, bidsOnce, bidsTwice)
	assert.Equal(t, asksOnce, asksTwice)
	assert.Equal(t, uint64(2), b.LastUpdateID())
}

func TestApplyDiffStale(t *testing.T) {
	b := NewBook("T")
	b.ApplySnapshot(rows(5, []domain.PriceLevelRow{row("10", "1")}, nil))

	assert.False(t, b.ApplyDiff(rows(3, []domain.PriceLevelRow{row("10", "0")}, nil)))
	assert.False(t, b.ApplyDiff(rows(5, []domain.PriceLevelRow{row("10", "0")}, nil)))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "10", bid.Price.String())
}

func TestApplySnapshotNeverRewinds(t *testing.T) {
	b := NewBook("T")
	require.False(t, b.Initialized())
	require.True(t, b.ApplySnapshot(rows(7, []domain.PriceLevelRow{row("10", "1")}, nil)))
	require.True(t, b.Initialized())

	assert.False(t, b.ApplySnapshot(rows(6, []domain.PriceLevelRow{row("20", "1")}, nil)))
	bid, _ := b.BestBid()
	assert.Equal(t, "10", bid.Price.String())

	assert.True(t, b.ApplySnapshot(rows(7, []domain.PriceLevelRow{row("20", "1")}, nil)))
	bid, _ = b.BestBid()
	assert.Equal(t, "20", bid.Price.String())
}

func TestSnapshotDropsNonPositiveRows(t *testing.T) {
	b := NewBook("T")
	b.ApplySnapshot(rows(1,
		[]domain.PriceLevelRow{row("10", "0"), row("9", "1")},
		[]domain.PriceLevelRow{row("11", "-1")},
	))
	bids, asks := b.Depth(0)
	assert.Len(t, bids, 1)
	assert.Empty(t, asks)
}

func TestBookQueries(t *testing.T) {
	b := NewBook("T")
	b.ApplySnapshot(rows(1,
		[]domain.PriceLevelRow{row("99", "2"), row("98", "3")},
		[]domain.PriceLevelRow{row("101", "2"), row("102", "3")},
	))

	mid, ok := b.MidPrice()
	require.True(t, ok)
	assert.Equal(t, "100", mid.String())

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.Equal(t, "2", spread.String())

	buy := b.PriceForVolume(domain.OrderSideBuy, d("10"))
	assert.False(t, buy.FullyFilled)
	assert.Equal(t, "5", buy.Filled.String())
	assert.Equal(t, "102", buy.Price.String())

	sell := b.PriceForVolume(domain.OrderSideSell, d("3"))
	assert.True(t, sell.FullyFilled)
	assert.Equal(t, "98", sell.Price.String())

	fills := b.SimulateFill(domain.OrderSideBuy, d("3"))
	require.Len(t, fills, 2)
	assert.Equal(t, "101", fills[0].Price.String())
	assert.Equal(t, "1", fills[1].Quantity.String())

	vwap, _ := b.VWAPForVolume(domain.OrderSideBuy, d("4"))
	assert.Equal(t, "101.5", vwap.String())

	quote := b.PriceForQuoteVolume(domain.OrderSideBuy, d("202"))
	assert.True(t, quote.FullyFilled)
	assert.Equal(t, "2", quote.Filled.String())
}

func TestBookSnapshotView(t *testing.T) {
	b := NewBook("T")
	b.ApplySnapshot(rows(3,
		[]domain.PriceLevelRow{row("0.45", "100"), row("0.44", "50")},
		[]domain.PriceLevelRow{row("0.55", "80"), row("0.56", "10")},
	))

	snap := b.Snapshot(1)
	assert.Equal(t, "T", snap.AssetID)
	assert.Equal(t, uint64(3), snap.UpdateID)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.InDelta(t, 0.45, snap.BestBid, 1e-9)
	assert.InDelta(t, 0.55, snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.50, snap.MidPrice, 1e-9)

	empty := NewBook("E").Snapshot(5)
	assert.Zero(t, empty.MidPrice)
	assert.Empty(t, empty.Bids)
}

func TestBookConcurrentReaders(t *testing.T) {
	b := NewBook("T")
	b.ApplySnapshot(rows(1, []domain.PriceLevelRow{row("10", "1")}, []domain.PriceLevelRow{row("11", "1")}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.BestBid()
				b.Snapshot(5)
			}
		}()
	}
	for id := uint64(2); id < 200; id++ {
		b.ApplyDiff(rows(id, []domain.PriceLevelRow{row("10", "2")}, nil))
	}
	wg.Wait()
	assert.Equal(t, uint64(199), b.LastUpdateID())
}
