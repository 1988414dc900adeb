package tracker

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func lvl(side domain.BookSide, op domain.LevelOp, price, qty string) domain.RawLevel {
	return domain.RawLevel{Side: side, Op: op, Price: d(price), Quantity: d(qty)}
}

func levelMsg(typ domain.BookMessageType, id uint64, levels ...domain.RawLevel) domain.RawBookMessage {
	return domain.RawBookMessage{Type: typ, TradingPair: "P", UpdateID: id, Levels: levels}
}

func rowStrings(rows []domain.PriceLevelRow) [][2]string {
	out := make([][2]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, [2]string{r.Price.String(), r.Quantity.String()})
	}
	return out
}

func TestLevelTrackerSnapshot(t *testing.T) {
	tr := NewLevelTracker("P", discard())

	out, err := tr.Snapshot(levelMsg(domain.BookMessageSnapshot, 4,
		lvl(domain.BookSideBid, "", "0.40", "10"),
		lvl(domain.BookSideBid, "", "0.4", "5"),
		lvl(domain.BookSideBid, "", "0.41", "1"),
		lvl(domain.BookSideAsk, "", "0.50", "0"),
		lvl(domain.BookSideAsk, "", "0.52", "7"),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), out.UpdateID)
	assert.Equal(t, domain.TradingPair("P"), out.TradingPair)
	assert.Equal(t, [][2]string{{"0.41", "1"}, {"0.4", "15"}}, rowStrings(out.Bids))
	assert.Equal(t, [][2]string{{"0.52", "7"}}, rowStrings(out.Asks))
	for _, r := range out.Bids {
		assert.Equal(t, uint64(4), r.UpdateID)
	}
}

func TestLevelTrackerDiff(t *testing.T) {
	tests := []struct {
		name   string
		levels []domain.RawLevel
		bids   [][2]string
		asks   [][2]string
	}{
		{
			name:   "replace sets level",
			levels: []domain.RawLevel{lvl(domain.BookSideBid, domain.LevelOpReplace, "10", "3")},
			bids:   [][2]string{{"10", "3"}},
			asks:   [][2]string{},
		},
		{
			name:   "replace with zero empties level",
			levels: []domain.RawLevel{lvl(domain.BookSideAsk, "", "11", "0")},
			bids:   [][2]string{},
			asks:   [][2]string{{"11", "0"}},
		},
		{
			name:   "add accumulates",
			levels: []domain.RawLevel{lvl(domain.BookSideBid, domain.LevelOpAdd, "10", "2"), lvl(domain.BookSideBid, domain.LevelOpAdd, "9", "1")},
			bids:   [][2]string{{"10", "7"}, {"9", "1"}},
			asks:   [][2]string{},
		},
		{
			name:   "partial remove",
			levels: []domain.RawLevel{lvl(domain.BookSideBid, domain.LevelOpRemove, "10", "2")},
			bids:   [][2]string{{"10", "3"}},
			asks:   [][2]string{},
		},
		{
			name:   "remove without quantity drops level",
			levels: []domain.RawLevel{lvl(domain.BookSideAsk, domain.LevelOpRemove, "11", "0")},
			bids:   [][2]string{},
			asks:   [][2]string{{"11", "0"}},
		},
		{
			name:   "unchanged aggregate emits nothing",
			levels: []domain.RawLevel{lvl(domain.BookSideBid, "", "10", "5")},
			bids:   [][2]string{},
			asks:   [][2]string{},
		},
		{
			name:   "remove of unknown level is dropped",
			levels: []domain.RawLevel{lvl(domain.BookSideBid, domain.LevelOpRemove, "8", "1"), lvl(domain.BookSideBid, "", "10", "6")},
			bids:   [][2]string{{"10", "6"}},
			asks:   [][2]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewLevelTracker("P", discard())
			_, err := tr.Snapshot(levelMsg(domain.BookMessageSnapshot, 1,
				lvl(domain.BookSideBid, "", "10", "5"),
				lvl(domain.BookSideAsk, "", "11", "4"),
			))
			require.NoError(t, err)

			out, err := tr.Diff(levelMsg(domain.BookMessageDiff, 2, tt.levels...))
			require.NoError(t, err)
			assert.Equal(t, tt.bids, rowStrings(out.Bids))
			assert.Equal(t, tt.asks, rowStrings(out.Asks))
			assert.Equal(t, uint64(2), out.UpdateID)
		})
	}
}

func TestLevelTrackerMalformedLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		levels []domain.RawLevel
	}{
		{name: "negative quantity", levels: []domain.RawLevel{lvl(domain.BookSideBid, "", "10", "1"), lvl(domain.BookSideBid, "", "9", "-1")}},
		{name: "missing price", levels: []domain.RawLevel{lvl(domain.BookSideBid, "", "10", "1"), {Side: domain.BookSideBid, Quantity: d("1")}}},
		{name: "unknown side", levels: []domain.RawLevel{lvl(domain.BookSideBid, "", "10", "1"), lvl("mid", "", "9", "1")}},
		{name: "remove below zero", levels: []domain.RawLevel{lvl(domain.BookSideBid, "", "10", "1"), lvl(domain.BookSideAsk, domain.LevelOpRemove, "11", "9")}},
		{name: "unknown op", levels: []domain.RawLevel{lvl(domain.BookSideBid, "upsert", "10", "1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewLevelTracker("P", discard())
			_, err := tr.Snapshot(levelMsg(domain.BookMessageSnapshot, 1,
				lvl(domain.BookSideBid, "", "10", "5"),
				lvl(domain.BookSideAsk, "", "11", "4"),
			))
			require.NoError(t, err)

			_, err = tr.Diff(levelMsg(domain.BookMessageDiff, 2, tt.levels...))
			require.ErrorIs(t, err, domain.ErrMalformedMessage)

			assert.Equal(t, "5", tr.Quantity(domain.BookSideBid, d("10")).String())
			assert.Equal(t, "4", tr.Quantity(domain.BookSideAsk, d("11")).String())
			assert.Equal(t, 1, tr.Len(domain.BookSideBid))
		})
	}
}

func TestLevelTrackerRejectsForeignPair(t *testing.T) {
	tr := NewLevelTracker("P", discard())
	msg := levelMsg(domain.BookMessageSnapshot, 1, lvl(domain.BookSideBid, "", "10", "5"))
	msg.TradingPair = "Q"
	_, err := tr.Snapshot(msg)
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestTradeTranslation(t *testing.T) {
	tr := NewLevelTracker("P", discard())

	trade, err := tr.Trade(domain.RawTradeMessage{TradeID: "t1", Price: d("0.5"), Amount: d("10"), Side: domain.OrderSideBuy})
	require.NoError(t, err)
	assert.Equal(t, domain.TradingPair("P"), trade.TradingPair)
	assert.Equal(t, "t1", trade.TradeID)

	tests := []struct {
		name string
		msg  domain.RawTradeMessage
	}{
		{name: "zero price", msg: domain.RawTradeMessage{Price: decimal.Zero, Amount: d("1")}},
		{name: "negative amount", msg: domain.RawTradeMessage{Price: d("1"), Amount: d("-1")}},
		{name: "bad side", msg: domain.RawTradeMessage{Price: d("1"), Amount: d("1"), Side: "hold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Trade(tt.msg)
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}
}
