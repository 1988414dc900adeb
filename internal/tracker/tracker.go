// Package tracker normalizes raw venue book messages into canonical
// BookRows. One tracker instance serves one trading pair and is driven by
// that pair's coordinator goroutine only.
package tracker

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// ActiveOrderTracker converts raw feed messages into book rows. Snapshot
// and Diff return ErrMalformedMessage (wrapped) without changing tracker
// state when the message cannot be applied.
type ActiveOrderTracker interface {
	Snapshot(raw domain.RawBookMessage) (domain.BookRows, error)
	Diff(raw domain.RawBookMessage) (domain.BookRows, error)
	Trade(raw domain.RawTradeMessage) (domain.Trade, error)
}

var (
	_ ActiveOrderTracker = (*LevelTracker)(nil)
	_ ActiveOrderTracker = (*OrderTracker)(nil)
)

// priceKey is the canonical map key for a price. decimal.String trims
// trailing zeros so 0.50 and 0.5 share a key.
func priceKey(p decimal.Decimal) string { return p.String() }

func malformed(pair domain.TradingPair, format string, args ...any) error {
	return fmt.Errorf("tracker: %s: %s: %w", pair, fmt.Sprintf(format, args...), domain.ErrMalformedMessage)
}

func checkPair(want domain.TradingPair, raw domain.RawBookMessage) error {
	if raw.TradingPair != "" && raw.TradingPair != want {
		return malformed(want, "message for pair %q", raw.TradingPair)
	}
	return nil
}

func validSide(s domain.BookSide) bool {
	return s == domain.BookSideBid || s == domain.BookSideAsk
}

// sortRows orders rows best first so output is deterministic.
func sortRows(side domain.BookSide, rows []domain.PriceLevelRow) {
	slices.SortFunc(rows, func(a, b domain.PriceLevelRow) int {
		if side == domain.BookSideBid {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
}

func newRows(pair domain.TradingPair, raw domain.RawBookMessage) domain.BookRows {
	return domain.BookRows{
		TradingPair: pair,
		UpdateID:    raw.UpdateID,
		Timestamp:   raw.Timestamp,
	}
}

func appendRow(out *domain.BookRows, side domain.BookSide, r domain.PriceLevelRow) {
	if side == domain.BookSideBid {
		out.Bids = append(out.Bids, r)
	} else {
		out.Asks = append(out.Asks, r)
	}
}

func finishRows(out *domain.BookRows) {
	sortRows(domain.BookSideBid, out.Bids)
	sortRows(domain.BookSideAsk, out.Asks)
}

// translateTrade validates a public trade print. It is shared by both
// tracker kinds since trades never depend on book state.
func translateTrade(pair domain.TradingPair, raw domain.RawTradeMessage) (domain.Trade, error) {
	if raw.TradingPair != "" && raw.TradingPair != pair {
		return domain.Trade{}, malformed(pair, "trade for pair %q", raw.TradingPair)
	}
	if raw.Price.Sign() <= 0 {
		return domain.Trade{}, malformed(pair, "trade price %s", raw.Price)
	}
	if raw.Amount.Sign() <= 0 {
		return domain.Trade{}, malformed(pair, "trade amount %s", raw.Amount)
	}
	switch raw.Side {
	case "", domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return domain.Trade{}, malformed(pair, "trade side %q", raw.Side)
	}
	return domain.Trade{
		TradingPair: pair,
		TradeID:     raw.TradeID,
		Price:       raw.Price,
		Amount:      raw.Amount,
		Side:        raw.Side,
		Timestamp:   raw.Timestamp,
	}, nil
}
