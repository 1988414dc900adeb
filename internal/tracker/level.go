package tracker

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type levelEntry struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// LevelTracker tracks price-aggregated feeds, where each entry names a
// price level rather than an individual order.
type LevelTracker struct {
	pair   domain.TradingPair
	logger *slog.Logger
	levels map[domain.BookSide]map[string]levelEntry
}

// NewLevelTracker creates a tracker for one pair.
func NewLevelTracker(pair domain.TradingPair, logger *slog.Logger) *LevelTracker {
	return &LevelTracker{
		pair:   pair,
		logger: logger.With(slog.String("component", "level_tracker"), slog.String("pair", string(pair))),
		levels: map[domain.BookSide]map[string]levelEntry{
			domain.BookSideBid: {},
			domain.BookSideAsk: {},
		},
	}
}

func (t *LevelTracker) validate(lvl domain.RawLevel) error {
	if !validSide(lvl.Side) {
		return malformed(t.pair, "unknown side %q", lvl.Side)
	}
	if lvl.Price.Sign() <= 0 {
		return malformed(t.pair, "missing price")
	}
	if lvl.Quantity.Sign() < 0 {
		return malformed(t.pair, "negative quantity %s at %s", lvl.Quantity, lvl.Price)
	}
	switch lvl.Op {
	case "", domain.LevelOpReplace, domain.LevelOpAdd, domain.LevelOpRemove:
		return nil
	default:
		return malformed(t.pair, "unknown op %q", lvl.Op)
	}
}

// Snapshot replaces the tracked levels. Duplicate prices in one snapshot
// are summed.
func (t *LevelTracker) Snapshot(raw domain.RawBookMessage) (domain.BookRows, error) {
	if err := checkPair(t.pair, raw); err != nil {
		return domain.BookRows{}, err
	}
	fresh := map[domain.BookSide]map[string]levelEntry{
		domain.BookSideBid: {},
		domain.BookSideAsk: {},
	}
	for _, lvl := range raw.Levels {
		if err := t.validate(lvl); err != nil {
			return domain.BookRows{}, err
		}
		if lvl.Quantity.IsZero() {
			continue
		}
		key := priceKey(lvl.Price)
		cur := fresh[lvl.Side][key]
		fresh[lvl.Side][key] = levelEntry{price: lvl.Price, qty: cur.qty.Add(lvl.Quantity)}
	}
	t.levels = fresh

	out := newRows(t.pair, raw)
	for side, m := range fresh {
		for _, e := range m {
			appendRow(&out, side, domain.PriceLevelRow{
				Timestamp: raw.Timestamp,
				Price:     e.price,
				Quantity:  e.qty,
				UpdateID:  raw.UpdateID,
			})
		}
	}
	finishRows(&out)
	return out, nil
}

type stagedLevel struct {
	side  domain.BookSide
	price decimal.Decimal
	prev  decimal.Decimal
	next  decimal.Decimal
}

// Diff applies level operations and returns one row per price whose
// aggregate changed. Nothing is committed unless every entry is valid.
func (t *LevelTracker) Diff(raw domain.RawBookMessage) (domain.BookRows, error) {
	if err := checkPair(t.pair, raw); err != nil {
		return domain.BookRows{}, err
	}

	staged := make(map[string]*stagedLevel)
	var order []string
	for _, lvl := range raw.Levels {
		if err := t.validate(lvl); err != nil {
			return domain.BookRows{}, err
		}
		key := priceKey(lvl.Price)
		sk := string(lvl.Side) + "|" + key
		s, ok := staged[sk]
		if !ok {
			cur, exists := t.levels[lvl.Side][key]
			if !exists && lvl.Op == domain.LevelOpRemove {
				t.logger.Warn("remove for unknown level, dropping",
					slog.String("side", string(lvl.Side)),
					slog.String("price", key),
				)
				continue
			}
			prev := decimal.Zero
			if exists {
				prev = cur.qty
			}
			s = &stagedLevel{side: lvl.Side, price: lvl.Price, prev: prev, next: prev}
			staged[sk] = s
			order = append(order, sk)
		}

		switch lvl.Op {
		case domain.LevelOpAdd:
			s.next = s.next.Add(lvl.Quantity)
		case domain.LevelOpRemove:
			if lvl.Quantity.IsZero() {
				s.next = decimal.Zero
				break
			}
			s.next = s.next.Sub(lvl.Quantity)
			if s.next.Sign() < 0 {
				return domain.BookRows{}, malformed(t.pair, "remove of %s leaves %s negative", lvl.Quantity, key)
			}
		default:
			s.next = lvl.Quantity
		}
	}

	out := newRows(t.pair, raw)
	for _, sk := range order {
		s := staged[sk]
		if s.next.Equal(s.prev) {
			continue
		}
		key := priceKey(s.price)
		if s.next.IsZero() {
			delete(t.levels[s.side], key)
		} else {
			t.levels[s.side][key] = levelEntry{price: s.price, qty: s.next}
		}
		appendRow(&out, s.side, domain.PriceLevelRow{
			Timestamp: raw.Timestamp,
			Price:     s.price,
			Quantity:  s.next,
			UpdateID:  raw.UpdateID,
		})
	}
	finishRows(&out)
	return out, nil
}

// Trade validates a public trade.
func (t *LevelTracker) Trade(raw domain.RawTradeMessage) (domain.Trade, error) {
	return translateTrade(t.pair, raw)
}

// Quantity returns the tracked aggregate at price, zero when absent.
func (t *LevelTracker) Quantity(side domain.BookSide, price decimal.Decimal) decimal.Decimal {
	return t.levels[side][priceKey(price)].qty
}

// Len returns the number of tracked levels on side.
func (t *LevelTracker) Len(side domain.BookSide) int {
	return len(t.levels[side])
}
