package tracker

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// RestingOrder is one order resting in an order-granular book.
type RestingOrder struct {
	OrderID  string
	Side     domain.BookSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Priority uint64
}

type levelRef struct {
	side  domain.BookSide
	price decimal.Decimal
}

func (r levelRef) key() string { return string(r.side) + "|" + priceKey(r.price) }

// OrderTracker tracks order-granular (level 3) feeds and re-aggregates
// them into price levels.
type OrderTracker struct {
	pair   domain.TradingPair
	logger *slog.Logger

	orders map[string]RestingOrder
	// levels maps side|price to the ids resting there.
	levels map[string]map[string]struct{}
	seq    uint64
}

// NewOrderTracker creates a tracker for one pair.
func NewOrderTracker(pair domain.TradingPair, logger *slog.Logger) *OrderTracker {
	return &OrderTracker{
		pair:   pair,
		logger: logger.With(slog.String("component", "order_tracker"), slog.String("pair", string(pair))),
		orders: make(map[string]RestingOrder),
		levels: make(map[string]map[string]struct{}),
	}
}

func (t *OrderTracker) nextPriority(p uint64) uint64 {
	if p != 0 {
		if p > t.seq {
			t.seq = p
		}
		return p
	}
	t.seq++
	return t.seq
}

func (t *OrderTracker) aggregate(ref levelRef) decimal.Decimal {
	total := decimal.Zero
	for id := range t.levels[ref.key()] {
		total = total.Add(t.orders[id].Quantity)
	}
	return total
}

func (t *OrderTracker) insert(o RestingOrder) {
	t.orders[o.OrderID] = o
	k := levelRef{side: o.Side, price: o.Price}.key()
	ids, ok := t.levels[k]
	if !ok {
		ids = make(map[string]struct{})
		t.levels[k] = ids
	}
	ids[o.OrderID] = struct{}{}
}

func (t *OrderTracker) remove(id string) {
	o, ok := t.orders[id]
	if !ok {
		return
	}
	delete(t.orders, id)
	k := levelRef{side: o.Side, price: o.Price}.key()
	delete(t.levels[k], id)
	if len(t.levels[k]) == 0 {
		delete(t.levels, k)
	}
}

// Snapshot replaces every resting order and returns the aggregated levels.
func (t *OrderTracker) Snapshot(raw domain.RawBookMessage) (domain.BookRows, error) {
	if err := checkPair(t.pair, raw); err != nil {
		return domain.BookRows{}, err
	}
	for _, e := range raw.Orders {
		if strings.TrimSpace(e.OrderID) == "" {
			return domain.BookRows{}, malformed(t.pair, "order entry without id")
		}
		if !validSide(e.Side) {
			return domain.BookRows{}, malformed(t.pair, "unknown side %q", e.Side)
		}
		if e.Price.Sign() <= 0 {
			return domain.BookRows{}, malformed(t.pair, "order %s missing price", e.OrderID)
		}
		if e.Quantity.Sign() < 0 {
			return domain.BookRows{}, malformed(t.pair, "order %s negative quantity", e.OrderID)
		}
	}

	t.orders = make(map[string]RestingOrder, len(raw.Orders))
	t.levels = make(map[string]map[string]struct{})
	t.seq = 0
	for _, e := range raw.Orders {
		if e.Quantity.IsZero() {
			continue
		}
		t.remove(e.OrderID)
		t.insert(RestingOrder{
			OrderID:  e.OrderID,
			Side:     e.Side,
			Price:    e.Price,
			Quantity: e.Quantity,
			Priority: t.nextPriority(e.Priority),
		})
	}

	out := newRows(t.pair, raw)
	seen := make(map[string]struct{})
	for _, o := range t.orders {
		ref := levelRef{side: o.Side, price: o.Price}
		if _, ok := seen[ref.key()]; ok {
			continue
		}
		seen[ref.key()] = struct{}{}
		appendRow(&out, o.Side, domain.PriceLevelRow{
			Timestamp: raw.Timestamp,
			Price:     o.Price,
			Quantity:  t.aggregate(ref),
			UpdateID:  raw.UpdateID,
		})
	}
	finishRows(&out)
	return out, nil
}

// Diff applies order-level adds, removes and replacements. A replace with
// a new price moves the order; a replace to zero quantity removes it. The
// whole diff is validated against a staged copy before anything commits.
func (t *OrderTracker) Diff(raw domain.RawBookMessage) (domain.BookRows, error) {
	if err := checkPair(t.pair, raw); err != nil {
		return domain.BookRows{}, err
	}

	// staged holds the post-diff view of every touched order; a nil entry
	// means the order is removed.
	staged := make(map[string]*RestingOrder)
	var stagedOrder []string
	stage := func(id string, o *RestingOrder) {
		if _, ok := staged[id]; !ok {
			stagedOrder = append(stagedOrder, id)
		}
		staged[id] = o
	}
	var touchedOrder []string
	touched := make(map[string]levelRef)
	touch := func(ref levelRef) {
		k := ref.key()
		if _, ok := touched[k]; !ok {
			touched[k] = ref
			touchedOrder = append(touchedOrder, k)
		}
	}
	current := func(id string) (RestingOrder, bool) {
		if s, ok := staged[id]; ok {
			if s == nil {
				return RestingOrder{}, false
			}
			return *s, true
		}
		o, ok := t.orders[id]
		return o, ok
	}

	for _, e := range raw.Orders {
		if strings.TrimSpace(e.OrderID) == "" {
			return domain.BookRows{}, malformed(t.pair, "order entry without id")
		}
		if e.Quantity.Sign() < 0 {
			return domain.BookRows{}, malformed(t.pair, "order %s negative quantity", e.OrderID)
		}
		existing, known := current(e.OrderID)

		switch e.Op {
		case domain.LevelOpAdd:
			if !validSide(e.Side) {
				return domain.BookRows{}, malformed(t.pair, "unknown side %q", e.Side)
			}
			if e.Price.Sign() <= 0 {
				return domain.BookRows{}, malformed(t.pair, "order %s missing price", e.OrderID)
			}
			if e.Quantity.IsZero() {
				return domain.BookRows{}, malformed(t.pair, "order %s added with zero quantity", e.OrderID)
			}
			if known {
				touch(levelRef{side: existing.Side, price: existing.Price})
			}
			o := RestingOrder{OrderID: e.OrderID, Side: e.Side, Price: e.Price, Quantity: e.Quantity, Priority: e.Priority}
			stage(e.OrderID, &o)
			touch(levelRef{side: o.Side, price: o.Price})

		case domain.LevelOpRemove:
			if !known {
				t.logger.Warn("remove for unknown order, dropping", slog.String("order_id", e.OrderID))
				continue
			}
			stage(e.OrderID, nil)
			touch(levelRef{side: existing.Side, price: existing.Price})

		case "", domain.LevelOpReplace:
			if !known {
				t.logger.Warn("change for unknown order, dropping", slog.String("order_id", e.OrderID))
				continue
			}
			if e.Side != "" && e.Side != existing.Side {
				return domain.BookRows{}, malformed(t.pair, "order %s changes side", e.OrderID)
			}
			touch(levelRef{side: existing.Side, price: existing.Price})
			if e.Quantity.IsZero() {
				stage(e.OrderID, nil)
				continue
			}
			o := existing
			o.Quantity = e.Quantity
			if e.Price.Sign() > 0 && !e.Price.Equal(existing.Price) {
				// A price change loses queue position.
				o.Price = e.Price
				o.Priority = e.Priority
				touch(levelRef{side: o.Side, price: o.Price})
			}
			stage(e.OrderID, &o)

		default:
			return domain.BookRows{}, malformed(t.pair, "unknown op %q", e.Op)
		}
	}

	prev := make(map[string]decimal.Decimal, len(touched))
	for k, ref := range touched {
		prev[k] = t.aggregate(ref)
	}
	for _, id := range stagedOrder {
		s := staged[id]
		t.remove(id)
		if s == nil {
			continue
		}
		o := *s
		o.Priority = t.nextPriority(o.Priority)
		t.insert(o)
	}

	out := newRows(t.pair, raw)
	for _, k := range touchedOrder {
		ref := touched[k]
		next := t.aggregate(ref)
		if next.Equal(prev[k]) {
			continue
		}
		appendRow(&out, ref.side, domain.PriceLevelRow{
			Timestamp: raw.Timestamp,
			Price:     ref.price,
			Quantity:  next,
			UpdateID:  raw.UpdateID,
		})
	}
	finishRows(&out)
	return out, nil
}

// Trade validates a public trade.
func (t *OrderTracker) Trade(raw domain.RawTradeMessage) (domain.Trade, error) {
	return translateTrade(t.pair, raw)
}

// OrdersAt returns the orders resting at price on side in queue order.
func (t *OrderTracker) OrdersAt(side domain.BookSide, price decimal.Decimal) []RestingOrder {
	ids := t.levels[levelRef{side: side, price: price}.key()]
	out := make([]RestingOrder, 0, len(ids))
	for id := range ids {
		out = append(out, t.orders[id])
	}
	slices.SortFunc(out, func(a, b RestingOrder) int {
		switch {
		case a.Priority < b.Priority:
			return -1
		case a.Priority > b.Priority:
			return 1
		default:
			return strings.Compare(a.OrderID, b.OrderID)
		}
	})
	return out
}

// Len returns the number of resting orders.
func (t *OrderTracker) Len() int { return len(t.orders) }
