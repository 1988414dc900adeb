// Package inflight tracks orders from submission until a terminal state,
// reconciling push updates and polled status into exactly-once lifecycle
// events.
package inflight

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Order is one in-flight order. Executed totals only grow, through fills
// the order has not seen before.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     domain.TradingPair
	Side            domain.OrderSide
	OrderType       domain.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	ExecutedBase    decimal.Decimal
	ExecutedQuote   decimal.Decimal
	FeePaid         decimal.Decimal
	FeeAsset        string
	State           domain.OrderState
	CreatedAt       time.Time
	LastUpdate      time.Time

	seenFills      map[string]struct{}
	needsReconcile bool
}

// NewClientOrderID returns a unique client order id such as
// "ms-B-3f2a...". The prefix lets operators spot the bot's own orders.
func NewClientOrderID(prefix string, side domain.OrderSide) string {
	s := "S"
	if side == domain.OrderSideBuy {
		s = "B"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, s, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Remaining is Amount minus ExecutedBase, never negative.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Amount.Sub(o.ExecutedBase)
	if r.Sign() < 0 {
		return decimal.Zero
	}
	return r
}

// IsDone reports whether the order reached a terminal state.
func (o *Order) IsDone() bool { return o.State.IsTerminal() }

// AveragePrice is ExecutedQuote / ExecutedBase, zero before any fill.
func (o *Order) AveragePrice() decimal.Decimal {
	if o.ExecutedBase.IsZero() {
		return decimal.Zero
	}
	return o.ExecutedQuote.Div(o.ExecutedBase)
}

// NeedsReconcile reports whether the order was restored from a checkpoint
// and has not been confirmed by the exchange since.
func (o *Order) NeedsReconcile() bool { return o.needsReconcile }

// HasFill reports whether fillID was already applied.
func (o *Order) HasFill(fillID string) bool {
	_, ok := o.seenFills[fillID]
	return ok
}

func (o *Order) clone() Order {
	c := *o
	c.seenFills = make(map[string]struct{}, len(o.seenFills))
	for id := range o.seenFills {
		c.seenFills[id] = struct{}{}
	}
	return c
}

func (o *Order) applyFill(f domain.Fill, fee decimal.Decimal) {
	o.seenFills[f.FillID] = struct{}{}
	o.ExecutedBase = o.ExecutedBase.Add(f.Amount)
	o.ExecutedQuote = o.ExecutedQuote.Add(f.Notional())
	o.FeePaid = o.FeePaid.Add(fee)
	if f.FeeAsset != "" {
		o.FeeAsset = f.FeeAsset
	}
}

func (o *Order) record() domain.TrackedOrder {
	ids := make([]string, 0, len(o.seenFills))
	for id := range o.seenFills {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return domain.TrackedOrder{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		Side:            o.Side,
		OrderType:       o.OrderType,
		Price:           o.Price,
		Amount:          o.Amount,
		ExecutedBase:    o.ExecutedBase,
		ExecutedQuote:   o.ExecutedQuote,
		FeePaid:         o.FeePaid,
		FeeAsset:        o.FeeAsset,
		State:           o.State,
		FillIDs:         ids,
		CreatedAt:       o.CreatedAt,
		LastUpdate:      o.LastUpdate,
	}
}

func orderFromRecord(rec domain.TrackedOrder) *Order {
	o := &Order{
		ClientOrderID:   rec.ClientOrderID,
		ExchangeOrderID: rec.ExchangeOrderID,
		TradingPair:     rec.TradingPair,
		Side:            rec.Side,
		OrderType:       rec.OrderType,
		Price:           rec.Price,
		Amount:          rec.Amount,
		ExecutedBase:    rec.ExecutedBase,
		ExecutedQuote:   rec.ExecutedQuote,
		FeePaid:         rec.FeePaid,
		FeeAsset:        rec.FeeAsset,
		State:           rec.State,
		CreatedAt:       rec.CreatedAt,
		LastUpdate:      rec.LastUpdate,
		seenFills:       make(map[string]struct{}, len(rec.FillIDs)),
		needsReconcile:  true,
	}
	for _, id := range rec.FillIDs {
		o.seenFills[id] = struct{}{}
	}
	return o
}

// Record returns the persisted form of the order.
func (o *Order) Record() domain.TrackedOrder { return o.record() }
