package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the order kind submitted by the strategy.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimitMaker OrderType = "limit_maker"
)

// OrderState tracks the order lifecycle. Open is the only initial state;
// the other four are terminal and mutually exclusive.
type OrderState string

const (
	OrderStateOpen      OrderState = "open"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateExpired   OrderState = "expired"
	OrderStateFailed    OrderState = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateExpired, OrderStateFailed:
		return true
	default:
		return false
	}
}

// Fill is a single execution against an order. FillID is unique per order.
type Fill struct {
	FillID    string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	Timestamp time.Time
}

// Notional returns price * amount.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Amount)
}

// OrderStatusMessage is an exchange-reported view of one order, delivered
// by a push channel or by polling.
type OrderStatusMessage struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     TradingPair
	Status          string
	ExecutedBase    decimal.Decimal
	ExecutedQuote   decimal.Decimal
	Fills           []Fill
	Reason          string
	Timestamp       time.Time
}

// TrackedOrder is the persisted form of an in-flight order. It is enough
// to rehydrate a registry after a restart.
type TrackedOrder struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     TradingPair     `json:"trading_pair"`
	Side            OrderSide       `json:"side"`
	OrderType       OrderType       `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedBase    decimal.Decimal `json:"executed_base"`
	ExecutedQuote   decimal.Decimal `json:"executed_quote"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	State           OrderState      `json:"state"`
	FillIDs         []string        `json:"fill_ids,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdate      time.Time       `json:"last_update"`
}
