package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderEventType names an order lifecycle event.
type OrderEventType string

const (
	OrderEventFilled    OrderEventType = "order_filled"
	OrderEventCompleted OrderEventType = "order_completed"
	OrderEventCancelled OrderEventType = "order_cancelled"
	OrderEventExpired   OrderEventType = "order_expired"
	OrderEventFailed    OrderEventType = "order_failed"
)

// OrderEvent is emitted by the in-flight registry to the strategy layer.
// Which fields are set depends on Type:
//
//	order_filled     Price, Amount (incremental), Fee, FillID
//	order_completed  BaseAmount, QuoteAmount, Fee (cumulative)
//	order_failed     Reason
type OrderEvent struct {
	Type            OrderEventType  `json:"event"`
	Connector       string          `json:"connector"`
	ClientOrderID   string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     TradingPair     `json:"trading_pair"`
	Side            OrderSide       `json:"side,omitempty"`
	FillID          string          `json:"fill_id,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	BaseAmount      decimal.Decimal `json:"base_amount"`
	QuoteAmount     decimal.Decimal `json:"quote_amount"`
	Reason          string          `json:"reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// HealthEvent reports a component entering or leaving a degraded state.
type HealthEvent struct {
	Component   string    `json:"component"`
	Connector   string    `json:"connector"`
	TradingPair string    `json:"trading_pair,omitempty"`
	Degraded    bool      `json:"degraded"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HealthSink receives degraded and recovered notifications from the book
// coordinators and the order poller.
type HealthSink interface {
	ReportHealth(ctx context.Context, ev HealthEvent) error
}
