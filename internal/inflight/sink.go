package inflight

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// EventSink receives order lifecycle events in the order they were
// produced for a given order.
type EventSink interface {
	Emit(ctx context.Context, ev domain.OrderEvent) error
}

// FeeSource estimates the fee of a fill that arrived without one.
type FeeSource interface {
	FeeFor(pair domain.TradingPair, side domain.OrderSide, price, amount decimal.Decimal) decimal.Decimal
}

// FeeRate charges a flat rate on fill notional.
type FeeRate decimal.Decimal

// FeeFor implements FeeSource.
func (r FeeRate) FeeFor(_ domain.TradingPair, _ domain.OrderSide, price, amount decimal.Decimal) decimal.Decimal {
	return decimal.Decimal(r).Mul(price).Mul(amount)
}

// MultiSink fans events out to several sinks. A failing sink is logged and
// does not stop delivery to the others.
type MultiSink struct {
	sinks  []EventSink
	logger *slog.Logger
}

// NewMultiSink combines sinks. Nil entries are skipped.
func NewMultiSink(logger *slog.Logger, sinks ...EventSink) *MultiSink {
	m := &MultiSink{logger: logger.With(slog.String("component", "event_sink"))}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Emit implements EventSink.
func (m *MultiSink) Emit(ctx context.Context, ev domain.OrderEvent) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			m.logger.Error("event sink failed",
				slog.String("event", string(ev.Type)),
				slog.String("order_id", ev.ClientOrderID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

// Emit implements EventSink.
func (r *Recorder) Emit(_ context.Context, ev domain.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderEvent(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t domain.OrderEventType) []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
