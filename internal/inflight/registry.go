package inflight

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const defaultTerminalMemory = 1024

// Registry holds the in-flight orders of one connector. It is fed by a
// push handler and by the Poller concurrently; events are emitted after
// the lock is released, in production order.
type Registry struct {
	connector string
	statuses  StatusTable
	sink      EventSink
	logger    *slog.Logger

	mu         sync.Mutex
	orders     map[string]*Order
	byExchange map[string]string
	// terminal remembers recently finished ids, client and exchange, so
	// late updates for them are dropped quietly.
	terminal *lru.Cache[string, struct{}]
	// nextTicket numbers event batches under mu; emit delivers batches in
	// ticket order.
	nextTicket uint64

	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitTurn uint64
}

// NewRegistry creates an empty registry. terminalMemory bounds how many
// finished order ids are remembered; <= 0 takes a default.
func NewRegistry(connector string, statuses StatusTable, sink EventSink, terminalMemory int, logger *slog.Logger) *Registry {
	if terminalMemory <= 0 {
		terminalMemory = defaultTerminalMemory
	}
	terminal, _ := lru.New[string, struct{}](terminalMemory)
	r := &Registry{
		connector:  connector,
		statuses:   statuses,
		sink:       sink,
		logger:     logger.With(slog.String("component", "inflight_registry"), slog.String("connector", connector)),
		orders:     make(map[string]*Order),
		byExchange: make(map[string]string),
		terminal:   terminal,
	}
	r.emitCond = sync.NewCond(&r.emitMu)
	return r
}

// Connector returns the connector name the registry belongs to.
func (r *Registry) Connector() string { return r.connector }

// StartTracking registers a newly submitted order in state Open. Tracking
// the same client id twice is an error.
func (r *Registry) StartTracking(o Order) error {
	if strings.TrimSpace(o.ClientOrderID) == "" {
		return fmt.Errorf("inflight: start tracking: empty client order id: %w", domain.ErrInvalidOrder)
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return fmt.Errorf("inflight: start tracking %s: side %q: %w", o.ClientOrderID, o.Side, domain.ErrInvalidOrder)
	}
	if o.Amount.Sign() <= 0 {
		return fmt.Errorf("inflight: start tracking %s: amount %s: %w", o.ClientOrderID, o.Amount, domain.ErrInvalidOrder)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ClientOrderID]; ok {
		return fmt.Errorf("inflight: start tracking %s: %w", o.ClientOrderID, domain.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	tracked := &Order{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		Side:            o.Side,
		OrderType:       o.OrderType,
		Price:           o.Price,
		Amount:          o.Amount,
		ExecutedBase:    decimal.Zero,
		ExecutedQuote:   decimal.Zero,
		FeePaid:         decimal.Zero,
		State:           domain.OrderStateOpen,
		CreatedAt:       o.CreatedAt,
		LastUpdate:      now,
		seenFills:       make(map[string]struct{}),
	}
	if tracked.OrderType == "" {
		tracked.OrderType = domain.OrderTypeLimit
	}
	if tracked.CreatedAt.IsZero() {
		tracked.CreatedAt = now
	}
	r.orders[tracked.ClientOrderID] = tracked
	if tracked.ExchangeOrderID != "" {
		r.byExchange[tracked.ExchangeOrderID] = tracked.ClientOrderID
	}

	r.logger.Info("tracking order",
		slog.String("order_id", tracked.ClientOrderID),
		slog.String("pair", string(tracked.TradingPair)),
		slog.String("side", string(tracked.Side)),
		slog.String("amount", tracked.Amount.String()),
	)
	return nil
}

// SetExchangeOrderID records the exchange-assigned id once the order is
// acknowledged.
func (r *Registry) SetExchangeOrderID(clientID, exchangeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[clientID]
	if !ok {
		return fmt.Errorf("inflight: set exchange id %s: %w", clientID, domain.ErrNotFound)
	}
	if o.ExchangeOrderID != "" && o.ExchangeOrderID != exchangeID {
		delete(r.byExchange, o.ExchangeOrderID)
	}
	o.ExchangeOrderID = exchangeID
	r.byExchange[exchangeID] = clientID
	return nil
}

// lookup resolves an update by exchange id first, then client id. Caller
// holds r.mu.
func (r *Registry) lookup(msg domain.OrderStatusMessage) *Order {
	if msg.ExchangeOrderID != "" {
		if cid, ok := r.byExchange[msg.ExchangeOrderID]; ok {
			return r.orders[cid]
		}
	}
	if msg.ClientOrderID != "" {
		return r.orders[msg.ClientOrderID]
	}
	return nil
}

func (r *Registry) recentlyFinished(msg domain.OrderStatusMessage) bool {
	return (msg.ExchangeOrderID != "" && r.terminal.Contains(msg.ExchangeOrderID)) ||
		(msg.ClientOrderID != "" && r.terminal.Contains(msg.ClientOrderID))
}

// ApplyOrderUpdate folds an exchange report into the matching order. New
// fills emit order_filled each; a terminal status emits exactly one
// terminal event and stops tracking the order. fees may be nil.
func (r *Registry) ApplyOrderUpdate(ctx context.Context, msg domain.OrderStatusMessage, fees FeeSource) error {
	if msg.ClientOrderID == "" && msg.ExchangeOrderID == "" {
		return fmt.Errorf("inflight: apply update: no order id: %w", domain.ErrMalformedMessage)
	}
	events, ticket := r.applyLocked(msg, fees)
	if len(events) > 0 {
		r.emit(ctx, ticket, events)
	}
	return nil
}

func (r *Registry) applyLocked(msg domain.OrderStatusMessage, fees FeeSource) ([]domain.OrderEvent, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.lookup(msg)
	if o == nil {
		if r.recentlyFinished(msg) {
			r.logger.Debug("update for finished order dropped",
				slog.String("order_id", msg.ClientOrderID),
				slog.String("exchange_order_id", msg.ExchangeOrderID),
				slog.String("status", msg.Status),
			)
			return nil, 0
		}
		r.logger.Warn("update for unknown order dropped",
			slog.String("order_id", msg.ClientOrderID),
			slog.String("exchange_order_id", msg.ExchangeOrderID),
			slog.String("status", msg.Status),
		)
		return nil, 0
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	o.needsReconcile = false
	o.LastUpdate = ts
	if msg.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = msg.ExchangeOrderID
		r.byExchange[msg.ExchangeOrderID] = o.ClientOrderID
	}

	var events []domain.OrderEvent
	for _, f := range r.fillsFrom(o, msg) {
		if f.FillID == "" {
			r.logger.Warn("fill without id dropped", slog.String("order_id", o.ClientOrderID))
			continue
		}
		if o.HasFill(f.FillID) {
			r.logger.Debug("duplicate fill dropped",
				slog.String("order_id", o.ClientOrderID),
				slog.String("fill_id", f.FillID),
			)
			continue
		}
		if f.Amount.Sign() <= 0 || f.Price.Sign() < 0 {
			r.logger.Warn("fill with invalid size dropped",
				slog.String("order_id", o.ClientOrderID),
				slog.String("fill_id", f.FillID),
				slog.String("amount", f.Amount.String()),
			)
			continue
		}
		fee := f.Fee
		if fee.IsZero() && fees != nil {
			fee = fees.FeeFor(o.TradingPair, o.Side, f.Price, f.Amount)
		}
		o.applyFill(f, fee)

		fillTS := f.Timestamp
		if fillTS.IsZero() {
			fillTS = ts
		}
		ev := r.event(o, domain.OrderEventFilled, fillTS)
		ev.FillID = f.FillID
		ev.Price = f.Price
		ev.Amount = f.Amount
		ev.Fee = fee
		events = append(events, ev)
	}

	state, known := r.statuses.Lookup(msg.Status)
	switch {
	case msg.Status == "":
	case !known:
		r.logger.Warn("unknown order status",
			slog.String("order_id", o.ClientOrderID),
			slog.String("status", msg.Status),
		)
	case state.IsTerminal() && o.State == domain.OrderStateOpen:
		o.State = state
		ev := r.event(o, terminalEvent(state), ts)
		switch state {
		case domain.OrderStateFilled:
			ev.BaseAmount = o.ExecutedBase
			ev.QuoteAmount = o.ExecutedQuote
			ev.Fee = o.FeePaid
			ev.Price = o.AveragePrice()
		case domain.OrderStateFailed:
			ev.Reason = msg.Reason
		default:
			ev.BaseAmount = o.ExecutedBase
			ev.Reason = msg.Reason
		}
		events = append(events, ev)
		r.finishLocked(o)
		r.logger.Info("order finished",
			slog.String("order_id", o.ClientOrderID),
			slog.String("state", string(state)),
			slog.String("executed_base", o.ExecutedBase.String()),
		)
	}
	if len(events) == 0 {
		return nil, 0
	}
	return events, r.ticketLocked()
}

// fillsFrom returns the fills carried by msg. When the exchange reports
// only cumulative totals, the growth since the last update becomes one
// synthetic fill keyed by the new cumulative amount.
func (r *Registry) fillsFrom(o *Order, msg domain.OrderStatusMessage) []domain.Fill {
	if len(msg.Fills) > 0 || !msg.ExecutedBase.GreaterThan(o.ExecutedBase) {
		return msg.Fills
	}
	delta := msg.ExecutedBase.Sub(o.ExecutedBase)
	price := o.Price
	if quoteDelta := msg.ExecutedQuote.Sub(o.ExecutedQuote); quoteDelta.Sign() > 0 {
		price = quoteDelta.Div(delta)
	}
	return []domain.Fill{{
		FillID:    "cum:" + msg.ExecutedBase.String(),
		Price:     price,
		Amount:    delta,
		Timestamp: msg.Timestamp,
	}}
}

func terminalEvent(s domain.OrderState) domain.OrderEventType {
	switch s {
	case domain.OrderStateFilled:
		return domain.OrderEventCompleted
	case domain.OrderStateCancelled:
		return domain.OrderEventCancelled
	case domain.OrderStateExpired:
		return domain.OrderEventExpired
	default:
		return domain.OrderEventFailed
	}
}

func (r *Registry) event(o *Order, t domain.OrderEventType, ts time.Time) domain.OrderEvent {
	return domain.OrderEvent{
		Type:            t,
		Connector:       r.connector,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		Side:            o.Side,
		Timestamp:       ts,
	}
}

// finishLocked stops tracking o and remembers its ids. Caller holds r.mu.
func (r *Registry) finishLocked(o *Order) {
	delete(r.orders, o.ClientOrderID)
	r.terminal.Add(o.ClientOrderID, struct{}{})
	if o.ExchangeOrderID != "" {
		delete(r.byExchange, o.ExchangeOrderID)
		r.terminal.Add(o.ExchangeOrderID, struct{}{})
	}
}

// ticketLocked reserves the next emission slot. Every ticket taken must be
// passed to emit. Caller holds r.mu.
func (r *Registry) ticketLocked() uint64 {
	t := r.nextTicket
	r.nextTicket++
	return t
}

// emit waits for the batch's turn and delivers it to the sink. Batches
// leave in the order their state changes were made, even when the push
// handler and the poller race. Sinks must not call ApplyOrderUpdate or Fail.
func (r *Registry) emit(ctx context.Context, ticket uint64, events []domain.OrderEvent) {
	r.emitMu.Lock()
	for r.emitTurn != ticket {
		r.emitCond.Wait()
	}
	r.emitMu.Unlock()
	defer func() {
		r.emitMu.Lock()
		r.emitTurn++
		r.emitCond.Broadcast()
		r.emitMu.Unlock()
	}()

	if r.sink == nil {
		return
	}
	for _, ev := range events {
		if err := r.sink.Emit(ctx, ev); err != nil {
			r.logger.Error("emit order event",
				slog.String("event", string(ev.Type)),
				slog.String("order_id", ev.ClientOrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Fail marks an open order failed locally, for example when submission
// was rejected before the exchange acknowledged it.
func (r *Registry) Fail(ctx context.Context, clientID, reason string) error {
	r.mu.Lock()
	o, ok := r.orders[clientID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("inflight: fail %s: %w", clientID, domain.ErrNotFound)
	}
	o.State = domain.OrderStateFailed
	ev := r.event(o, domain.OrderEventFailed, time.Now().UTC())
	ev.Reason = reason
	r.finishLocked(o)
	ticket := r.ticketLocked()
	r.mu.Unlock()

	r.logger.Warn("order failed", slog.String("order_id", clientID), slog.String("reason", reason))
	r.emit(ctx, ticket, []domain.OrderEvent{ev})
	return nil
}

// StopTracking forgets an order without emitting anything.
func (r *Registry) StopTracking(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[clientID]
	if !ok {
		return false
	}
	delete(r.orders, clientID)
	if o.ExchangeOrderID != "" {
		delete(r.byExchange, o.ExchangeOrderID)
	}
	return true
}

// Get returns a copy of the order.
func (r *Registry) Get(clientID string) (Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[clientID]
	if !ok {
		return Order{}, false
	}
	return o.clone(), true
}

// Open returns copies of every tracked order, oldest first.
func (r *Registry) Open() []Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(func(*Order) bool { return true })
}

// Unreconciled returns restored orders not yet confirmed by the exchange.
func (r *Registry) Unreconciled() []Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(func(o *Order) bool { return o.needsReconcile })
}

func (r *Registry) sortedLocked(keep func(*Order) bool) []Order {
	out := make([]Order, 0, len(r.orders))
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, o.clone())
		}
	}
	slices.SortFunc(out, func(a, b Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ClientOrderID, b.ClientOrderID)
	})
	return out
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// Snapshot returns the persisted form of every tracked order.
func (r *Registry) Snapshot() map[string]domain.TrackedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.TrackedOrder, len(r.orders))
	for id, o := range r.orders {
		out[id] = o.record()
	}
	return out
}

// Restore rehydrates orders from a checkpoint. Terminal records and ids
// already tracked are skipped. Restored orders need reconciliation until
// their first update. It returns how many orders were restored.
func (r *Registry) Restore(records map[string]domain.TrackedOrder) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range records {
		if rec.ClientOrderID == "" {
			rec.ClientOrderID = id
		}
		if rec.State != "" && rec.State.IsTerminal() {
			continue
		}
		if _, ok := r.orders[rec.ClientOrderID]; ok {
			continue
		}
		o := orderFromRecord(rec)
		o.State = domain.OrderStateOpen
		r.orders[o.ClientOrderID] = o
		if o.ExchangeOrderID != "" {
			r.byExchange[o.ExchangeOrderID] = o.ClientOrderID
		}
		n++
	}
	if n > 0 {
		r.logger.Info("restored orders from checkpoint", slog.Int("count", n))
	}
	return n
}
