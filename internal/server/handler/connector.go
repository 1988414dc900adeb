package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/connector"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/inflight"
)


// defaultDepth is the number of levels per side returned for a book.
const defaultDepth = 10

// ConnectorSource is the read side of a running connector.
type ConnectorSource interface {
	Name() string
	Stats() connector.Stats
	Book(pair domain.TradingPair, depth int) (domain.OrderbookSnapshot, bool)
	OpenOrders() []domain.TrackedOrder
	TrackOrder(o inflight.Order) (domain.TrackedOrder, error)
	AckOrder(clientID, exchangeID string) error
}

// Compile-time interface check.
var _ ConnectorSource = (*connector.Connector)(nil)

// ConnectorHandler serves book and order state of the running connectors.
type ConnectorHandler struct {
	byName map[string]ConnectorSource
	order  []ConnectorSource
	logger *slog.Logger
}

// NewConnectorHandler creates a ConnectorHandler.
func NewConnectorHandler(connectors []ConnectorSource, logger *slog.Logger) *ConnectorHandler {
	h := &ConnectorHandler{
		byName: make(map[string]ConnectorSource, len(connectors)),
		order:  connectors,
		logger: logger.With(slog.String("handler", "connectors")),
	}
	for _, c := range connectors {
		h.byName[c.Name()] = c
	}
	return h
}

// ListConnectors returns the stats of every connector.
// GET /api/connectors
func (h *ConnectorHandler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	out := make([]connector.Stats, 0, len(h.order))
	for _, c := range h.order {
		out = append(out, c.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConnector returns the stats of one connector.
// GET /api/connectors/{name}
func (h *ConnectorHandler) GetConnector(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Stats())
}

// GetBook returns the top levels of one book. depth=0 returns every level.
// GET /api/connectors/{name}/books/{pair}?depth=10
func (h *ConnectorHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	pair := domain.TradingPair(r.PathValue("pair"))
	snap, ok := c.Book(pair, intParam(r, "depth", defaultDepth))
	if !ok {
		writeError(w, http.StatusNotFound, "book not found or not initialised")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListOrders returns the orders the connector is tracking.
// GET /api/connectors/{name}/orders
func (h *ConnectorHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	orders := c.OpenOrders()
	if orders == nil {
		orders = []domain.TrackedOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *ConnectorHandler) lookup(w http.ResponseWriter, r *http.Request) (ConnectorSource, bool) {
	name := r.PathValue("name")
	c, ok := h.byName[name]
	if !ok {
		h.logger.Debug("unknown connector", slog.String("name", name))
		writeError(w, http.StatusNotFound, "connector not found")
	}
	return c, ok
}

type trackOrderRequest struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	TradingPair     string          `json:"trading_pair"`
	Side            string          `json:"side"`
	OrderType       string          `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
}

// TrackOrder registers an order submitted by the strategy layer.
// POST /api/connectors/{name}/orders
func (h *ConnectorHandler) TrackOrder(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req trackOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tracked, err := c.TrackOrder(inflight.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: req.ExchangeOrderID,
		TradingPair:     domain.TradingPair(req.TradingPair),
		Side:            domain.OrderSide(strings.ToLower(req.Side)),
		OrderType:       domain.OrderType(strings.ToLower(req.OrderType)),
		Price:           req.Price,
		Amount:          req.Amount,
	})
	if err != nil {
		h.intakeError(w, c.Name(), err)
		return
	}
	writeJSON(w, http.StatusCreated, tracked)
}

// AckOrder attaches the exchange-assigned id to a tracked order.
// PUT /api/connectors/{name}/orders/{id}/exchange-id
func (h *ConnectorHandler) AckOrder(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		ExchangeOrderID string `json:"exchange_order_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := c.AckOrder(r.PathValue("id"), req.ExchangeOrderID); err != nil {
		h.intakeError(w, c.Name(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectorHandler) intakeError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "order already tracked")
	case errors.Is(err, domain.ErrTrackingDisabled):
		writeError(w, http.StatusConflict, "order tracking is disabled")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		h.logger.Error("order intake failed", slog.String("connector", name), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to track order")
	}
}
