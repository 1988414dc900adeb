package kalshi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// --------------------------------------------------------------------------
// Kalshi API DTOs
// --------------------------------------------------------------------------

// KalshiPriceLevel is a single [price, quantity] entry of the Kalshi
// orderbook. Prices are in cents (1-99).
type KalshiPriceLevel [2]int64

// Price returns the level price in cents.
func (l KalshiPriceLevel) Price() int64 { return l[0] }

// Quantity returns the number of resting contracts.
func (l KalshiPriceLevel) Quantity() int64 { return l[1] }

// KalshiOrder is an order as returned by GET /portfolio/orders/{id}.
type KalshiOrder struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"` // "resting", "canceled", "executed", "pending"
	Action         string `json:"action"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	FillCount      int64  `json:"fill_count"`
	RemainingCount int64  `json:"remaining_count"`
	TakerFillCount int64  `json:"taker_fill_count"`
	MakerFillCount int64  `json:"maker_fill_count"`
	LastUpdateTime string `json:"last_update_time"`
}

// filled returns the number of contracts executed so far.
func (o *KalshiOrder) filled() int64 {
	if o.FillCount > 0 {
		return o.FillCount
	}
	return o.TakerFillCount + o.MakerFillCount
}

// KalshiFill is one execution as returned by GET /portfolio/fills.
type KalshiFill struct {
	TradeID     string `json:"trade_id"`
	OrderID     string `json:"order_id"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"` // "yes" or "no"
	Action      string `json:"action"`
	Count       int64  `json:"count"`
	YesPrice    int64  `json:"yes_price"`
	NoPrice     int64  `json:"no_price"`
	IsTaker     bool   `json:"is_taker"`
	CreatedTime string `json:"created_time"`
}

// KalshiErrorResponse represents a Kalshi API error response.
type KalshiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --------------------------------------------------------------------------
// Kalshi WebSocket DTOs
// --------------------------------------------------------------------------

// KalshiWSMessage is the envelope for Kalshi WebSocket messages.
type KalshiWSMessage struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "orderbook_snapshot", "orderbook_delta", "trade", "fill", "subscribed", "error"
	SID  int64           `json:"sid"`
	Seq  uint64          `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

// KalshiWSSubscribed acknowledges a subscribe command.
type KalshiWSSubscribed struct {
	Channel string `json:"channel"`
	SID     int64  `json:"sid"`
}

// KalshiWSError reports a rejected command.
type KalshiWSError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// KalshiWSOrderbook is the orderbook snapshot received via WebSocket.
type KalshiWSOrderbook struct {
	Ticker string             `json:"market_ticker"`
	Yes    []KalshiPriceLevel `json:"yes"`
	No     []KalshiPriceLevel `json:"no"`
}

// KalshiWSDelta is one level change. Delta is signed.
type KalshiWSDelta struct {
	Ticker string `json:"market_ticker"`
	Price  int64  `json:"price"`
	Delta  int64  `json:"delta"`
	Side   string `json:"side"` // "yes" or "no"
	TS     string `json:"ts"`
}

// KalshiWSTrade is a public trade.
type KalshiWSTrade struct {
	TradeID   string `json:"trade_id"`
	Ticker    string `json:"market_ticker"`
	YesPrice  int64  `json:"yes_price"`
	NoPrice   int64  `json:"no_price"`
	Count     int64  `json:"count"`
	TakerSide string `json:"taker_side"`
	TS        int64  `json:"ts"`
}

// KalshiWSFill is a private fill on the fill channel.
type KalshiWSFill struct {
	TradeID       string `json:"trade_id"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"market_ticker"`
	IsTaker       bool   `json:"is_taker"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	YesPrice      int64  `json:"yes_price"`
	NoPrice       int64  `json:"no_price"`
	Count         int64  `json:"count"`
	TS            int64  `json:"ts"`
}

// KalshiWSCommand is the command sent to (un)subscribe Kalshi WebSocket
// channels.
type KalshiWSCommand struct {
	ID     int64                 `json:"id"`
	Cmd    string                `json:"cmd"` // "subscribe" or "unsubscribe"
	Params KalshiWSCommandParams `json:"params"`
}

// KalshiWSCommandParams defines the command parameters.
type KalshiWSCommandParams struct {
	Channels []string `json:"channels,omitempty"` // e.g. ["orderbook_delta"]
	Tickers  []string `json:"market_tickers,omitempty"`
	SIDs     []int64  `json:"sids,omitempty"`
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

var hundred = decimal.NewFromInt(100)

// centsToPrice converts a price in cents to dollars.
func centsToPrice(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(hundred)
}

// bookLevel maps a Yes/No level onto the Yes book: a Yes bid at p is a bid
// at p; a No bid at p is a Yes ask at 100-p.
func bookLevel(side string, cents int64) (domain.BookSide, decimal.Decimal, error) {
	if cents <= 0 || cents >= 100 {
		return "", decimal.Zero, fmt.Errorf("kalshi: price %d out of range: %w", cents, domain.ErrMalformedMessage)
	}
	switch side {
	case "yes":
		return domain.BookSideBid, centsToPrice(cents), nil
	case "no":
		return domain.BookSideAsk, centsToPrice(100 - cents), nil
	default:
		return "", decimal.Zero, fmt.Errorf("kalshi: side %q: %w", side, domain.ErrMalformedMessage)
	}
}

// updateID packs the subscription epoch and the per-subscription sequence.
func updateID(epoch uint32, seq uint64) uint64 {
	return uint64(epoch)<<32 | (seq & 0xffffffff)
}

// ToRaw converts a snapshot into a book message.
func (b *KalshiWSOrderbook) ToRaw(id uint64, ts time.Time) (domain.RawBookMessage, error) {
	msg := domain.RawBookMessage{
		Type:        domain.BookMessageSnapshot,
		TradingPair: domain.TradingPair(b.Ticker),
		UpdateID:    id,
		Timestamp:   ts,
		Levels:      make([]domain.RawLevel, 0, len(b.Yes)+len(b.No)),
	}
	for _, group := range []struct {
		side   string
		levels []KalshiPriceLevel
	}{{"yes", b.Yes}, {"no", b.No}} {
		for _, lvl := range group.levels {
			side, price, err := bookLevel(group.side, lvl.Price())
			if err != nil {
				return domain.RawBookMessage{}, err
			}
			msg.Levels = append(msg.Levels, domain.RawLevel{
				Side:     side,
				Price:    price,
				Quantity: decimal.NewFromInt(lvl.Quantity()),
				Op:       domain.LevelOpReplace,
			})
		}
	}
	return msg, nil
}

// ToRaw converts a delta into a one-level diff.
func (d *KalshiWSDelta) ToRaw(id uint64, ts time.Time) (domain.RawBookMessage, error) {
	side, price, err := bookLevel(d.Side, d.Price)
	if err != nil {
		return domain.RawBookMessage{}, err
	}
	lvl := domain.RawLevel{Side: side, Price: price, Op: domain.LevelOpAdd, Quantity: decimal.NewFromInt(d.Delta)}
	if d.Delta < 0 {
		lvl.Op = domain.LevelOpRemove
		lvl.Quantity = decimal.NewFromInt(-d.Delta)
	}
	return domain.RawBookMessage{
		Type:        domain.BookMessageDiff,
		TradingPair: domain.TradingPair(d.Ticker),
		UpdateID:    id,
		Timestamp:   ts,
		Levels:      []domain.RawLevel{lvl},
	}, nil
}

// ToRaw converts a public trade. A yes taker lifts the Yes ask.
func (t *KalshiWSTrade) ToRaw() domain.RawTradeMessage {
	side := domain.OrderSideBuy
	if t.TakerSide == "no" {
		side = domain.OrderSideSell
	}
	return domain.RawTradeMessage{
		TradingPair: domain.TradingPair(t.Ticker),
		TradeID:     t.TradeID,
		Price:       centsToPrice(t.YesPrice),
		Amount:      decimal.NewFromInt(t.Count),
		Side:        side,
		Timestamp:   unixSeconds(t.TS),
	}
}

// fillPrice is what the order paid per contract on its own side.
func fillPrice(side string, yes, no int64) decimal.Decimal {
	if side == "no" {
		return centsToPrice(no)
	}
	return centsToPrice(yes)
}

// ToStatus converts a private fill into an order update carrying that
// fill only.
func (f *KalshiWSFill) ToStatus() domain.OrderStatusMessage {
	ts := unixSeconds(f.TS)
	return domain.OrderStatusMessage{
		ClientOrderID:   f.ClientOrderID,
		ExchangeOrderID: f.OrderID,
		TradingPair:     domain.TradingPair(f.Ticker),
		Fills: []domain.Fill{{
			FillID:    f.TradeID,
			Price:     fillPrice(f.Side, f.YesPrice, f.NoPrice),
			Amount:    decimal.NewFromInt(f.Count),
			Timestamp: ts,
		}},
		Timestamp: ts,
	}
}

// ToFill converts a REST fill.
func (f *KalshiFill) ToFill() domain.Fill {
	ts, err := time.Parse(time.RFC3339, f.CreatedTime)
	if err != nil {
		ts = time.Time{}
	}
	return domain.Fill{
		FillID:    f.TradeID,
		Price:     fillPrice(f.Side, f.YesPrice, f.NoPrice),
		Amount:    decimal.NewFromInt(f.Count),
		Timestamp: ts,
	}
}

func unixSeconds(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
