package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// --------------------------------------------------------------------------
// CLOB REST DTOs
// --------------------------------------------------------------------------

// APIBook is the response of GET /book.
type APIBook struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// APIOrder represents an order as returned by GET /data/order/{id}.
type APIOrder struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Price           string   `json:"price"`
	OrderType       string   `json:"order_type"`
	AssociateTrades []string `json:"associate_trades"`
	CreatedAt       int64    `json:"created_at"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// BookMessage is a full book delivered on the market channel, either on
// subscribe or after a trade.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChange is one level update inside a price_change message.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" means level removed
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
}

// PriceChangeMessage carries level updates. Newer payloads list changes
// under price_changes with a per-change asset id; older ones put the asset
// on the envelope and the changes under changes.
type PriceChangeMessage struct {
	EventType    string        `json:"event_type"`
	AssetID      string        `json:"asset_id"`
	Market       string        `json:"market"`
	PriceChanges []PriceChange `json:"price_changes"`
	Changes      []PriceChange `json:"changes"`
	Timestamp    string        `json:"timestamp"`
}

// LastTradePriceMessage is a public trade print.
type LastTradePriceMessage struct {
	EventType  string `json:"event_type"`
	AssetID    string `json:"asset_id"`
	Market     string `json:"market"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Side       string `json:"side"`
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"`
}

// UserOrderMessage is an order event on the authenticated user channel.
type UserOrderMessage struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Type         string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Timestamp    string `json:"timestamp"`
}

// WSCommand is the subscription payload. Market subscriptions carry asset
// ids; user subscriptions carry auth and condition ids.
type WSCommand struct {
	Type    string   `json:"type"` // "market" or "user"
	Assets  []string `json:"assets_ids,omitempty"`
	Markets []string `json:"markets,omitempty"`
	Auth    *WSAuth  `json:"auth,omitempty"`
}

// WSAuth authenticates a user channel subscription.
type WSAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// Update ids are the message timestamp in milliseconds scaled by 1000. A
// REST snapshot takes the bottom slot of its millisecond, so diffs stamped
// with the same millisecond are applied again on top of it. Levels carry
// absolute sizes, which makes that replay harmless.
const idsPerMilli = 1000

func snapshotUpdateID(ms int64) uint64 {
	if ms <= 0 {
		return 0
	}
	return uint64(ms) * idsPerMilli
}

func parseMillis(s string) (int64, time.Time) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		now := time.Now()
		return now.UnixMilli(), now
	}
	// Some payloads carry seconds.
	if ms < 1e12 {
		ms *= 1000
	}
	return ms, time.UnixMilli(ms)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket: %s %q: %w", field, s, domain.ErrMalformedMessage)
	}
	return v, nil
}

func levelsToRaw(side domain.BookSide, levels []WSPriceLevel) ([]domain.RawLevel, error) {
	out := make([]domain.RawLevel, 0, len(levels))
	for _, lvl := range levels {
		p, err := parseDecimal("price", lvl.Price)
		if err != nil {
			return nil, err
		}
		q, err := parseDecimal("size", lvl.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RawLevel{Side: side, Price: p, Quantity: q, Op: domain.LevelOpReplace})
	}
	return out, nil
}

func bookToRaw(assetID string, bids, asks []WSPriceLevel, timestamp string) (domain.RawBookMessage, error) {
	ms, ts := parseMillis(timestamp)
	msg := domain.RawBookMessage{
		Type:        domain.BookMessageSnapshot,
		TradingPair: domain.TradingPair(assetID),
		UpdateID:    snapshotUpdateID(ms),
		Timestamp:   ts,
	}
	b, err := levelsToRaw(domain.BookSideBid, bids)
	if err != nil {
		return domain.RawBookMessage{}, err
	}
	a, err := levelsToRaw(domain.BookSideAsk, asks)
	if err != nil {
		return domain.RawBookMessage{}, err
	}
	msg.Levels = append(b, a...)
	return msg, nil
}

// ToRaw converts a REST book.
func (b *APIBook) ToRaw() (domain.RawBookMessage, error) {
	return bookToRaw(b.AssetID, b.Bids, b.Asks, b.Timestamp)
}

// ToRaw converts a WS book.
func (b *BookMessage) ToRaw() (domain.RawBookMessage, error) {
	return bookToRaw(b.AssetID, b.Bids, b.Asks, b.Timestamp)
}

// changes returns the level updates regardless of payload generation.
func (p *PriceChangeMessage) changes() []PriceChange {
	if len(p.PriceChanges) > 0 {
		return p.PriceChanges
	}
	out := make([]PriceChange, 0, len(p.Changes))
	for _, c := range p.Changes {
		if c.AssetID == "" {
			c.AssetID = p.AssetID
		}
		out = append(out, c)
	}
	return out
}

// ToRaw splits a price_change into one diff per asset, in first-seen
// order. seq supplies the sub-millisecond sequence for an asset.
func (p *PriceChangeMessage) ToRaw(seq func(asset string, ms int64) uint64) ([]domain.RawBookMessage, error) {
	ms, ts := parseMillis(p.Timestamp)
	byAsset := make(map[string]*domain.RawBookMessage)
	var order []string
	for _, c := range p.changes() {
		side, ok := domain.ParseBookSide(c.Side)
		if !ok {
			return nil, fmt.Errorf("polymarket: side %q: %w", c.Side, domain.ErrMalformedMessage)
		}
		price, err := parseDecimal("price", c.Price)
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal("size", c.Size)
		if err != nil {
			return nil, err
		}
		msg, ok := byAsset[c.AssetID]
		if !ok {
			msg = &domain.RawBookMessage{
				Type:        domain.BookMessageDiff,
				TradingPair: domain.TradingPair(c.AssetID),
				Timestamp:   ts,
			}
			byAsset[c.AssetID] = msg
			order = append(order, c.AssetID)
		}
		msg.Levels = append(msg.Levels, domain.RawLevel{Side: side, Price: price, Quantity: size, Op: domain.LevelOpReplace})
	}
	out := make([]domain.RawBookMessage, 0, len(order))
	for _, asset := range order {
		msg := byAsset[asset]
		msg.UpdateID = seq(asset, ms)
		out = append(out, *msg)
	}
	return out, nil
}

// ToRaw converts a trade print. Polymarket does not send trade ids on the
// market channel, so one is derived from asset, time, price and size.
func (m *LastTradePriceMessage) ToRaw() (domain.RawTradeMessage, error) {
	price, err := parseDecimal("price", m.Price)
	if err != nil {
		return domain.RawTradeMessage{}, err
	}
	size, err := parseDecimal("size", m.Size)
	if err != nil {
		return domain.RawTradeMessage{}, err
	}
	ms, ts := parseMillis(m.Timestamp)
	side := domain.OrderSide("")
	switch strings.ToUpper(m.Side) {
	case "BUY":
		side = domain.OrderSideBuy
	case "SELL":
		side = domain.OrderSideSell
	}
	return domain.RawTradeMessage{
		TradingPair: domain.TradingPair(m.AssetID),
		TradeID:     fmt.Sprintf("%s:%d:%s:%s", m.AssetID, ms, price, size),
		Price:       price,
		Amount:      size,
		Side:        side,
		Timestamp:   ts,
	}, nil
}

// ToStatus converts a REST order. Polymarket reports cumulative matched
// size only, so fills are derived by the registry from ExecutedBase.
func (a *APIOrder) ToStatus() (domain.OrderStatusMessage, error) {
	matched := decimal.Zero
	if a.SizeMatched != "" {
		var err error
		if matched, err = parseDecimal("size_matched", a.SizeMatched); err != nil {
			return domain.OrderStatusMessage{}, err
		}
	}
	msg := domain.OrderStatusMessage{
		ExchangeOrderID: a.ID,
		TradingPair:     domain.TradingPair(a.AssetID),
		Status:          a.Status,
		ExecutedBase:    matched,
		Timestamp:       time.Now().UTC(),
	}
	if price, err := decimal.NewFromString(a.Price); err == nil && matched.Sign() > 0 {
		msg.ExecutedQuote = price.Mul(matched)
	}
	return msg, nil
}

// ToStatus converts a user channel order event.
func (m *UserOrderMessage) ToStatus() (domain.OrderStatusMessage, error) {
	_, ts := parseMillis(m.Timestamp)
	msg := domain.OrderStatusMessage{
		ExchangeOrderID: m.ID,
		TradingPair:     domain.TradingPair(m.AssetID),
		Timestamp:       ts,
	}
	switch strings.ToUpper(m.Type) {
	case "CANCELLATION":
		msg.Status = "canceled"
	default:
		msg.Status = "live"
	}
	if m.SizeMatched != "" {
		matched, err := parseDecimal("size_matched", m.SizeMatched)
		if err != nil {
			return domain.OrderStatusMessage{}, err
		}
		msg.ExecutedBase = matched
		if price, err := decimal.NewFromString(m.Price); err == nil && matched.Sign() > 0 {
			msg.ExecutedQuote = price.Mul(matched)
		}
		if size, err := decimal.NewFromString(m.OriginalSize); err == nil && size.Sign() > 0 && matched.GreaterThanOrEqual(size) {
			msg.Status = "matched"
		}
	}
	return msg, nil
}

// splitFrames returns the events in a frame, which may be a single object
// or an array of them. Plain-text frames such as "PONG" carry no events.
func splitFrames(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '[' && trimmed[0] != '{') {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return []json.RawMessage{trimmed}, nil
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(trimmed, &frames); err != nil {
		return nil, fmt.Errorf("polymarket: decode frame: %w", domain.ErrMalformedMessage)
	}
	return frames, nil
}
