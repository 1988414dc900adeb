package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingPair identifies one book on one venue (a CLOB token id, a market
// ticker, "BASE-QUOTE", ...). The core treats it as opaque.
type TradingPair string

// BookSide selects one ladder of a book.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// ParseBookSide accepts the side spellings used by the supported feeds.
func ParseBookSide(s string) (BookSide, bool) {
	switch s {
	case "bid", "bids", "BID", "BUY", "buy", "yes":
		return BookSideBid, true
	case "ask", "asks", "ASK", "SELL", "sell", "no":
		return BookSideAsk, true
	default:
		return "", false
	}
}

// PriceLevelRow is the canonical book row consumed by the ladders. A zero
// Quantity removes the level.
type PriceLevelRow struct {
	Timestamp time.Time
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	UpdateID  uint64
}

// BookRows is what a tracker hands to the book: bid and ask rows tagged
// with the update id they belong to.
type BookRows struct {
	TradingPair TradingPair
	Bids        []PriceLevelRow
	Asks        []PriceLevelRow
	UpdateID    uint64
	Timestamp   time.Time
}

// Empty reports whether the rows carry no level changes.
func (r BookRows) Empty() bool {
	return len(r.Bids) == 0 && len(r.Asks) == 0
}

// BookMessageType tags a raw feed message.
type BookMessageType string

const (
	BookMessageSnapshot BookMessageType = "snapshot"
	BookMessageDiff     BookMessageType = "diff"
	BookMessageTrade    BookMessageType = "trade"
)

// LevelOp is the operation a raw diff entry applies.
type LevelOp string

const (
	LevelOpReplace LevelOp = "replace" // default: quantity replaces what is there
	LevelOpAdd     LevelOp = "add"
	LevelOpRemove  LevelOp = "remove"
)

// RawLevel is one entry of a price-aggregated feed.
type RawLevel struct {
	Side     BookSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Op       LevelOp
}

// RawOrderEntry is one entry of an order-granular (level 3) feed.
type RawOrderEntry struct {
	OrderID  string
	Side     BookSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Op       LevelOp
	Priority uint64
}

// RawBookMessage is a snapshot or diff as delivered by a transport
// adapter, before any tracker has normalized it. Exactly one of Levels or
// Orders is populated, depending on the feed granularity.
type RawBookMessage struct {
	Type        BookMessageType
	TradingPair TradingPair
	UpdateID    uint64
	Timestamp   time.Time
	Levels      []RawLevel
	Orders      []RawOrderEntry
}

// RawTradeMessage is a public trade print from a feed.
type RawTradeMessage struct {
	TradingPair TradingPair
	TradeID     string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Side        OrderSide
	Timestamp   time.Time
}

// Trade is a validated public trade.
type Trade struct {
	TradingPair TradingPair
	TradeID     string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Side        OrderSide
	Timestamp   time.Time
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is the float view of a book mirrored to caches and
// strategies.
type OrderbookSnapshot struct {
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	BestBid   float64      `json:"best_bid"`
	BestAsk   float64      `json:"best_ask"`
	MidPrice  float64      `json:"mid_price"`
	UpdateID  uint64       `json:"update_id"`
	Timestamp time.Time    `json:"timestamp"`
}
