package booktracker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// TradeStatsSnapshot is a point-in-time copy of TradeStats.
type TradeStatsSnapshot struct {
	LastPrice decimal.Decimal
	LastTrade time.Time
	Volume    decimal.Decimal
	Notional  decimal.Decimal
	Count     int64
}

// VWAP returns notional / volume, zero before the first trade.
func (s TradeStatsSnapshot) VWAP() decimal.Decimal {
	if s.Volume.IsZero() {
		return decimal.Zero
	}
	return s.Notional.Div(s.Volume)
}

// TradeStats accumulates public trades for one pair. Trades never touch
// the book ladders.
type TradeStats struct {
	mu   sync.RWMutex
	snap TradeStatsSnapshot
}

// Record folds a trade into the running totals.
func (s *TradeStats) Record(t domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastPrice = t.Price
	s.snap.LastTrade = t.Timestamp
	s.snap.Volume = s.snap.Volume.Add(t.Amount)
	s.snap.Notional = s.snap.Notional.Add(t.Price.Mul(t.Amount))
	s.snap.Count++
}

// Snapshot returns a copy of the current totals.
func (s *TradeStats) Snapshot() TradeStatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
