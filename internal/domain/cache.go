package domain

import (
	"context"
	"time"
)

// PriceCache records public trades and serves the latest traded prices.
type PriceCache interface {
	RecordTrade(ctx context.Context, t Trade) error
	GetPrice(ctx context.Context, assetID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, assetIDs []string) (map[string]float64, error)
}

// OrderbookCache stores a mirrored view of live books for readers outside
// the connector process.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, assetID string, snap OrderbookSnapshot) error
	GetSnapshot(ctx context.Context, assetID string) (OrderbookSnapshot, error)
	GetBBO(ctx context.Context, assetID string) (bestBid, bestAsk float64, err error)
}

// Lease is a held distributed lock. Extend returns ErrLockHeld once the
// lease has been lost to someone else.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RateLimiter enforces a request budget shared by every process using
// the same key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// SignalBus provides pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
