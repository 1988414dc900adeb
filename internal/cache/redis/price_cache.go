package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// PriceCache keeps the last traded price of every asset in a Redis hash at
// "price:{assetID}" with fields "price", "ts" (Unix ns), "trade_id",
// "volume" and "count". It is the book coordinators' TradeSink.
type PriceCache struct {
	client *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{client: c}
}

func (pc *PriceCache) key(assetID string) string {
	return pc.client.Key("price", assetID)
}

// RecordTrade stores the trade as the last price and accumulates volume.
func (pc *PriceCache) RecordTrade(ctx context.Context, t domain.Trade) error {
	key := pc.key(string(t.TradingPair))
	amount, _ := t.Amount.Float64()

	pipe := pc.client.Underlying().TxPipeline()
	pipe.HSet(ctx, key,
		"price", t.Price.String(),
		"ts", strconv.FormatInt(t.Timestamp.UnixNano(), 10),
		"trade_id", t.TradeID,
	)
	pipe.HIncrByFloat(ctx, key, "volume", amount)
	pipe.HIncrBy(ctx, key, "count", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record trade %s: %w", t.TradingPair, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for an asset.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (float64, time.Time, error) {
	vals, err := pc.client.Underlying().HGetAll(ctx, pc.key(assetID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", assetID, domain.ErrNotFound)
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", assetID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", assetID, err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

// GetPrices retrieves the latest prices for several assets in one round
// trip. Unknown assets are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	if len(assetIDs) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.client.Underlying().Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGet(ctx, pc.key(id), "price")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(assetIDs))
	for id, cmd := range cmds {
		price, err := cmd.Float64()
		if err != nil {
			continue
		}
		result[id] = price
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
