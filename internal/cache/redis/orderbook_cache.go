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

// OrderbookCache mirrors reconstructed books into Redis for readers outside
// the connector process. It implements domain.OrderbookCache and the book
// coordinators' BookMirror.
//
// Key schema (under the client prefix):
//
//	book:{assetID}:bids     - sorted set of bid prices (score = price)
//	book:{assetID}:asks     - sorted set of ask prices (score = price)
//	book:{assetID}:bid:size - hash mapping price -> size for bids
//	book:{assetID}:ask:size - hash mapping price -> size for asks
//	book:{assetID}:bbo      - hash with fields "bid" and "ask"
//	book:{assetID}:meta     - hash with "ts" and "update_id"
//
// Every key expires after ttl unless refreshed, so a dead connector does
// not leave a stale book behind.
type OrderbookCache struct {
	client *Client
	ttl    time.Duration
}

// NewOrderbookCache creates an OrderbookCache. A ttl of zero disables
// expiry.
func NewOrderbookCache(c *Client, ttl time.Duration) *OrderbookCache {
	return &OrderbookCache{client: c, ttl: ttl}
}

func (oc *OrderbookCache) key(assetID, suffix string) string {
	return oc.client.Key("book", assetID, suffix)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// SetSnapshot atomically replaces the mirrored book of an asset.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, assetID string, snap domain.OrderbookSnapshot) error {
	bidsKey := oc.key(assetID, "bids")
	asksKey := oc.key(assetID, "asks")
	bidSizeKey := oc.key(assetID, "bid:size")
	askSizeKey := oc.key(assetID, "ask:size")
	bboKey := oc.key(assetID, "bbo")
	metaKey := oc.key(assetID, "meta")

	pipe := oc.client.Underlying().TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, bidSizeKey, askSizeKey, bboKey, metaKey)

	for _, lvl := range snap.Bids {
		p := formatFloat(lvl.Price)
		pipe.ZAdd(ctx, bidsKey, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, bidSizeKey, p, formatFloat(lvl.Size))
	}
	for _, lvl := range snap.Asks {
		p := formatFloat(lvl.Price)
		pipe.ZAdd(ctx, asksKey, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, askSizeKey, p, formatFloat(lvl.Size))
	}

	if snap.BestBid > 0 {
		pipe.HSet(ctx, bboKey, "bid", formatFloat(snap.BestBid))
	}
	if snap.BestAsk > 0 {
		pipe.HSet(ctx, bboKey, "ask", formatFloat(snap.BestAsk))
	}
	pipe.HSet(ctx, metaKey,
		"ts", strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
		"update_id", strconv.FormatUint(snap.UpdateID, 10),
	)

	if oc.ttl > 0 {
		for _, k := range []string{bidsKey, asksKey, bidSizeKey, askSizeKey, bboKey, metaKey} {
			pipe.PExpire(ctx, k, oc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook snapshot %s: %w", assetID, err)
	}
	return nil
}

// GetSnapshot reconstructs the mirrored book of an asset.
// It returns domain.ErrNotFound if nothing is mirrored.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, assetID string) (domain.OrderbookSnapshot, error) {
	pipe := oc.client.Underlying().Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, oc.key(assetID, "bids"), 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, oc.key(assetID, "asks"), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, oc.key(assetID, "bid:size"))
	askSizeCmd := pipe.HGetAll(ctx, oc.key(assetID, "ask:size"))
	bboCmd := pipe.HGetAll(ctx, oc.key(assetID, "bbo"))
	metaCmd := pipe.HGetAll(ctx, oc.key(assetID, "meta"))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get orderbook snapshot %s: %w", assetID, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s: %w", assetID, domain.ErrNotFound)
	}

	snap := domain.OrderbookSnapshot{AssetID: assetID}
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		snap.Timestamp = time.Unix(0, ns).UTC()
	}
	snap.UpdateID, _ = strconv.ParseUint(meta["update_id"], 10, 64)

	bidSizes, _ := bidSizeCmd.Result()
	bidsZ, _ := bidsCmd.Result()
	snap.Bids = levelsFromZ(bidsZ, bidSizes)

	askSizes, _ := askSizeCmd.Result()
	asksZ, _ := asksCmd.Result()
	snap.Asks = levelsFromZ(asksZ, askSizes)

	bbo, _ := bboCmd.Result()
	snap.BestBid, _ = strconv.ParseFloat(bbo["bid"], 64)
	snap.BestAsk, _ = strconv.ParseFloat(bbo["ask"], 64)
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
	}
	return snap, nil
}

func levelsFromZ(zs []redis.Z, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(zs))
	for _, z := range zs {
		p, ok := z.Member.(string)
		if !ok {
			continue
		}
		size, _ := strconv.ParseFloat(sizes[p], 64)
		out = append(out, domain.PriceLevel{Price: z.Score, Size: size})
	}
	return out
}

// GetBBO retrieves the mirrored best bid and best ask.
// It returns domain.ErrNotFound if nothing is mirrored.
func (oc *OrderbookCache) GetBBO(ctx context.Context, assetID string) (bestBid, bestAsk float64, err error) {
	vals, err := oc.client.Underlying().HGetAll(ctx, oc.key(assetID, "bbo")).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", assetID, err)
	}
	if len(vals) == 0 {
		return 0, 0, fmt.Errorf("redis: bbo %s: %w", assetID, domain.ErrNotFound)
	}
	bestBid, _ = strconv.ParseFloat(vals["bid"], 64)
	bestAsk, _ = strconv.ParseFloat(vals["ask"], 64)
	return bestBid, bestAsk, nil
}

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)
