package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// unreachable returns a client whose every command fails fast.
func unreachable(t *testing.T, prefix string) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb, prefix)
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"marketsync", []string{"book", "tok", "bids"}, "marketsync:book:tok:bids"},
		{"marketsync:", []string{"price", "tok"}, "marketsync:price:tok"},
		{"", []string{"lock", "registry:kalshi"}, "lock:registry:kalshi"},
	}
	for _, tt := range tests {
		c := unreachable(t, tt.prefix)
		assert.Equal(t, tt.want, c.Key(tt.parts...))
	}
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("orders:*"))
	assert.True(t, hasPattern("book:[ab]"))
	assert.False(t, hasPattern("health"))
}

func TestLevelsFromZ(t *testing.T) {
	zs := []redis.Z{
		{Score: 0.45, Member: "0.45"},
		{Score: 0.4, Member: "0.4"},
		{Score: 0.3, Member: 3},
	}
	sizes := map[string]string{"0.45": "120", "0.4": "bad"}

	got := levelsFromZ(zs, sizes)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.45, Size: 120}, {Price: 0.4, Size: 0}}, got)
	assert.Equal(t, "0.125", formatFloat(0.125))
}

func TestUnreachableErrorsAreNotNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := unreachable(t, "marketsync")

	_, _, err := NewOrderbookCache(c, time.Minute).GetBBO(ctx, "tok")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
	assert.Contains(t, err.Error(), "redis: get bbo tok")

	_, err = NewRateLimiter(c).Allow(ctx, "status:kalshi", 10, time.Second)
	require.Error(t, err)
}
