package booktracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type staticFetcher struct{}

func (staticFetcher) FetchSnapshot(_ context.Context, pair domain.TradingPair) (domain.RawBookMessage, error) {
	return domain.RawBookMessage{
		Type:        domain.BookMessageSnapshot,
		TradingPair: pair,
		UpdateID:    1,
		Levels:      []domain.RawLevel{level(domain.BookSideBid, "", "10", "1")},
	}, nil
}

func TestManagerAddAndRoute(t *testing.T) {
	m := NewManager("test", staticFetcher{}, LevelTrackers, Config{}, Sinks{}, discard())

	_, err := m.Add("A")
	require.NoError(t, err)
	_, err = m.Add("B")
	require.NoError(t, err)
	_, err = m.Add("A")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	assert.Equal(t, []domain.TradingPair{"A", "B"}, m.Pairs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	bookA, ok := m.Book("A")
	require.True(t, ok)
	require.Eventually(t, bookA.Initialized, waitFor, tick)

	require.NoError(t, m.Route(ctx, domain.RawBookMessage{
		Type:        domain.BookMessageDiff,
		TradingPair: "A",
		UpdateID:    2,
		Levels:      []domain.RawLevel{level(domain.BookSideAsk, "", "11", "4")},
	}))
	require.Eventually(t, func() bool { return bookA.LastUpdateID() == 2 }, waitFor, tick)

	bookB, _ := m.Book("B")
	require.Eventually(t, bookB.Initialized, waitFor, tick)
	assert.Equal(t, uint64(1), bookB.LastUpdateID(), "pairs are independent")

	err = m.Route(ctx, domain.RawBookMessage{TradingPair: "C"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = m.RouteTrade(ctx, domain.RawTradeMessage{TradingPair: "C"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.Eventually(t, func() bool {
		for _, st := range m.Statuses() {
			if !st.Initialized {
				return false
			}
		}
		return true
	}, waitFor, tick)

	_, err = m.Add("D")
	assert.Error(t, err, "pairs cannot be added while running")
}

func TestManagerUnknownPairLookups(t *testing.T) {
	m := NewManager("test", staticFetcher{}, OrderTrackers, Config{RetryInterval: time.Second}, Sinks{}, discard())
	_, ok := m.Book("X")
	assert.False(t, ok)
	_, ok = m.Status("X")
	assert.False(t, ok)
}
