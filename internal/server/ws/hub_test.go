package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanBus hands out one channel per subscribed name.
type chanBus struct {
	mu    sync.Mutex
	chans map[string]chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 4)
	b.chans[channel] = ch
	return ch, nil
}

func (b *chanBus) get(channel string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chans[channel]
}

func TestHubRelaysBusMessages(t *testing.T) {
	bus := &chanBus{chans: map[string]chan []byte{}}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "Track", Connectors: []string{"kalshi"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status["channel"])
	assert.Equal(t, "track", status["data"].(map[string]any)["mode"])

	require.Eventually(t, func() bool { return bus.get("orders:*") != nil }, time.Second, 5*time.Millisecond)
	bus.get("orders:*") <- []byte(`{"type":"order_filled"}`)

	var got envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "orders:*", got.Channel)
	assert.JSONEq(t, `{"type":"order_filled"}`, string(got.Data))
}

func TestWrapNonJSON(t *testing.T) {
	var got envelope
	require.NoError(t, json.Unmarshal(wrap("health", []byte("plain")), &got))
	assert.JSONEq(t, `"plain"`, string(got.Data))
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{"orders:*": true}}
	assert.True(t, c.isSubscribed("orders:kalshi"))
	assert.False(t, c.isSubscribed("health"))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"health"}})
	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"orders:*"}})
	assert.True(t, c.isSubscribed("health"))
	assert.False(t, c.isSubscribed("orders:kalshi"))
}
