package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type recordingHandler struct {
	mu     sync.Mutex
	books  []domain.RawBookMessage
	trades []domain.RawTradeMessage
	orders []domain.OrderStatusMessage
}

func (h *recordingHandler) HandleBook(_ context.Context, msg domain.RawBookMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.books = append(h.books, msg)
	return nil
}

func (h *recordingHandler) HandleTrade(_ context.Context, msg domain.RawTradeMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trades = append(h.trades, msg)
	return nil
}

func (h *recordingHandler) HandleOrderUpdate(_ context.Context, msg domain.OrderStatusMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orders = append(h.orders, msg)
	return nil
}

func (h *recordingHandler) bookMessages() []domain.RawBookMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.RawBookMessage(nil), h.books...)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBookLevel(t *testing.T) {
	tests := []struct {
		name      string
		side      string
		cents     int64
		wantSide  domain.BookSide
		wantPrice string
		wantErr   bool
	}{
		{name: "yes is a bid", side: "yes", cents: 42, wantSide: domain.BookSideBid, wantPrice: "0.42"},
		{name: "no is a yes ask", side: "no", cents: 55, wantSide: domain.BookSideAsk, wantPrice: "0.45"},
		{name: "zero price", side: "yes", cents: 0, wantErr: true},
		{name: "hundred", side: "no", cents: 100, wantErr: true},
		{name: "unknown side", side: "maybe", cents: 10, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, price, err := bookLevel(tt.side, tt.cents)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSide, side)
			assert.True(t, d(tt.wantPrice).Equal(price), "got %s", price)
		})
	}
}

func TestDeltaToRaw(t *testing.T) {
	add := KalshiWSDelta{Ticker: "KX", Price: 40, Delta: 3, Side: "yes"}
	msg, err := add.ToRaw(updateID(2, 9), time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(2)<<32|9, msg.UpdateID)
	assert.Equal(t, domain.LevelOpAdd, msg.Levels[0].Op)
	assert.True(t, d("3").Equal(msg.Levels[0].Quantity))

	remove := KalshiWSDelta{Ticker: "KX", Price: 60, Delta: -2, Side: "no"}
	msg, err = remove.ToRaw(updateID(2, 10), time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.LevelOpRemove, msg.Levels[0].Op)
	assert.Equal(t, domain.BookSideAsk, msg.Levels[0].Side)
	assert.True(t, d("0.4").Equal(msg.Levels[0].Price))
	assert.True(t, d("2").Equal(msg.Levels[0].Quantity))

	assert.Greater(t, updateID(3, 1), updateID(2, 1<<20), "a new epoch outranks any earlier sequence")
}

func TestCheckStatus(t *testing.T) {
	body := []byte(`{"error":{"code":"not_found","message":"order not found"}}`)
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		err := checkStatus(tt.code, body)
		assert.ErrorIs(t, err, tt.want)
		assert.Contains(t, err.Error(), "order not found")
	}
	assert.NoError(t, checkStatus(http.StatusOK, nil))
	assert.ErrorContains(t, checkStatus(http.StatusBadGateway, nil), "HTTP 502")
}

func newTestSigner(t *testing.T) (*Signer, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	signer, err := NewSigner("key-id", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)
	return signer, &key.PublicKey
}

func verifySignature(pub *rsa.PublicKey, r *http.Request) bool {
	sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
	if err != nil {
		return false
	}
	hash := sha256.Sum256([]byte(r.Header.Get("KALSHI-ACCESS-TIMESTAMP") + r.Method + r.URL.Path))
	return rsa.VerifyPSS(pub, crypto.SHA256, hash[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	_, err := NewSigner("k", []byte("not a pem"))
	assert.Error(t, err)

	var s *Signer
	_, err = s.Headers(http.MethodGet, "/x")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestFetchStatus(t *testing.T) {
	signer, pub := newTestSigner(t)

	fillsByOrder := map[string]string{
		"o-1": `{"fills":[
			{"trade_id":"t1","order_id":"o-1","ticker":"KX","side":"yes","count":3,"yes_price":40,"no_price":60,"created_time":"2024-01-02T03:04:05Z"},
			{"trade_id":"t2","order_id":"o-1","ticker":"KX","side":"yes","count":2,"yes_price":41,"no_price":59}],"cursor":""}`,
		"o-2": `{"fills":[{"trade_id":"t9","order_id":"o-2","ticker":"KX","side":"no","count":1,"yes_price":30,"no_price":70}],"cursor":""}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/trade-api/v2/portfolio/orders/", func(w http.ResponseWriter, r *http.Request) {
		if !verifySignature(pub, r) {
			http.Error(w, `{"error":{"code":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		switch strings.TrimPrefix(r.URL.Path, "/trade-api/v2/portfolio/orders/") {
		case "o-1":
			_, _ = io.WriteString(w, `{"order":{"order_id":"o-1","ticker":"KX","status":"executed","side":"yes","fill_count":5}}`)
		case "o-2":
			_, _ = io.WriteString(w, `{"order":{"order_id":"o-2","ticker":"KX","status":"executed","side":"no","fill_count":4}}`)
		default:
			http.Error(w, `{"error":{"code":"not_found","message":"order not found"}}`, http.StatusNotFound)
		}
	})
	mux.HandleFunc("/trade-api/v2/portfolio/fills", func(w http.ResponseWriter, r *http.Request) {
		if !verifySignature(pub, r) {
			http.Error(w, `{"error":{"code":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, fillsByOrder[r.URL.Query().Get("order_id")])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/trade-api/v2", signer)
	ctx := context.Background()

	msg, err := c.FetchStatus(ctx, domain.TrackedOrder{ClientOrderID: "c-1", ExchangeOrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", msg.ClientOrderID)
	assert.Equal(t, "executed", msg.Status)
	require.Len(t, msg.Fills, 2)
	assert.Equal(t, "t1", msg.Fills[0].FillID)
	assert.True(t, d("0.4").Equal(msg.Fills[0].Price))
	assert.True(t, d("3").Equal(msg.Fills[0].Amount))
	assert.Equal(t, 2024, msg.Fills[0].Timestamp.Year())
	assert.True(t, msg.ExecutedBase.IsZero(), "totals come from the fill list")

	lagging, err := c.FetchStatus(ctx, domain.TrackedOrder{ClientOrderID: "c-2", ExchangeOrderID: "o-2"})
	require.NoError(t, err)
	assert.Equal(t, "resting", lagging.Status, "terminal status waits for the fill list to catch up")
	require.Len(t, lagging.Fills, 1)
	assert.True(t, d("0.7").Equal(lagging.Fills[0].Price), "no-side fills pay the no price")

	_, err = c.FetchStatus(ctx, domain.TrackedOrder{ClientOrderID: "c-3", ExchangeOrderID: "o-3"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	other, _ := newTestSigner(t)
	_, err = NewClient(srv.URL+"/trade-api/v2", other).FetchStatus(ctx, domain.TrackedOrder{ClientOrderID: "c-1", ExchangeOrderID: "o-1"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func newUnconnectedClient(h domain.FeedHandler) *WSClient {
	w := NewWSClient("ws://unused", nil, []string{"KX"}, true, h, discard())
	w.pending = map[int64]string{}
	w.books = map[string]*bookSub{"KX": {cmdID: 1, sid: 7, epoch: 3}}
	w.bySID = map[int64]string{7: "KX"}
	w.retired = map[int64]struct{}{5: {}}
	return w
}

func TestHandleMessage(t *testing.T) {
	h := &recordingHandler{}
	w := newUnconnectedClient(h)
	ctx := context.Background()

	frames := []string{
		`{"type":"orderbook_delta","sid":7,"seq":12,"msg":{"market_ticker":"KX","price":40,"delta":5,"side":"yes"}}`,
		`{"type":"orderbook_delta","sid":5,"seq":13,"msg":{"market_ticker":"KX","price":40,"delta":5,"side":"yes"}}`,
		`{"type":"trade","sid":8,"msg":{"trade_id":"tr1","market_ticker":"KX","yes_price":41,"no_price":59,"count":2,"taker_side":"no","ts":1700000000}}`,
		`{"type":"fill","sid":9,"msg":{"trade_id":"f1","order_id":"o-1","market_ticker":"KX","side":"yes","yes_price":41,"no_price":59,"count":2,"ts":1700000000}}`,
		`{"type":"ticker","sid":10,"msg":{}}`,
	}
	for _, f := range frames {
		require.NoError(t, w.handleMessage(ctx, []byte(f)))
	}

	require.Len(t, h.books, 1, "retired subscription is dropped")
	assert.Equal(t, uint64(3)<<32|12, h.books[0].UpdateID)

	require.Len(t, h.trades, 1)
	assert.Equal(t, domain.OrderSideSell, h.trades[0].Side)
	assert.True(t, d("0.41").Equal(h.trades[0].Price))

	require.Len(t, h.orders, 1)
	assert.Equal(t, "o-1", h.orders[0].ExchangeOrderID)
	assert.Empty(t, h.orders[0].Status)
	require.Len(t, h.orders[0].Fills, 1)
	assert.Equal(t, "f1", h.orders[0].Fills[0].FillID)

	err := w.handleMessage(ctx, []byte(`{"type":"orderbook_delta","sid":7,"seq":14,"msg":{"market_ticker":"KX","price":0,"delta":1,"side":"yes"}}`))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestHandleMessageAdoptsUnacknowledgedSID(t *testing.T) {
	h := &recordingHandler{}
	w := newUnconnectedClient(h)
	w.books["KX"] = &bookSub{cmdID: 2, epoch: 4}
	delete(w.bySID, 7)
	w.pending[2] = "KX"

	require.NoError(t, w.handleMessage(context.Background(),
		[]byte(`{"type":"orderbook_snapshot","sid":11,"seq":1,"msg":{"market_ticker":"KX","yes":[[40,10]],"no":[]}}`)))
	require.NoError(t, w.handleMessage(context.Background(),
		[]byte(`{"id":2,"type":"subscribed","msg":{"channel":"orderbook_delta","sid":11}}`)))

	require.Len(t, h.books, 1)
	assert.Equal(t, uint64(4)<<32|1, h.books[0].UpdateID)
	assert.Equal(t, "KX", w.bySID[11])
	assert.Empty(t, w.pending)
}

// kalshiServer answers every orderbook subscription with a snapshot
// (seq 1) and a delta (seq 2).
func kalshiServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sid int64
		for {
			var cmd KalshiWSCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Cmd != "subscribe" {
				continue
			}
			for _, ch := range cmd.Params.Channels {
				sid++
				_ = conn.WriteJSON(map[string]any{"id": cmd.ID, "type": "subscribed", "msg": map[string]any{"channel": ch, "sid": sid}})
				if ch != "orderbook_delta" {
					continue
				}
				ticker := cmd.Params.Tickers[0]
				_ = conn.WriteJSON(map[string]any{"type": "orderbook_snapshot", "sid": sid, "seq": 1, "msg": map[string]any{
					"market_ticker": ticker, "yes": [][2]int64{{40, 10}}, "no": [][2]int64{{55, 5}},
				}})
				_ = conn.WriteJSON(map[string]any{"type": "orderbook_delta", "sid": sid, "seq": 2, "msg": map[string]any{
					"market_ticker": ticker, "price": 40, "delta": -4, "side": "yes",
				}})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientFetchSnapshotResubscribes(t *testing.T) {
	h := &recordingHandler{}
	w := NewWSClient(kalshiServer(t), nil, []string{"KX"}, false, h, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return len(h.bookMessages()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	books := h.bookMessages()
	assert.Equal(t, domain.BookMessageSnapshot, books[0].Type)
	assert.Equal(t, uint64(1)<<32|1, books[0].UpdateID)
	require.Len(t, books[0].Levels, 2)
	assert.True(t, d("0.45").Equal(books[0].Levels[1].Price))
	assert.Equal(t, uint64(1)<<32|2, books[1].UpdateID)
	assert.Equal(t, domain.LevelOpRemove, books[1].Levels[0].Op)

	fctx, fcancel := context.WithTimeout(ctx, 5*time.Second)
	defer fcancel()
	snap, err := w.FetchSnapshot(fctx, "KX")
	require.NoError(t, err)
	assert.Equal(t, domain.BookMessageSnapshot, snap.Type)
	assert.Equal(t, uint64(2)<<32|1, snap.UpdateID)

	require.Eventually(t, func() bool { return len(h.bookMessages()) >= 3 }, 5*time.Second, 10*time.Millisecond)
	books = h.bookMessages()
	require.Len(t, books, 3, "the fetched snapshot is not also pushed to the feed")
	assert.Equal(t, uint64(2)<<32|2, books[2].UpdateID)
}

func TestWSClientFetchSnapshotDisconnected(t *testing.T) {
	w := NewWSClient("ws://unused", nil, []string{"KX"}, false, &recordingHandler{}, discard())
	_, err := w.FetchSnapshot(context.Background(), "KX")
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}
