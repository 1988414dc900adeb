package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/config"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testApp(mutate func(*config.Config)) *App {
	cfg := config.Defaults()
	cfg.Polymarket.TokenIDs = []string{"111", "222"}
	cfg.Polymarket.Address = "0xabc"
	cfg.Polymarket.ApiKey = "key"
	cfg.Polymarket.ApiSecret = "c2VjcmV0"
	cfg.Polymarket.ApiPassphrase = "pass"
	cfg.Redis.Enabled = false
	cfg.Server.Enabled = false
	cfg.Orders.CheckpointBackend = config.BackendNone
	if mutate != nil {
		mutate(&cfg)
	}
	return New(&cfg, testLogger())
}

func TestFeeRate(t *testing.T) {
	assert.Nil(t, feeRate(0))
	assert.Nil(t, feeRate(-5))

	src := feeRate(25)
	require.NotNil(t, src)
	fee := src.FeeFor("111", domain.OrderSideBuy, decimal.RequireFromString("0.5"), decimal.NewFromInt(100))
	assert.True(t, decimal.RequireFromString("0.125").Equal(fee), fee.String())
}

func TestSinksSkipNilDependencies(t *testing.T) {
	deps := &Dependencies{}
	assert.Empty(t, eventSinks(deps))
	assert.Empty(t, healthSinks(deps))

	deps.Notifier = notify.NewNotifier(nil, nil, testLogger())
	assert.Len(t, eventSinks(deps), 1)
	assert.Len(t, healthSinks(deps), 1)
}

func TestConnectorDepsLeaveNilInterfaces(t *testing.T) {
	a := testApp(nil)
	d := a.connectorDeps(&Dependencies{}, nil, nil, nil, nil, 0)
	assert.Nil(t, d.Mirror)
	assert.Nil(t, d.Trades)
	assert.Nil(t, d.Lock)
	assert.Nil(t, d.Limiter)
	assert.Nil(t, d.Store)
	assert.Nil(t, d.Health)
	assert.Nil(t, d.Fees)
	assert.NotNil(t, d.Events)
}

func TestAppendUnique(t *testing.T) {
	got := appendUnique([]string{"a", "b"}, "b", "c", "a", "d")
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestLateHandlerDelegates(t *testing.T) {
	late := &lateHandler{}
	rec := &recordingHandler{}
	late.FeedHandler = rec

	require.NoError(t, late.HandleTrade(context.Background(), domain.RawTradeMessage{TradingPair: "111"}))
	assert.Equal(t, 1, rec.trades)
}

type recordingHandler struct{ trades int }

func (r *recordingHandler) HandleBook(context.Context, domain.RawBookMessage) error { return nil }
func (r *recordingHandler) HandleTrade(context.Context, domain.RawTradeMessage) error {
	r.trades++
	return nil
}
func (r *recordingHandler) HandleOrderUpdate(context.Context, domain.OrderStatusMessage) error {
	return nil
}

func TestBuildPolymarket(t *testing.T) {
	tests := []struct {
		name      string
		track     bool
		wantOrder bool
	}{
		{"books only", false, false},
		{"tracking", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testApp(nil)
			c, err := a.buildPolymarket(context.Background(), &Dependencies{}, tt.track)
			require.NoError(t, err)
			assert.Equal(t, "polymarket", c.Name())
			assert.Equal(t, tt.wantOrder, c.Registry() != nil)
			assert.Len(t, c.Stats().Books, 2)
		})
	}
}

func TestBuildPolymarketResolvesSlugs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fed-cut", r.URL.Query().Get("slug"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"1","slug":"fed-cut","clobTokenIds":"[\"222\",\"333\"]"}]`)
	}))
	defer srv.Close()

	a := testApp(func(c *config.Config) {
		c.Polymarket.GammaHost = srv.URL
		c.Polymarket.MarketSlugs = []string{"fed-cut"}
	})
	c, err := a.buildPolymarket(context.Background(), &Dependencies{}, false)
	require.NoError(t, err)
	assert.Len(t, c.Stats().Books, 3)
}

func TestBuildPolymarketDerivesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/derive-api-key", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		_, _ = io.WriteString(w, `{"apiKey":"k","secret":"c2VjcmV0","passphrase":"p"}`)
	}))
	defer srv.Close()

	a := testApp(func(c *config.Config) {
		c.Polymarket.ClobHost = srv.URL
		c.Polymarket.Address, c.Polymarket.ApiKey, c.Polymarket.ApiSecret, c.Polymarket.ApiPassphrase = "", "", "", ""
		c.Polymarket.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	})
	c, err := a.buildPolymarket(context.Background(), &Dependencies{}, true)
	require.NoError(t, err)
	assert.NotNil(t, c.Registry())
}

func TestBuildKalshi(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "kalshi.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	a := testApp(func(c *config.Config) {
		c.Kalshi.Enabled = true
		c.Kalshi.ApiKey = "key-id"
		c.Kalshi.RsaPrivateKeyPath = path
		c.Kalshi.Tickers = []string{"KXFED-25DEC"}
	})
	c, err := a.buildKalshi(&Dependencies{}, true)
	require.NoError(t, err)
	assert.Equal(t, "kalshi", c.Name())
	assert.NotNil(t, c.Registry())
}

func TestBuildKalshiMissingKey(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Kalshi.RsaPrivateKeyPath = filepath.Join(t.TempDir(), "missing.pem")
	})
	_, err := a.buildKalshi(&Dependencies{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read kalshi private key")
}

func TestOneShotModesNeedBackends(t *testing.T) {
	a := testApp(nil)
	require.Error(t, a.MigrateMode(context.Background(), &Dependencies{}))
	require.Error(t, a.ArchiveMode(context.Background(), &Dependencies{}))
}

func TestWireBooksModeWithoutBackends(t *testing.T) {
	a := testApp(func(c *config.Config) { c.Mode = "books" })
	deps, cleanup, err := Wire(context.Background(), a.cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Postgres)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.OrderStore)
	assert.Nil(t, deps.Notifier)
}
