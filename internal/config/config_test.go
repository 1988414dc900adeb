package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Polymarket.TokenIDs = []string{"111"}
	cfg.Polymarket.Address = "0xabc"
	cfg.Polymarket.ApiKey = "key"
	cfg.Polymarket.ApiSecret = "secret"
	cfg.Polymarket.ApiPassphrase = "pass"
	return cfg
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "books"

[polymarket]
token_ids = ["111", "222"]

[tracker]
gap_timeout = "750ms"
max_buffered_diffs = 64

[orders]
checkpoint_backend = "s3"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "books", cfg.Mode)
	assert.Equal(t, []string{"111", "222"}, cfg.Polymarket.TokenIDs)
	assert.Equal(t, 750*time.Millisecond, cfg.Tracker.GapTimeout.Duration)
	assert.Equal(t, 64, cfg.Tracker.MaxBufferedDiffs)
	assert.Equal(t, BackendS3, cfg.Orders.CheckpointBackend)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Tracker.SnapshotTimeout.Duration)
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobHost)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeTOML(t, `
[orders]
poll_interval = "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETSYNC_MODE", "books")
	t.Setenv("MARKETSYNC_KALSHI_ENABLED", "true")
	t.Setenv("MARKETSYNC_KALSHI_TICKERS", " KXFED-25, ,KXCPI-25 ")
	t.Setenv("MARKETSYNC_ORDERS_POLL_INTERVAL", "2s")
	t.Setenv("MARKETSYNC_ORDERS_TERMINAL_MEMORY", "50")
	t.Setenv("MARKETSYNC_REDIS_PASSWORD", "hunter2")
	t.Setenv("MARKETSYNC_SERVER_PORT", "not-a-number")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "books", cfg.Mode)
	assert.True(t, cfg.Kalshi.Enabled)
	assert.Equal(t, []string{"KXFED-25", "KXCPI-25"}, cfg.Kalshi.Tickers)
	assert.Equal(t, 2*time.Second, cfg.Orders.PollInterval.Duration)
	assert.Equal(t, 50, cfg.Orders.TerminalMemory)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	// Unparseable values leave the field alone.
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults plus books and creds", func(*Config) {}, ""},
		{"bad mode", func(c *Config) { c.Mode = "trade" }, `unknown mode "trade"`},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"no connector", func(c *Config) { c.Polymarket.Enabled = false }, "at least one of polymarket or kalshi"},
		{"no books", func(c *Config) { c.Polymarket.TokenIDs = nil }, "token_ids or market_slugs"},
		{"slugs only", func(c *Config) {
			c.Polymarket.TokenIDs = nil
			c.Polymarket.MarketSlugs = []string{"fed-cut"}
		}, ""},
		{"partial creds", func(c *Config) { c.Polymarket.ApiSecret = "" }, "must all be set together"},
		{"books mode needs no creds", func(c *Config) {
			c.Mode = "books"
			c.Polymarket.ApiKey, c.Polymarket.ApiSecret, c.Polymarket.ApiPassphrase = "", "", ""
		}, ""},
		{"track needs creds", func(c *Config) {
			c.Polymarket.ApiKey, c.Polymarket.ApiSecret, c.Polymarket.ApiPassphrase = "", "", ""
		}, "api credentials are required"},
		{"track needs address", func(c *Config) { c.Polymarket.Address = "" }, "address and api credentials"},
		{"wallet instead of creds", func(c *Config) {
			c.Polymarket.Address, c.Polymarket.ApiKey, c.Polymarket.ApiSecret, c.Polymarket.ApiPassphrase = "", "", "", ""
			c.Polymarket.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
		}, ""},
		{"encrypted key needs password", func(c *Config) {
			c.Polymarket.EncryptedKeyPath = "/key.json"
		}, "key_password is required"},
		{"kalshi without tickers", func(c *Config) {
			c.Kalshi.Enabled = true
			c.Kalshi.ApiKey = "k"
			c.Kalshi.RsaPrivateKeyPath = "/key.pem"
		}, "kalshi: tickers"},
		{"kalshi without key", func(c *Config) {
			c.Kalshi.Enabled = true
			c.Kalshi.Tickers = []string{"KX"}
		}, "rsa_private_key_path are required"},
		{"bad backend", func(c *Config) { c.Orders.CheckpointBackend = "sqlite" }, "unknown checkpoint_backend"},
		{"postgres pool", func(c *Config) { c.Supabase.PoolMinConns = 20 }, "pool_min_conns must not exceed"},
		{"postgres ignored without backend", func(c *Config) {
			c.Orders.CheckpointBackend = BackendNone
			c.Supabase.Host = ""
		}, ""},
		{"s3 bucket", func(c *Config) {
			c.Orders.CheckpointBackend = BackendS3
			c.S3.Bucket = ""
		}, "s3: bucket"},
		{"migrate skips connectors", func(c *Config) {
			c.Mode = "migrate"
			c.Polymarket.Enabled = false
		}, ""},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"unbounded diff buffer", func(c *Config) { c.Tracker.MaxBufferedDiffs = 0 }, ""},
		{"negative diff buffer", func(c *Config) { c.Tracker.MaxBufferedDiffs = -1 }, "max_buffered_diffs must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNeedsBackends(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.NeedsPostgres())
	assert.False(t, cfg.NeedsS3())

	cfg.Mode = "archive"
	assert.True(t, cfg.NeedsPostgres())
	assert.True(t, cfg.NeedsS3())

	cfg.Mode = "books"
	assert.False(t, cfg.NeedsPostgres())
	assert.False(t, cfg.NeedsS3())
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Supabase.Password = "pw"
	cfg.Notify.TelegramToken = "tok"
	cfg.Polymarket.PrivateKey = "0xdead"

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Polymarket.ApiSecret)
	assert.Equal(t, redacted, out.Supabase.Password)
	assert.Equal(t, redacted, out.Notify.TelegramToken)
	assert.Equal(t, redacted, out.Polymarket.PrivateKey)
	assert.Empty(t, out.Redis.Password)

	out.Polymarket.TokenIDs[0] = "changed"
	assert.Equal(t, "111", cfg.Polymarket.TokenIDs[0])
	assert.Equal(t, "secret", cfg.Polymarket.ApiSecret)
}
