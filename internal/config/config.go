// Package config defines the top-level configuration for marketsync and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETSYNC_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Kalshi     KalshiConfig     `toml:"kalshi"`
	Tracker    TrackerConfig    `toml:"tracker"`
	Orders     OrdersConfig     `toml:"orders"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket endpoints, L2 API credentials and the
// books to follow. Books are named by token id or by market slug; slugs are
// resolved through the Gamma API at startup.
type PolymarketConfig struct {
	Enabled       bool     `toml:"enabled"`
	ClobHost      string   `toml:"clob_host"`
	GammaHost     string   `toml:"gamma_host"`
	WsHost        string   `toml:"ws_host"`
	TokenIDs      []string `toml:"token_ids"`
	MarketSlugs   []string `toml:"market_slugs"`
	Address       string   `toml:"address"`
	ApiKey        string   `toml:"api_key"`
	ApiSecret     string   `toml:"api_secret"`
	ApiPassphrase string   `toml:"api_passphrase"`
	FeeRateBps    int      `toml:"fee_rate_bps"`

	// Wallet key used to derive API credentials when none are configured.
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int64  `toml:"chain_id"`
}

// HasCredentials reports whether the funder address and the L2 API
// credentials are configured.
func (p PolymarketConfig) HasCredentials() bool {
	return p.Address != "" && p.ApiKey != "" && p.ApiSecret != "" && p.ApiPassphrase != ""
}

// HasWallet reports whether a wallet key source is configured.
func (p PolymarketConfig) HasWallet() bool {
	return p.PrivateKey != "" || p.EncryptedKeyPath != ""
}

// KalshiConfig holds Kalshi exchange API credentials and the markets to follow.
type KalshiConfig struct {
	Enabled           bool     `toml:"enabled"`
	ApiKey            string   `toml:"api_key"`
	RsaPrivateKeyPath string   `toml:"rsa_private_key_path"`
	BaseURL           string   `toml:"base_url"`
	WsURL             string   `toml:"ws_url"`
	Tickers           []string `toml:"tickers"`
	FeeRateBps        int      `toml:"fee_rate_bps"`
}

// TrackerConfig tunes every book coordinator.
type TrackerConfig struct {
	SnapshotTimeout  duration `toml:"snapshot_timeout"`
	RetryInterval    duration `toml:"retry_interval"`
	DegradedAfter    int      `toml:"degraded_after"`
	GapTimeout       duration `toml:"gap_timeout"`
	MaxBufferedDiffs int      `toml:"max_buffered_diffs"`
	MirrorDepth      int      `toml:"mirror_depth"`
	MirrorTTL        duration `toml:"mirror_ttl"`
	ChannelSize      int      `toml:"channel_size"`
}

// OrdersConfig tunes the in-flight order registry and its poller.
type OrdersConfig struct {
	PollInterval      duration `toml:"poll_interval"`
	FetchTimeout      duration `toml:"fetch_timeout"`
	DegradedAfter     int      `toml:"degraded_after"`
	CheckpointEvery   int      `toml:"checkpoint_every"`
	NotFoundLimit     int      `toml:"not_found_limit"`
	TerminalMemory    int      `toml:"terminal_memory"`
	RestoreOnStart    bool     `toml:"restore_on_start"`
	CheckpointBackend string   `toml:"checkpoint_backend"`
	LockTTL           duration `toml:"lock_ttl"`
	StatusRateLimit   int      `toml:"status_rate_limit"`
	StatusRateWindow  duration `toml:"status_rate_window"`
}

// Checkpoint backends.
const (
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendNone     = "none"
)

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis carries the book
// mirror, the signal bus, the registry lock and the status rate limiter.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP status server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			Enabled:   true,
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:   137,
		},
		Kalshi: KalshiConfig{
			BaseURL: "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
		},
		Tracker: TrackerConfig{
			SnapshotTimeout:  duration{10 * time.Second},
			RetryInterval:    duration{5 * time.Second},
			DegradedAfter:    3,
			GapTimeout:       duration{5 * time.Second},
			MaxBufferedDiffs: 0,
			MirrorDepth:      20,
			MirrorTTL:        duration{time.Minute},
			ChannelSize:      1024,
		},
		Orders: OrdersConfig{
			PollInterval:      duration{10 * time.Second},
			FetchTimeout:      duration{5 * time.Second},
			DegradedAfter:     3,
			CheckpointEvery:   1,
			NotFoundLimit:     3,
			TerminalMemory:    1000,
			RestoreOnStart:    true,
			CheckpointBackend: BackendPostgres,
			LockTTL:           duration{30 * time.Second},
			StatusRateLimit:   10,
			StatusRateWindow:  duration{time.Second},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "marketsync",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketsync",
			ForcePathStyle: true,
			Prefix:         "checkpoints",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"order_failed", "degraded", "recovered"},
		},
		Mode:     "track",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"track":   true,
	"books":   true,
	"migrate": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	BackendPostgres: true,
	BackendS3:       true,
	BackendNone:     true,
}

// NeedsPostgres reports whether the configured mode touches PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	switch strings.ToLower(c.Mode) {
	case "migrate", "archive":
		return true
	case "track":
		return c.Orders.CheckpointBackend == BackendPostgres
	}
	return false
}

// NeedsS3 reports whether the configured mode touches object storage.
func (c *Config) NeedsS3() bool {
	switch strings.ToLower(c.Mode) {
	case "archive":
		return true
	case "track":
		return c.Orders.CheckpointBackend == BackendS3
	}
	return false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: track, books, migrate, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Connectors only matter for the streaming modes.
	streaming := mode == "track" || mode == "books"
	if streaming {
		if !c.Polymarket.Enabled && !c.Kalshi.Enabled {
			errs = append(errs, "at least one of polymarket or kalshi must be enabled")
		}
		if c.Polymarket.Enabled {
			errs = append(errs, c.validatePolymarket(mode)...)
		}
		if c.Kalshi.Enabled {
			errs = append(errs, c.validateKalshi(mode)...)
		}
	}

	if !validBackends[c.Orders.CheckpointBackend] {
		errs = append(errs, fmt.Sprintf("orders: unknown checkpoint_backend %q (valid: postgres, s3, none)", c.Orders.CheckpointBackend))
	}
	if c.Orders.TerminalMemory < 0 {
		errs = append(errs, "orders: terminal_memory must be >= 0")
	}
	if c.Orders.StatusRateLimit < 0 {
		errs = append(errs, "orders: status_rate_limit must be >= 0")
	}
	if c.Tracker.MaxBufferedDiffs < 0 {
		errs = append(errs, "tracker: max_buffered_diffs must be >= 0 (0 is unbounded)")
	}

	if c.NeedsPostgres() {
		errs = append(errs, c.validateSupabase()...)
	}

	if streaming && c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.NeedsS3() {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if streaming && c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePolymarket(mode string) []string {
	var errs []string
	p := c.Polymarket
	if p.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if p.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if len(p.TokenIDs) == 0 && len(p.MarketSlugs) == 0 {
		errs = append(errs, "polymarket: token_ids or market_slugs must list at least one book")
	}
	if len(p.MarketSlugs) > 0 && p.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host is required to resolve market_slugs")
	}

	// L2 credentials are all-or-nothing.
	k, s, ph := p.ApiKey != "", p.ApiSecret != "", p.ApiPassphrase != ""
	if (k || s || ph) && !(k && s && ph) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
	}
	if mode == "track" && !p.HasCredentials() && !p.HasWallet() {
		errs = append(errs, "polymarket: address and api credentials, or a wallet key, are required to track orders")
	}
	if p.EncryptedKeyPath != "" && p.KeyPassword == "" {
		errs = append(errs, "polymarket: key_password is required when encrypted_key_path is set")
	}
	if p.HasWallet() && p.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if p.FeeRateBps < 0 {
		errs = append(errs, "polymarket: fee_rate_bps must be >= 0")
	}
	return errs
}

func (c *Config) validateKalshi(mode string) []string {
	var errs []string
	k := c.Kalshi
	if k.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}
	if k.WsURL == "" {
		errs = append(errs, "kalshi: ws_url must not be empty")
	}
	if len(k.Tickers) == 0 {
		errs = append(errs, "kalshi: tickers must list at least one market")
	}
	// The websocket requires a signed handshake even for public channels.
	if k.ApiKey == "" || k.RsaPrivateKeyPath == "" {
		errs = append(errs, "kalshi: api_key and rsa_private_key_path are required for mode "+mode)
	}
	if k.FeeRateBps < 0 {
		errs = append(errs, "kalshi: fee_rate_bps must be >= 0")
	}
	return errs
}

func (c *Config) validateSupabase() []string {
	var errs []string
	s := c.Supabase
	if strings.TrimSpace(s.DSN) == "" {
		if s.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if s.Port <= 0 || s.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", s.Port))
		}
		if s.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if s.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if s.PoolMinConns < 0 {
		errs = append(errs, "supabase: pool_min_conns must be >= 0")
	}
	if s.PoolMinConns > s.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}
	return errs
}
