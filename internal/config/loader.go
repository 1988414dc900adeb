package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETSYNC_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setBool(&cfg.Polymarket.Enabled, "MARKETSYNC_POLYMARKET_ENABLED")
	setStr(&cfg.Polymarket.ClobHost, "MARKETSYNC_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "MARKETSYNC_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "MARKETSYNC_POLYMARKET_WS_HOST")
	setStringSlice(&cfg.Polymarket.TokenIDs, "MARKETSYNC_POLYMARKET_TOKEN_IDS")
	setStringSlice(&cfg.Polymarket.MarketSlugs, "MARKETSYNC_POLYMARKET_MARKET_SLUGS")
	setStr(&cfg.Polymarket.Address, "MARKETSYNC_POLYMARKET_ADDRESS")
	setStr(&cfg.Polymarket.ApiKey, "MARKETSYNC_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "MARKETSYNC_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "MARKETSYNC_POLYMARKET_API_PASSPHRASE")
	setInt(&cfg.Polymarket.FeeRateBps, "MARKETSYNC_POLYMARKET_FEE_RATE_BPS")
	setStr(&cfg.Polymarket.PrivateKey, "MARKETSYNC_POLYMARKET_PRIVATE_KEY")
	setStr(&cfg.Polymarket.EncryptedKeyPath, "MARKETSYNC_POLYMARKET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Polymarket.KeyPassword, "MARKETSYNC_POLYMARKET_KEY_PASSWORD")
	setInt64(&cfg.Polymarket.ChainID, "MARKETSYNC_POLYMARKET_CHAIN_ID")

	// ── Kalshi ──
	setBool(&cfg.Kalshi.Enabled, "MARKETSYNC_KALSHI_ENABLED")
	setStr(&cfg.Kalshi.ApiKey, "MARKETSYNC_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "MARKETSYNC_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.BaseURL, "MARKETSYNC_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "MARKETSYNC_KALSHI_WS_URL")
	setStringSlice(&cfg.Kalshi.Tickers, "MARKETSYNC_KALSHI_TICKERS")
	setInt(&cfg.Kalshi.FeeRateBps, "MARKETSYNC_KALSHI_FEE_RATE_BPS")

	// ── Tracker ──
	setDuration(&cfg.Tracker.SnapshotTimeout, "MARKETSYNC_TRACKER_SNAPSHOT_TIMEOUT")
	setDuration(&cfg.Tracker.RetryInterval, "MARKETSYNC_TRACKER_RETRY_INTERVAL")
	setInt(&cfg.Tracker.DegradedAfter, "MARKETSYNC_TRACKER_DEGRADED_AFTER")
	setDuration(&cfg.Tracker.GapTimeout, "MARKETSYNC_TRACKER_GAP_TIMEOUT")
	setInt(&cfg.Tracker.MaxBufferedDiffs, "MARKETSYNC_TRACKER_MAX_BUFFERED_DIFFS")
	setInt(&cfg.Tracker.MirrorDepth, "MARKETSYNC_TRACKER_MIRROR_DEPTH")
	setDuration(&cfg.Tracker.MirrorTTL, "MARKETSYNC_TRACKER_MIRROR_TTL")
	setInt(&cfg.Tracker.ChannelSize, "MARKETSYNC_TRACKER_CHANNEL_SIZE")

	// ── Orders ──
	setDuration(&cfg.Orders.PollInterval, "MARKETSYNC_ORDERS_POLL_INTERVAL")
	setDuration(&cfg.Orders.FetchTimeout, "MARKETSYNC_ORDERS_FETCH_TIMEOUT")
	setInt(&cfg.Orders.DegradedAfter, "MARKETSYNC_ORDERS_DEGRADED_AFTER")
	setInt(&cfg.Orders.CheckpointEvery, "MARKETSYNC_ORDERS_CHECKPOINT_EVERY")
	setInt(&cfg.Orders.NotFoundLimit, "MARKETSYNC_ORDERS_NOT_FOUND_LIMIT")
	setInt(&cfg.Orders.TerminalMemory, "MARKETSYNC_ORDERS_TERMINAL_MEMORY")
	setBool(&cfg.Orders.RestoreOnStart, "MARKETSYNC_ORDERS_RESTORE_ON_START")
	setStr(&cfg.Orders.CheckpointBackend, "MARKETSYNC_ORDERS_CHECKPOINT_BACKEND")
	setDuration(&cfg.Orders.LockTTL, "MARKETSYNC_ORDERS_LOCK_TTL")
	setInt(&cfg.Orders.StatusRateLimit, "MARKETSYNC_ORDERS_STATUS_RATE_LIMIT")
	setDuration(&cfg.Orders.StatusRateWindow, "MARKETSYNC_ORDERS_STATUS_RATE_WINDOW")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "MARKETSYNC_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "MARKETSYNC_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "MARKETSYNC_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "MARKETSYNC_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "MARKETSYNC_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "MARKETSYNC_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "MARKETSYNC_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "MARKETSYNC_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "MARKETSYNC_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "MARKETSYNC_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "MARKETSYNC_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETSYNC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETSYNC_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARKETSYNC_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MARKETSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETSYNC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETSYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETSYNC_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "MARKETSYNC_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETSYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETSYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARKETSYNC_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MARKETSYNC_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETSYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETSYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETSYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETSYNC_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETSYNC_MODE")
	setStr(&cfg.LogLevel, "MARKETSYNC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
