package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/marketsync/internal/blob/s3"
	"github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/config"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/notify"
	"github.com/alanyoungcy/marketsync/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes need. Fields are nil
// when the mode or configuration does not call for them.
type Dependencies struct {
	// PostgreSQL
	Postgres   *postgres.Client
	AuditStore *postgres.AuditStore

	// OrderStore is the checkpoint backend selected by orders.checkpoint_backend.
	OrderStore domain.OrderStateStore

	// Redis
	BookCache   *redis.OrderbookCache
	PriceCache  *redis.PriceCache
	SignalBus   *redis.SignalBus
	LockManager *redis.LockManager
	RateLimiter *redis.RateLimiter

	// Object storage
	Archiver *s3blob.AuditArchiver

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- PostgreSQL ---
	if cfg.NeedsPostgres() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Supabase.DSN,
			Host:            cfg.Supabase.Host,
			Port:            cfg.Supabase.Port,
			Database:        cfg.Supabase.Database,
			User:            cfg.Supabase.User,
			Password:        cfg.Supabase.Password,
			SSLMode:         cfg.Supabase.SSLMode,
			MaxConns:        cfg.Supabase.PoolMaxConns,
			MinConns:        cfg.Supabase.PoolMinConns,
			ApplicationName: "marketsync",
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Postgres = pgClient

		// The migrate mode applies them itself.
		if cfg.Supabase.RunMigrations && mode != "migrate" {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "wire: migrations applied", slog.Any("files", applied))
			}
		}

		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		if cfg.Orders.CheckpointBackend == config.BackendPostgres {
			deps.OrderStore = postgres.NewOrderStore(pgClient.Pool())
		}
	}

	// --- Redis (streaming modes only) ---
	streaming := mode == "track" || mode == "books"
	if streaming && cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewOrderbookCache(redisClient, cfg.Tracker.MirrorTTL.Duration)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.NeedsS3() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		writer := s3blob.NewWriter(s3Client)
		if cfg.Orders.CheckpointBackend == config.BackendS3 {
			deps.OrderStore = s3blob.NewCheckpointStore(writer, s3blob.NewReader(s3Client), cfg.S3.Prefix)
		}
		if deps.AuditStore != nil {
			deps.Archiver = s3blob.NewAuditArchiver(writer, deps.AuditStore)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
