package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/copybot/internal/blob/s3"
	"github.com/alanyoungcy/copybot/internal/cache/redis"
	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/store/file"
	"github.com/alanyoungcy/copybot/internal/store/postgres"
)

// Dependencies bundles the infrastructure the application modes run on. It
// is constructed by Wire and torn down by the returned cleanup function.
// Optional backends are nil when not configured.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client

	// Stores
	AccountStore domain.AccountStore
	TradeStore   *postgres.TradeStore
	BalanceStore domain.BalanceStore
	AuditStore   domain.AuditStore
	Secrets      *crypto.Sealer

	// Redis-backed coordination
	SignalQueue domain.SignalQueue
	DCACounter  domain.DCACounter
	LockManager domain.LockManager
	EventBus    domain.EventBus
	RateLimiter domain.RateLimiter
	MarkCache   domain.MarkCache

	// Blob storage
	S3       *s3blob.Client
	Archiver *s3blob.Archiver

	// Notifications
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

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.BalanceStore = postgres.NewBalanceStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		if cfg.Accounts.Source == "postgres" {
			deps.AccountStore = postgres.NewAccountStore(pool)
		}
	}

	// --- Account source ---
	switch cfg.Accounts.Source {
	case "file":
		deps.AccountStore = file.NewAccountStore(cfg.Accounts.File)
	case "postgres":
		if deps.AccountStore == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: accounts: source postgres requires postgres.enabled")
		}
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: accounts: unknown source %q", cfg.Accounts.Source)
	}
	if cfg.Accounts.MasterPassword != "" {
		sealer, err := crypto.NewSealer(cfg.Accounts.MasterPassword)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: secrets: %w", err)
		}
		deps.Secrets = sealer
	}

	// --- Redis (optional; everything it backs has an in-process fallback) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			logger.WarnContext(ctx, "wire: redis unavailable, running on in-memory fallbacks",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
		} else {
			closers = append(closers, func() { _ = redisClient.Close() })
			deps.Redis = redisClient
			deps.SignalQueue = redis.NewSignalQueue(redisClient)
			deps.DCACounter = redis.NewDCACounter(redisClient)
			deps.LockManager = redis.NewLockManager(redisClient)
			deps.EventBus = redis.NewEventBus(redisClient)
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
			deps.MarkCache = redis.NewMarkCache(redisClient)
		}
	}

	// --- S3 archive (needs trade history in Postgres) ---
	if cfg.Archive.Enabled {
		if deps.TradeStore == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archive: requires postgres.enabled")
		}
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
		deps.S3 = s3Client
		var pruner s3blob.TradePruner
		if cfg.Archive.Prune {
			pruner = deps.TradeStore
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.TradeStore,
			pruner,
			deps.AuditStore,
			logger,
		)
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
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events,
			domain.Severity(cfg.Notify.MinSeverity), logger)
	}

	return deps, cleanup, nil
}
