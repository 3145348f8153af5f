package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYBOT_* environment variable overrides, and
// returns the final Config. An empty path, or a path that does not exist,
// yields the defaults plus overrides. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "COPYBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "COPYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "COPYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COPYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COPYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYBOT_S3_FORCE_PATH_STYLE")

	// ── Exchanges ──
	setStr(&cfg.Exchanges.Binance.BaseURL, "COPYBOT_BINANCE_BASE_URL")
	setStr(&cfg.Exchanges.Binance.TestnetURL, "COPYBOT_BINANCE_TESTNET_URL")
	setInt64(&cfg.Exchanges.Binance.RecvWindowMs, "COPYBOT_BINANCE_RECV_WINDOW_MS")
	setFloat64(&cfg.Exchanges.Binance.RequestsPerSecond, "COPYBOT_BINANCE_REQUESTS_PER_SECOND")
	setDuration(&cfg.Exchanges.Binance.Timeout, "COPYBOT_BINANCE_TIMEOUT")
	setStr(&cfg.Exchanges.OKX.BaseURL, "COPYBOT_OKX_BASE_URL")
	setFloat64(&cfg.Exchanges.OKX.RequestsPerSecond, "COPYBOT_OKX_REQUESTS_PER_SECOND")
	setDuration(&cfg.Exchanges.OKX.Timeout, "COPYBOT_OKX_TIMEOUT")
	setFloat64(&cfg.Exchanges.Paper.StartingEquity, "COPYBOT_PAPER_STARTING_EQUITY")

	// ── Accounts ──
	setStr(&cfg.Accounts.Source, "COPYBOT_ACCOUNTS_SOURCE")
	setStr(&cfg.Accounts.File, "COPYBOT_ACCOUNTS_FILE")
	setStr(&cfg.Accounts.MasterPassword, "COPYBOT_MASTER_PASSWORD")
	setStr(&cfg.Accounts.DefaultStrategy, "COPYBOT_DEFAULT_STRATEGY")

	// ── Engine ──
	setInt(&cfg.Engine.Concurrency, "COPYBOT_ENGINE_CONCURRENCY")
	setInt(&cfg.Engine.MaxInFlight, "COPYBOT_ENGINE_MAX_IN_FLIGHT")
	setFloat64(&cfg.Engine.MinBalance, "COPYBOT_ENGINE_MIN_BALANCE")
	setFloat64(&cfg.Engine.DefaultRiskPct, "COPYBOT_ENGINE_DEFAULT_RISK_PCT")
	setInt(&cfg.Engine.DefaultLeverage, "COPYBOT_ENGINE_DEFAULT_LEVERAGE")
	setInt(&cfg.Engine.Retries, "COPYBOT_ENGINE_RETRIES")
	setDuration(&cfg.Engine.RetryBackoff, "COPYBOT_ENGINE_RETRY_BACKOFF")
	setInt(&cfg.Engine.MemoryQueueSize, "COPYBOT_ENGINE_MEMORY_QUEUE_SIZE")
	setFloat64(&cfg.Engine.WhaleThreshold, "COPYBOT_ENGINE_WHALE_THRESHOLD")
	setDuration(&cfg.Engine.DedupWindow, "COPYBOT_ENGINE_DEDUP_WINDOW")

	// ── Monitors ──
	setBool(&cfg.DCA.Enabled, "COPYBOT_DCA_ENABLED")
	setDuration(&cfg.DCA.Interval, "COPYBOT_DCA_INTERVAL")
	setBool(&cfg.Trailing.Enabled, "COPYBOT_TRAILING_ENABLED")
	setDuration(&cfg.Trailing.Reconcile, "COPYBOT_TRAILING_RECONCILE")
	setDuration(&cfg.Trailing.Poll, "COPYBOT_TRAILING_POLL")
	setBool(&cfg.Guardrail.Enabled, "COPYBOT_GUARDRAIL_ENABLED")
	setDuration(&cfg.Guardrail.Interval, "COPYBOT_GUARDRAIL_INTERVAL")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "COPYBOT_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "COPYBOT_FEED_URL")
	setStringSlice(&cfg.Feed.Symbols, "COPYBOT_FEED_SYMBOLS")
	setDuration(&cfg.Feed.StaleAfter, "COPYBOT_FEED_STALE_AFTER")
	setBool(&cfg.Feed.SnapshotEnabled, "COPYBOT_SNAPSHOT_ENABLED")
	setDuration(&cfg.Feed.SnapshotEvery, "COPYBOT_SNAPSHOT_EVERY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "COPYBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "COPYBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "COPYBOT_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.Prune, "COPYBOT_ARCHIVE_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "COPYBOT_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.SignalRateLimit, "COPYBOT_SERVER_SIGNAL_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYBOT_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYBOT_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYBOT_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYBOT_NOTIFY_EVENTS")
	setStr(&cfg.Notify.MinSeverity, "COPYBOT_NOTIFY_MIN_SEVERITY")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYBOT_MODE")
	setStr(&cfg.LogLevel, "COPYBOT_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
