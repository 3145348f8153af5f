// Package config defines the top-level configuration for the copy-trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYBOT_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Exchanges ExchangesConfig `toml:"exchanges"`
	Accounts  AccountsConfig  `toml:"accounts"`
	Engine    EngineConfig    `toml:"engine"`
	DCA       DCAConfig       `toml:"dca"`
	Trailing  TrailingConfig  `toml:"trailing"`
	Guardrail GuardrailConfig `toml:"guardrail"`
	Feed      FeedConfig      `toml:"feed"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters. Postgres is
// optional when accounts come from a file; trade history is then not kept.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters. An empty Addr runs the
// engine on in-memory fallbacks.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ExchangesConfig holds per-venue transport settings.
type ExchangesConfig struct {
	Binance BinanceConfig `toml:"binance"`
	OKX     OKXConfig     `toml:"okx"`
	Paper   PaperConfig   `toml:"paper"`
}

// BinanceConfig configures the USDⓈ-M futures adapter.
type BinanceConfig struct {
	BaseURL           string   `toml:"base_url"` // overrides the mainnet URL; testnet accounts use TestnetURL
	TestnetURL        string   `toml:"testnet_url"`
	RecvWindowMs      int64    `toml:"recv_window_ms"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           duration `toml:"timeout"`
	RulesTTL          duration `toml:"rules_ttl"`
}

// OKXConfig configures the perpetual swap adapter.
type OKXConfig struct {
	BaseURL           string   `toml:"base_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           duration `toml:"timeout"`
	RulesTTL          duration `toml:"rules_ttl"`
}

// PaperConfig configures simulated accounts.
type PaperConfig struct {
	StartingEquity float64 `toml:"starting_equity"`
}

// AccountsConfig selects the roster source.
type AccountsConfig struct {
	Source          string `toml:"source"` // "postgres" or "file"
	File            string `toml:"file"`
	MasterPassword  string `toml:"master_password"` // opens sealed API secrets
	DefaultStrategy string `toml:"default_strategy"`
}

// EngineConfig tunes sizing, fan-out and the signal queue.
type EngineConfig struct {
	Concurrency     int      `toml:"concurrency"`
	MaxInFlight     int      `toml:"max_in_flight"`
	MinBalance      float64  `toml:"min_balance"`
	DefaultRiskPct  float64  `toml:"default_risk_pct"`
	DefaultLeverage int      `toml:"default_leverage"`
	Retries         int      `toml:"retries"`
	RetryBackoff    duration `toml:"retry_backoff"`
	EnqueueTimeout  duration `toml:"enqueue_timeout"`
	DequeueTimeout  duration `toml:"dequeue_timeout"`
	MemoryQueueSize int      `toml:"memory_queue_size"`
	WhaleThreshold  float64  `toml:"whale_threshold"`
	DedupWindow     duration `toml:"dedup_window"`
	PanicLockTTL    duration `toml:"panic_lock_ttl"`
}

// DCAConfig configures the averaging-down monitor loop.
type DCAConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// TrailingConfig configures the trailing stop-loss monitor loop.
type TrailingConfig struct {
	Enabled   bool     `toml:"enabled"`
	Reconcile duration `toml:"reconcile"`
	Poll      duration `toml:"poll"`
}

// GuardrailConfig configures the guardrail sweep.
type GuardrailConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// FeedConfig configures the Binance mark-price stream.
type FeedConfig struct {
	Enabled         bool     `toml:"enabled"`
	URL             string   `toml:"url"`
	Symbols         []string `toml:"symbols"`
	StaleAfter      duration `toml:"stale_after"`
	SnapshotEvery   duration `toml:"snapshot_every"`
	SnapshotEnabled bool     `toml:"snapshot_enabled"`
}

// ArchiveConfig configures the trade-history export to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prune         bool     `toml:"prune"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	SignalRateLimit int      `toml:"signal_rate_limit"` // per client per minute; 0 disables
}

// NotifyConfig holds notification channel credentials and filters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinSeverity       string   `toml:"min_severity"`
	AuditSeverity     string   `toml:"audit_severity"`
	Buffer            int      `toml:"buffer"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "copybot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copybot-archive",
			ForcePathStyle: true,
		},
		Exchanges: ExchangesConfig{
			Binance: BinanceConfig{
				TestnetURL:        "https://testnet.binancefuture.com",
				RecvWindowMs:      5000,
				RequestsPerSecond: 10,
				Burst:             20,
				Timeout:           duration{10 * time.Second},
				RulesTTL:          duration{time.Hour},
			},
			OKX: OKXConfig{
				BaseURL:           "https://www.okx.com",
				RequestsPerSecond: 10,
				Burst:             20,
				Timeout:           duration{10 * time.Second},
				RulesTTL:          duration{time.Hour},
			},
			Paper: PaperConfig{StartingEquity: 10000},
		},
		Accounts: AccountsConfig{
			Source:          "postgres",
			File:            "accounts.yaml",
			DefaultStrategy: "default",
		},
		Engine: EngineConfig{
			Concurrency:     16,
			MaxInFlight:     4,
			MinBalance:      10,
			DefaultRiskPct:  1,
			DefaultLeverage: 5,
			Retries:         2,
			RetryBackoff:    duration{200 * time.Millisecond},
			EnqueueTimeout:  duration{2 * time.Second},
			DequeueTimeout:  duration{time.Second},
			MemoryQueueSize: 1024,
			WhaleThreshold:  1000,
			DedupWindow:     duration{10 * time.Minute},
			PanicLockTTL:    duration{2 * time.Minute},
		},
		DCA:       DCAConfig{Enabled: true, Interval: duration{30 * time.Second}},
		Trailing:  TrailingConfig{Enabled: true, Reconcile: duration{15 * time.Second}, Poll: duration{time.Second}},
		Guardrail: GuardrailConfig{Enabled: true, Interval: duration{time.Minute}},
		Feed: FeedConfig{
			Enabled:         false,
			URL:             "wss://fstream.binance.com",
			StaleAfter:      duration{5 * time.Second},
			SnapshotEnabled: true,
			SnapshotEvery:   duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			SignalRateLimit: 120,
		},
		Notify: NotifyConfig{
			Events:        []string{"error", "guardrail_pause", "panic_close", "whale_alert", "trailing_stop", "dca_triggered"},
			MinSeverity:   "info",
			AuditSeverity: "warning",
			Buffer:        1024,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true,
	"worker": true,
	"panic":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warning":  true,
	"error":    true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, worker, panic)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Accounts
	switch c.Accounts.Source {
	case "postgres":
		if !c.Postgres.Enabled {
			errs = append(errs, "accounts: source postgres requires postgres.enabled")
		}
	case "file":
		if strings.TrimSpace(c.Accounts.File) == "" {
			errs = append(errs, "accounts: file must be set when source is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("accounts: unknown source %q (valid: postgres, file)", c.Accounts.Source))
	}
	if c.Accounts.DefaultStrategy == "" {
		errs = append(errs, "accounts: default_strategy must not be empty")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Engine
	e := c.Engine
	if e.Concurrency < 1 {
		errs = append(errs, "engine: concurrency must be >= 1")
	}
	if e.MaxInFlight < 1 {
		errs = append(errs, "engine: max_in_flight must be >= 1")
	}
	if e.MinBalance < 0 {
		errs = append(errs, "engine: min_balance must be >= 0")
	}
	if e.DefaultRiskPct <= 0 || e.DefaultRiskPct > 100 {
		errs = append(errs, fmt.Sprintf("engine: default_risk_pct must be in (0, 100], got %.2f", e.DefaultRiskPct))
	}
	if e.DefaultLeverage < 1 || e.DefaultLeverage > 125 {
		errs = append(errs, fmt.Sprintf("engine: default_leverage must be 1-125, got %d", e.DefaultLeverage))
	}
	if e.Retries < 0 {
		errs = append(errs, "engine: retries must be >= 0")
	}
	if e.MemoryQueueSize < 1 {
		errs = append(errs, "engine: memory_queue_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Feed
	if c.Feed.Enabled && len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: symbols must not be empty when the feed is enabled")
	}

	// Server
	if c.Server.Enabled && strings.ToLower(c.Mode) == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.APIKey == "" {
			errs = append(errs, "server: api_key is required")
		}
	}

	// Notify
	if !validSeverities[c.Notify.MinSeverity] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_severity %q", c.Notify.MinSeverity))
	}
	if !validSeverities[c.Notify.AuditSeverity] {
		errs = append(errs, fmt.Sprintf("notify: unknown audit_severity %q", c.Notify.AuditSeverity))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
