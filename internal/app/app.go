// Package app provides the top-level lifecycle of the copy-trading engine. It
// wires stores, caches, exchange adapters, the replication engine, the smart
// monitors and the notification fan-out, then starts the goroutines the
// configured mode needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/engine"
	"github.com/alanyoungcy/copybot/internal/exchange"
	"github.com/alanyoungcy/copybot/internal/exchange/binance"
	"github.com/alanyoungcy/copybot/internal/exchange/okx"
	"github.com/alanyoungcy/copybot/internal/exchange/paper"
	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/killswitch"
	"github.com/alanyoungcy/copybot/internal/monitor"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/queue"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/service"
	"github.com/alanyoungcy/copybot/internal/sizing"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode and blocks until the context is cancelled (or, in panic
// mode, until the sweep is done).
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "full":
		return a.FullMode(ctx, deps)
	case "worker":
		return a.WorkerMode(ctx, deps)
	case "panic":
		return a.PanicMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// core is the in-process object graph shared by every mode.
type core struct {
	registry  *registry.Registry
	prices    *feed.PriceBook
	queue     *queue.Fallback
	emitter   *notify.Emitter
	guard     *monitor.Guardrails
	engine    *engine.Engine
	sweeper   *killswitch.Controller
	admin     *service.AdminService
	history   *service.TradeService
	startedAt time.Time
}

// newFactory registers one adapter constructor per supported exchange kind.
func (a *App) newFactory(prices domain.PriceSource) *exchange.Factory {
	ex := a.cfg.Exchanges
	f := exchange.NewFactory()
	f.Register(domain.ExchangeBinance, func(acct domain.Account) (domain.Exchange, error) {
		return binance.New(binance.Config{
			BaseURL:           ex.Binance.BaseURL,
			TestnetURL:        ex.Binance.TestnetURL,
			RecvWindow:        ex.Binance.RecvWindowMs,
			RequestsPerSecond: ex.Binance.RequestsPerSecond,
			Burst:             ex.Binance.Burst,
			Timeout:           ex.Binance.Timeout.Duration,
			RulesTTL:          ex.Binance.RulesTTL.Duration,
		}, acct, a.logger)
	})
	f.Register(domain.ExchangeOKX, func(acct domain.Account) (domain.Exchange, error) {
		return okx.New(okx.Config{
			BaseURL:           ex.OKX.BaseURL,
			RequestsPerSecond: ex.OKX.RequestsPerSecond,
			Burst:             ex.OKX.Burst,
			Timeout:           ex.OKX.Timeout.Duration,
			RulesTTL:          ex.OKX.RulesTTL.Duration,
		}, acct, a.logger)
	})
	books := paper.NewBooks(paper.Config{StartingEquity: ex.Paper.StartingEquity}, prices)
	f.Register(domain.ExchangePaper, books.Constructor())
	return f
}

// buildCore assembles the registry, queue, emitter, engine and panic
// controller and performs the first roster load. extraSinks receive every
// event alongside the configured ones.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, extraSinks ...notify.Sink) (*core, error) {
	c := &core{startedAt: time.Now().UTC()}

	c.prices = feed.NewPriceBook(a.cfg.Feed.StaleAfter.Duration, deps.MarkCache, a.logger)

	opts := []registry.Option{registry.WithDefaultStrategy(a.cfg.Accounts.DefaultStrategy)}
	if deps.Secrets != nil {
		opts = append(opts, registry.WithSecretOpener(deps.Secrets))
	}
	c.registry = registry.New(deps.AccountStore, a.newFactory(c.prices), a.logger, opts...)
	report, err := c.registry.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load accounts: %w", err)
	}
	a.logger.InfoContext(ctx, "accounts loaded",
		slog.Int("masters", report.Masters),
		slog.Int("slaves", report.Slaves),
		slog.Int("failed", len(report.Failed)),
	)

	// Sinks: chat, then fan-out to other processes (or the local hub), then audit.
	var sinks []notify.Sink
	if deps.Notifier != nil {
		sinks = append(sinks, deps.Notifier)
	}
	if deps.EventBus != nil {
		sinks = append(sinks, notify.NewBusSink(deps.EventBus, domain.EventsChannel))
	}
	sinks = append(sinks, extraSinks...)
	if deps.AuditStore != nil {
		sinks = append(sinks, notify.NewAuditSink(deps.AuditStore, domain.Severity(a.cfg.Notify.AuditSeverity)))
	}
	c.emitter = notify.NewEmitter(a.cfg.Notify.Buffer, sinks, a.logger)

	ec := a.cfg.Engine
	c.queue = queue.NewFallback(deps.SignalQueue,
		queue.NewMemory(ec.MemoryQueueSize, ec.EnqueueTimeout.Duration),
		ec.EnqueueTimeout.Duration, a.logger)

	c.guard = monitor.NewGuardrails(c.emitter, a.logger)

	engineOpts := []engine.Option{engine.WithEventSink(c.emitter)}
	if a.cfg.Guardrail.Enabled {
		engineOpts = append(engineOpts, engine.WithGuardrail(c.guard))
	}
	var trades domain.TradeStore
	if deps.TradeStore != nil {
		trades = deps.TradeStore
		engineOpts = append(engineOpts, engine.WithTradeStore(trades))
	}
	c.engine = engine.New(engine.Config{
		Concurrency:    ec.Concurrency,
		MaxInFlight:    ec.MaxInFlight,
		Retries:        ec.Retries,
		RetryBase:      ec.RetryBackoff.Duration,
		DequeueTimeout: ec.DequeueTimeout.Duration,
		WhaleThreshold: ec.WhaleThreshold,
		DedupWindow:    ec.DedupWindow.Duration,
		Sizing: sizing.Settings{
			DefaultRiskPct:  ec.DefaultRiskPct,
			DefaultLeverage: ec.DefaultLeverage,
			MinBalance:      ec.MinBalance,
			DefaultStrategy: a.cfg.Accounts.DefaultStrategy,
		},
	}, c.registry, c.queue, a.logger, engineOpts...)

	c.sweeper = killswitch.New(killswitch.Config{
		Concurrency: ec.Concurrency,
		Retries:     ec.Retries,
		RetryBase:   ec.RetryBackoff.Duration,
		LockTTL:     ec.PanicLockTTL.Duration,
	}, c.registry, c.engine, deps.LockManager, c.emitter, a.logger)

	c.admin = service.NewAdminService(service.AdminDeps{
		Mode:     a.cfg.Mode,
		Registry: c.registry,
		Trading:  c.engine,
		Panic:    c.sweeper,
		Guard:    c.guard,
		Queue:    c.queue,
		Audit:    deps.AuditStore,
		Sink:     c.emitter,
	}, a.logger)

	c.history = service.NewTradeService(trades, deps.BalanceStore)
	return c, nil
}
