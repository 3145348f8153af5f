package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/monitor"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/server"
	"github.com/alanyoungcy/copybot/internal/server/handler"
	"github.com/alanyoungcy/copybot/internal/server/ws"
	"github.com/alanyoungcy/copybot/internal/service"
)

// shutdownTimeout bounds the HTTP server drain.
const shutdownTimeout = 10 * time.Second

// FullMode runs the engine, the monitors, the background services and the
// HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	// Without a bus the hub is fed straight from the emitter.
	var extra []notify.Sink
	if deps.EventBus == nil && a.cfg.Server.Enabled {
		extra = append(extra, hub)
	}

	c, err := a.buildCore(ctx, deps, extra...)
	if err != nil {
		return err
	}
	stopEmitter := a.startEmitter(c)
	defer stopEmitter()

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, c)
	if a.cfg.Server.Enabled {
		g.Go(a.loop(ctx, "ws hub", hub.Run))
		a.startHTTPServer(ctx, g, deps, c, hub)
	}
	return g.Wait()
}

// WorkerMode runs everything except the HTTP API. Signals arrive through
// the shared Redis queue.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	if deps.SignalQueue == nil {
		a.logger.WarnContext(ctx, "worker mode without redis: no signal source is reachable")
	}

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	stopEmitter := a.startEmitter(c)
	defer stopEmitter()

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, c)
	return g.Wait()
}

// PanicMode runs one close_all sweep, prints the tally as JSON on stdout and
// returns. Any account left with an error makes the run fail.
func (a *App) PanicMode(ctx context.Context, deps *Dependencies) error {
	a.logger.WarnContext(ctx, "starting panic mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	stopEmitter := a.startEmitter(c)
	defer stopEmitter()

	tally, err := c.sweeper.CloseAll(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("app: panic: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tally); err != nil {
		return fmt.Errorf("app: panic: print tally: %w", err)
	}
	if n := tally.MasterErrors + tally.SlaveErrors; n > 0 {
		return fmt.Errorf("app: panic: %d accounts reported errors", n)
	}
	return nil
}

// startWorkers adds the engine consumer and every enabled background loop to
// g.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	g.Go(a.loop(ctx, "engine", c.engine.Run))

	if a.cfg.Feed.Enabled {
		if len(a.cfg.Feed.Symbols) == 0 {
			a.logger.WarnContext(ctx, "feed: no symbols configured, mark stream disabled")
		} else {
			mf := feed.NewBinanceMarkFeed(a.cfg.Feed.URL, a.cfg.Feed.Symbols, c.prices, a.logger)
			g.Go(a.loop(ctx, "mark feed", mf.Run))
		}
	}

	if a.cfg.DCA.Enabled {
		counter := deps.DCACounter
		if counter == nil {
			counter = monitor.NewMemoryCounter()
		}
		dca := monitor.NewDCAMonitor(c.registry, c.engine, counter, c.emitter, a.cfg.DCA.Interval.Duration, a.logger)
		g.Go(a.loop(ctx, "dca monitor", dca.Run))
	}

	if a.cfg.Trailing.Enabled {
		tr := monitor.NewTrailingMonitor(c.registry, c.engine, c.prices, c.emitter,
			a.cfg.Trailing.Reconcile.Duration, a.cfg.Trailing.Poll.Duration, a.logger)
		g.Go(a.loop(ctx, "trailing monitor", tr.Run))
	}

	if a.cfg.Guardrail.Enabled {
		gm := monitor.NewGuardrailMonitor(c.registry, c.guard, a.cfg.Guardrail.Interval.Duration, a.logger)
		g.Go(a.loop(ctx, "guardrail monitor", gm.Run))
		g.Go(a.loop(ctx, "daily reset", monitor.NewScheduler(c.guard, a.logger).Run))
	}

	if deps.BalanceStore != nil && a.cfg.Feed.SnapshotEnabled {
		snaps := service.NewSnapshotService(c.registry, deps.BalanceStore, a.cfg.Feed.SnapshotEvery.Duration, a.logger)
		g.Go(a.loop(ctx, "balance snapshots", snaps.Run))
	}

	if deps.Archiver != nil {
		interval := a.cfg.Archive.Interval.Duration
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(a.loop(ctx, "archiver", func(ctx context.Context) error {
			return deps.Archiver.Run(ctx, interval, retention)
		}))
	}
}

// startHTTPServer adds the HTTP server and its graceful shutdown to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, hub *ws.Hub) {
	checks := map[string]handler.Check{}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres.Ping
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		SignalRateLimit: a.cfg.Server.SignalRateLimit,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(checks, a.logger),
		Signals:  handler.NewSignalHandler(c.queue, a.cfg.Accounts.DefaultStrategy, a.logger),
		Admin:    handler.NewAdminHandler(c.admin, a.logger),
		Accounts: handler.NewAccountHandler(c.registry, c.history, a.logger),
		Trades:   handler.NewTradeHandler(c.history, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startEmitter runs the event emitter on its own context so events produced
// while the other loops drain are still delivered. The returned stop
// function flushes and waits.
func (a *App) startEmitter(c *core) (stop func()) {
	ectx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.emitter.Run(ectx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// loop adapts a Run method to errgroup. Cancellation is a clean exit.
func (a *App) loop(ctx context.Context, name string, run func(context.Context) error) func() error {
	return func() error {
		err := run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		a.logger.ErrorContext(ctx, "app: loop exited",
			slog.String("loop", name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("app: %s: %w", name, err)
	}
}
