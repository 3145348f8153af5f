// Package engine replicates trading signals onto every eligible account.
//
// A single consumer dequeues signals in arrival order. Each signal fans out
// to one task per account with bounded concurrency; every task converts its
// own failure into an ExecutionResult so one account never affects another.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/sizing"
)

// Roster is the read path into the account registry.
type Roster interface {
	Masters() []registry.Member
	SlavesForStrategy(strategyID string) []registry.Member
	DefaultStrategy() string
	FlagForReview(ctx context.Context, accountID, reason string) error
}

// Guardrail is the daily risk cap consulted before every account task.
type Guardrail interface {
	Observe(accountID string, s domain.GuardrailSettings, equity float64, now time.Time) domain.GuardrailState
	Paused(accountID string) bool
}

// Config tunes the engine.
type Config struct {
	Concurrency    int           // account tasks in flight per signal
	MaxInFlight    int           // signals in flight
	Retries        int           // extra attempts on transient errors
	RetryBase      time.Duration // backoff is RetryBase × 2^n
	DequeueTimeout time.Duration
	WhaleThreshold float64       // realized PnL that triggers a whale_alert; 0 disables
	DedupWindow    time.Duration // queued signal IDs repeated within it are dropped; 0 disables
	Sizing         sizing.Settings
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = time.Second
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	roster Roster
	queue  domain.SignalQueue
	guard  Guardrail
	sink   domain.EventSink
	trades domain.TradeStore
	logger *slog.Logger

	dedup  *Dedup // nil when disabled
	paused atomic.Bool
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuardrail installs the daily risk cap.
func WithGuardrail(g Guardrail) Option { return func(e *Engine) { e.guard = g } }

// WithTradeStore records every result as trade history.
func WithTradeStore(s domain.TradeStore) Option { return func(e *Engine) { e.trades = s } }

// WithEventSink receives every result and alert.
func WithEventSink(s domain.EventSink) Option { return func(e *Engine) { e.sink = s } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine consuming q. q may be nil when only Process and
// ExecuteFor are used.
func New(cfg Config, roster Roster, q domain.SignalQueue, logger *slog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:    cfg,
		roster: roster,
		queue:  q,
		logger: logger.With(slog.String("component", "engine")),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	if cfg.DedupWindow > 0 {
		e.dedup = NewDedup(cfg.DedupWindow)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Pause stops execution of new signals. Signals dequeued while paused are
// recorded as skipped. In-flight orders complete.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		e.logger.Warn("engine: trading paused")
	}
}

// Resume re-enables execution.
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		e.logger.Info("engine: trading resumed")
	}
}

// Paused reports the global pause flag.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Run consumes the queue until ctx is cancelled. Fan-outs already started
// are allowed to finish before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	sem := make(chan struct{}, e.cfg.MaxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	e.logger.InfoContext(ctx, "engine: consumer started",
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.Int("max_in_flight", e.cfg.MaxInFlight),
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		sig, err := e.queue.Dequeue(ctx, e.cfg.DequeueTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			e.logger.ErrorContext(ctx, "engine: dequeue failed", slog.String("error", err.Error()))
			if e.sleep(ctx, time.Second) != nil {
				return nil
			}
			continue
		}
		if e.dedup != nil && sig.ID != "" && e.dedup.Seen(sig.ID, e.now()) {
			e.logger.WarnContext(ctx, "engine: duplicate signal dropped",
				slog.String("signal_id", sig.ID),
				slog.String("symbol", sig.Symbol),
			)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Already dequeued; finish it rather than drop it.
			e.Process(context.WithoutCancel(ctx), sig)
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.Process(context.WithoutCancel(ctx), sig)
		}()
	}
}

// Process replicates sig onto every master and eligible slave and returns
// one result per account. Invalid signals produce no results.
func (e *Engine) Process(ctx context.Context, sig domain.Signal) []domain.ExecutionResult {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.now().UTC()
	}
	if sig.StrategyID == "" {
		sig.StrategyID = e.roster.DefaultStrategy()
	}
	logger := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("action", string(sig.Action)),
	)
	if err := sig.Validate(); err != nil {
		logger.WarnContext(ctx, "engine: signal rejected", slog.String("error", err.Error()))
		e.emit(domain.Event{
			Type: domain.EventError, Severity: domain.SeverityWarning, Symbol: sig.Symbol,
			Message: "signal rejected: " + err.Error(),
		})
		return nil
	}

	targets := e.eligible(sig)
	results := make([]domain.ExecutionResult, len(targets))

	if e.Paused() {
		for i, m := range targets {
			results[i] = e.newResult(m, sig)
			skip(&results[i], "trading paused")
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for i, m := range targets {
			g.Go(func() error {
				results[i] = e.execute(gctx, m, sig)
				return nil
			})
		}
		_ = g.Wait()
	}

	var filled, failed int
	for _, r := range results {
		e.finish(ctx, r)
		switch {
		case r.Succeeded():
			filled++
		case r.Status == domain.StatusError || r.Status == domain.StatusRejected:
			failed++
		}
	}
	logger.InfoContext(ctx, "engine: signal processed",
		slog.Int("accounts", len(results)),
		slog.Int("filled", filled),
		slog.Int("failed", failed),
	)
	return results
}

// eligible returns every master plus the active, trading-enabled,
// subscribed and not guardrail-paused slaves.
func (e *Engine) eligible(sig domain.Signal) []registry.Member {
	out := e.roster.Masters()
	for _, m := range e.roster.SlavesForStrategy(sig.StrategyID) {
		if !m.Account.TradingEnabled {
			continue
		}
		if e.guard != nil && e.guard.Paused(m.Account.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// finish emits and persists one result. Neither can fail the caller.
func (e *Engine) finish(ctx context.Context, r domain.ExecutionResult) {
	e.emit(resultEvent(r))
	if e.trades == nil {
		return
	}
	if err := e.trades.Record(ctx, r); err != nil {
		e.logger.WarnContext(ctx, "engine: record trade failed",
			slog.String("account_id", r.AccountID),
			slog.String("signal_id", r.SignalID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) emit(evt domain.Event) {
	if e.sink == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = e.now().UTC()
	}
	e.sink.Emit(evt)
}

func resultEvent(r domain.ExecutionResult) domain.Event {
	sev := domain.SeverityInfo
	typ := domain.EventExecution
	switch r.Status {
	case domain.StatusError, domain.StatusRejected:
		sev, typ = domain.SeverityError, domain.EventError
		if r.ErrorKind == domain.ErrorKindAuthentication {
			sev = domain.SeverityCritical
		}
	case domain.StatusPartiallyFilled:
		sev = domain.SeverityWarning
	}
	msg := string(r.Action) + " " + r.Symbol + ": " + string(r.Status)
	switch {
	case r.Error != "":
		msg += ": " + r.Error
	case r.SkipReason != "":
		msg += ": " + r.SkipReason
	}
	ref := domain.AccountRef(r.AccountID)
	if r.Role == domain.RoleMaster {
		ref = nil
	}
	return domain.Event{
		Type: typ, Severity: sev, AccountID: ref, Symbol: r.Symbol, Message: msg,
		Data: map[string]any{
			"signal_id":  r.SignalID,
			"account_id": r.AccountID,
			"status":     r.Status,
			"filled_qty": r.FilledQty,
			"avg_price":  r.AvgPrice,
			"error_kind": r.ErrorKind,
		},
		Time: r.CreatedAt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
