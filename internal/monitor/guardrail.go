package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const dayLayout = "2006-01-02"

type guardEntry struct {
	mu    sync.Mutex
	state domain.GuardrailState
}

// Guardrails holds the per-account, per-UTC-day drawdown and profit-lock
// state. Each account has its own mutex; there is no global lock.
type Guardrails struct {
	entries sync.Map // account id -> *guardEntry
	sink    domain.EventSink
	logger  *slog.Logger
	now     func() time.Time
}

// NewGuardrails creates an empty guardrail book. sink may be nil.
func NewGuardrails(sink domain.EventSink, logger *slog.Logger) *Guardrails {
	return &Guardrails{
		sink:   sink,
		logger: logger.With(slog.String("component", "guardrails")),
		now:    time.Now,
	}
}

func (g *Guardrails) entry(id string) *guardEntry {
	if e, ok := g.entries.Load(id); ok {
		return e.(*guardEntry)
	}
	e, _ := g.entries.LoadOrStore(id, &guardEntry{})
	return e.(*guardEntry)
}

// Observe feeds the account's current equity. The first observation of a
// UTC day becomes that day's baseline. Once paused, the account stays
// paused for the rest of the day whatever equity does next.
func (g *Guardrails) Observe(accountID string, s domain.GuardrailSettings, equity float64, now time.Time) domain.GuardrailState {
	day := now.UTC().Format(dayLayout)
	e := g.entry(accountID)

	e.mu.Lock()
	st := &e.state
	if st.Day != day {
		*st = domain.GuardrailState{AccountID: accountID, Day: day, StartOfDayEquity: equity}
	}
	st.LastEquity = equity

	newly := false
	if !st.Paused && st.StartOfDayEquity > 0 {
		change := (equity - st.StartOfDayEquity) / st.StartOfDayEquity * 100
		switch {
		case s.MaxDrawdownPct > 0 && -change >= s.MaxDrawdownPct:
			st.PauseReason = domain.PauseDrawdown
		case s.ProfitTargetPct > 0 && change >= s.ProfitTargetPct:
			st.PauseReason = domain.PauseProfitLock
		}
		if st.PauseReason != domain.PauseNone {
			at := now.UTC()
			st.Paused, st.PausedAt, newly = true, &at, true
		}
	}
	out := *st
	e.mu.Unlock()

	if newly {
		change := (equity - out.StartOfDayEquity) / out.StartOfDayEquity * 100
		g.logger.Warn("guardrails: account paused",
			slog.String("account_id", accountID),
			slog.String("reason", string(out.PauseReason)),
			slog.Float64("start_equity", out.StartOfDayEquity),
			slog.Float64("equity", equity),
			slog.Float64("change_pct", change),
		)
		emit(g.sink, domain.Event{
			Type:      domain.EventGuardrailPause,
			Severity:  domain.SeverityWarning,
			AccountID: domain.AccountRef(accountID),
			Message:   fmt.Sprintf("trading paused for the day: %s (%+.2f%%)", out.PauseReason, change),
			Data: map[string]any{
				"reason":       out.PauseReason,
				"start_equity": out.StartOfDayEquity,
				"equity":       equity,
			},
			Time: now.UTC(),
		})
	}
	return out
}

// Paused reports whether the account is paused today. A pause left over
// from an earlier day no longer counts.
func (g *Guardrails) Paused(accountID string) bool {
	v, ok := g.entries.Load(accountID)
	if !ok {
		return false
	}
	e := v.(*guardEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Paused && e.state.Day == g.now().UTC().Format(dayLayout)
}

// ResetDaily clears every pause. Baselines are re-snapshotted on each
// account's next observation.
func (g *Guardrails) ResetDaily() int {
	n := 0
	g.entries.Range(func(k, v any) bool {
		e := v.(*guardEntry)
		e.mu.Lock()
		if e.state.Paused {
			n++
		}
		e.state = domain.GuardrailState{AccountID: k.(string)}
		e.mu.Unlock()
		return true
	})
	g.logger.Info("guardrails: daily reset", slog.Int("cleared", n))
	return n
}

// States returns a copy of every tracked state, sorted by account id.
func (g *Guardrails) States() []domain.GuardrailState {
	var out []domain.GuardrailState
	g.entries.Range(func(_, v any) bool {
		e := v.(*guardEntry)
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// GuardrailMonitor observes equity on a timer so accounts pause even
// between signals.
type GuardrailMonitor struct {
	roster   Roster
	guard    *Guardrails
	interval time.Duration
	logger   *slog.Logger
}

// NewGuardrailMonitor creates the periodic equity check.
func NewGuardrailMonitor(roster Roster, guard *Guardrails, interval time.Duration, logger *slog.Logger) *GuardrailMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &GuardrailMonitor{
		roster:   roster,
		guard:    guard,
		interval: interval,
		logger:   logger.With(slog.String("component", "guardrail_monitor")),
	}
}

// Run ticks until ctx is cancelled.
func (m *GuardrailMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick fetches equity for every guardrail-enabled slave and observes it.
func (m *GuardrailMonitor) Tick(ctx context.Context) {
	for _, mem := range m.roster.Members() {
		acct := mem.Account
		if acct.IsMaster() || !acct.Guardrail.Enabled() {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		bal, err := mem.Exchange.FetchBalance(cctx)
		cancel()
		if err != nil {
			m.logger.WarnContext(ctx, "guardrail monitor: fetch balance failed",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.guard.Observe(acct.ID, acct.Guardrail, bal.Equity, time.Now())
	}
}

// Scheduler calls ResetDaily at every 00:00 UTC.
type Scheduler struct {
	guard  *Guardrails
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates the daily reset timer.
func NewScheduler(guard *Guardrails, logger *slog.Logger) *Scheduler {
	return &Scheduler{guard: guard, logger: logger.With(slog.String("component", "scheduler")), now: time.Now}
}

// Run waits for each UTC midnight until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := untilNextMidnight(s.now())
		s.logger.DebugContext(ctx, "scheduler: next guardrail reset", slog.Duration("in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.guard.ResetDaily()
		}
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
