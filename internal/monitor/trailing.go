package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// trailState follows one position. It activates once, after which best only
// moves in the position's favour and stop follows it.
type trailState struct {
	active bool
	best   float64
	stop   float64
	fired  bool
}

// update feeds a price and reports whether it crossed the stop.
func (s *trailState) update(side domain.PositionSide, entry, price float64, cfg domain.TrailingSettings) bool {
	if s.fired || price <= 0 {
		return false
	}
	if !s.active {
		if domain.MovePercent(side, entry, price) < cfg.ActivationPct {
			return false
		}
		s.active = true
		s.best = price
	}

	if side == domain.SideShort {
		if price < s.best {
			s.best = price
		}
		s.stop = s.best * (1 + cfg.CallbackPct/100)
		return price >= s.stop
	}
	if price > s.best {
		s.best = price
	}
	s.stop = s.best * (1 - cfg.CallbackPct/100)
	return price <= s.stop
}

type watcher struct {
	key    string
	member registry.Member
	pos    domain.Position
	cancel context.CancelFunc

	mu    sync.Mutex
	state trailState
}

// TrailingMonitor keeps one watcher goroutine per open position of every
// trailing-enabled account. A reconcile tick starts watchers for new
// positions and stops those whose position is gone.
type TrailingMonitor struct {
	roster    Roster
	closer    Closer
	prices    domain.PriceSource // optional; the account's adapter is the fallback
	sink      domain.EventSink
	reconcile time.Duration
	poll      time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

// NewTrailingMonitor creates the trailing stop loop.
func NewTrailingMonitor(roster Roster, closer Closer, prices domain.PriceSource, sink domain.EventSink, reconcile, poll time.Duration, logger *slog.Logger) *TrailingMonitor {
	if reconcile <= 0 {
		reconcile = 15 * time.Second
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &TrailingMonitor{
		roster:    roster,
		closer:    closer,
		prices:    prices,
		sink:      sink,
		reconcile: reconcile,
		poll:      poll,
		logger:    logger.With(slog.String("component", "trailing_monitor")),
		watchers:  make(map[string]*watcher),
	}
}

// Run reconciles until ctx is cancelled, then waits for every watcher.
func (t *TrailingMonitor) Run(ctx context.Context) error {
	defer t.wg.Wait()
	t.Reconcile(ctx)
	ticker := time.NewTicker(t.reconcile)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.stopAll()
			return ctx.Err()
		case <-ticker.C:
			t.Reconcile(ctx)
		}
	}
}

// Reconcile aligns watchers with the accounts' open positions.
func (t *TrailingMonitor) Reconcile(ctx context.Context) {
	live := make(map[string]bool)
	scanned := make(map[string]bool)
	for _, m := range t.roster.Members() {
		acct := m.Account
		if !acct.Trailing.Enabled || acct.Trailing.CallbackPct <= 0 {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		positions, err := m.Exchange.FetchPositions(cctx)
		cancel()
		if err != nil {
			t.logger.WarnContext(ctx, "trailing: fetch positions failed",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
			// Keep this account's watchers running on a failed scan.
			t.keepAccount(acct.ID, live)
			continue
		}
		scanned[acct.ID] = true
		for _, p := range positions {
			if p.Quantity <= 0 {
				continue
			}
			key := positionKey(acct.ID, p.Symbol, p.Side)
			live[key] = true
			t.ensure(ctx, key, m, p)
		}
	}

	t.mu.Lock()
	for key, w := range t.watchers {
		if !live[key] {
			w.cancel()
			delete(t.watchers, key)
		}
	}
	t.mu.Unlock()
}

func (t *TrailingMonitor) keepAccount(accountID string, live map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, w := range t.watchers {
		if w.member.Account.ID == accountID {
			live[key] = true
		}
	}
}

func (t *TrailingMonitor) ensure(ctx context.Context, key string, m registry.Member, p domain.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.watchers[key]; ok {
		if samePosition(old.pos, p) {
			return
		}
		// Averaged in or partly closed: trail the new entry from scratch.
		old.cancel()
		delete(t.watchers, key)
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{key: key, member: m, pos: p, cancel: cancel}
	t.watchers[key] = w
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.watch(wctx, w)
	}()
	t.logger.DebugContext(ctx, "trailing: watching position",
		slog.String("account_id", m.Account.ID),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
	)
}

func samePosition(a, b domain.Position) bool {
	return a.EntryPrice == b.EntryPrice && a.Quantity == b.Quantity
}

// retire stops w once its position has been closed, so a position reopened
// under the same key gets a fresh watcher on the next reconcile.
func (t *TrailingMonitor) retire(w *watcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w.cancel()
	if t.watchers[w.key] == w {
		delete(t.watchers, w.key)
	}
}

func (t *TrailingMonitor) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, w := range t.watchers {
		w.cancel()
		delete(t.watchers, key)
	}
}

// Watching returns the number of live watchers.
func (t *TrailingMonitor) Watching() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watchers)
}

func (t *TrailingMonitor) watch(ctx context.Context, w *watcher) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, err := t.price(ctx, w)
			if err != nil {
				continue
			}
			t.step(ctx, w, price)
		}
	}
}

func (t *TrailingMonitor) price(ctx context.Context, w *watcher) (float64, error) {
	if t.prices != nil {
		if p, err := t.prices.MarkPrice(ctx, w.pos.Symbol); err == nil && p > 0 {
			return p, nil
		}
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return w.member.Exchange.MarkPrice(cctx, w.pos.Symbol)
}

// step applies one price update and closes the position on a crossing.
// The state lock is released before the close order goes out.
func (t *TrailingMonitor) step(ctx context.Context, w *watcher, price float64) {
	cfg := w.member.Account.Trailing
	w.mu.Lock()
	wasActive := w.state.active
	crossed := w.state.update(w.pos.Side, w.pos.EntryPrice, price, cfg)
	if crossed {
		w.state.fired = true
	}
	st := w.state
	w.mu.Unlock()

	acct := w.member.Account
	if st.active && !wasActive {
		t.logger.InfoContext(ctx, "trailing: stop activated",
			slog.String("account_id", acct.ID),
			slog.String("symbol", w.pos.Symbol),
			slog.Float64("price", price),
			slog.Float64("stop", st.stop),
		)
	}
	if !crossed {
		return
	}

	res := t.closer.ClosePosition(ctx, w.member, w.pos.Symbol, "trailing stop")
	if res.Status == domain.StatusError {
		t.logger.ErrorContext(ctx, "trailing: close failed, will retry",
			slog.String("account_id", acct.ID),
			slog.String("symbol", w.pos.Symbol),
			slog.String("error", res.Error),
		)
		w.mu.Lock()
		w.state.fired = false
		w.mu.Unlock()
		return
	}
	t.retire(w)
	emit(t.sink, domain.Event{
		Type:      domain.EventTrailingStop,
		Severity:  domain.SeverityInfo,
		AccountID: domain.AccountRef(acct.ID),
		Symbol:    w.pos.Symbol,
		Message:   fmt.Sprintf("trailing stop hit at %.4f (best %.4f)", price, st.best),
		Data: map[string]any{
			"stop":   st.stop,
			"best":   st.best,
			"status": res.Status,
		},
	})
}
