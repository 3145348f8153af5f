package monitor

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/engine"
	"github.com/alanyoungcy/copybot/internal/exchange/paper"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/sizing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type roster struct{ members []registry.Member }

func (r *roster) Members() []registry.Member { return r.members }

// engine.Roster, for the end-to-end tests
func (r *roster) Masters() []registry.Member { return nil }

func (r *roster) SlavesForStrategy(string) []registry.Member { return r.members }

func (r *roster) DefaultStrategy() string { return "default" }

func (r *roster) FlagForReview(context.Context, string, string) error { return nil }

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Emit(evt domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *sink) count(t domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// recordingExec fills every signal without touching the exchange.
type recordingExec struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (r *recordingExec) ExecuteFor(ctx context.Context, m registry.Member, sig domain.Signal) domain.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return domain.ExecutionResult{AccountID: m.Account.ID, Status: domain.StatusFilled, FilledQty: 0.004}
}

func (r *recordingExec) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

func dcaMember(ex *paper.Exchange, maxOrders int) registry.Member {
	return registry.Member{
		Account: domain.Account{
			ID: "s1", Exchange: domain.ExchangePaper, Role: domain.RoleSlave, Active: true, TradingEnabled: true,
			RiskPct: 2, Leverage: 10,
			DCA: domain.DCASettings{Enabled: true, ThresholdPct: 2, MaxOrders: maxOrders, Multiplier: 1.5},
		},
		Exchange: ex,
	}
}

func TestDCAFiresOncePerEpoch(t *testing.T) {
	ctx := context.Background()
	ex := paper.New(1000)
	ex.SetMarkPrice("BTCUSDT", 49000)
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.004, EntryPrice: 50000})

	exec := &recordingExec{}
	mon := NewDCAMonitor(&roster{members: []registry.Member{dcaMember(ex, 1)}}, exec, NewMemoryCounter(), nil, time.Second, discard)

	for i := 0; i < 5; i++ {
		mon.Tick(ctx)
	}
	if exec.calls() != 1 {
		t.Fatalf("expected exactly one dca at -2%%, got %d", exec.calls())
	}
	sig := exec.signals[0]
	if sig.Action != domain.ActionDCA || sig.Side != domain.SideLong || sig.SizeMultiplier != 1.5 {
		t.Fatalf("unexpected dca signal %+v", sig)
	}

	// recover and cross again: the epoch is already at its cap
	ex.SetMarkPrice("BTCUSDT", 50000)
	mon.Tick(ctx)
	ex.SetMarkPrice("BTCUSDT", 49000)
	mon.Tick(ctx)
	if exec.calls() != 1 {
		t.Fatalf("max orders per epoch exceeded: %d", exec.calls())
	}

	// a new position is a new epoch
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Quantity: 0})
	mon.Tick(ctx)
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.004, EntryPrice: 50000})
	mon.Tick(ctx)
	if exec.calls() != 2 {
		t.Fatalf("expected a fresh epoch to allow another dca, got %d", exec.calls())
	}
}

func TestDCAReArmsAfterRecovery(t *testing.T) {
	ctx := context.Background()
	ex := paper.New(1000)
	ex.SetMarkPrice("BTCUSDT", 49000)
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.004, EntryPrice: 50000})

	exec := &recordingExec{}
	mon := NewDCAMonitor(&roster{members: []registry.Member{dcaMember(ex, 3)}}, exec, NewMemoryCounter(), nil, time.Second, discard)

	mon.Tick(ctx)
	mon.Tick(ctx)
	ex.SetMarkPrice("BTCUSDT", 49500)
	mon.Tick(ctx)
	ex.SetMarkPrice("BTCUSDT", 48900)
	mon.Tick(ctx)
	if exec.calls() != 2 {
		t.Fatalf("expected one dca per crossing, got %d", exec.calls())
	}
}

// gatedExec blocks every ExecuteFor until release is closed.
type gatedExec struct {
	recordingExec
	started chan struct{}
	release chan struct{}
}

func (g *gatedExec) ExecuteFor(ctx context.Context, m registry.Member, sig domain.Signal) domain.ExecutionResult {
	g.started <- struct{}{}
	<-g.release
	return g.recordingExec.ExecuteFor(ctx, m, sig)
}

func TestDCAOneOrderInFlightPerPosition(t *testing.T) {
	ctx := context.Background()
	ex := paper.New(1000)
	ex.SetMarkPrice("BTCUSDT", 49000)
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.004, EntryPrice: 50000})

	exec := &gatedExec{started: make(chan struct{}, 2), release: make(chan struct{})}
	mon := NewDCAMonitor(&roster{members: []registry.Member{dcaMember(ex, 3)}}, exec, NewMemoryCounter(), nil, time.Second, discard)

	done := make(chan struct{})
	go func() {
		mon.Tick(ctx)
		close(done)
	}()
	<-exec.started

	// same position while the first order is still out
	second := make(chan struct{})
	go func() {
		mon.Tick(ctx)
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
	}
	close(exec.release)
	<-done
	<-second

	if exec.calls() != 1 {
		t.Fatalf("expected one dca for the crossing, got %d", exec.calls())
	}
}

func TestMemoryCounterEpochs(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()

	e1, _ := c.Epoch(ctx, "a", "BTCUSDT", domain.SideLong)
	if again, _ := c.Epoch(ctx, "a", "BTCUSDT", domain.SideLong); again != e1 {
		t.Fatalf("epoch changed while the position is open: %s vs %s", e1, again)
	}
	if n, _ := c.Increment(ctx, e1); n != 1 {
		t.Fatalf("Increment=%d", n)
	}

	if err := c.EndEpoch(ctx, "a", "BTCUSDT", domain.SideLong); err != nil {
		t.Fatalf("EndEpoch: %v", err)
	}
	if n, _ := c.Count(ctx, e1); n != 0 {
		t.Fatalf("ended epoch still counted: %d", n)
	}
	e2, _ := c.Epoch(ctx, "a", "BTCUSDT", domain.SideLong)
	if e2 == e1 {
		t.Fatalf("a reopened position must start a new epoch")
	}
	if n, _ := c.Increment(ctx, e1); n != 0 {
		t.Fatalf("stale epoch incremented: %d", n)
	}
	if n, _ := c.Count(ctx, e2); n != 0 {
		t.Fatalf("new epoch inherited a count: %d", n)
	}
}

func TestMemoryCounterConcurrentKeys(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	accounts := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, id := range accounts {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					epoch, _ := c.Epoch(ctx, id, "ETHUSDT", domain.SideShort)
					_, _ = c.Increment(ctx, epoch)
				}
			}()
		}
	}
	wg.Wait()

	for _, id := range accounts {
		epoch, _ := c.Epoch(ctx, id, "ETHUSDT", domain.SideShort)
		if n, _ := c.Count(ctx, epoch); n != 100 {
			t.Fatalf("account %s counted %d, expected 100", id, n)
		}
	}
}

func TestDCAThroughEngine(t *testing.T) {
	ctx := context.Background()
	ex := paper.New(1000)
	ex.SetMarkPrice("BTCUSDT", 49000)
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.004, EntryPrice: 50000})
	m := dcaMember(ex, 2)
	r := &roster{members: []registry.Member{m}}
	events := &sink{}

	eng := engine.New(engine.Config{
		Concurrency: 1, Retries: 2, RetryBase: time.Millisecond,
		Sizing: sizing.Settings{DefaultRiskPct: 1, DefaultLeverage: 5, DefaultStrategy: "default"},
	}, r, nil, discard)
	mon := NewDCAMonitor(r, eng, NewMemoryCounter(), events, time.Second, discard)
	mon.Tick(ctx)

	orders := ex.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected one dca order, got %d", len(orders))
	}
	// 1000 × 2% × 10 × 1.5 = 300 USDT at 49000
	if orders[0].Side != domain.OrderSideBuy || orders[0].Quantity != 0.006 {
		t.Fatalf("unexpected order %+v", orders[0])
	}
	if events.count(domain.EventDCATriggered) != 1 {
		t.Fatalf("expected a dca_triggered event")
	}
}

func TestTrailStateLongActivatesOnce(t *testing.T) {
	cfg := domain.TrailingSettings{Enabled: true, ActivationPct: 2, CallbackPct: 1}
	var st trailState
	activations := 0
	lastStop := 0.0

	for _, price := range []float64{100, 101, 102, 102.5, 103, 104, 105} {
		was := st.active
		if st.update(domain.SideLong, 100, price, cfg) {
			t.Fatalf("rising price %v must not trigger", price)
		}
		if st.active && !was {
			activations++
		}
		if st.active {
			if st.stop < lastStop {
				t.Fatalf("stop decreased from %v to %v", lastStop, st.stop)
			}
			lastStop = st.stop
		}
	}
	if activations != 1 {
		t.Fatalf("activations=%d, expected 1", activations)
	}
	if st.best != 105 {
		t.Fatalf("best=%v", st.best)
	}

	if !st.update(domain.SideLong, 100, 103.9, cfg) {
		t.Fatalf("price below stop %v should trigger", st.stop)
	}
	st.fired = true
	if st.update(domain.SideLong, 100, 103, cfg) {
		t.Fatalf("fired state must not trigger again")
	}
}

func TestTrailStateShort(t *testing.T) {
	cfg := domain.TrailingSettings{Enabled: true, ActivationPct: 2, CallbackPct: 1}
	var st trailState

	if st.update(domain.SideShort, 100, 99, cfg) || st.active {
		t.Fatalf("1%% profit must not activate")
	}
	if st.update(domain.SideShort, 100, 98, cfg) || !st.active {
		t.Fatalf("2%% profit should activate")
	}
	st.update(domain.SideShort, 100, 97, cfg)
	if st.best != 97 || math.Abs(st.stop-97.97) > 1e-9 {
		t.Fatalf("best=%v stop=%v", st.best, st.stop)
	}
	if st.update(domain.SideShort, 100, 97.5, cfg) {
		t.Fatalf("97.5 is below the stop")
	}
	if st.best != 97 {
		t.Fatalf("best must not move against the position: %v", st.best)
	}
	if !st.update(domain.SideShort, 100, 98, cfg) {
		t.Fatalf("98 crosses the stop %v", st.stop)
	}
}

type countingCloser struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCloser) ClosePosition(ctx context.Context, m registry.Member, symbol, reason string) domain.ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return domain.ExecutionResult{AccountID: m.Account.ID, Symbol: symbol, Status: domain.StatusFilled}
}

func (c *countingCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTrailingWatcherClosesOnce(t *testing.T) {
	ex := paper.New(1000)
	ex.SetMarkPrice("ETHUSDT", 3000)
	ex.SetPosition(domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 3000})
	m := registry.Member{
		Account: domain.Account{
			ID: "s1", Role: domain.RoleSlave, Active: true, TradingEnabled: true,
			Trailing: domain.TrailingSettings{Enabled: true, ActivationPct: 2, CallbackPct: 1},
		},
		Exchange: ex,
	}
	closer := &countingCloser{}
	events := &sink{}
	mon := NewTrailingMonitor(&roster{members: []registry.Member{m}}, closer, nil, events, time.Hour, time.Millisecond, discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Reconcile(ctx)
	if mon.Watching() != 1 {
		t.Fatalf("expected one watcher, got %d", mon.Watching())
	}

	ex.SetMarkPrice("ETHUSDT", 3100) // +3.3%, active
	time.Sleep(20 * time.Millisecond)
	ex.SetMarkPrice("ETHUSDT", 3050) // below 3100 × 0.99
	waitFor(t, "trailing close", func() bool { return closer.count() > 0 })

	time.Sleep(30 * time.Millisecond)
	if closer.count() != 1 {
		t.Fatalf("duplicate close submissions: %d", closer.count())
	}
	if events.count(domain.EventTrailingStop) != 1 {
		t.Fatalf("expected one trailing_stop event")
	}

	ex.SetPosition(domain.Position{Symbol: "ETHUSDT", Quantity: 0})
	mon.Reconcile(ctx)
	if mon.Watching() != 0 {
		t.Fatalf("watcher for a closed position should stop")
	}
}

// flatteningCloser closes the position on the paper exchange as a real
// close order would.
type flatteningCloser struct {
	countingCloser
	ex *paper.Exchange
}

func (c *flatteningCloser) ClosePosition(ctx context.Context, m registry.Member, symbol, reason string) domain.ExecutionResult {
	c.ex.SetPosition(domain.Position{Symbol: symbol, Quantity: 0})
	return c.countingCloser.ClosePosition(ctx, m, symbol, reason)
}

func TestTrailingReopenedPositionTrailsAgain(t *testing.T) {
	ex := paper.New(1000)
	ex.SetMarkPrice("ETHUSDT", 3000)
	ex.SetPosition(domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 3000})
	m := registry.Member{
		Account: domain.Account{
			ID: "s1", Role: domain.RoleSlave, Active: true, TradingEnabled: true,
			Trailing: domain.TrailingSettings{Enabled: true, ActivationPct: 2, CallbackPct: 1},
		},
		Exchange: ex,
	}
	closer := &flatteningCloser{ex: ex}
	mon := NewTrailingMonitor(&roster{members: []registry.Member{m}}, closer, nil, nil, time.Hour, time.Millisecond, discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Reconcile(ctx)

	ex.SetMarkPrice("ETHUSDT", 3100)
	time.Sleep(20 * time.Millisecond)
	ex.SetMarkPrice("ETHUSDT", 3050)
	waitFor(t, "first trailing close", func() bool { return closer.count() == 1 })
	waitFor(t, "watcher retired", func() bool { return mon.Watching() == 0 })

	// same account, symbol and side, opened before the next reconcile tick
	ex.SetPosition(domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 3050})
	mon.Reconcile(ctx)
	if mon.Watching() != 1 {
		t.Fatalf("reopened position is not watched: %d", mon.Watching())
	}
	ex.SetMarkPrice("ETHUSDT", 3200)
	time.Sleep(20 * time.Millisecond)
	ex.SetMarkPrice("ETHUSDT", 3100) // below 3200 × 0.99
	waitFor(t, "second trailing close", func() bool { return closer.count() == 2 })
}

func TestTrailingRestartsOnNewEntry(t *testing.T) {
	ex := paper.New(1000)
	ex.SetMarkPrice("ETHUSDT", 3000)
	ex.SetPosition(domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 3000})
	m := registry.Member{
		Account: domain.Account{
			ID: "s1", Role: domain.RoleSlave, Active: true, TradingEnabled: true,
			Trailing: domain.TrailingSettings{Enabled: true, ActivationPct: 2, CallbackPct: 1},
		},
		Exchange: ex,
	}
	mon := NewTrailingMonitor(&roster{members: []registry.Member{m}}, &countingCloser{}, nil, nil, time.Hour, time.Hour, discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Reconcile(ctx)
	key := positionKey("s1", "ETHUSDT", domain.SideLong)
	first := mon.watchers[key]

	mon.Reconcile(ctx)
	if mon.watchers[key] != first {
		t.Fatalf("unchanged position should keep its watcher")
	}

	// averaged down: new quantity and entry
	ex.SetPosition(domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 2, EntryPrice: 2950})
	mon.Reconcile(ctx)
	w := mon.watchers[key]
	if w == first || w.pos.EntryPrice != 2950 {
		t.Fatalf("watcher should restart on the new entry, got %+v", w.pos)
	}
	if mon.Watching() != 1 {
		t.Fatalf("expected one watcher, got %d", mon.Watching())
	}
}

func guardrails(now time.Time) *Guardrails {
	g := NewGuardrails(nil, discard)
	g.now = func() time.Time { return now }
	return g
}

func TestGuardrailPauseIsMonotonicWithinDay(t *testing.T) {
	day := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	g := guardrails(day)
	s := domain.GuardrailSettings{MaxDrawdownPct: 5, ProfitTargetPct: 10}

	if st := g.Observe("a", s, 1000, day); st.Paused || st.StartOfDayEquity != 1000 {
		t.Fatalf("baseline %+v", st)
	}
	st := g.Observe("a", s, 950, day.Add(time.Hour))
	if !st.Paused || st.PauseReason != domain.PauseDrawdown {
		t.Fatalf("-5%% should pause for drawdown: %+v", st)
	}
	for _, eq := range []float64{1000, 1200, 800} {
		st = g.Observe("a", s, eq, day.Add(2*time.Hour))
		if !st.Paused || st.PauseReason != domain.PauseDrawdown {
			t.Fatalf("pause must hold for the day, equity %v: %+v", eq, st)
		}
	}
	if !g.Paused("a") {
		t.Fatalf("Paused should report true")
	}

	// the next UTC day starts fresh even without a reset
	next := day.Add(24 * time.Hour)
	g.now = func() time.Time { return next }
	if g.Paused("a") {
		t.Fatalf("stale pause leaked into the next day")
	}
	if st := g.Observe("a", s, 800, next); st.Paused || st.StartOfDayEquity != 800 {
		t.Fatalf("rollover %+v", st)
	}
}

func TestGuardrailProfitLockAndReset(t *testing.T) {
	day := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	g := guardrails(day)
	s := domain.GuardrailSettings{ProfitTargetPct: 10}

	g.Observe("a", s, 1000, day)
	if st := g.Observe("a", s, 1100, day); !st.Paused || st.PauseReason != domain.PauseProfitLock {
		t.Fatalf("expected profit lock: %+v", st)
	}
	if n := g.ResetDaily(); n != 1 {
		t.Fatalf("cleared=%d", n)
	}
	if g.Paused("a") {
		t.Fatalf("reset did not clear the pause")
	}
	if st := g.Observe("a", s, 1100, day); st.Paused || st.StartOfDayEquity != 1100 {
		t.Fatalf("baseline not re-snapshotted after reset: %+v", st)
	}
}

func TestGuardrailConcurrentAccounts(t *testing.T) {
	now := time.Now()
	g := guardrails(now)
	s := domain.GuardrailSettings{MaxDrawdownPct: 5}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			g.Observe(id, s, 1000, now)
			g.Observe(id, s, 900, now)
		}()
	}
	wg.Wait()
	states := g.States()
	if len(states) != 20 {
		t.Fatalf("states=%d", len(states))
	}
	for _, st := range states {
		if !st.Paused {
			t.Fatalf("account %s not paused", st.AccountID)
		}
	}
}

func TestGuardrailMonitorTick(t *testing.T) {
	ex := paper.New(1000)
	m := registry.Member{
		Account: domain.Account{
			ID: "s1", Role: domain.RoleSlave, Active: true, TradingEnabled: true,
			Guardrail: domain.GuardrailSettings{MaxDrawdownPct: 3},
		},
		Exchange: ex,
	}
	events := &sink{}
	g := NewGuardrails(events, discard)
	mon := NewGuardrailMonitor(&roster{members: []registry.Member{m}}, g, time.Minute, discard)

	mon.Tick(context.Background())
	ex.SetBalance(960, 960)
	mon.Tick(context.Background())
	if !g.Paused("s1") {
		t.Fatalf("4%% drawdown should pause")
	}
	mon.Tick(context.Background())
	if events.count(domain.EventGuardrailPause) != 1 {
		t.Fatalf("expected a single guardrail_pause event, got %d", events.count(domain.EventGuardrailPause))
	}
}

func TestUntilNextMidnight(t *testing.T) {
	at := time.Date(2026, 3, 2, 23, 59, 30, 0, time.UTC)
	if got := untilNextMidnight(at); got != 30*time.Second {
		t.Fatalf("got %v", got)
	}
	local := time.Date(2026, 3, 2, 18, 0, 0, 0, time.FixedZone("UTC-5", -5*3600))
	if got := untilNextMidnight(local); got != time.Hour {
		t.Fatalf("got %v", got)
	}
}
