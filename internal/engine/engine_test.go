package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange/paper"
	"github.com/alanyoungcy/copybot/internal/queue"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/sizing"
)

type fakeRoster struct {
	mu      sync.Mutex
	masters []registry.Member
	slaves  []registry.Member
	flagged map[string]string
}

func (f *fakeRoster) Masters() []registry.Member { return f.masters }

func (f *fakeRoster) SlavesForStrategy(string) []registry.Member { return f.slaves }

func (f *fakeRoster) DefaultStrategy() string { return "default" }

func (f *fakeRoster) FlagForReview(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flagged == nil {
		f.flagged = map[string]string{}
	}
	f.flagged[id] = reason
	return nil
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sinkRecorder) Emit(evt domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *sinkRecorder) ofType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type tradeRecorder struct {
	mu      sync.Mutex
	results []domain.ExecutionResult
}

func (s *tradeRecorder) Record(ctx context.Context, r domain.ExecutionResult) error {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	return nil
}

func (s *tradeRecorder) ListRecent(context.Context, string, domain.ListOpts) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *tradeRecorder) ListBefore(context.Context, time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *tradeRecorder) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func member(id string, role domain.Role, ex *paper.Exchange) registry.Member {
	return registry.Member{
		Account: domain.Account{
			ID: id, Exchange: domain.ExchangePaper, Role: role, Active: true, TradingEnabled: true,
			RiskPct: 2, Leverage: 10,
		},
		Exchange: ex,
	}
}

func book(equity float64) *paper.Exchange {
	ex := paper.New(equity)
	ex.SetMarkPrice("BTCUSDT", 50000)
	return ex
}

type harness struct {
	engine *Engine
	roster *fakeRoster
	sink   *sinkRecorder
	trades *tradeRecorder
}

func newHarness(roster *fakeRoster, opts ...Option) harness {
	h := harness{roster: roster, sink: &sinkRecorder{}, trades: &tradeRecorder{}}
	cfg := Config{
		Concurrency:    4,
		Retries:        2,
		RetryBase:      time.Millisecond,
		WhaleThreshold: 50,
		Sizing:         sizing.Settings{DefaultRiskPct: 1, DefaultLeverage: 5, MinBalance: 10, DefaultStrategy: "default"},
	}
	opts = append([]Option{WithEventSink(h.sink), WithTradeStore(h.trades)}, opts...)
	h.engine = New(cfg, roster, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return h
}

func openLong() domain.Signal {
	return domain.Signal{ID: "sig-1", Symbol: "BTCUSDT", Action: domain.ActionOpenLong}
}

func TestProcessIsolatesFailingAccount(t *testing.T) {
	transient := domain.NewExchangeError(domain.ErrTransientNetwork, domain.ExchangePaper, "503", "unavailable")
	broken := book(1000)
	broken.Fail(paper.OpBalance, paper.Always, transient)

	roster := &fakeRoster{masters: []registry.Member{member("m1", domain.RoleMaster, book(5000))}}
	for i := 0; i < 4; i++ {
		roster.slaves = append(roster.slaves, member(fmt.Sprintf("s%d", i), domain.RoleSlave, book(1000)))
	}
	roster.slaves = append(roster.slaves, member("s-broken", domain.RoleSlave, broken))
	h := newHarness(roster)

	results := h.engine.Process(context.Background(), openLong())
	if len(results) != 6 {
		t.Fatalf("expected one result per account, got %d", len(results))
	}
	for _, r := range results {
		if r.AccountID == "s-broken" {
			if r.Status != domain.StatusError || r.ErrorKind != domain.ErrorKindTransientNetwork {
				t.Fatalf("broken account result %+v", r)
			}
			continue
		}
		if r.Status != domain.StatusFilled {
			t.Fatalf("account %s not filled: %+v", r.AccountID, r)
		}
	}
	if got := broken.Calls(paper.OpBalance); got != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", got)
	}
	if h.trades.len() != 6 || len(h.sink.ofType(domain.EventExecution))+len(h.sink.ofType(domain.EventError)) != 6 {
		t.Fatalf("every result must be recorded and emitted")
	}
}

func TestProcessSizesFromLiveBalance(t *testing.T) {
	ex := book(1000)
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, ex)}}
	h := newHarness(roster)

	results := h.engine.Process(context.Background(), openLong())
	if len(results) != 1 {
		t.Fatalf("results=%d", len(results))
	}
	r := results[0]
	if r.Notional != 200 || r.RequestedQty != 0.004 || r.FilledQty != 0.004 {
		t.Fatalf("notional=%v requested=%v filled=%v", r.Notional, r.RequestedQty, r.FilledQty)
	}
	if ex.Leverage("BTCUSDT") != 10 {
		t.Fatalf("leverage not applied: %d", ex.Leverage("BTCUSDT"))
	}
	orders := ex.Orders()
	if len(orders) != 1 || orders[0].Side != domain.OrderSideBuy || orders[0].ReduceOnly {
		t.Fatalf("unexpected orders %+v", orders)
	}
}

func TestMasterUsesDefaults(t *testing.T) {
	ex := book(1000)
	roster := &fakeRoster{masters: []registry.Member{member("m1", domain.RoleMaster, ex)}}
	h := newHarness(roster)

	r := h.engine.Process(context.Background(), openLong())[0]
	// 1000 × 1% × 5
	if r.Notional != 50 || r.Role != domain.RoleMaster {
		t.Fatalf("master result %+v", r)
	}
}

func TestCloseWithoutPositionIsNoop(t *testing.T) {
	ex := book(1000)
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, ex)}}
	h := newHarness(roster)

	results := h.engine.Process(context.Background(), domain.Signal{ID: "c1", Symbol: "BTCUSDT", Action: domain.ActionClose})
	if len(results) != 1 || results[0].Status != domain.StatusSkipped || results[0].Error != "" {
		t.Fatalf("expected a skipped no-op, got %+v", results)
	}
	if len(ex.Orders()) != 0 {
		t.Fatalf("no order should be placed")
	}
}

func TestCloseRealizesPnLAndAlerts(t *testing.T) {
	ex := book(1000)
	ex.SetMarkPrice("BTCUSDT", 60000)
	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, EntryPrice: 50000})
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, ex)}}
	h := newHarness(roster)

	r := h.engine.Process(context.Background(), domain.Signal{ID: "c1", Symbol: "btc/usdt", Action: domain.ActionClose})[0]
	if r.Status != domain.StatusFilled || r.RealizedPnL != 100 || r.FilledQty != 0.01 {
		t.Fatalf("close result %+v", r)
	}
	orders := ex.Orders()
	if len(orders) != 1 || !orders[0].ReduceOnly || orders[0].Side != domain.OrderSideSell {
		t.Fatalf("expected one reduce-only sell, got %+v", orders)
	}
	if len(h.sink.ofType(domain.EventWhaleAlert)) != 1 {
		t.Fatalf("expected a whale alert")
	}
	if ex.Calls(paper.OpCancel) != 1 {
		t.Fatalf("expected leftover orders to be cancelled")
	}
}

func TestRetryBudget(t *testing.T) {
	transient := domain.NewExchangeError(domain.ErrTransientNetwork, domain.ExchangePaper, "", "reset")

	tests := []struct {
		name       string
		failures   int
		err        error
		wantStatus domain.ExecutionStatus
		wantTries  int
	}{
		{"recovers on last retry", 2, transient, domain.StatusFilled, 3},
		{"gives up after budget", 3, transient, domain.StatusError, 3},
		{"validation is terminal", 1, domain.NewExchangeError(domain.ErrValidation, domain.ExchangePaper, "", "bad"), domain.StatusError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := book(1000)
			ex.Fail(paper.OpPlace, tt.failures, tt.err)
			roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, ex)}}
			h := newHarness(roster)

			r := h.engine.Process(context.Background(), openLong())[0]
			if r.Status != tt.wantStatus || r.Attempts != tt.wantTries {
				t.Fatalf("status=%s attempts=%d, expected %s/%d", r.Status, r.Attempts, tt.wantStatus, tt.wantTries)
			}
			if ex.Calls(paper.OpPlace) != tt.wantTries {
				t.Fatalf("place calls=%d", ex.Calls(paper.OpPlace))
			}
		})
	}
}

func TestAuthenticationFlagsAccount(t *testing.T) {
	ex := book(1000)
	ex.Fail(paper.OpBalance, paper.Always, domain.NewExchangeError(domain.ErrAuthentication, domain.ExchangePaper, "-2015", "invalid key"))
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, ex)}}
	h := newHarness(roster)

	r := h.engine.Process(context.Background(), openLong())[0]
	if r.ErrorKind != domain.ErrorKindAuthentication {
		t.Fatalf("result %+v", r)
	}
	if ex.Calls(paper.OpBalance) != 1 {
		t.Fatalf("authentication errors must not be retried")
	}
	if _, ok := roster.flagged["s1"]; !ok {
		t.Fatalf("account not flagged for review")
	}
}

func TestSkips(t *testing.T) {
	capped := member("s-capped", domain.RoleSlave, book(1000))
	capped.Account.MaxOpenPositions = 1
	capped.Exchange.(*paper.Exchange).SetMarkPrice("ETHUSDT", 3000)
	capped.Exchange.(*paper.Exchange).SetPosition(domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: 1, EntryPrice: 3000})

	poor := member("s-poor", domain.RoleSlave, book(5))

	roster := &fakeRoster{slaves: []registry.Member{capped, poor}}
	h := newHarness(roster)

	for _, r := range h.engine.Process(context.Background(), openLong()) {
		if r.Status != domain.StatusSkipped || r.SkipReason == "" {
			t.Fatalf("account %s should be skipped: %+v", r.AccountID, r)
		}
	}
}

func TestIneligibleSlavesExcluded(t *testing.T) {
	disabled := member("s-off", domain.RoleSlave, book(1000))
	disabled.Account.TradingEnabled = false
	roster := &fakeRoster{slaves: []registry.Member{disabled, member("s-on", domain.RoleSlave, book(1000))}}
	h := newHarness(roster)

	results := h.engine.Process(context.Background(), openLong())
	if len(results) != 1 || results[0].AccountID != "s-on" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestGlobalPause(t *testing.T) {
	ex := book(1000)
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, ex)}}
	h := newHarness(roster)

	h.engine.Pause()
	r := h.engine.Process(context.Background(), openLong())[0]
	if r.Status != domain.StatusSkipped || r.SkipReason != "trading paused" {
		t.Fatalf("paused result %+v", r)
	}
	if ex.Calls(paper.OpBalance) != 0 {
		t.Fatalf("paused engine must not touch the exchange")
	}

	h.engine.Resume()
	if r := h.engine.Process(context.Background(), openLong())[0]; r.Status != domain.StatusFilled {
		t.Fatalf("resumed result %+v", r)
	}
}

func TestInvalidSignalProducesNothing(t *testing.T) {
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, book(1000))}}
	h := newHarness(roster)
	if got := h.engine.Process(context.Background(), domain.Signal{Symbol: "???", Action: domain.ActionOpenLong}); got != nil {
		t.Fatalf("expected no results, got %+v", got)
	}
}

func TestDCARequiresPosition(t *testing.T) {
	ex := book(1000)
	m := member("s1", domain.RoleSlave, ex)
	h := newHarness(&fakeRoster{})

	sig := domain.Signal{Symbol: "BTCUSDT", Action: domain.ActionDCA, Side: domain.SideLong, SizeMultiplier: 2}
	if r := h.engine.ExecuteFor(context.Background(), m, sig); r.Status != domain.StatusSkipped {
		t.Fatalf("dca without position: %+v", r)
	}

	ex.SetPosition(domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.004, EntryPrice: 51000})
	r := h.engine.ExecuteFor(context.Background(), m, sig)
	if r.Status != domain.StatusFilled || r.Notional != 400 {
		t.Fatalf("dca result %+v", r)
	}
}

type stubGuard struct{ paused map[string]bool }

func (g stubGuard) Observe(id string, _ domain.GuardrailSettings, equity float64, now time.Time) domain.GuardrailState {
	return domain.GuardrailState{AccountID: id, Paused: g.paused[id], PauseReason: domain.PauseDrawdown}
}

func (g stubGuard) Paused(id string) bool { return false }

func TestGuardrailObservedBeforeTrading(t *testing.T) {
	m := member("s1", domain.RoleSlave, book(1000))
	m.Account.Guardrail = domain.GuardrailSettings{MaxDrawdownPct: 5}
	h := newHarness(&fakeRoster{slaves: []registry.Member{m}}, WithGuardrail(stubGuard{paused: map[string]bool{"s1": true}}))

	r := h.engine.Process(context.Background(), openLong())[0]
	if r.Status != domain.StatusSkipped || r.SkipReason != "guardrail paused: drawdown" {
		t.Fatalf("result %+v", r)
	}
}

func TestRunConsumesQueue(t *testing.T) {
	q := queue.NewMemory(8, 0)
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, book(1000))}}
	h := newHarness(roster)
	h.engine.queue = q
	h.engine.cfg.DequeueTimeout = 10 * time.Millisecond

	for i := 0; i < 3; i++ {
		sig := openLong()
		sig.ID = fmt.Sprintf("sig-%d", i)
		if err := q.Enqueue(context.Background(), sig); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.trades.len() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d signals processed", h.trades.len())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunDropsRedeliveredSignal(t *testing.T) {
	q := queue.NewMemory(8, 0)
	roster := &fakeRoster{slaves: []registry.Member{member("s1", domain.RoleSlave, book(1000))}}
	h := newHarness(roster)
	h.engine.queue = q
	h.engine.cfg.DequeueTimeout = 10 * time.Millisecond
	h.engine.dedup = NewDedup(time.Minute)

	for _, id := range []string{"dup", "dup", "other"} {
		sig := openLong()
		sig.ID = id
		if err := q.Enqueue(context.Background(), sig); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for n, _ := q.Len(context.Background()); n > 0; n, _ = q.Len(context.Background()) {
		select {
		case <-deadline:
			t.Fatalf("queue not drained")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if got := h.trades.len(); got != 2 {
		t.Fatalf("recorded %d results, expected 2 (one per distinct signal)", got)
	}
}
