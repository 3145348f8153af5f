package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "BTCUSDT", want: "BTCUSDT"},
		{in: "btc/usdt", want: "BTCUSDT"},
		{in: "BTC-USDT", want: "BTCUSDT"},
		{in: "BTCUSDT.P", want: "BTCUSDT"},
		{in: "ETHUSDTPERP", want: "ETHUSDT"},
		{in: "BTC-USDT-SWAP", want: "BTCUSDT"},
		{in: " sol_usdc ", want: "SOLUSDC"},
		{in: "BTC/EUR", wantErr: true},
		{in: "BTC", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeSymbol(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("NormalizeSymbol(%q)=%q, %v; expected %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestSignalValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }

	tests := []struct {
		name    string
		sig     Signal
		wantErr bool
	}{
		{name: "open long", sig: Signal{Symbol: "btc/usdt", Action: ActionOpenLong}},
		{name: "close", sig: Signal{Symbol: "ETHUSDT", Action: ActionClose}},
		{name: "dca with side", sig: Signal{Symbol: "ETHUSDT", Action: ActionDCA, Side: SideShort}},
		{name: "overrides in range", sig: Signal{Symbol: "ETHUSDT", Action: ActionOpenShort, RiskOverride: f(100), LeverageOverride: i(125)}},
		{name: "unknown action", sig: Signal{Symbol: "BTCUSDT", Action: "buy"}, wantErr: true},
		{name: "bad symbol", sig: Signal{Symbol: "???", Action: ActionOpenLong}, wantErr: true},
		{name: "zero risk override", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, RiskOverride: f(0)}, wantErr: true},
		{name: "risk override over 100", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, RiskOverride: f(150)}, wantErr: true},
		{name: "zero leverage override", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, LeverageOverride: i(0)}, wantErr: true},
		{name: "negative take profit", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, TakeProfitPct: -1}, wantErr: true},
		{name: "stop loss at 100", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, StopLossPct: 100}, wantErr: true},
		{name: "negative multiplier", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, SizeMultiplier: -2}, wantErr: true},
		{name: "multiplier on open", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenLong, SizeMultiplier: 5}, wantErr: true},
		{name: "multiplier on close", sig: Signal{Symbol: "BTCUSDT", Action: ActionClose, SizeMultiplier: 2}, wantErr: true},
		{name: "unit multiplier on open", sig: Signal{Symbol: "BTCUSDT", Action: ActionOpenShort, SizeMultiplier: 1}},
		{name: "multiplier on dca", sig: Signal{Symbol: "BTCUSDT", Action: ActionDCA, Side: SideLong, SizeMultiplier: 1.5}},
		{name: "dca without side", sig: Signal{Symbol: "BTCUSDT", Action: ActionDCA}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate()=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	sig := Signal{Symbol: "btc-usdt", Action: ActionOpenLong}
	if err := sig.Validate(); err != nil || sig.Symbol != "BTCUSDT" {
		t.Fatalf("Validate should normalise in place: %q %v", sig.Symbol, err)
	}
}

func TestSignalEntrySideAndMultiplier(t *testing.T) {
	if s := (Signal{Action: ActionOpenShort}).EntrySide(); s != SideShort {
		t.Fatalf("open-short EntrySide=%s", s)
	}
	if s := (Signal{Action: ActionDCA, Side: SideLong}).EntrySide(); s != SideLong {
		t.Fatalf("dca EntrySide=%s", s)
	}
	if m := (Signal{}).Multiplier(); m != 1 {
		t.Fatalf("zero multiplier should mean 1, got %v", m)
	}
	if m := (Signal{Action: ActionDCA, SizeMultiplier: 1.5}).Multiplier(); m != 1.5 {
		t.Fatalf("Multiplier=%v", m)
	}
	if m := (Signal{Action: ActionOpenLong, SizeMultiplier: 5}).Multiplier(); m != 1 {
		t.Fatalf("opens are never scaled, got %v", m)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ErrorKindNone},
		{name: "exchange auth", err: fmt.Errorf("place order: %w", NewExchangeError(ErrAuthentication, ExchangeBinance, "-2015", "invalid key")), want: ErrorKindAuthentication},
		{name: "margin", err: NewExchangeError(ErrInsufficientBalance, ExchangeOKX, "51008", ""), want: ErrorKindInsufficientBalance},
		{name: "lot filter", err: NewExchangeError(ErrPrecisionOrLimit, ExchangeBinance, "-1013", ""), want: ErrorKindPrecisionOrLimit},
		{name: "validation", err: fmt.Errorf("%w: bad", ErrValidation), want: ErrorKindValidation},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorKindTransientNetwork},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: ErrorKindTransientNetwork},
		{name: "other", err: errors.New("boom"), want: ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v)=%q, expected %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("get: %w", ErrTransientNetwork)) {
		t.Fatalf("transient errors should be retried")
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("a cancelled context must not be retried")
	}
	if IsRetryable(NewExchangeError(ErrAuthentication, ExchangeOKX, "50113", "")) {
		t.Fatalf("authentication errors must not be retried")
	}
}

func TestExchangeErrorMessage(t *testing.T) {
	err := NewExchangeError(ErrPrecisionOrLimit, ExchangeBinance, "-1013", "Filter failure: LOT_SIZE")
	msg := err.Error()
	for _, want := range []string{"binance", "precision or limit error", "-1013", "LOT_SIZE"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("%q missing %q", msg, want)
		}
	}
}

func TestAccountValidate(t *testing.T) {
	good := Account{ID: "a1", Exchange: ExchangePaper, Role: RoleSlave, RiskPct: 2, Leverage: 10}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := Account{
		Role:     "observer",
		RiskPct:  120,
		Leverage: 200,
		Subscriptions: []Subscription{
			{StrategyID: "a", AllocationPct: 70, Active: true},
			{StrategyID: "b", AllocationPct: 50, Active: true},
		},
	}
	err := bad.Validate()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	for _, want := range []string{"id must not be empty", "exchange", "unknown role", "risk_pct", "leverage", "sum to 120.00%"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}

	inactive := good
	inactive.Subscriptions = []Subscription{
		{StrategyID: "a", AllocationPct: 80, Active: true},
		{StrategyID: "b", AllocationPct: 80, Active: false},
	}
	if err := inactive.Validate(); err != nil {
		t.Fatalf("inactive subscriptions do not count towards the total: %v", err)
	}
}

func TestAllocationFor(t *testing.T) {
	subscribed := Account{Subscriptions: []Subscription{
		{StrategyID: "trend", AllocationPct: 40, Active: true},
		{StrategyID: "scalp", AllocationPct: 30, Active: false},
	}}
	bare := Account{}

	tests := []struct {
		name     string
		acct     Account
		strategy string
		wantPct  float64
		wantOK   bool
	}{
		{name: "active subscription", acct: subscribed, strategy: "trend", wantPct: 40, wantOK: true},
		{name: "inactive subscription", acct: subscribed, strategy: "scalp"},
		{name: "subscribed elsewhere ignores default", acct: subscribed, strategy: "default"},
		{name: "bare account follows default", acct: bare, strategy: "default", wantPct: 100, wantOK: true},
		{name: "bare account ignores other strategies", acct: bare, strategy: "trend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, ok := tt.acct.AllocationFor(tt.strategy, "default")
			if pct != tt.wantPct || ok != tt.wantOK {
				t.Fatalf("AllocationFor(%q)=%v,%v; expected %v,%v", tt.strategy, pct, ok, tt.wantPct, tt.wantOK)
			}
		})
	}
}

func TestCloneCopiesSubscriptions(t *testing.T) {
	a := Account{ID: "a", Subscriptions: []Subscription{{StrategyID: "x", AllocationPct: 10, Active: true}}}
	b := a.Clone()
	b.Subscriptions[0].AllocationPct = 99
	if a.Subscriptions[0].AllocationPct != 10 {
		t.Fatalf("Clone shares the subscription slice")
	}
}

func TestCredentialsStringHidesSecrets(t *testing.T) {
	c := Credentials{APIKey: "abcdefgh", APISecret: "s3cr3t", Passphrase: "pp"}
	s := c.String()
	if strings.Contains(s, "s3cr3t") || strings.Contains(s, "abcdefgh") || strings.Contains(s, "pp}") {
		t.Fatalf("credentials leaked: %s", s)
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should outrank %s", order[i], order[i-1])
		}
	}
}

func TestPayloadErrorUnwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := fmt.Errorf("redis: decode signal: %w", &PayloadError{Raw: "{", Err: cause})
	if !errors.Is(err, ErrMalformedPayload) || !errors.Is(err, cause) {
		t.Fatalf("PayloadError should match both the sentinel and its cause: %v", err)
	}
	var perr *PayloadError
	if !errors.As(err, &perr) || perr.Raw != "{" {
		t.Fatalf("errors.As lost the raw payload")
	}
}
