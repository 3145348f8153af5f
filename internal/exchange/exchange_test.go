package exchange

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func TestRoundQuantity(t *testing.T) {
	tests := []struct {
		qty, step, want float64
	}{
		{0.0049999, 0.001, 0.004},
		{0.004, 0.001, 0.004},
		{1.23456, 0.01, 1.23},
		{7, 1, 7},
		{0.3, 0.1, 0.3}, // float 0.3/0.1 is 2.9999999999999996
		{5, 0, 5},
	}
	for _, tt := range tests {
		if got := RoundQuantity(tt.qty, tt.step); got != tt.want {
			t.Fatalf("RoundQuantity(%v, %v) = %v, expected %v", tt.qty, tt.step, got, tt.want)
		}
	}
}

func TestRoundPrice(t *testing.T) {
	if got := RoundPrice(50123.456, 0.1); got != 50123.5 {
		t.Fatalf("RoundPrice=%v", got)
	}
	if got := RoundPrice(0.123456, 0.0001); got != 0.1235 {
		t.Fatalf("RoundPrice=%v", got)
	}
}

func TestCheckOrder(t *testing.T) {
	rules := domain.SymbolRules{Symbol: "BTCUSDT", StepSize: 0.001, MinQty: 0.001, MaxQty: 2, MinNotional: 100}

	tests := []struct {
		name    string
		qty     float64
		price   float64
		want    float64
		wantErr bool
	}{
		{"200 usdt at 50000", 200.0 / 50000, 50000, 0.004, false},
		{"rounds to zero", 0.0004, 50000, 0, true},
		{"below min notional", 0.001, 50000, 0, true},
		{"clamped to max", 5, 50000, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckOrder(rules, tt.qty, tt.price)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrPrecisionOrLimit) {
					t.Fatalf("expected ErrPrecisionOrLimit, got %v", err)
				}
				var xe *domain.ExchangeError
				if !errors.As(err, &xe) || xe.Params["symbol"] != "BTCUSDT" {
					t.Fatalf("expected rejected params on error, got %#v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckOrder: %v", err)
			}
			if got != tt.want {
				t.Fatalf("qty=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestClientOrderIDDeterministic(t *testing.T) {
	a := ClientOrderID("sig-1", "acct-1", "entry")
	b := ClientOrderID("sig-1", "acct-1", "entry")
	c := ClientOrderID("sig-1", "acct-2", "entry")
	if a != b {
		t.Fatalf("same inputs gave %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("different accounts share id %s", a)
	}
	if len(a) != 32 {
		t.Fatalf("len=%d, expected 32", len(a))
	}
}

func TestProtectivePrices(t *testing.T) {
	tp, sl := ProtectivePrices(domain.SideLong, 50000, 4, 2, 0.1)
	if tp != 52000 || sl != 49000 {
		t.Fatalf("long tp=%v sl=%v", tp, sl)
	}
	tp, sl = ProtectivePrices(domain.SideShort, 50000, 4, 2, 0.1)
	if tp != 48000 || sl != 51000 {
		t.Fatalf("short tp=%v sl=%v", tp, sl)
	}
	if tp, sl = ProtectivePrices(domain.SideLong, 50000, 0, 0, 0.1); tp != 0 || sl != 0 {
		t.Fatalf("zero pct gave tp=%v sl=%v", tp, sl)
	}
}

type stubExchange struct {
	domain.Exchange
	kind domain.ExchangeKind
}

func (s stubExchange) Kind() domain.ExchangeKind { return s.kind }

func TestFactory(t *testing.T) {
	f := NewFactory()
	f.Register(domain.ExchangeBinance, func(acct domain.Account) (domain.Exchange, error) {
		return stubExchange{kind: domain.ExchangeBinance}, nil
	})
	f.Register(domain.ExchangeOKX, func(acct domain.Account) (domain.Exchange, error) {
		return nil, domain.ErrAuthentication
	})

	ex, err := f.New(domain.Account{ID: "a", Exchange: domain.ExchangeBinance})
	if err != nil || ex.Kind() != domain.ExchangeBinance {
		t.Fatalf("New binance: %v %v", ex, err)
	}
	if _, err := f.New(domain.Account{ID: "b", Exchange: domain.ExchangeOKX}); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected constructor error to surface, got %v", err)
	}
	if _, err := f.New(domain.Account{ID: "c", Exchange: "kraken"}); !errors.Is(err, domain.ErrUnsupportedExchange) {
		t.Fatalf("expected ErrUnsupportedExchange, got %v", err)
	}
	if kinds := f.Kinds(); len(kinds) != 2 || kinds[0] != domain.ExchangeBinance {
		t.Fatalf("Kinds=%v", kinds)
	}
}
