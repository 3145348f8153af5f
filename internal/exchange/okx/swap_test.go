package okx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alanyoungcy/copybot/internal/domain"
)

type fakeOKX struct {
	mu     sync.Mutex
	posted []map[string]any
	routes map[string]http.HandlerFunc
}

func newFakeOKX(t *testing.T) (*fakeOKX, *httptest.Server) {
	f := &fakeOKX{routes: map[string]http.HandlerFunc{}}
	f.routes["GET /api/v5/public/instruments"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","ctVal":"0.01","lotSz":"0.1","minSz":"0.1","maxMktSz":"5000","tickSz":"0.1"}]}`)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/instruments" && r.URL.Path != "/api/v5/public/mark-price" {
			for _, h := range []string{"OK-ACCESS-KEY", "OK-ACCESS-SIGN", "OK-ACCESS-TIMESTAMP", "OK-ACCESS-PASSPHRASE"} {
				if r.Header.Get(h) == "" {
					t.Errorf("missing %s on %s", h, r.URL.Path)
				}
			}
			if r.Header.Get("x-simulated-trading") != "1" {
				t.Errorf("demo header missing on %s", r.URL.Path)
			}
		}
		if r.Method == http.MethodPost {
			var body map[string]any
			raw, _ := io.ReadAll(r.Body)
			if json.Unmarshal(raw, &body) == nil {
				f.mu.Lock()
				f.posted = append(f.posted, body)
				f.mu.Unlock()
			}
		}
		h, ok := f.routes[r.Method+" "+r.URL.Path]
		if !ok {
			io.WriteString(w, `{"code":"0","msg":"","data":[]}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestSwap(t *testing.T, url string) *Swap {
	t.Helper()
	s, err := New(Config{BaseURL: url, RequestsPerSecond: 1000, Burst: 1000}, domain.Account{
		ID:       "okx-1",
		Exchange: domain.ExchangeOKX,
		Credentials: domain.Credentials{
			APIKey: "k", APISecret: "s", Passphrase: "p", Testnet: true,
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestInstIDMapping(t *testing.T) {
	tests := []struct{ symbol, inst string }{
		{"BTCUSDT", "BTC-USDT-SWAP"},
		{"ETHUSDC", "ETH-USDC-SWAP"},
		{"1000PEPEUSDT", "1000PEPE-USDT-SWAP"},
	}
	for _, tt := range tests {
		if got := InstID(tt.symbol); got != tt.inst {
			t.Fatalf("InstID(%s)=%s, expected %s", tt.symbol, got, tt.inst)
		}
		if got := Symbol(tt.inst); got != tt.symbol {
			t.Fatalf("Symbol(%s)=%s, expected %s", tt.inst, got, tt.symbol)
		}
	}
}

func TestNewRequiresPassphrase(t *testing.T) {
	_, err := New(Config{}, domain.Account{Credentials: domain.Credentials{APIKey: "k", APISecret: "s"}}, slog.Default())
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestRulesAndPositionsInBaseUnits(t *testing.T) {
	f, srv := newFakeOKX(t)
	f.routes["GET /api/v5/account/positions"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"0","data":[{"instId":"BTC-USDT-SWAP","pos":"-5","posSide":"net","avgPx":"50000","markPx":"49500","upl":"25","lever":"10"}]}`)
	}
	s := newTestSwap(t, srv.URL)
	ctx := context.Background()

	rules, err := s.SymbolRules(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("SymbolRules: %v", err)
	}
	if rules.StepSize != 0.001 || rules.MinQty != 0.001 || rules.MaxQty != 50 || rules.TickSize != 0.1 {
		t.Fatalf("unexpected rules %+v", rules)
	}

	pos, err := s.FetchPositions(ctx)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(pos) != 1 || pos[0].Symbol != "BTCUSDT" || pos[0].Side != domain.SideShort || pos[0].Quantity != 0.05 {
		t.Fatalf("unexpected positions %+v", pos)
	}
}

func TestPlaceOrderConvertsToContracts(t *testing.T) {
	f, srv := newFakeOKX(t)
	f.routes["POST /api/v5/trade/order"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"0","data":[{"ordId":"900","clOrdId":"cbx","sCode":"0","sMsg":""}]}`)
	}
	f.routes["GET /api/v5/trade/order"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ordId") != "900" {
			t.Errorf("readback by %v", r.URL.Query())
		}
		io.WriteString(w, `{"code":"0","data":[{"ordId":"900","clOrdId":"cbx","state":"filled","accFillSz":"0.4","avgPx":"50010"}]}`)
	}
	s := newTestSwap(t, srv.URL)

	res, err := s.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.OrderSideBuy,
		Quantity:        0.004,
		ClientOrderID:   "cbx",
		StopLossPrice:   48000,
		TakeProfitPrice: 0,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != domain.OrderStatusFilled || res.FilledQty != 0.004 || res.AvgPrice != 50010 {
		t.Fatalf("unexpected result %+v", res)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posted) != 1 {
		t.Fatalf("expected one order post, got %d", len(f.posted))
	}
	body := f.posted[0]
	if body["sz"] != "0.4" || body["side"] != "buy" || body["clOrdId"] != "cbx" || body["tdMode"] != "cross" {
		t.Fatalf("unexpected order body %v", body)
	}
	algos, ok := body["attachAlgoOrds"].([]any)
	if !ok || len(algos) != 1 {
		t.Fatalf("expected one attached algo, got %v", body["attachAlgoOrds"])
	}
	algo := algos[0].(map[string]any)
	if algo["slTriggerPx"] != "48000" || algo["tpTriggerPx"] != nil {
		t.Fatalf("unexpected algo %v", algo)
	}
}

func TestPlaceOrderBelowOneLot(t *testing.T) {
	_, srv := newFakeOKX(t)
	s := newTestSwap(t, srv.URL)
	_, err := s.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 0.0005})
	if !errors.Is(err, domain.ErrPrecisionOrLimit) {
		t.Fatalf("expected ErrPrecisionOrLimit, got %v", err)
	}
}

func TestPlaceOrderDuplicateReadsExisting(t *testing.T) {
	f, srv := newFakeOKX(t)
	f.routes["POST /api/v5/trade/order"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"1","msg":"All operations failed","data":[{"ordId":"","clOrdId":"cbdup","sCode":"51016","sMsg":"Duplicated clOrdId"}]}`)
	}
	f.routes["GET /api/v5/trade/order"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clOrdId") != "cbdup" {
			t.Errorf("readback by %v", r.URL.Query())
		}
		io.WriteString(w, `{"code":"0","data":[{"ordId":"77","clOrdId":"cbdup","state":"filled","accFillSz":"1","avgPx":"50000"}]}`)
	}
	s := newTestSwap(t, srv.URL)

	res, err := s.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: 0.01, ReduceOnly: true, ClientOrderID: "cbdup",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "77" || res.FilledQty != 0.01 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEnvelopeErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"invalid sign", `{"code":"50113","msg":"Invalid Sign","data":[]}`, domain.ErrAuthentication},
		{"rate limit", `{"code":"50011","msg":"Too Many Requests","data":[]}`, domain.ErrTransientNetwork},
		{"item insufficient", `{"code":"1","msg":"","data":[{"sCode":"51008","sMsg":"Insufficient USDT margin"}]}`, domain.ErrInsufficientBalance},
		{"item lot size", `{"code":"1","msg":"","data":[{"sCode":"51121","sMsg":"Order count should be the integer multiples of the lot size"}]}`, domain.ErrPrecisionOrLimit},
		{"param", `{"code":"51000","msg":"Parameter instId error","data":[]}`, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()
			client, err := NewClient(Config{BaseURL: srv.URL}, domain.Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"}, slog.Default())
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			err = client.get(context.Background(), "/api/v5/account/balance", nil, true, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, expected %v", err, tt.want)
			}
		})
	}
}
