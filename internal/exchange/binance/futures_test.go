package binance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVenue struct {
	t      *testing.T
	mu     sync.Mutex
	orders []string // form bodies of POST /fapi/v1/order
	routes map[string]http.HandlerFunc
}

func newFakeVenue(t *testing.T) (*fakeVenue, *httptest.Server) {
	v := &fakeVenue{t: t, routes: map[string]http.HandlerFunc{}}
	v.routes["GET /fapi/v1/time"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"serverTime":1700000000000}`)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/time" && r.URL.Path != "/fapi/v1/exchangeInfo" && r.URL.Path != "/fapi/v1/premiumIndex" {
			if r.Header.Get("X-MBX-APIKEY") != "key" {
				t.Errorf("missing api key header on %s", r.URL.Path)
			}
			_ = r.ParseForm()
			if r.Form.Get("signature") == "" || r.Form.Get("timestamp") == "" {
				t.Errorf("unsigned request to %s", r.URL.Path)
			}
		}
		if r.Method == http.MethodPost && r.URL.Path == "/fapi/v1/order" {
			v.mu.Lock()
			v.orders = append(v.orders, r.PostForm.Encode())
			v.mu.Unlock()
		}
		h, ok := v.routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"code":-1,"msg":"no route"}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return v, srv
}

func newTestFutures(t *testing.T, url string) *Futures {
	t.Helper()
	f, err := New(Config{BaseURL: url, RequestsPerSecond: 1000, Burst: 1000}, domain.Account{
		ID:          "acct-1",
		Exchange:    domain.ExchangeBinance,
		Credentials: domain.Credentials{APIKey: "key", APISecret: "secret"},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{}, domain.Account{ID: "a"}, discardLogger())
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestFetchBalanceAndPositions(t *testing.T) {
	v, srv := newFakeVenue(t)
	v.routes["GET /fapi/v2/balance"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"asset":"BNB","balance":"1"},{"asset":"USDT","balance":"1000","crossUnPnl":"-50","availableBalance":"800"}]`)
	}
	v.routes["GET /fapi/v2/positionRisk"] = func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"symbol":"BTCUSDT","positionAmt":"0.010","entryPrice":"50000","markPrice":"49000","unRealizedProfit":"-10","leverage":"10"},
			{"symbol":"ETHUSDT","positionAmt":"-2","entryPrice":"3000","markPrice":"2900","unRealizedProfit":"200","leverage":"5"},
			{"symbol":"XRPUSDT","positionAmt":"0","entryPrice":"0","markPrice":"0.5","unRealizedProfit":"0","leverage":"20"}
		]`)
	}
	f := newTestFutures(t, srv.URL)
	ctx := context.Background()

	bal, err := f.FetchBalance(ctx)
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if bal.Equity != 950 || bal.Available != 800 || bal.UnrealizedPnL != -50 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	pos, err := f.FetchPositions(ctx)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(pos) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(pos))
	}
	if pos[0].Side != domain.SideLong || pos[0].Quantity != 0.01 || pos[0].Leverage != 10 {
		t.Fatalf("unexpected long %+v", pos[0])
	}
	if pos[1].Side != domain.SideShort || pos[1].Quantity != 2 {
		t.Fatalf("unexpected short %+v", pos[1])
	}
}

func TestPlaceOrderWithProtectiveOrders(t *testing.T) {
	v, srv := newFakeVenue(t)
	v.routes["POST /fapi/v1/order"] = func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("type") == "MARKET" {
			io.WriteString(w, `{"orderId":42,"clientOrderId":"cbabc","status":"FILLED","executedQty":"0.004","avgPrice":"50000"}`)
			return
		}
		io.WriteString(w, `{"orderId":43,"status":"NEW"}`)
	}
	f := newTestFutures(t, srv.URL)

	res, err := f.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:          "BTCUSDT",
		Side:            domain.OrderSideBuy,
		Quantity:        0.004,
		ClientOrderID:   "cbabc",
		TakeProfitPrice: 55000,
		StopLossPrice:   48000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "42" || res.Status != domain.OrderStatusFilled || res.FilledQty != 0.004 || res.Warning != "" {
		t.Fatalf("unexpected result %+v", res)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.orders) != 3 {
		t.Fatalf("expected entry plus two protective orders, got %d", len(v.orders))
	}
	if !strings.Contains(v.orders[0], "quantity=0.004") || !strings.Contains(v.orders[0], "newClientOrderId=cbabc") {
		t.Fatalf("entry order params: %s", v.orders[0])
	}
	if !strings.Contains(v.orders[1], "type=TAKE_PROFIT_MARKET") || !strings.Contains(v.orders[1], "side=SELL") || !strings.Contains(v.orders[1], "closePosition=true") {
		t.Fatalf("take profit params: %s", v.orders[1])
	}
	if !strings.Contains(v.orders[2], "type=STOP_MARKET") || !strings.Contains(v.orders[2], "stopPrice=48000") {
		t.Fatalf("stop loss params: %s", v.orders[2])
	}
}

func TestPlaceOrderResolvesDuplicate(t *testing.T) {
	v, srv := newFakeVenue(t)
	v.routes["POST /fapi/v1/order"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-4116,"msg":"ClientOrderId is duplicated."}`)
	}
	v.routes["GET /fapi/v1/order"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("origClientOrderId") != "cbdup" {
			t.Errorf("query by %q", r.URL.Query().Get("origClientOrderId"))
		}
		io.WriteString(w, `{"orderId":7,"clientOrderId":"cbdup","status":"FILLED","executedQty":"1","avgPrice":"3000"}`)
	}
	f := newTestFutures(t, srv.URL)

	res, err := f.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "ETHUSDT", Side: domain.OrderSideSell, Quantity: 1, ReduceOnly: true, ClientOrderID: "cbdup",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "7" || res.FilledQty != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSymbolRulesCached(t *testing.T) {
	v, srv := newFakeVenue(t)
	calls := 0
	v.routes["GET /fapi/v1/exchangeInfo"] = func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
			{"filterType":"MARKET_LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"120"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}
		]}]}`)
	}
	f := newTestFutures(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := f.SymbolRules(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("SymbolRules: %v", err)
		}
		if r.StepSize != 0.001 || r.TickSize != 0.1 || r.MaxQty != 120 || r.MinNotional != 100 {
			t.Fatalf("unexpected rules %+v", r)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one exchangeInfo call, got %d", calls)
	}

	if _, err := f.SymbolRules(ctx, "NOPEUSDT"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown symbol, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid signature", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, domain.ErrAuthentication},
		{"bad key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, domain.ErrAuthentication},
		{"margin", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, domain.ErrInsufficientBalance},
		{"precision", 400, `{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`, domain.ErrPrecisionOrLimit},
		{"min notional", 400, `{"code":-4164,"msg":"Order's notional must be no smaller than 100"}`, domain.ErrPrecisionOrLimit},
		{"timestamp", 400, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, domain.ErrTransientNetwork},
		{"overloaded", 503, `{"code":-1008,"msg":"Server is currently overloaded"}`, domain.ErrTransientNetwork},
		{"plain 502", 502, `<html>bad gateway</html>`, domain.ErrTransientNetwork},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests"}`, domain.ErrTransientNetwork},
		{"unknown param", 400, `{"code":-1102,"msg":"Mandatory parameter missing"}`, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseError(tt.status, []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("parseError(%d, %s) = %v, expected %v", tt.status, tt.body, err, tt.want)
			}
		})
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	v, srv := newFakeVenue(t)
	v.routes["GET /fapi/v2/balance"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `oops`)
	}
	f := newTestFutures(t, srv.URL)
	_, err := f.FetchBalance(context.Background())
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
