package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
)

// Futures is the domain.Exchange implementation for one Binance USDT-M
// account.
type Futures struct {
	client *Client
	logger *slog.Logger

	rulesMu    sync.Mutex
	rules      map[string]domain.SymbolRules
	rulesAt    time.Time
	rulesTTL   time.Duration
	marginCoin string
}

var _ domain.Exchange = (*Futures)(nil)

// New builds the adapter for acct.
func New(cfg Config, acct domain.Account, logger *slog.Logger) (*Futures, error) {
	client, err := NewClient(cfg, acct.Credentials, logger)
	if err != nil {
		return nil, err
	}
	return &Futures{
		client:     client,
		logger:     logger.With(slog.String("component", "binance"), slog.String("account_id", acct.ID)),
		rules:      make(map[string]domain.SymbolRules),
		rulesTTL:   client.cfg.RulesTTL,
		marginCoin: client.cfg.MarginAsset,
	}, nil
}

// Constructor adapts New to the exchange factory.
func Constructor(cfg Config, logger *slog.Logger) exchange.Constructor {
	return func(acct domain.Account) (domain.Exchange, error) {
		return New(cfg, acct, logger)
	}
}

func (f *Futures) Kind() domain.ExchangeKind { return domain.ExchangeBinance }

type futuresBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	CrossUnPnl       string `json:"crossUnPnl"`
	AvailableBalance string `json:"availableBalance"`
}

// FetchBalance returns the margin-asset row of /fapi/v2/balance.
func (f *Futures) FetchBalance(ctx context.Context) (domain.Balance, error) {
	body, err := f.client.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("binance: fetch balance: %w", err)
	}
	var rows []futuresBalance
	if err := json.Unmarshal(body, &rows); err != nil {
		return domain.Balance{}, fmt.Errorf("binance: decode balance: %w", err)
	}
	for _, r := range rows {
		if r.Asset != f.marginCoin {
			continue
		}
		upnl := parseFloat(r.CrossUnPnl)
		return domain.Balance{
			Asset:         r.Asset,
			Equity:        parseFloat(r.Balance) + upnl,
			Available:     parseFloat(r.AvailableBalance),
			UnrealizedPnL: upnl,
		}, nil
	}
	return domain.Balance{Asset: f.marginCoin}, nil
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// FetchPositions returns every non-zero position. One-way mode is assumed;
// the sign of positionAmt gives the side.
func (f *Futures) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	body, err := f.client.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch positions: %w", err)
	}
	var rows []positionRisk
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode positions: %w", err)
	}
	out := make([]domain.Position, 0, len(rows))
	for _, r := range rows {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := domain.SideLong
		if amt < 0 {
			side = domain.SideShort
			amt = -amt
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, domain.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Quantity:      amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			Leverage:      lev,
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

func (f *Futures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := f.client.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("binance: set leverage %s x%d: %w", symbol, leverage, err)
	}
	return nil
}

type orderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (r orderResp) result() domain.OrderResult {
	return domain.OrderResult{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Status:        mapStatus(r.Status),
		FilledQty:     parseFloat(r.ExecutedQty),
		AvgPrice:      parseFloat(r.AvgPrice),
	}
}

// PlaceOrder submits a market order. A duplicate client order ID means an
// earlier attempt reached the venue, so that order is returned instead.
// Protective orders are placed after the entry fills; their failure is
// reported through OrderResult.Warning.
func (f *Futures) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", exchange.FormatDecimal(req.Quantity))
	params.Set("newOrderRespType", "RESULT")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := f.client.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	var res domain.OrderResult
	switch {
	case errors.Is(err, domain.ErrDuplicateOrder) && req.ClientOrderID != "":
		res, err = f.queryOrder(ctx, req.Symbol, req.ClientOrderID)
		if err != nil {
			return domain.OrderResult{}, err
		}
		f.logger.InfoContext(ctx, "binance: duplicate client order id resolved",
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("order_id", res.OrderID),
		)
	case err != nil:
		return domain.OrderResult{}, fmt.Errorf("binance: place order: %w", err)
	default:
		var resp orderResp
		if err := json.Unmarshal(body, &resp); err != nil {
			return domain.OrderResult{}, fmt.Errorf("binance: decode order: %w", err)
		}
		res = resp.result()
	}

	if !req.ReduceOnly && res.FilledQty > 0 {
		res.Warning = f.placeProtective(ctx, req)
	}
	return res, nil
}

func (f *Futures) queryOrder(ctx context.Context, symbol, clientOrderID string) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	body, err := f.client.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: query order %s: %w", clientOrderID, err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return resp.result(), nil
}

// placeProtective attaches close-position TP and SL triggers on mark price.
func (f *Futures) placeProtective(ctx context.Context, req domain.OrderRequest) string {
	exit := domain.OrderSideSell
	if req.Side == domain.OrderSideSell {
		exit = domain.OrderSideBuy
	}
	var warning string
	place := func(orderType string, stop float64, leg string) {
		if stop <= 0 {
			return
		}
		params := url.Values{}
		params.Set("symbol", req.Symbol)
		params.Set("side", string(exit))
		params.Set("type", orderType)
		params.Set("stopPrice", exchange.FormatDecimal(stop))
		params.Set("closePosition", "true")
		params.Set("workingType", "MARK_PRICE")
		if req.ClientOrderID != "" {
			params.Set("newClientOrderId", exchange.ClientOrderID(req.ClientOrderID, req.Symbol, leg))
		}
		if _, err := f.client.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params); err != nil && !errors.Is(err, domain.ErrDuplicateOrder) {
			f.logger.WarnContext(ctx, "binance: protective order failed",
				slog.String("symbol", req.Symbol),
				slog.String("type", orderType),
				slog.String("error", err.Error()),
			)
			if warning != "" {
				warning += "; "
			}
			warning += orderType + ": " + err.Error()
		}
	}
	place("TAKE_PROFIT_MARKET", req.TakeProfitPrice, "tp")
	place("STOP_MARKET", req.StopLossPrice, "sl")
	return warning
}

func (f *Futures) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if _, err := f.client.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params); err != nil {
		return fmt.Errorf("binance: cancel all %s: %w", symbol, err)
	}
	return nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string           `json:"symbol"`
		Filters []map[string]any `json:"filters"`
	} `json:"symbols"`
}

// SymbolRules returns the lot and tick filters for symbol. The whole
// exchangeInfo document is cached for the configured TTL.
func (f *Futures) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	f.rulesMu.Lock()
	if time.Since(f.rulesAt) < f.rulesTTL {
		if r, ok := f.rules[symbol]; ok {
			f.rulesMu.Unlock()
			return r, nil
		}
	}
	f.rulesMu.Unlock()

	body, err := f.client.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return domain.SymbolRules{}, fmt.Errorf("binance: exchange info: %w", err)
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.SymbolRules{}, fmt.Errorf("binance: decode exchange info: %w", err)
	}

	fresh := make(map[string]domain.SymbolRules, len(info.Symbols))
	for _, s := range info.Symbols {
		fresh[s.Symbol] = parseFilters(s.Symbol, s.Filters)
	}

	f.rulesMu.Lock()
	f.rules = fresh
	f.rulesAt = time.Now()
	f.rulesMu.Unlock()

	r, ok := fresh[symbol]
	if !ok {
		return domain.SymbolRules{}, &domain.ExchangeError{
			Kind:     domain.ErrValidation,
			Exchange: domain.ExchangeBinance,
			Message:  "unknown symbol " + symbol,
		}
	}
	return r, nil
}

// parseFilters reads LOT_SIZE, MARKET_LOT_SIZE, PRICE_FILTER and
// MIN_NOTIONAL. Market orders are bound by MARKET_LOT_SIZE when present.
func parseFilters(symbol string, filters []map[string]any) domain.SymbolRules {
	r := domain.SymbolRules{Symbol: symbol}
	str := func(m map[string]any, k string) float64 {
		s, _ := m[k].(string)
		return parseFloat(s)
	}
	for _, flt := range filters {
		switch flt["filterType"] {
		case "LOT_SIZE":
			if r.StepSize == 0 {
				r.StepSize = str(flt, "stepSize")
			}
			if r.MinQty == 0 {
				r.MinQty = str(flt, "minQty")
			}
			if r.MaxQty == 0 {
				r.MaxQty = str(flt, "maxQty")
			}
		case "MARKET_LOT_SIZE":
			if v := str(flt, "stepSize"); v > 0 {
				r.StepSize = v
			}
			if v := str(flt, "minQty"); v > 0 {
				r.MinQty = v
			}
			if v := str(flt, "maxQty"); v > 0 {
				r.MaxQty = v
			}
		case "PRICE_FILTER":
			r.TickSize = str(flt, "tickSize")
		case "MIN_NOTIONAL":
			r.MinNotional = str(flt, "notional")
		}
	}
	return r
}

func (f *Futures) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := f.client.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, fmt.Errorf("binance: mark price %s: %w", symbol, err)
	}
	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("binance: decode mark price: %w", err)
	}
	return parseFloat(res.MarkPrice), nil
}

func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "FILLED":
		return domain.OrderStatusFilled
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}
