package okx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
)

// Swap is the domain.Exchange implementation for one OKX account. The
// account is expected in net position mode with cross margin. Quantities
// cross this boundary in base-asset units and are converted to contracts
// with the instrument's ctVal.
type Swap struct {
	client *Client
	logger *slog.Logger

	mu    sync.Mutex
	insts map[string]instrument
	ttl   time.Duration
}

var _ domain.Exchange = (*Swap)(nil)

type instrument struct {
	rules   domain.SymbolRules
	ctVal   float64
	lotSz   float64
	fetched time.Time
}

// New builds the adapter for acct.
func New(cfg Config, acct domain.Account, logger *slog.Logger) (*Swap, error) {
	client, err := NewClient(cfg, acct.Credentials, logger)
	if err != nil {
		return nil, err
	}
	return &Swap{
		client: client,
		logger: logger.With(slog.String("component", "okx"), slog.String("account_id", acct.ID)),
		insts:  make(map[string]instrument),
		ttl:    client.cfg.RulesTTL,
	}, nil
}

// Constructor adapts New to the exchange factory.
func Constructor(cfg Config, logger *slog.Logger) exchange.Constructor {
	return func(acct domain.Account) (domain.Exchange, error) {
		return New(cfg, acct, logger)
	}
}

func (s *Swap) Kind() domain.ExchangeKind { return domain.ExchangeOKX }

// InstID maps a normalized symbol such as BTCUSDT to BTC-USDT-SWAP.
func InstID(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if base, ok := strings.CutSuffix(symbol, quote); ok && base != "" {
			return base + "-" + quote + "-SWAP"
		}
	}
	return symbol
}

// Symbol maps BTC-USDT-SWAP back to BTCUSDT.
func Symbol(instID string) string {
	return strings.ReplaceAll(strings.TrimSuffix(instID, "-SWAP"), "-", "")
}

func (s *Swap) FetchBalance(ctx context.Context) (domain.Balance, error) {
	var data []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy      string `json:"ccy"`
			Eq       string `json:"eq"`
			AvailEq  string `json:"availEq"`
			AvailBal string `json:"availBal"`
			Upl      string `json:"upl"`
		} `json:"details"`
	}
	if err := s.client.get(ctx, "/api/v5/account/balance", url.Values{"ccy": {"USDT"}}, true, &data); err != nil {
		return domain.Balance{}, fmt.Errorf("okx: fetch balance: %w", err)
	}
	bal := domain.Balance{Asset: "USDT"}
	if len(data) == 0 {
		return bal, nil
	}
	for _, d := range data[0].Details {
		if d.Ccy != "USDT" {
			continue
		}
		bal.Equity = parseFloat(d.Eq)
		bal.Available = parseFloat(d.AvailEq)
		if d.AvailEq == "" {
			bal.Available = parseFloat(d.AvailBal)
		}
		bal.UnrealizedPnL = parseFloat(d.Upl)
	}
	return bal, nil
}

type okxPosition struct {
	InstID  string `json:"instId"`
	Pos     string `json:"pos"`
	PosSide string `json:"posSide"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Upl     string `json:"upl"`
	Lever   string `json:"lever"`
}

func (s *Swap) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	var data []okxPosition
	if err := s.client.get(ctx, "/api/v5/account/positions", url.Values{"instType": {"SWAP"}}, true, &data); err != nil {
		return nil, fmt.Errorf("okx: fetch positions: %w", err)
	}
	out := make([]domain.Position, 0, len(data))
	for _, p := range data {
		contracts := parseFloat(p.Pos)
		if contracts == 0 {
			continue
		}
		side := domain.SideLong
		switch {
		case p.PosSide == "short":
			side = domain.SideShort
		case p.PosSide == "net" && contracts < 0:
			side = domain.SideShort
		}
		if contracts < 0 {
			contracts = -contracts
		}
		inst, err := s.instrument(ctx, p.InstID)
		if err != nil {
			return nil, err
		}
		lev, _ := strconv.ParseFloat(p.Lever, 64)
		out = append(out, domain.Position{
			Symbol:        Symbol(p.InstID),
			Side:          side,
			Quantity:      mul(contracts, inst.ctVal),
			EntryPrice:    parseFloat(p.AvgPx),
			MarkPrice:     parseFloat(p.MarkPx),
			Leverage:      int(lev),
			UnrealizedPnL: parseFloat(p.Upl),
		})
	}
	return out, nil
}

func (s *Swap) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"instId":  InstID(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	if err := s.client.post(ctx, "/api/v5/account/set-leverage", body, nil); err != nil {
		return fmt.Errorf("okx: set leverage %s x%d: %w", symbol, leverage, err)
	}
	return nil
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type orderDetail struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
}

// PlaceOrder submits a market order, attaching TP and SL as algo orders
// triggered on mark price. OKX acknowledges market orders before the fill,
// so the order is read back to report filled size and average price.
func (s *Swap) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	instID := InstID(req.Symbol)
	inst, err := s.instrument(ctx, instID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	sz := contractsFor(req.Quantity, inst)
	if sz.Sign() <= 0 {
		return domain.OrderResult{}, &domain.ExchangeError{
			Kind:     domain.ErrPrecisionOrLimit,
			Exchange: domain.ExchangeOKX,
			Message:  "quantity below one lot",
			Params: map[string]string{
				"inst_id":  instID,
				"quantity": exchange.FormatDecimal(req.Quantity),
				"ct_val":   exchange.FormatDecimal(inst.ctVal),
				"lot_sz":   exchange.FormatDecimal(inst.lotSz),
			},
		}
	}

	body := map[string]any{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    strings.ToLower(string(req.Side)),
		"ordType": "market",
		"sz":      sz.String(),
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if !req.ReduceOnly && (req.TakeProfitPrice > 0 || req.StopLossPrice > 0) {
		algo := map[string]string{}
		if req.TakeProfitPrice > 0 {
			algo["tpTriggerPx"] = exchange.FormatDecimal(req.TakeProfitPrice)
			algo["tpOrdPx"] = "-1"
			algo["tpTriggerPxType"] = "mark"
		}
		if req.StopLossPrice > 0 {
			algo["slTriggerPx"] = exchange.FormatDecimal(req.StopLossPrice)
			algo["slOrdPx"] = "-1"
			algo["slTriggerPxType"] = "mark"
		}
		body["attachAlgoOrds"] = []map[string]string{algo}
	}

	var acks []orderAck
	err = s.client.post(ctx, "/api/v5/trade/order", body, &acks)
	ordID := ""
	switch {
	case errors.Is(err, domain.ErrDuplicateOrder) && req.ClientOrderID != "":
		s.logger.InfoContext(ctx, "okx: duplicate client order id, reading existing order",
			slog.String("client_order_id", req.ClientOrderID),
		)
	case err != nil:
		return domain.OrderResult{}, fmt.Errorf("okx: place order: %w", err)
	case len(acks) > 0:
		ordID = acks[0].OrdID
	}

	detail, err := s.queryOrder(ctx, instID, ordID, req.ClientOrderID)
	if err != nil {
		if ordID == "" {
			return domain.OrderResult{}, err
		}
		// the order exists; report the ack and let the caller reconcile
		s.logger.WarnContext(ctx, "okx: order readback failed",
			slog.String("ord_id", ordID),
			slog.String("error", err.Error()),
		)
		return domain.OrderResult{OrderID: ordID, ClientOrderID: req.ClientOrderID, Status: domain.OrderStatusNew}, nil
	}
	return domain.OrderResult{
		OrderID:       detail.OrdID,
		ClientOrderID: detail.ClOrdID,
		Status:        mapState(detail.State),
		FilledQty:     mul(parseFloat(detail.AccFillSz), inst.ctVal),
		AvgPrice:      parseFloat(detail.AvgPx),
	}, nil
}

func (s *Swap) queryOrder(ctx context.Context, instID, ordID, clOrdID string) (orderDetail, error) {
	params := url.Values{"instId": {instID}}
	if ordID != "" {
		params.Set("ordId", ordID)
	} else {
		params.Set("clOrdId", clOrdID)
	}
	var data []orderDetail
	if err := s.client.get(ctx, "/api/v5/trade/order", params, true, &data); err != nil {
		return orderDetail{}, fmt.Errorf("okx: query order: %w", err)
	}
	if len(data) == 0 {
		return orderDetail{}, fmt.Errorf("okx: query order: %w", domain.ErrNotFound)
	}
	return data[0], nil
}

// CancelAllOrders cancels pending regular orders and pending TP/SL algo
// orders for symbol.
func (s *Swap) CancelAllOrders(ctx context.Context, symbol string) error {
	instID := InstID(symbol)

	var pending []struct {
		OrdID string `json:"ordId"`
	}
	if err := s.client.get(ctx, "/api/v5/trade/orders-pending", url.Values{"instType": {"SWAP"}, "instId": {instID}}, true, &pending); err != nil {
		return fmt.Errorf("okx: list pending orders: %w", err)
	}
	if len(pending) > 0 {
		batch := make([]map[string]string, 0, len(pending))
		for _, p := range pending {
			batch = append(batch, map[string]string{"instId": instID, "ordId": p.OrdID})
		}
		if err := s.client.post(ctx, "/api/v5/trade/cancel-batch-orders", batch, nil); err != nil {
			return fmt.Errorf("okx: cancel orders %s: %w", symbol, err)
		}
	}

	var algos []struct {
		AlgoID string `json:"algoId"`
	}
	if err := s.client.get(ctx, "/api/v5/trade/orders-algo-pending", url.Values{"instType": {"SWAP"}, "instId": {instID}, "ordType": {"conditional,oco"}}, true, &algos); err != nil {
		return fmt.Errorf("okx: list algo orders: %w", err)
	}
	if len(algos) == 0 {
		return nil
	}
	batch := make([]map[string]string, 0, len(algos))
	for _, a := range algos {
		batch = append(batch, map[string]string{"instId": instID, "algoId": a.AlgoID})
	}
	if err := s.client.post(ctx, "/api/v5/trade/cancel-algos", batch, nil); err != nil {
		return fmt.Errorf("okx: cancel algos %s: %w", symbol, err)
	}
	return nil
}

func (s *Swap) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	inst, err := s.instrument(ctx, InstID(symbol))
	if err != nil {
		return domain.SymbolRules{}, err
	}
	return inst.rules, nil
}

// instrument returns cached contract specs for instID, expressed in base
// units.
func (s *Swap) instrument(ctx context.Context, instID string) (instrument, error) {
	s.mu.Lock()
	inst, ok := s.insts[instID]
	s.mu.Unlock()
	if ok && time.Since(inst.fetched) < s.ttl {
		return inst, nil
	}

	var data []struct {
		InstID   string `json:"instId"`
		CtVal    string `json:"ctVal"`
		LotSz    string `json:"lotSz"`
		MinSz    string `json:"minSz"`
		MaxMktSz string `json:"maxMktSz"`
		TickSz   string `json:"tickSz"`
	}
	params := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	if err := s.client.get(ctx, "/api/v5/public/instruments", params, false, &data); err != nil {
		return instrument{}, fmt.Errorf("okx: instrument %s: %w", instID, err)
	}
	if len(data) == 0 {
		return instrument{}, &domain.ExchangeError{
			Kind:     domain.ErrValidation,
			Exchange: domain.ExchangeOKX,
			Message:  "unknown instrument " + instID,
		}
	}
	d := data[0]
	ctVal := parseFloat(d.CtVal)
	if ctVal <= 0 {
		ctVal = 1
	}
	lotSz := parseFloat(d.LotSz)
	inst = instrument{
		ctVal: ctVal,
		lotSz: lotSz,
		rules: domain.SymbolRules{
			Symbol:   Symbol(d.InstID),
			StepSize: mul(lotSz, ctVal),
			MinQty:   mul(parseFloat(d.MinSz), ctVal),
			MaxQty:   mul(parseFloat(d.MaxMktSz), ctVal),
			TickSize: parseFloat(d.TickSz),
		},
		fetched: time.Now(),
	}

	s.mu.Lock()
	s.insts[instID] = inst
	s.mu.Unlock()
	return inst, nil
}

func (s *Swap) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var data []struct {
		MarkPx string `json:"markPx"`
	}
	params := url.Values{"instType": {"SWAP"}, "instId": {InstID(symbol)}}
	if err := s.client.get(ctx, "/api/v5/public/mark-price", params, false, &data); err != nil {
		return 0, fmt.Errorf("okx: mark price %s: %w", symbol, err)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("okx: mark price %s: %w", symbol, domain.ErrNotFound)
	}
	return parseFloat(data[0].MarkPx), nil
}

// contractsFor converts a base quantity to a whole number of lots.
func contractsFor(qty float64, inst instrument) decimal.Decimal {
	c := decimal.NewFromFloat(qty).Div(decimal.NewFromFloat(inst.ctVal))
	if inst.lotSz > 0 {
		lot := decimal.NewFromFloat(inst.lotSz)
		c = c.Div(lot).Floor().Mul(lot)
	}
	return c
}

func mul(a, b float64) float64 {
	out, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Float64()
	return out
}

func mapState(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "mmp_canceled":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusNew
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
