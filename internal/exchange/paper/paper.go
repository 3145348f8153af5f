// Package paper is an in-memory exchange. It backs the "paper" exchange
// kind for dry runs and doubles as the fake venue in tests, with settable
// balances, prices and positions and per-operation fault injection.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
)

// Op names an adapter operation for fault injection and call counting.
type Op string

const (
	OpBalance   Op = "balance"
	OpPositions Op = "positions"
	OpPlace     Op = "place_order"
	OpLeverage  Op = "set_leverage"
	OpCancel    Op = "cancel_all"
	OpRules     Op = "symbol_rules"
	OpMark      Op = "mark_price"
)

// Always makes a fault permanent.
const Always = -1

type fault struct {
	remaining int
	err       error
}

// Exchange is a single paper account. It does not model margin: opening a
// position leaves Available unchanged, and closing realises PnL into both
// Equity and Available.
type Exchange struct {
	mu        sync.Mutex
	kind      domain.ExchangeKind
	balance   domain.Balance
	marks     map[string]float64
	positions map[string]domain.Position
	leverage  map[string]int
	rules     map[string]domain.SymbolRules
	orders    []domain.OrderRequest
	filled    map[string]domain.OrderResult // by client order id
	faults    map[Op]*fault
	calls     map[Op]int
	latency   time.Duration
	prices    domain.PriceSource
	nextID    int64
}

var _ domain.Exchange = (*Exchange)(nil)

// New returns a paper account holding equity USDT.
func New(equity float64) *Exchange {
	return &Exchange{
		kind:      domain.ExchangePaper,
		balance:   domain.Balance{Asset: "USDT", Equity: equity, Available: equity},
		marks:     make(map[string]float64),
		positions: make(map[string]domain.Position),
		leverage:  make(map[string]int),
		rules:     make(map[string]domain.SymbolRules),
		filled:    make(map[string]domain.OrderResult),
		faults:    make(map[Op]*fault),
		calls:     make(map[Op]int),
	}
}

// WithKind makes the account report kind, so tests can stand in for a real
// venue.
func (e *Exchange) WithKind(kind domain.ExchangeKind) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind = kind
	return e
}

// WithPrices sets a fallback price source for symbols without a set mark.
func (e *Exchange) WithPrices(p domain.PriceSource) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices = p
	return e
}

// SetBalance sets equity and available balance.
func (e *Exchange) SetBalance(equity, available float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance.Equity = equity
	e.balance.Available = available
}

// SetMarkPrice sets the mark for symbol and revalues any open position.
func (e *Exchange) SetMarkPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price
	if p, ok := e.positions[symbol]; ok {
		e.positions[symbol] = revalue(p, price)
	}
}

// SetPosition installs an open position. A zero quantity removes it.
func (e *Exchange) SetPosition(p domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Quantity <= 0 {
		delete(e.positions, p.Symbol)
		return
	}
	if p.MarkPrice == 0 {
		p.MarkPrice = e.marks[p.Symbol]
	}
	if p.MarkPrice == 0 {
		p.MarkPrice = p.EntryPrice
	}
	e.marks[p.Symbol] = p.MarkPrice
	e.positions[p.Symbol] = revalue(p, p.MarkPrice)
}

// SetRules installs lot and tick filters for a symbol.
func (e *Exchange) SetRules(r domain.SymbolRules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Symbol] = r
}

// SetLatency delays every call by d, honouring context cancellation.
func (e *Exchange) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

// Fail makes the next times calls of op return err. Always keeps failing
// until Heal.
func (e *Exchange) Fail(op Op, times int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = &fault{remaining: times, err: err}
}

// Heal clears every injected fault.
func (e *Exchange) Heal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = make(map[Op]*fault)
}

// Calls returns how many times op was invoked, including failed calls.
func (e *Exchange) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Orders returns every order that reached the book.
func (e *Exchange) Orders() []domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderRequest, len(e.orders))
	copy(out, e.orders)
	return out
}

// Leverage returns the last leverage set for symbol.
func (e *Exchange) Leverage(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage[symbol]
}

func (e *Exchange) Kind() domain.ExchangeKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

// enter counts the call, waits out configured latency and returns an
// injected fault if one is armed. It must be called without e.mu held.
func (e *Exchange) enter(ctx context.Context, op Op) error {
	e.mu.Lock()
	e.calls[op]++
	latency := e.latency
	var err error
	if f, ok := e.faults[op]; ok && f.remaining != 0 {
		err = f.err
		if f.remaining > 0 {
			f.remaining--
		}
	}
	e.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (e *Exchange) FetchBalance(ctx context.Context) (domain.Balance, error) {
	if err := e.enter(ctx, OpBalance); err != nil {
		return domain.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.balance
	var upnl float64
	for _, p := range e.positions {
		upnl += p.UnrealizedPnL
	}
	b.UnrealizedPnL = upnl
	b.Equity += upnl
	return b, nil
}

func (e *Exchange) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	if err := e.enter(ctx, OpPositions); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := e.enter(ctx, OpLeverage); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	return e.enter(ctx, OpCancel)
}

func (e *Exchange) SymbolRules(ctx context.Context, symbol string) (domain.SymbolRules, error) {
	if err := e.enter(ctx, OpRules); err != nil {
		return domain.SymbolRules{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rules[symbol]; ok {
		return r, nil
	}
	return domain.SymbolRules{Symbol: symbol, StepSize: 0.001, MinQty: 0.001, TickSize: 0.1}, nil
}

func (e *Exchange) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.enter(ctx, OpMark); err != nil {
		return 0, err
	}
	return e.mark(ctx, symbol)
}

func (e *Exchange) mark(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	price, prices := e.marks[symbol], e.prices
	e.mu.Unlock()
	if price > 0 {
		return price, nil
	}
	if prices != nil {
		return prices.MarkPrice(ctx, symbol)
	}
	return 0, domain.NewExchangeError(domain.ErrValidation, domain.ExchangePaper, "", "no mark price for "+symbol)
}

// PlaceOrder fills a market order at the mark price. A repeated client
// order ID returns the original fill, matching venue idempotency.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := e.enter(ctx, OpPlace); err != nil {
		return domain.OrderResult{}, err
	}
	if req.Quantity <= 0 {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrPrecisionOrLimit, domain.ExchangePaper, "", "quantity must be positive")
	}
	price, err := e.mark(ctx, req.Symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if req.ClientOrderID != "" {
		if prev, ok := e.filled[req.ClientOrderID]; ok {
			return prev, nil
		}
	}

	qty := req.Quantity
	side := domain.SideLong
	if req.Side == domain.OrderSideSell {
		side = domain.SideShort
	}
	pos, open := e.positions[req.Symbol]

	switch {
	case req.ReduceOnly:
		if !open || pos.Side == side {
			return domain.OrderResult{}, domain.NewExchangeError(domain.ErrValidation, domain.ExchangePaper, "", "reduce-only order would not reduce")
		}
		if qty > pos.Quantity {
			qty = pos.Quantity
		}
		e.reduce(pos, qty, price)
	case open && pos.Side != side:
		// net mode: an opposite order reduces first, the remainder flips
		closing := qty
		if closing > pos.Quantity {
			closing = pos.Quantity
		}
		e.reduce(pos, closing, price)
		if rest := qty - closing; rest > 0 {
			e.positions[req.Symbol] = revalue(domain.Position{Symbol: req.Symbol, Side: side, Quantity: rest, EntryPrice: price, Leverage: e.leverage[req.Symbol]}, price)
		}
	case open:
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		e.positions[req.Symbol] = revalue(pos, price)
	default:
		e.positions[req.Symbol] = revalue(domain.Position{
			Symbol: req.Symbol, Side: side, Quantity: qty, EntryPrice: price, Leverage: e.leverage[req.Symbol],
		}, price)
	}

	e.orders = append(e.orders, req)
	e.nextID++
	res := domain.OrderResult{
		OrderID:       "paper-" + strconv.FormatInt(e.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledQty:     qty,
		AvgPrice:      price,
	}
	if req.ClientOrderID != "" {
		e.filled[req.ClientOrderID] = res
	}
	return res, nil
}

// reduce closes qty of pos at price and realises the PnL. Caller holds mu.
func (e *Exchange) reduce(pos domain.Position, qty, price float64) {
	pnl := (price - pos.EntryPrice) * qty
	if pos.Side == domain.SideShort {
		pnl = -pnl
	}
	e.balance.Equity += pnl
	e.balance.Available += pnl
	pos.Quantity -= qty
	if pos.Quantity <= 1e-12 {
		delete(e.positions, pos.Symbol)
		return
	}
	e.positions[pos.Symbol] = revalue(pos, price)
}

func revalue(p domain.Position, mark float64) domain.Position {
	p.MarkPrice = mark
	p.UnrealizedPnL = (mark - p.EntryPrice) * p.Quantity
	if p.Side == domain.SideShort {
		p.UnrealizedPnL = -p.UnrealizedPnL
	}
	return p
}

// Config configures the paper exchange kind.
type Config struct {
	StartingEquity float64
}

// Books keeps one paper account per account ID so positions survive a
// registry reload.
type Books struct {
	cfg    Config
	prices domain.PriceSource

	mu    sync.Mutex
	books map[string]*Exchange
}

// NewBooks returns a paper account store. prices supplies marks for symbols
// that were never set explicitly.
func NewBooks(cfg Config, prices domain.PriceSource) *Books {
	return &Books{cfg: cfg, prices: prices, books: make(map[string]*Exchange)}
}

// Get returns the account for id, creating it on first use.
func (b *Books) Get(id string) *Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.books[id]
	if !ok {
		ex = New(b.cfg.StartingEquity).WithPrices(b.prices)
		b.books[id] = ex
	}
	return ex
}

// Constructor adapts Books to the exchange factory.
func (b *Books) Constructor() exchange.Constructor {
	return func(acct domain.Account) (domain.Exchange, error) {
		if acct.ID == "" {
			return nil, fmt.Errorf("paper: %w: account id required", domain.ErrValidation)
		}
		return b.Get(acct.ID), nil
	}
}
