package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/sizing"
)

// Order legs feed the deterministic client order id.
const (
	legEntry = "entry"
	legDCA   = "dca"
	legClose = "close"
)

// ExecuteFor runs sig against a single account through the same sizing and
// retry path as Process, then emits and records the result. The DCA monitor
// uses it for synthesized signals.
func (e *Engine) ExecuteFor(ctx context.Context, m registry.Member, sig domain.Signal) domain.ExecutionResult {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = e.now().UTC()
	}
	var r domain.ExecutionResult
	switch err := sig.Validate(); {
	case err != nil:
		r = e.newResult(m, sig)
		e.fail(ctx, m, &r, err)
	case e.Paused():
		r = e.newResult(m, sig)
		skip(&r, "trading paused")
	case !m.Account.IsMaster() && !m.Account.TradingEnabled:
		r = e.newResult(m, sig)
		skip(&r, domain.ErrAccountPaused.Error())
	case !m.Account.IsMaster() && e.guard != nil && e.guard.Paused(m.Account.ID):
		r = e.newResult(m, sig)
		skip(&r, "guardrail paused")
	default:
		r = e.execute(ctx, m, sig)
	}
	e.finish(ctx, r)
	return r
}

// ClosePosition closes the account's whole position in symbol with a
// reduce-only market order. It ignores the global and account pauses since
// it only reduces exposure. The trailing stop uses it.
func (e *Engine) ClosePosition(ctx context.Context, m registry.Member, symbol, reason string) domain.ExecutionResult {
	sig := domain.Signal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Action:     domain.ActionClose,
		ReceivedAt: e.now().UTC(),
	}
	r := e.newResult(m, sig)
	e.closeSymbol(ctx, m, sig, &r)
	if reason != "" && r.SkipReason == "" && r.Error == "" {
		e.logger.InfoContext(ctx, "engine: position closed",
			slog.String("account_id", m.Account.ID),
			slog.String("symbol", symbol),
			slog.String("reason", reason),
		)
	}
	e.finish(ctx, r)
	return r
}

// execute is one account task. It never returns an error: every failure is
// folded into the result.
func (e *Engine) execute(ctx context.Context, m registry.Member, sig domain.Signal) domain.ExecutionResult {
	r := e.newResult(m, sig)
	acct := m.Account

	bal, _, err := retry(ctx, e, func(ctx context.Context) (domain.Balance, error) {
		return m.Exchange.FetchBalance(ctx)
	})
	if err != nil {
		e.fail(ctx, m, &r, fmt.Errorf("fetch balance: %w", err))
		return r
	}

	if !acct.IsMaster() && e.guard != nil && acct.Guardrail.Enabled() {
		st := e.guard.Observe(acct.ID, acct.Guardrail, bal.Equity, e.now().UTC())
		if st.Paused {
			skip(&r, "guardrail paused: "+string(st.PauseReason))
			return r
		}
	}

	if sig.Action == domain.ActionClose {
		e.closeSymbol(ctx, m, sig, &r)
		return r
	}
	e.open(ctx, m, sig, bal, &r)
	return r
}

func (e *Engine) open(ctx context.Context, m registry.Member, sig domain.Signal, bal domain.Balance, r *domain.ExecutionResult) {
	ex := m.Exchange
	positions, _, err := retry(ctx, e, func(ctx context.Context) ([]domain.Position, error) {
		return ex.FetchPositions(ctx)
	})
	if err != nil {
		e.fail(ctx, m, r, fmt.Errorf("fetch positions: %w", err))
		return
	}
	held, holds := findPosition(positions, sig.Symbol)

	leg := legEntry
	if sig.Action == domain.ActionDCA {
		leg = legDCA
		if !holds || held.Side != sig.Side {
			skip(r, "no "+string(sig.Side)+" position to add to")
			return
		}
	}

	rules, _, err := retry(ctx, e, func(ctx context.Context) (domain.SymbolRules, error) {
		return ex.SymbolRules(ctx, sig.Symbol)
	})
	if err != nil {
		e.fail(ctx, m, r, fmt.Errorf("symbol rules: %w", err))
		return
	}
	mark, _, err := retry(ctx, e, func(ctx context.Context) (float64, error) {
		return ex.MarkPrice(ctx, sig.Symbol)
	})
	if err != nil {
		e.fail(ctx, m, r, fmt.Errorf("mark price: %w", err))
		return
	}

	plan, err := sizing.Compute(e.cfg.Sizing, sizing.Input{
		Account:       m.Account,
		Signal:        sig,
		Balance:       bal,
		OpenPositions: len(positions),
		HoldsSymbol:   holds,
		MarkPrice:     mark,
		Rules:         rules,
	})
	r.Notional = plan.Notional
	if err != nil {
		e.fail(ctx, m, r, err)
		return
	}
	r.RequestedQty = plan.Quantity

	if sig.Action != domain.ActionDCA {
		_, _, err := retry(ctx, e, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, ex.SetLeverage(ctx, sig.Symbol, plan.Leverage)
		})
		if errors.Is(err, domain.ErrAuthentication) {
			e.fail(ctx, m, r, fmt.Errorf("set leverage: %w", err))
			return
		}
		if err != nil {
			e.logger.WarnContext(ctx, "engine: set leverage failed, continuing",
				slog.String("account_id", m.Account.ID),
				slog.String("symbol", sig.Symbol),
				slog.Int("leverage", plan.Leverage),
				slog.String("error", err.Error()),
			)
		}
	}

	side := sig.EntrySide()
	req := domain.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          domain.EntryOrderSide(side),
		Quantity:      plan.Quantity,
		ClientOrderID: exchange.ClientOrderID(sig.ID, m.Account.ID, leg),
	}
	if sig.Action != domain.ActionDCA {
		req.TakeProfitPrice, req.StopLossPrice = exchange.ProtectivePrices(side, mark, sig.TakeProfitPct, sig.StopLossPct, rules.TickSize)
	}
	r.Side = req.Side
	e.submit(ctx, m, req, r)
}

// closeSymbol submits a reduce-only close for the account's position in
// sig.Symbol. No position is a skipped no-op.
func (e *Engine) closeSymbol(ctx context.Context, m registry.Member, sig domain.Signal, r *domain.ExecutionResult) {
	ex := m.Exchange
	positions, _, err := retry(ctx, e, func(ctx context.Context) ([]domain.Position, error) {
		return ex.FetchPositions(ctx)
	})
	if err != nil {
		e.fail(ctx, m, r, fmt.Errorf("fetch positions: %w", err))
		return
	}
	pos, ok := findPosition(positions, sig.Symbol)
	if !ok {
		skip(r, domain.ErrNoPosition.Error())
		return
	}

	req := domain.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          domain.ExitOrderSide(pos.Side),
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
		ClientOrderID: exchange.ClientOrderID(sig.ID, m.Account.ID, legClose),
	}
	r.Side = req.Side
	r.RequestedQty = pos.Quantity
	r.Notional = pos.Notional()
	if !e.submit(ctx, m, req, r) {
		return
	}
	r.RealizedPnL = pos.UnrealizedPnL

	// Leftover protective orders would reopen the position when they trigger.
	if err := ex.CancelAllOrders(ctx, sig.Symbol); err != nil {
		e.logger.WarnContext(ctx, "engine: cancel leftover orders failed",
			slog.String("account_id", m.Account.ID),
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
	}
	if e.cfg.WhaleThreshold > 0 && r.RealizedPnL >= e.cfg.WhaleThreshold {
		e.emit(domain.Event{
			Type:      domain.EventWhaleAlert,
			Severity:  domain.SeverityInfo,
			AccountID: domain.AccountRef(m.Account.ID),
			Symbol:    sig.Symbol,
			Message:   fmt.Sprintf("closed %s for %+.2f USDT", sig.Symbol, r.RealizedPnL),
			Data: map[string]any{
				"realized_pnl": r.RealizedPnL,
				"exchange":     m.Account.Exchange,
				"pnl_pct":      pos.PnLPercent(),
			},
		})
	}
}

// submit places req with the retry policy and folds the outcome into r. It
// reports whether anything filled.
func (e *Engine) submit(ctx context.Context, m registry.Member, req domain.OrderRequest, r *domain.ExecutionResult) bool {
	res, attempts, err := retry(ctx, e, func(ctx context.Context) (domain.OrderResult, error) {
		return m.Exchange.PlaceOrder(ctx, req)
	})
	r.Attempts = attempts
	if err != nil {
		e.fail(ctx, m, r, fmt.Errorf("place order: %w", err))
		return false
	}

	r.OrderID = res.OrderID
	r.FilledQty = res.FilledQty
	r.AvgPrice = res.AvgPrice
	switch res.Status {
	case domain.OrderStatusFilled, domain.OrderStatusNew:
		// Market orders are accepted as filled even when the venue has not
		// reported the fill yet.
		r.Status = domain.StatusFilled
	case domain.OrderStatusPartiallyFilled:
		r.Status = domain.StatusPartiallyFilled
	default:
		r.Status = domain.StatusRejected
		r.Error = "order " + string(res.Status)
		return false
	}

	if res.Warning != "" {
		e.logger.WarnContext(ctx, "engine: protective order not placed",
			slog.String("account_id", m.Account.ID),
			slog.String("symbol", req.Symbol),
			slog.String("warning", res.Warning),
		)
		e.emit(domain.Event{
			Type: domain.EventError, Severity: domain.SeverityWarning,
			AccountID: domain.AccountRef(m.Account.ID), Symbol: req.Symbol,
			Message: "order filled without protection: " + res.Warning,
		})
	}
	return true
}

// fail classifies err into r. Balance and cap problems are skips, not
// failures. Authentication errors also flag the account for review.
func (e *Engine) fail(ctx context.Context, m registry.Member, r *domain.ExecutionResult, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrPositionCap):
		skip(r, err.Error())
		return
	}

	r.Status = domain.StatusError
	r.ErrorKind = domain.KindOf(err)
	r.Error = err.Error()

	attrs := []any{
		slog.String("account_id", m.Account.ID),
		slog.String("exchange", string(m.Account.Exchange)),
		slog.String("signal_id", r.SignalID),
		slog.String("symbol", r.Symbol),
		slog.String("error_kind", string(r.ErrorKind)),
		slog.String("error", r.Error),
	}
	var xe *domain.ExchangeError
	if errors.As(err, &xe) && len(xe.Params) > 0 {
		attrs = append(attrs, slog.Any("params", xe.Params))
	}
	e.logger.ErrorContext(ctx, "engine: account task failed", attrs...)

	if r.ErrorKind == domain.ErrorKindAuthentication {
		if ferr := e.roster.FlagForReview(ctx, m.Account.ID, "authentication error: "+err.Error()); ferr != nil {
			e.logger.ErrorContext(ctx, "engine: flag for review failed",
				slog.String("account_id", m.Account.ID),
				slog.String("error", ferr.Error()),
			)
		}
	}
}

func (e *Engine) newResult(m registry.Member, sig domain.Signal) domain.ExecutionResult {
	return domain.ExecutionResult{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		AccountID:  m.Account.ID,
		Role:       m.Account.Role,
		Exchange:   m.Account.Exchange,
		Symbol:     sig.Symbol,
		Action:     sig.Action,
		StrategyID: sig.StrategyID,
		CreatedAt:  e.now().UTC(),
	}
}

func skip(r *domain.ExecutionResult, reason string) {
	r.Status = domain.StatusSkipped
	r.SkipReason = reason
}

func findPosition(ps []domain.Position, symbol string) (domain.Position, bool) {
	for _, p := range ps {
		if p.Symbol == symbol && p.Quantity > 0 {
			return p, true
		}
	}
	return domain.Position{}, false
}

// retry runs fn up to 1+Retries times while it fails with a transient
// error, sleeping RetryBase × 2^n between attempts.
func retry[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; ; attempt++ {
		v, err = fn(ctx)
		if err == nil || !domain.IsRetryable(err) || attempt >= e.cfg.Retries {
			return v, attempt + 1, err
		}
		if serr := e.sleep(ctx, e.cfg.RetryBase<<attempt); serr != nil {
			return v, attempt + 1, err
		}
	}
}
