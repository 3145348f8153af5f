package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// ErrHistoryDisabled is returned when no trade or balance store is
// configured.
var ErrHistoryDisabled = errors.New("service: trade history disabled")

// TradeService queries trade history and equity curves.
type TradeService struct {
	trades   domain.TradeStore   // optional
	balances domain.BalanceStore // optional
}

// NewTradeService creates a TradeService. Either store may be nil.
func NewTradeService(trades domain.TradeStore, balances domain.BalanceStore) *TradeService {
	return &TradeService{trades: trades, balances: balances}
}

// ListTrades returns the newest trades first. An empty accountID lists every
// account and domain.MasterTrades lists the master executions.
func (s *TradeService) ListTrades(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	if s.trades == nil {
		return nil, ErrHistoryDisabled
	}
	recs, err := s.trades.ListRecent(ctx, accountID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trades %q: %w", accountID, err)
	}
	return recs, nil
}

// ListBalances returns an account's equity curve, newest first.
func (s *TradeService) ListBalances(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.BalanceSnapshot, error) {
	if s.balances == nil {
		return nil, ErrHistoryDisabled
	}
	snaps, err := s.balances.ListSnapshots(ctx, accountID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list balances %q: %w", accountID, err)
	}
	return snaps, nil
}
