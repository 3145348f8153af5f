package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// Members lists the accounts to snapshot.
type Members interface {
	Members() []registry.Member
}

// SnapshotService records every account's equity on a timer for charting.
type SnapshotService struct {
	roster      Members
	store       domain.BalanceStore
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewSnapshotService creates a SnapshotService. interval defaults to five
// minutes.
func NewSnapshotService(roster Members, store domain.BalanceStore, interval time.Duration, logger *slog.Logger) *SnapshotService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SnapshotService{
		roster:      roster,
		store:       store,
		interval:    interval,
		concurrency: 8,
		logger:      logger.With(slog.String("component", "snapshots")),
		now:         time.Now,
	}
}

// Run snapshots immediately and then on every tick until ctx is cancelled.
func (s *SnapshotService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "snapshot_service: tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches every member's balance and writes one batch. Accounts whose
// balance cannot be fetched are skipped.
func (s *SnapshotService) Tick(ctx context.Context) (int, error) {
	members := s.roster.Members()
	if len(members) == 0 {
		return 0, nil
	}
	at := s.now().UTC()

	var (
		mu    sync.Mutex
		snaps = make([]domain.BalanceSnapshot, 0, len(members))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, m := range members {
		g.Go(func() error {
			bal, err := m.Exchange.FetchBalance(gctx)
			if err != nil {
				s.logger.DebugContext(gctx, "snapshot_service: fetch balance failed",
					slog.String("account_id", m.Account.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			snaps = append(snaps, domain.BalanceSnapshot{
				AccountID: m.Account.ID,
				Role:      m.Account.Role,
				Equity:    bal.Equity,
				Available: bal.Available,
				TakenAt:   at,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(snaps) == 0 {
		return 0, nil
	}
	if err := s.store.Snapshot(ctx, snaps); err != nil {
		return 0, fmt.Errorf("snapshot_service: store %d snapshots: %w", len(snaps), err)
	}
	s.logger.DebugContext(ctx, "snapshot_service: recorded", slog.Int("accounts", len(snaps)))
	return len(snaps), nil
}
