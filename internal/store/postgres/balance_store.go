package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Snapshot inserts a batch of snapshots.
func (s *BalanceStore) Snapshot(ctx context.Context, snaps []domain.BalanceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([][]any, len(snaps))
	for i, sn := range snaps {
		rows[i] = []any{sn.AccountID, string(sn.Role), sn.Equity, sn.Available, sn.TakenAt}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"balance_snapshots"},
		[]string{"account_id", "role", "equity", "available", "taken_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert %d balance snapshots: %w", len(snaps), err)
	}
	return nil
}

// ListSnapshots returns an account's snapshots newest first.
func (s *BalanceStore) ListSnapshots(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.BalanceSnapshot, error) {
	query := `SELECT account_id, role, equity, available, taken_at FROM balance_snapshots WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND taken_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND taken_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY taken_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balance snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceSnapshot
	for rows.Next() {
		var sn domain.BalanceSnapshot
		if err := rows.Scan(&sn.AccountID, &sn.Role, &sn.Equity, &sn.Available, &sn.TakenAt); err != nil {
			return nil, fmt.Errorf("postgres: scan balance snapshot: %w", err)
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balance snapshots rows: %w", err)
	}
	return out, nil
}
