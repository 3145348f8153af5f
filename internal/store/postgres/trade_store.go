package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Master rows are
// stored with a NULL account_id.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, execution_id, signal_id, COALESCE(account_id, ''), role, exchange,
	strategy_id, symbol, action, side, requested_qty, filled_qty, avg_price, notional,
	status, error_kind, error, skip_reason, realized_pnl, order_id, attempts, created_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		if err := rows.Scan(
			&t.ID, &t.ExecutionResult.ID, &t.SignalID, &t.AccountID, &t.Role, &t.Exchange,
			&t.StrategyID, &t.Symbol, &t.Action, &t.Side, &t.RequestedQty, &t.FilledQty, &t.AvgPrice, &t.Notional,
			&t.Status, &t.ErrorKind, &t.Error, &t.SkipReason, &t.RealizedPnL, &t.OrderID, &t.Attempts, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Record inserts one execution result. A repeated execution id is ignored.
func (s *TradeStore) Record(ctx context.Context, r domain.ExecutionResult) error {
	var accountID *string
	if r.Role != domain.RoleMaster {
		accountID = domain.AccountRef(r.AccountID)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO trade_history (
			execution_id, signal_id, account_id, role, exchange,
			strategy_id, symbol, action, side,
			requested_qty, filled_qty, avg_price, notional,
			status, error_kind, error, skip_reason,
			realized_pnl, order_id, attempts, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21
		) ON CONFLICT (execution_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.SignalID, accountID, r.Role, r.Exchange,
		r.StrategyID, r.Symbol, r.Action, r.Side,
		r.RequestedQty, r.FilledQty, r.AvgPrice, r.Notional,
		r.Status, r.ErrorKind, r.Error, r.SkipReason,
		r.RealizedPnL, r.OrderID, r.Attempts, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", r.ID, err)
	}
	return nil
}

// ListRecent returns trades newest first with pagination and optional time
// filtering. accountID may be empty (all) or domain.MasterTrades.
func (s *TradeStore) ListRecent(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trade_history WHERE 1=1`
	args := []any{}
	argIdx := 1

	switch accountID {
	case "":
	case domain.MasterTrades:
		query += " AND account_id IS NULL"
	default:
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, accountID)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListBefore returns all trades created strictly before the given time,
// oldest first (for archiving).
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trade_history WHERE created_at < $1 ORDER BY created_at ASC, id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// DeleteBefore deletes all trades created before the given time and returns
// the number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_history WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
