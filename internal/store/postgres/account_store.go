package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL. Credentials
// are returned as stored; secrets are sealed at rest and opened by the
// registry.
type AccountStore struct {
	pool *pgxpool.Pool
}

var _ domain.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountSelectCols = `id, user_id, label, exchange, role,
	api_key, api_secret, passphrase, testnet,
	active, trading_enabled, risk_pct, leverage, max_open_positions,
	dca_enabled, dca_threshold_pct, dca_max_orders, dca_multiplier,
	trailing_enabled, trailing_activation_pct, trailing_callback_pct,
	guardrail_max_drawdown_pct, guardrail_profit_target_pct, flagged_reason`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID, &a.UserID, &a.Label, &a.Exchange, &a.Role,
		&a.Credentials.APIKey, &a.Credentials.APISecret, &a.Credentials.Passphrase, &a.Credentials.Testnet,
		&a.Active, &a.TradingEnabled, &a.RiskPct, &a.Leverage, &a.MaxOpenPositions,
		&a.DCA.Enabled, &a.DCA.ThresholdPct, &a.DCA.MaxOrders, &a.DCA.Multiplier,
		&a.Trailing.Enabled, &a.Trailing.ActivationPct, &a.Trailing.CallbackPct,
		&a.Guardrail.MaxDrawdownPct, &a.Guardrail.ProfitTargetPct, &a.FlaggedReason,
	)
	return a, err
}

// ListActive returns every active account with its subscriptions. Accounts
// flagged for review are still returned; the registry decides what to do
// with them.
func (s *AccountStore) ListActive(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountSelectCols+` FROM accounts WHERE active ORDER BY role, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	index := make(map[string]int)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		index[a.ID] = len(accounts)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list accounts rows: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	subs, err := s.pool.Query(ctx, `
		SELECT s.account_id, s.strategy_id, s.allocation_pct, s.active
		FROM account_subscriptions s
		JOIN accounts a ON a.id = s.account_id
		WHERE a.active
		ORDER BY s.account_id, s.strategy_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions: %w", err)
	}
	defer subs.Close()
	for subs.Next() {
		var accountID string
		var sub domain.Subscription
		if err := subs.Scan(&accountID, &sub.StrategyID, &sub.AllocationPct, &sub.Active); err != nil {
			return nil, fmt.Errorf("postgres: scan subscription: %w", err)
		}
		if i, ok := index[accountID]; ok {
			accounts[i].Subscriptions = append(accounts[i].Subscriptions, sub)
		}
	}
	if err := subs.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions rows: %w", err)
	}
	return accounts, nil
}

// Get returns one account regardless of its active flag.
func (s *AccountStore) Get(ctx context.Context, id string) (domain.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountSelectCols+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("postgres: account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

// Upsert writes an account and replaces its subscriptions in one
// transaction. Secrets must already be sealed.
func (s *AccountStore) Upsert(ctx context.Context, a domain.Account) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("postgres: upsert account: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert %s: %w", a.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO accounts (
			id, user_id, label, exchange, role,
			api_key, api_secret, passphrase, testnet,
			active, trading_enabled, risk_pct, leverage, max_open_positions,
			dca_enabled, dca_threshold_pct, dca_max_orders, dca_multiplier,
			trailing_enabled, trailing_activation_pct, trailing_callback_pct,
			guardrail_max_drawdown_pct, guardrail_profit_target_pct
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21,
			$22, $23
		)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, label = EXCLUDED.label,
			exchange = EXCLUDED.exchange, role = EXCLUDED.role,
			api_key = EXCLUDED.api_key, api_secret = EXCLUDED.api_secret,
			passphrase = EXCLUDED.passphrase, testnet = EXCLUDED.testnet,
			active = EXCLUDED.active, trading_enabled = EXCLUDED.trading_enabled,
			risk_pct = EXCLUDED.risk_pct, leverage = EXCLUDED.leverage,
			max_open_positions = EXCLUDED.max_open_positions,
			dca_enabled = EXCLUDED.dca_enabled, dca_threshold_pct = EXCLUDED.dca_threshold_pct,
			dca_max_orders = EXCLUDED.dca_max_orders, dca_multiplier = EXCLUDED.dca_multiplier,
			trailing_enabled = EXCLUDED.trailing_enabled,
			trailing_activation_pct = EXCLUDED.trailing_activation_pct,
			trailing_callback_pct = EXCLUDED.trailing_callback_pct,
			guardrail_max_drawdown_pct = EXCLUDED.guardrail_max_drawdown_pct,
			guardrail_profit_target_pct = EXCLUDED.guardrail_profit_target_pct,
			updated_at = NOW()`
	if _, err := tx.Exec(ctx, query,
		a.ID, a.UserID, a.Label, a.Exchange, a.Role,
		a.Credentials.APIKey, a.Credentials.APISecret, a.Credentials.Passphrase, a.Credentials.Testnet,
		a.Active, a.TradingEnabled, a.RiskPct, a.Leverage, a.MaxOpenPositions,
		a.DCA.Enabled, a.DCA.ThresholdPct, a.DCA.MaxOrders, a.DCA.Multiplier,
		a.Trailing.Enabled, a.Trailing.ActivationPct, a.Trailing.CallbackPct,
		a.Guardrail.MaxDrawdownPct, a.Guardrail.ProfitTargetPct,
	); err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM account_subscriptions WHERE account_id = $1`, a.ID); err != nil {
		return fmt.Errorf("postgres: clear subscriptions %s: %w", a.ID, err)
	}
	if len(a.Subscriptions) > 0 {
		batch := &pgx.Batch{}
		for _, sub := range a.Subscriptions {
			batch.Queue(`INSERT INTO account_subscriptions (account_id, strategy_id, allocation_pct, active)
				VALUES ($1, $2, $3, $4)`, a.ID, sub.StrategyID, sub.AllocationPct, sub.Active)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range a.Subscriptions {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert subscription %d for %s: %w", i, a.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: subscriptions batch %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit upsert %s: %w", a.ID, err)
	}
	return nil
}

// SetTradingEnabled flips the per-account trading flag.
func (s *AccountStore) SetTradingEnabled(ctx context.Context, accountID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET trading_enabled = $2, updated_at = NOW() WHERE id = $1`, accountID, enabled)
	if err != nil {
		return fmt.Errorf("postgres: set trading enabled %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: account %s: %w", accountID, domain.ErrNotFound)
	}
	return nil
}

// FlagForReview disables trading and records why.
func (s *AccountStore) FlagForReview(ctx context.Context, accountID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET trading_enabled = FALSE, flagged_reason = $2, updated_at = NOW()
		WHERE id = $1`, accountID, reason)
	if err != nil {
		return fmt.Errorf("postgres: flag account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: account %s: %w", accountID, domain.ErrNotFound)
	}
	return nil
}
