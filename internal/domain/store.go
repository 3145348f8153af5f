package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AccountStore is the persistence boundary for the account roster.
type AccountStore interface {
	// ListActive returns every active account with its settings and
	// subscriptions. Credentials may still be sealed; see SecretOpener.
	ListActive(ctx context.Context) ([]Account, error)
	SetTradingEnabled(ctx context.Context, accountID string, enabled bool) error
	FlagForReview(ctx context.Context, accountID, reason string) error
}

// TradeRecord is an ExecutionResult as persisted to trade history.
type TradeRecord struct {
	ExecutionResult
	ID int64 `json:"row_id"`
}

// MasterTrades is the TradeStore.ListRecent filter selecting master rows,
// which are stored without an account id.
const MasterTrades = "@master"

// TradeStore persists execution results as trade history.
type TradeStore interface {
	Record(ctx context.Context, result ExecutionResult) error
	// ListRecent returns newest first. An empty accountID lists every
	// account.
	ListRecent(ctx context.Context, accountID string, opts ListOpts) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
}

// BalanceSnapshot is one point of an account's equity curve.
type BalanceSnapshot struct {
	AccountID string    `json:"account_id"`
	Role      Role      `json:"role"`
	Equity    float64   `json:"equity"`
	Available float64   `json:"available"`
	TakenAt   time.Time `json:"taken_at"`
}

// BalanceStore persists balance snapshots for charting.
type BalanceStore interface {
	Snapshot(ctx context.Context, snaps []BalanceSnapshot) error
	ListSnapshots(ctx context.Context, accountID string, opts ListOpts) ([]BalanceSnapshot, error)
}

// AuditEntry represents an entry in the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore provides an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
