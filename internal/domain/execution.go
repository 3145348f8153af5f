package domain

import "time"

// ExecutionStatus is the outcome of one (signal, account) pair.
type ExecutionStatus string

const (
	StatusFilled          ExecutionStatus = "filled"
	StatusPartiallyFilled ExecutionStatus = "partially-filled"
	StatusRejected        ExecutionStatus = "rejected"
	StatusError           ExecutionStatus = "error"
	StatusSkipped         ExecutionStatus = "skipped"
)

// ExecutionResult is produced exactly once per (signal, account) pair.
type ExecutionResult struct {
	ID           string          `json:"id"`
	SignalID     string          `json:"signal_id"`
	AccountID    string          `json:"account_id"`
	Role         Role            `json:"role"`
	Exchange     ExchangeKind    `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Action       Action          `json:"action"`
	StrategyID   string          `json:"strategy_id,omitempty"`
	Side         OrderSide       `json:"side,omitempty"`
	RequestedQty float64         `json:"requested_qty"`
	FilledQty    float64         `json:"filled_qty"`
	AvgPrice     float64         `json:"avg_price"`
	Notional     float64         `json:"notional"`
	Status       ExecutionStatus `json:"status"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	SkipReason   string          `json:"skip_reason,omitempty"`
	RealizedPnL  float64         `json:"realized_pnl,omitempty"`
	OrderID      string          `json:"order_id,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Succeeded reports whether any quantity was filled.
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusFilled || r.Status == StatusPartiallyFilled
}

// PauseReason says why the guardrail stopped an account.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseDrawdown   PauseReason = "drawdown"
	PauseProfitLock PauseReason = "profit-lock"
)

// GuardrailState is the per-account, per-UTC-day risk snapshot.
type GuardrailState struct {
	AccountID        string      `json:"account_id"`
	Day              string      `json:"day"` // YYYY-MM-DD, UTC
	StartOfDayEquity float64     `json:"start_of_day_equity"`
	LastEquity       float64     `json:"last_equity"`
	Paused           bool        `json:"paused"`
	PauseReason      PauseReason `json:"pause_reason,omitempty"`
	PausedAt         *time.Time  `json:"paused_at,omitempty"`
}
