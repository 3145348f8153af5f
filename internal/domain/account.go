package domain

import (
	"fmt"
	"strings"
)

// ExchangeKind selects the adapter implementation for an account.
type ExchangeKind string

const (
	ExchangeBinance ExchangeKind = "binance"
	ExchangeOKX     ExchangeKind = "okx"
	ExchangePaper   ExchangeKind = "paper"
)

// Role distinguishes the signal source from its followers.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Credentials are opaque to the engine and only consumed by adapters.
type Credentials struct {
	APIKey     string `json:"-" yaml:"api_key"`
	APISecret  string `json:"-" yaml:"api_secret"`
	Passphrase string `json:"-" yaml:"passphrase"`
	Testnet    bool   `json:"testnet" yaml:"testnet"`
}

// String never prints secrets.
func (c Credentials) String() string {
	key := c.APIKey
	if len(key) > 4 {
		key = key[:4] + "***"
	}
	return fmt.Sprintf("Credentials{key=%s testnet=%t}", key, c.Testnet)
}

// DCASettings configures the averaging-down monitor for one account.
type DCASettings struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ThresholdPct float64 `json:"threshold_pct" yaml:"threshold_pct"` // positive number, e.g. 2 for -2%
	MaxOrders    int     `json:"max_orders" yaml:"max_orders"`
	Multiplier   float64 `json:"multiplier" yaml:"multiplier"`
}

// TrailingSettings configures the trailing stop-loss monitor.
type TrailingSettings struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	ActivationPct float64 `json:"activation_pct" yaml:"activation_pct"`
	CallbackPct   float64 `json:"callback_pct" yaml:"callback_pct"`
}

// GuardrailSettings configures the daily drawdown and profit-lock caps.
// A zero limit disables that check.
type GuardrailSettings struct {
	MaxDrawdownPct  float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	ProfitTargetPct float64 `json:"profit_target_pct" yaml:"profit_target_pct"`
}

// Enabled reports whether either guardrail is configured.
func (g GuardrailSettings) Enabled() bool {
	return g.MaxDrawdownPct > 0 || g.ProfitTargetPct > 0
}

// Subscription binds an account to a strategy with a share of its equity.
type Subscription struct {
	StrategyID    string  `json:"strategy_id" yaml:"strategy_id"`
	AllocationPct float64 `json:"allocation_pct" yaml:"allocation_pct"`
	Active        bool    `json:"active" yaml:"active"`
}

// Account is one exchange credential set bound to a user or the house.
type Account struct {
	ID               string            `json:"id" yaml:"id"`
	UserID           string            `json:"user_id,omitempty" yaml:"user_id"`
	Label            string            `json:"label,omitempty" yaml:"label"`
	Exchange         ExchangeKind      `json:"exchange" yaml:"exchange"`
	Credentials      Credentials       `json:"-" yaml:"credentials"`
	Role             Role              `json:"role" yaml:"role"`
	Active           bool              `json:"active" yaml:"active"`
	TradingEnabled   bool              `json:"trading_enabled" yaml:"trading_enabled"`
	RiskPct          float64           `json:"risk_pct" yaml:"risk_pct"`
	Leverage         int               `json:"leverage" yaml:"leverage"`
	MaxOpenPositions int               `json:"max_open_positions" yaml:"max_open_positions"`
	DCA              DCASettings       `json:"dca" yaml:"dca"`
	Trailing         TrailingSettings  `json:"trailing" yaml:"trailing"`
	Guardrail        GuardrailSettings `json:"guardrail" yaml:"guardrail"`
	Subscriptions    []Subscription    `json:"subscriptions,omitempty" yaml:"subscriptions"`
	FlaggedReason    string            `json:"flagged_reason,omitempty" yaml:"-"`
}

// IsMaster reports whether the account is a signal source.
func (a Account) IsMaster() bool { return a.Role == RoleMaster }

// Validate checks the settings an adapter and the sizing code rely on.
func (a Account) Validate() error {
	var errs []string
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, "id must not be empty")
	}
	if a.Exchange == "" {
		errs = append(errs, "exchange must not be empty")
	}
	if a.Role != RoleMaster && a.Role != RoleSlave {
		errs = append(errs, fmt.Sprintf("unknown role %q", a.Role))
	}
	if a.RiskPct < 0 || a.RiskPct > 100 {
		errs = append(errs, fmt.Sprintf("risk_pct %.2f outside [0, 100]", a.RiskPct))
	}
	if a.Leverage < 0 || a.Leverage > 125 {
		errs = append(errs, fmt.Sprintf("leverage %d outside [0, 125]", a.Leverage))
	}
	if a.MaxOpenPositions < 0 {
		errs = append(errs, "max_open_positions must be >= 0")
	}
	var total float64
	for _, s := range a.Subscriptions {
		if s.AllocationPct < 0 {
			errs = append(errs, fmt.Sprintf("subscription %s: negative allocation", s.StrategyID))
		}
		if s.Active {
			total += s.AllocationPct
		}
	}
	if total > 100 {
		errs = append(errs, fmt.Sprintf("active allocations sum to %.2f%% (max 100%%)", total))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: account %s: %s", ErrValidation, a.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Allocation returns the active allocation for strategyID and whether the
// account subscribes to it.
func (a Account) Allocation(strategyID string) (float64, bool) {
	for _, s := range a.Subscriptions {
		if s.Active && s.StrategyID == strategyID {
			return s.AllocationPct, true
		}
	}
	return 0, false
}

// AllocationFor resolves the allocation applied to a signal of strategyID.
// An account without any active subscription follows the default strategy
// with its whole equity.
func (a Account) AllocationFor(strategyID, defaultStrategy string) (float64, bool) {
	if pct, ok := a.Allocation(strategyID); ok {
		return pct, true
	}
	if strategyID != defaultStrategy {
		return 0, false
	}
	for _, s := range a.Subscriptions {
		if s.Active {
			return 0, false
		}
	}
	return 100, true
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	out := a
	if a.Subscriptions != nil {
		out.Subscriptions = make([]Subscription, len(a.Subscriptions))
		copy(out.Subscriptions, a.Subscriptions)
	}
	return out
}
