// Package sizing turns a signal and an account's live balance into an order
// quantity. Defaults travel in an explicit Settings value so the arithmetic
// is testable without configuration.
package sizing

import (
	"fmt"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
)

// Settings are the platform-wide defaults applied during sizing.
type Settings struct {
	DefaultRiskPct  float64
	DefaultLeverage int
	MinBalance      float64
	DefaultStrategy string
}

// Input is everything Plan needs for one (signal, account) pair.
type Input struct {
	Account       domain.Account
	Signal        domain.Signal
	Balance       domain.Balance
	OpenPositions int  // positions currently open on the account
	HoldsSymbol   bool // the account already has a position in the signal's symbol
	MarkPrice     float64
	Rules         domain.SymbolRules
}

// Plan is a sized order.
type Plan struct {
	RiskPct       float64
	Leverage      int
	AllocationPct float64
	Notional      float64 // before precision rounding
	Quantity      float64 // rounded to the symbol's step
}

// Notional is balance × allocation% × risk% × leverage.
func Notional(balance, riskPct float64, leverage int, allocationPct float64) float64 {
	return balance * allocationPct / 100 * riskPct / 100 * float64(leverage)
}

// Resolve picks the risk percent, leverage and allocation for an account. A
// signal override wins. Otherwise slaves use their own settings and masters
// use the platform defaults.
func Resolve(s Settings, acct domain.Account, sig domain.Signal) (risk float64, leverage int, allocation float64, err error) {
	risk, leverage = s.DefaultRiskPct, s.DefaultLeverage
	if !acct.IsMaster() {
		if acct.RiskPct > 0 {
			risk = acct.RiskPct
		}
		if acct.Leverage > 0 {
			leverage = acct.Leverage
		}
	}
	if sig.RiskOverride != nil {
		risk = *sig.RiskOverride
	}
	if sig.LeverageOverride != nil {
		leverage = *sig.LeverageOverride
	}
	if leverage < 1 {
		leverage = 1
	}

	allocation = 100
	if !acct.IsMaster() {
		strategy := sig.StrategyID
		if strategy == "" {
			strategy = s.DefaultStrategy
		}
		pct, ok := acct.AllocationFor(strategy, s.DefaultStrategy)
		if !ok {
			return 0, 0, 0, fmt.Errorf("sizing: %w: account %s not subscribed to %q", domain.ErrValidation, acct.ID, strategy)
		}
		allocation = pct
	}
	if risk <= 0 {
		return 0, 0, 0, fmt.Errorf("sizing: %w: no risk percent for account %s", domain.ErrValidation, acct.ID)
	}
	return risk, leverage, allocation, nil
}

// Check applies the pre-sizing skips: the minimum balance, and the position
// cap for opens of a new symbol. Closes never reach it.
func Check(s Settings, in Input) error {
	if in.Balance.Available < s.MinBalance {
		return fmt.Errorf("sizing: %w: available %.2f below minimum %.2f",
			domain.ErrInsufficientBalance, in.Balance.Available, s.MinBalance)
	}
	if in.Signal.Action.IsOpen() && !in.HoldsSymbol &&
		in.Account.MaxOpenPositions > 0 && in.OpenPositions >= in.Account.MaxOpenPositions {
		return fmt.Errorf("sizing: %w: %d of %d open", domain.ErrPositionCap, in.OpenPositions, in.Account.MaxOpenPositions)
	}
	return nil
}

// Compute sizes an opening or averaging order. It runs Check first, then
// converts the notional to quantity at the mark price and rounds it to the
// symbol's rules.
func Compute(s Settings, in Input) (Plan, error) {
	if err := Check(s, in); err != nil {
		return Plan{}, err
	}
	risk, lev, alloc, err := Resolve(s, in.Account, in.Signal)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{
		RiskPct:       risk,
		Leverage:      lev,
		AllocationPct: alloc,
		Notional:      Notional(in.Balance.Available, risk, lev, alloc) * in.Signal.Multiplier(),
	}
	if in.MarkPrice <= 0 {
		return Plan{}, fmt.Errorf("sizing: %w: no mark price for %s", domain.ErrValidation, in.Signal.Symbol)
	}
	qty, err := exchange.CheckOrder(in.Rules, p.Notional/in.MarkPrice, in.MarkPrice)
	if err != nil {
		return p, fmt.Errorf("sizing: %w", err)
	}
	p.Quantity = qty
	return p, nil
}
