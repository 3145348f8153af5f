package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Action is what a signal asks the follower accounts to do.
type Action string

const (
	ActionOpenLong  Action = "open-long"
	ActionOpenShort Action = "open-short"
	ActionClose     Action = "close"
	ActionDCA       Action = "dca"
)

// Valid reports whether a is a recognised action.
func (a Action) Valid() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionClose, ActionDCA:
		return true
	}
	return false
}

// IsOpen reports whether the action adds exposure.
func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort || a == ActionDCA
}

// Signal is a validated trading instruction. It is immutable once enqueued.
type Signal struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Action           Action    `json:"action"`
	StrategyID       string    `json:"strategy_id,omitempty"`
	RiskOverride     *float64  `json:"risk_override,omitempty"`
	LeverageOverride *int      `json:"leverage_override,omitempty"`
	TakeProfitPct    float64   `json:"take_profit_pct,omitempty"`
	StopLossPct      float64   `json:"stop_loss_pct,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`

	// Side is only meaningful for dca signals, which add to an existing
	// position in its own direction.
	Side PositionSide `json:"side,omitempty"`
	// SizeMultiplier scales the sized notional of a dca order. Zero means 1.
	// Opens and closes must leave it at 0 or 1.
	SizeMultiplier float64 `json:"size_multiplier,omitempty"`
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,}(USDT|USDC|USD)$`)

// NormalizeSymbol converts common exchange spellings ("btc/usdt",
// "BTC-USDT", "BTCUSDT.P", "BTCUSDTPERP") into the canonical "BTCUSDT" form.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	s = strings.TrimSuffix(s, "PERP")
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.NewReplacer("/", "", "-", "", "_", "", ":", "").Replace(s)
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: unparseable symbol %q", ErrValidation, raw)
	}
	return s, nil
}

// Validate normalises the symbol in place and checks the remaining fields.
func (s *Signal) Validate() error {
	if !s.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, s.Action)
	}
	sym, err := NormalizeSymbol(s.Symbol)
	if err != nil {
		return err
	}
	s.Symbol = sym

	if s.RiskOverride != nil && (*s.RiskOverride <= 0 || *s.RiskOverride > 100) {
		return fmt.Errorf("%w: risk override %.4f outside (0, 100]", ErrValidation, *s.RiskOverride)
	}
	if s.LeverageOverride != nil && (*s.LeverageOverride < 1 || *s.LeverageOverride > 125) {
		return fmt.Errorf("%w: leverage override %d outside [1, 125]", ErrValidation, *s.LeverageOverride)
	}
	if s.TakeProfitPct < 0 || s.StopLossPct < 0 {
		return fmt.Errorf("%w: take profit and stop loss must not be negative", ErrValidation)
	}
	if s.StopLossPct >= 100 {
		return fmt.Errorf("%w: stop loss %.2f%% would cross zero", ErrValidation, s.StopLossPct)
	}
	if s.SizeMultiplier < 0 {
		return fmt.Errorf("%w: size multiplier must not be negative", ErrValidation)
	}
	if s.Action != ActionDCA && s.SizeMultiplier != 0 && s.SizeMultiplier != 1 {
		return fmt.Errorf("%w: size multiplier applies to dca signals only", ErrValidation)
	}
	if s.Action == ActionDCA && s.Side == "" {
		return fmt.Errorf("%w: dca signal requires a side", ErrValidation)
	}
	return nil
}

// EntrySide returns the position side an opening action produces.
func (s Signal) EntrySide() PositionSide {
	switch s.Action {
	case ActionOpenLong:
		return SideLong
	case ActionOpenShort:
		return SideShort
	default:
		return s.Side
	}
}

// Multiplier returns the effective size multiplier. It is always 1 for
// anything but a dca signal.
func (s Signal) Multiplier() float64 {
	if s.Action != ActionDCA || s.SizeMultiplier <= 0 {
		return 1
	}
	return s.SizeMultiplier
}
