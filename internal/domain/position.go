package domain

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Position is an open position as reported by the exchange. It is read on
// demand and never persisted.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Quantity      float64      `json:"quantity"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	Leverage      int          `json:"leverage"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
}

// PnLPercent returns the unleveraged price move since entry in percent,
// signed so that a gain is positive for either side.
func (p Position) PnLPercent() float64 {
	return MovePercent(p.Side, p.EntryPrice, p.MarkPrice)
}

// MovePercent is the favourable move from entry to price in percent.
func MovePercent(side PositionSide, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	move := (price - entry) / entry * 100
	if side == SideShort {
		return -move
	}
	return move
}

// Notional is quantity times mark price.
func (p Position) Notional() float64 {
	return p.Quantity * p.MarkPrice
}

// Balance is the margin-asset balance of an account.
type Balance struct {
	Asset         string  `json:"asset"`
	Equity        float64 `json:"equity"`    // wallet balance plus unrealized PnL
	Available     float64 `json:"available"` // free margin for new orders
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}
