package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// RoundQuantity floors qty to a multiple of step. A non-positive step leaves
// qty unchanged.
func RoundQuantity(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// RoundPrice rounds price to the nearest multiple of tick.
func RoundPrice(price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Round(0).Mul(t).Float64()
	return out
}

// FormatDecimal renders v without exponent notation or trailing zeros, the
// form exchange REST APIs expect for quantity and price parameters.
func FormatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// CheckOrder rounds qty to the symbol's step and verifies the lot and
// notional filters at price. The rounded quantity is returned on success; a
// violation wraps domain.ErrPrecisionOrLimit with the rejected parameters.
func CheckOrder(rules domain.SymbolRules, qty, price float64) (float64, error) {
	rounded := RoundQuantity(qty, rules.StepSize)
	params := map[string]string{
		"symbol":       rules.Symbol,
		"raw_qty":      FormatDecimal(qty),
		"rounded_qty":  FormatDecimal(rounded),
		"price":        FormatDecimal(price),
		"step_size":    FormatDecimal(rules.StepSize),
		"min_qty":      FormatDecimal(rules.MinQty),
		"min_notional": FormatDecimal(rules.MinNotional),
	}
	reject := func(msg string) error {
		return &domain.ExchangeError{
			Kind:    domain.ErrPrecisionOrLimit,
			Message: msg,
			Params:  params,
		}
	}

	if rounded <= 0 {
		return 0, reject(fmt.Sprintf("quantity %s rounds to zero at step %s", FormatDecimal(qty), FormatDecimal(rules.StepSize)))
	}
	if rules.MinQty > 0 && rounded < rules.MinQty {
		return 0, reject(fmt.Sprintf("quantity %s below min %s", FormatDecimal(rounded), FormatDecimal(rules.MinQty)))
	}
	if rules.MaxQty > 0 && rounded > rules.MaxQty {
		rounded = RoundQuantity(rules.MaxQty, rules.StepSize)
	}
	if rules.MinNotional > 0 && price > 0 && rounded*price < rules.MinNotional {
		return 0, reject(fmt.Sprintf("notional %.4f below min %s", rounded*price, FormatDecimal(rules.MinNotional)))
	}
	return rounded, nil
}
