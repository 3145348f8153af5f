package domain

import "context"

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntryOrderSide is the order side that opens or adds to side.
func EntryOrderSide(side PositionSide) OrderSide {
	if side == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide is the order side that reduces side.
func ExitOrderSide(side PositionSide) OrderSide {
	if side == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderStatus is the terminal state an adapter reports for a market order.
type OrderStatus string

const (
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusNew             OrderStatus = "new"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// OrderRequest is a market order. Quantity is in base-asset units; adapters
// convert to contracts where the venue needs it.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string

	// Optional protective orders attached to an opening order.
	TakeProfitPrice float64
	StopLossPrice   float64
}

// OrderResult is what the venue reports after submission.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     float64
	AvgPrice      float64
	// Warning is set when the order filled but an attached protective
	// order could not be placed.
	Warning string
}

// SymbolRules are the venue's lot and tick filters for a symbol, in
// base-asset units.
type SymbolRules struct {
	Symbol      string
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	TickSize    float64
	MinNotional float64
}

// Exchange is the capability set every venue adapter implements. It is
// selected once per account when the registry loads.
type Exchange interface {
	Kind() ExchangeKind
	FetchBalance(ctx context.Context) (Balance, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceSource supplies the latest mark price for a symbol.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}
