// Package exchange defines the capability contract every exchange variant
// implements. One adapter instance is scoped to one credential set; instances
// never share mutable state and are safe to use from concurrent dispatch tasks.
package exchange

import (
	"time"

	"mirra/internal/domain"
)

// Credentials is one subscriber's (or the lead's) API credential set.
type Credentials struct {
	APIKey   string
	Secret   string
	Password string // some exchanges require a passphrase
}

// CreateOrderRequest carries everything needed to place a futures order.
// TakeProfit/StopLoss of 0 mean "not set".
type CreateOrderRequest struct {
	Symbol     string // internal format: BTC/USDT
	Side       domain.Side
	Kind       domain.OrderKind
	Amount     float64
	Price      float64 // entry price; required for limit orders
	TakeProfit float64
	StopLoss   float64
	Leverage   int
	ReduceOnly bool
	// ClientOrderID lets the caller correlate fills; generated when empty.
	ClientOrderID string
}

// EditRequest mutates the stop-loss/take-profit attached to an open position.
type EditRequest struct {
	Symbol     string
	Side       domain.Side
	Amount     float64
	TakeProfit float64
	StopLoss   float64
}

// Order is the exchange's acknowledgement of an accepted order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Amount        float64
	Price         float64
	// RealizedPnL is filled only by exchanges that confirm a close
	// synchronously; reconciliation handles the rest.
	RealizedPnL    float64
	HasRealizedPnL bool
	CreatedAt      time.Time
}

// PositionSnapshot is the adapter-level view of one open position.
type PositionSnapshot struct {
	Symbol        string
	Side          domain.Side
	Amount        float64
	Value         float64
	Leverage      int
	AvgEntryPrice float64
	UnrealizedPnL float64
	TakeProfit    float64
	StopLoss      float64
}

// ClosedOrder is one record of the closed-orders history feed.
type ClosedOrder struct {
	OrderID   string
	Symbol    string
	Side      domain.Side
	Amount    float64
	Price     float64
	CreatedAt time.Time
}

// ClosedPnL is one record of the closed-PnL history feed.
type ClosedPnL struct {
	OrderID       string
	Symbol        string
	Side          domain.Side
	Quantity      float64
	AvgEntryPrice float64
	AvgExitPrice  float64
	ClosedPnL     float64
	CreatedAt     time.Time
}

// Balance is a single-coin account balance.
type Balance struct {
	Coin      string
	Total     float64
	Available float64
	UpdatedAt time.Time
}
