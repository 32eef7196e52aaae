// Package domain holds the trading enums and state machines shared by the
// dispatcher, store and reconciliation scanner.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide normalizes common exchange spellings ("Buy", "SELL", "LONG"...)
func ParseSide(raw string) Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "bid":
		return SideBuy
	case "sell", "short", "ask":
		return SideSell
	default:
		return ""
	}
}

// OrderKind 表示订单类型。
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderState is the lifecycle state of a TradingOrder row.
type OrderState string

const (
	OrderStateOpen        OrderState = "OPEN"
	OrderStateClosed      OrderState = "CLOSED"
	OrderStateCancelled   OrderState = "CANCELLED"
	OrderStateFailed      OrderState = "FAILED"
	OrderStateOpposeClose OrderState = "OPPOSE_SIDE_MARKET_CLOSE"
	// OrderStateXOpen marks a copy whose exchange confirmation could not be
	// retrieved after submission.
	OrderStateXOpen OrderState = "X_OPEN"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderState) Terminal() bool {
	return s == OrderStateFailed || s == OrderStateCancelled
}

// CanTransition 校验订单状态机：OPEN → {CLOSED, CANCELLED, FAILED,
// OPPOSE_SIDE_MARKET_CLOSE}，X_OPEN 仅允许补齐为 OPEN 或关闭。
func (s OrderState) CanTransition(to OrderState) bool {
	if s == to {
		return false
	}
	switch s {
	case OrderStateOpen:
		switch to {
		case OrderStateClosed, OrderStateCancelled, OrderStateFailed, OrderStateOpposeClose:
			return true
		}
	case OrderStateXOpen:
		switch to {
		case OrderStateOpen, OrderStateClosed, OrderStateCancelled, OrderStateFailed:
			return true
		}
	}
	return false
}

// PositionStatus is the lifecycle state of a Position row.
type PositionStatus string

const (
	PositionOpen     PositionStatus = "OPEN"
	PositionClosed   PositionStatus = "CLOSED"
	PositionCanceled PositionStatus = "CANCELED"
	// PositionXClosed means the position was closed locally but no matching
	// exchange record was ever found; it requires operator attention.
	PositionXClosed PositionStatus = "X_CLOSED"
)

func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionCanceled || s == PositionXClosed
}

// CanTransition 校验仓位状态机：OPEN → {CLOSED, X_CLOSED, CANCELED}，全部终态。
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	if s != PositionOpen || s == to {
		return false
	}
	switch to {
	case PositionClosed, PositionXClosed, PositionCanceled:
		return true
	}
	return false
}

// ClosedPnLPercentage computes the realized-PnL percentage recorded on a
// finalized position: pnl / (value * leverage) * 100.
func ClosedPnLPercentage(pnl, value float64, leverage int) float64 {
	if value == 0 || leverage == 0 {
		return 0
	}
	p := decimal.NewFromFloat(pnl).
		Div(decimal.NewFromFloat(value).Mul(decimal.NewFromInt(int64(leverage)))).
		Mul(decimal.NewFromInt(100))
	f, _ := p.Float64()
	return f
}

// Action identifies a fan-out trigger kind. The wire names match the
// orchestration boundary schema.
type Action string

const (
	ActionCreateCopyOrders  Action = "create_copy_orders"
	ActionCancelCopyOrders  Action = "cancel_copy_orders"
	ActionClosePositionCopy Action = "close_position_copy_orders"
	ActionEditSubscriberPos Action = "edit_subscribers_positions"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreateCopyOrders, ActionCancelCopyOrders, ActionClosePositionCopy, ActionEditSubscriberPos:
		return true
	}
	return false
}

// SuccessOrderState maps a trigger action to the order state written when the
// subscriber's exchange call succeeded.
func (a Action) SuccessOrderState() OrderState {
	switch a {
	case ActionCreateCopyOrders:
		return OrderStateOpen
	case ActionCancelCopyOrders:
		return OrderStateCancelled
	case ActionClosePositionCopy:
		return OrderStateOpposeClose
	default:
		return OrderStateOpen
	}
}
