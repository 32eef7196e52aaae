// Package model holds the Gorm row types for trading state.
package model

import (
	"gorm.io/datatypes"

	"mirra/internal/domain"
)

// TradingOrderModel is one order placed on one account. A nil ParentOrderID
// marks the lead/root order; copies reference their root. Rows are never
// deleted, cancellation and closure are state transitions.
type TradingOrderModel struct {
	ID            uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	ParentOrderID *uint64 `gorm:"column:parent_order_id;index"`
	SubscriberID  *uint64 `gorm:"column:subscriber_id;index"`
	PositionID    *uint64 `gorm:"column:position_id;index"`

	Exchange   string            `gorm:"column:exchange"`
	Symbol     string            `gorm:"column:symbol;index"`
	Side       domain.Side       `gorm:"column:side"`
	Kind       domain.OrderKind  `gorm:"column:kind"`
	Amount     float64           `gorm:"column:amount"`
	Price      float64           `gorm:"column:price"`
	Leverage   int               `gorm:"column:leverage"`
	TakeProfit float64           `gorm:"column:take_profit"`
	StopLoss   float64           `gorm:"column:stop_loss"`
	State      domain.OrderState `gorm:"column:state;index"`
	Sandbox    bool              `gorm:"column:sandbox"`

	// Set iff the exchange accepted the order.
	ExchangeOrderID string `gorm:"column:exchange_order_id;index"`
	ClientOrderID   string `gorm:"column:client_order_id"`

	// Set only when State == FAILED; stores the normalized domain error.
	SubmissionError datatypes.JSON `gorm:"column:submission_error;type:TEXT"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (TradingOrderModel) TableName() string { return "trading_orders" }

// PositionModel is one open-or-closed market exposure. Reconciliation state
// (cursors, matched order id) lives on the row so a bounded scan can resume
// across invocations.
type PositionModel struct {
	ID           uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriberID *uint64 `gorm:"column:subscriber_id;index"`

	Exchange      string                `gorm:"column:exchange"`
	Symbol        string                `gorm:"column:symbol;index"`
	Side          domain.Side           `gorm:"column:side"`
	Amount        float64               `gorm:"column:amount"`
	Value         float64               `gorm:"column:value"`
	Leverage      int                   `gorm:"column:leverage"`
	AvgEntryPrice float64               `gorm:"column:avg_entry_price"`
	AvgExitPrice  float64               `gorm:"column:avg_exit_price"`
	UnrealizedPnL float64               `gorm:"column:unrealized_pnl"`
	ClosedPnL     float64               `gorm:"column:closed_pnl"`
	ClosedPnLPct  float64               `gorm:"column:closed_pnl_percentage"`
	Status        domain.PositionStatus `gorm:"column:status;index"`
	ClosedAtUnix  *int64                `gorm:"column:closed_datetime"`

	// 对账扫描的断点状态
	ClosePending   bool   `gorm:"column:close_pending;index"`
	OrdersCursor   string `gorm:"column:orders_cursor"`
	PnLCursor      string `gorm:"column:pnl_cursor"`
	MatchedOrderID string `gorm:"column:matched_order_id"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// SubscriberModel is one copy-trading subscriber account.
type SubscriberModel struct {
	ID   uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;uniqueIndex"`

	Exchange string `gorm:"column:exchange;index"`
	APIKey   string `gorm:"column:api_key"`
	Secret   string `gorm:"column:secret"`
	Password string `gorm:"column:password"`

	Active        bool    `gorm:"column:active;index"`
	Margin        float64 `gorm:"column:margin"`
	TakeProfitPct float64 `gorm:"column:take_profit_pct"`
	StopLossPct   float64 `gorm:"column:stop_loss_pct"`

	// Unix seconds; zero means no expiry recorded.
	SubscriptionExpiresAtUnix int64 `gorm:"column:subscription_expires_at"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (SubscriberModel) TableName() string { return "subscribers" }
