// Package dispatch fans one trigger action out across N subscriber accounts
// and collects an index-aligned outcome per subscriber.
package dispatch

import (
	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
)

// RootParams carries the shared order parameters taken from the lead trigger.
type RootParams struct {
	Symbol     string
	Side       domain.Side
	Kind       domain.OrderKind
	Amount     float64
	EntryPrice float64
	TakeProfit float64
	StopLoss   float64
	Leverage   int
}

// SubscriberContext is one subscriber's slice of a dispatch. It is copied
// verbatim into the matching outcome so callers can correlate by content as
// well as by index.
type SubscriberContext struct {
	SubscriberID uint64 `json:"subscriber_id"`
	Exchange     string `json:"exchange"`

	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
	Password string `json:"password,omitempty"`

	// 跟单设置
	Margin        float64 `json:"copy_setting_margin"`
	TakeProfitPct float64 `json:"copy_setting_take_profit_pct,omitempty"`
	StopLossPct   float64 `json:"copy_setting_stop_loss_pct,omitempty"`

	// Prior per-subscriber state, consumed by cancel/close/edit actions.
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	OrderAmount     float64     `json:"order_amount,omitempty"`
	PositionSide    domain.Side `json:"position_side,omitempty"`
	PositionAmount  float64     `json:"position_amount,omitempty"`
	Leverage        int         `json:"leverage,omitempty"`
}

func (s SubscriberContext) credentials() exchange.Credentials {
	return exchange.Credentials{APIKey: s.APIKey, Secret: s.Secret, Password: s.Password}
}

// Request is the full fan-out input for one trigger.
type Request struct {
	Action      domain.Action
	Exchange    string
	Sandbox     bool
	Root        RootParams
	Subscribers []SubscriberContext
}

// Outcome is one subscriber's result. Exactly one of Result and Err is set
// when the action places an order; ack-style actions may leave both nil with
// OK true.
type Outcome struct {
	OK         bool
	Result     *exchange.Order
	Err        *exerr.DomainError
	Subscriber SubscriberContext
}
