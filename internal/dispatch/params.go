package dispatch

import "mirra/internal/domain"

// EffectiveAmount 取订阅者保证金与领单数量的较小值.
func EffectiveAmount(subscriberMargin, rootAmount float64) float64 {
	if subscriberMargin > 0 && subscriberMargin < rootAmount {
		return subscriberMargin
	}
	return rootAmount
}

// EffectiveTakeProfit derives the subscriber's absolute take-profit price.
// A configured percentage target wins over the root's absolute value; the
// offset is scaled down by leverage because the percentage is a return on
// margin, not on notional.
func EffectiveTakeProfit(root RootParams, sub SubscriberContext) float64 {
	if sub.TakeProfitPct <= 0 {
		return root.TakeProfit
	}
	lev := float64(root.Leverage)
	if lev <= 0 {
		lev = 1
	}
	offset := sub.TakeProfitPct / lev / 100 * root.EntryPrice
	if root.Side == domain.SideBuy {
		return root.EntryPrice + offset
	}
	return root.EntryPrice - offset
}

// EffectiveStopLoss mirrors EffectiveTakeProfit with the sign inverted.
func EffectiveStopLoss(root RootParams, sub SubscriberContext) float64 {
	if sub.StopLossPct <= 0 {
		return root.StopLoss
	}
	lev := float64(root.Leverage)
	if lev <= 0 {
		lev = 1
	}
	offset := sub.StopLossPct / lev / 100 * root.EntryPrice
	if root.Side == domain.SideBuy {
		return root.EntryPrice - offset
	}
	return root.EntryPrice + offset
}
