package exerr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// bybitNormalizer handles Bybit v5 error envelopes: {"retCode":N,"retMsg":"..."}
// wrapped in arbitrary text, plus the phrase templates the API emits for
// trading-stop validation.
type bybitNormalizer struct{}

func (bybitNormalizer) Exchange() string { return "bybit" }

var bybitCodeTable = map[int64]codeEntry{
	10001:  {kind: KindGenericExchange, message: "Request parameters were rejected by the exchange", isError: true},
	10003:  {kind: KindAuthentication, message: "API key is invalid", isError: true},
	10004:  {kind: KindAuthentication, message: "API request signature was rejected", isError: true},
	10005:  {kind: KindAuthentication, message: "API key lacks the required permission", isError: true},
	10006:  {kind: KindNetwork, message: "Exchange rate limit reached, try again shortly", isError: true},
	10016:  {kind: KindNetwork, message: "Exchange reported an internal error", isError: true},
	110001: {kind: KindOrderNotFound, message: "Order does not exist or is already finished", isError: true},
	110004: {kind: KindInsufficientFunds, message: "Wallet balance is insufficient for this order", isError: true},
	110007: {kind: KindInsufficientFunds, message: "Available balance is insufficient for this order", isError: true},
	110012: {kind: KindInsufficientFunds, message: "Available balance is insufficient for this order", isError: true},
	110013: {kind: KindInvalidLeverage, message: "Requested leverage cannot be set for this symbol", isError: true},
	110017: {kind: KindPositionAlreadyClosed, message: "Position already closed, reduce-only order rejected", isError: true},
	110043: {kind: KindInvalidLeverage, message: "Leverage already set", isError: false},
	110044: {kind: KindInsufficientMargin, message: "Available margin is insufficient for this order", isError: true},
	170001: {kind: KindSymbolNotSupported, message: "Symbol is not supported on this exchange", isError: true},
}

var (
	// "TakeProfit:4325050000 set for Buy position should higher than base_price:43250.50"
	bybitTrailingStopRe = regexp.MustCompile(`(?i)(take[_\- ]?profit|stop[_\- ]?loss)[:\s]*([0-9]*\.?[0-9]+)(?:\(USDT\))?\s*set for\s+(buy|sell)\s+position should\s+(?:be\s+)?(higher|lower) than base_price[:\s]*([0-9]*\.?[0-9]+)`)
	bybitLeverageSameRe = regexp.MustCompile(`(?i)leverage not modified`)
	bybitZeroPositionRe = regexp.MustCompile(`(?i)(current position is zero|position.*(?:is )?zero, cannot)`)
	bybitTooLateRe      = regexp.MustCompile(`(?i)order not exists or too late`)
)

func (n bybitNormalizer) Normalize(raw string, ctx Context) Result {
	code, message, hasCode := decodePayload(raw, []string{"retCode", "ret_code", "code"}, []string{"retMsg", "ret_msg", "msg"})
	if hasCode && code != 0 {
		if entry, ok := lookupCode(bybitCodeTable, code); ok {
			return Result{Kind: entry.kind, Message: entry.message, IsError: entry.isError}
		}
	}
	if hasCode && code == 0 {
		// retCode 0 inside an error payload means the call itself succeeded.
		return Result{Kind: KindGenericExchange, Message: message, IsError: false}
	}

	if m := bybitTrailingStopRe.FindStringSubmatch(message); m != nil {
		return bybitTrailingStopResult(m, ctx)
	}
	if bybitLeverageSameRe.MatchString(message) {
		return Result{Kind: KindInvalidLeverage, Message: "Leverage already set", IsError: false}
	}
	if bybitZeroPositionRe.MatchString(message) {
		return Result{Kind: KindPositionAlreadyClosed, Message: "Position already closed on the exchange", IsError: true}
	}
	if bybitTooLateRe.MatchString(message) {
		return Result{Kind: KindOrderNotFound, Message: "Order does not exist or is already finished", IsError: true}
	}

	return Result{Kind: KindGenericExchange, Message: message, IsError: true}
}

func bybitTrailingStopResult(m []string, ctx Context) Result {
	field := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(m[1]))
	value, _ := strconv.ParseFloat(m[2], 64)
	side := strings.ToLower(m[3])
	cmp := strings.ToLower(m[4])
	base, _ := strconv.ParseFloat(m[5], 64)

	// Bybit echoes both numbers on its internal fixed-point scale; bring them
	// back to the caller's price scale before rendering.
	if ctx.Price > 0 {
		value = RescaleToPrice(value, ctx.Price)
		base = RescaleToPrice(base, ctx.Price)
	}

	kind := KindInvalidTakeProfit
	label := "Take-profit"
	if field == "stoploss" {
		kind = KindInvalidStopLoss
		label = "Stop-loss"
	}
	direction := "above"
	if cmp == "lower" {
		direction = "below"
	}
	msg := fmt.Sprintf("%s %s must be %s the base price %s for a %s position",
		label, formatPrice(value), direction, formatPrice(base), side)
	return Result{Kind: kind, Message: msg, Values: []float64{value, base}, IsError: true}
}
