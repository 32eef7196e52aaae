package exerr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// bingxNormalizer handles BingX swap error envelopes: {"code":N,"msg":"..."}
// and the free-text validation messages that embed scaled numbers.
type bingxNormalizer struct{}

func (bingxNormalizer) Exchange() string { return "bingx" }

var bingxCodeTable = map[int64]codeEntry{
	100001: {kind: KindAuthentication, message: "API request signature was rejected", isError: true},
	100400: {kind: KindGenericExchange, message: "Request parameters were rejected by the exchange", isError: true},
	100410: {kind: KindNetwork, message: "Exchange rate limit reached, try again shortly", isError: true},
	100500: {kind: KindNetwork, message: "Exchange reported an internal error", isError: true},
	80012:  {kind: KindNetwork, message: "Exchange service unavailable, try again shortly", isError: true},
	80014:  {kind: KindGenericExchange, message: "Request parameters were rejected by the exchange", isError: true},
	80016:  {kind: KindOrderNotFound, message: "Order does not exist or is already finished", isError: true},
	80017:  {kind: KindPositionAlreadyClosed, message: "Position already closed on the exchange", isError: true},
	101204: {kind: KindInsufficientMargin, message: "Available margin is insufficient for this order", isError: true},
	101205: {kind: KindInsufficientMargin, message: "Order exceeds the maximum position value allowed", isError: true},
	101400: {kind: KindInvalidLeverage, message: "Requested leverage cannot be set for this symbol", isError: true},
	101414: {kind: KindSymbolNotSupported, message: "Symbol is not supported on this exchange", isError: true},
}

var (
	// "TakeProfitPrice must be higher than entrustPrice"
	bingxTpEntrustRe = regexp.MustCompile(`(?i)takeprofitprice must be (higher|lower) than entrustprice`)
	bingxSlEntrustRe = regexp.MustCompile(`(?i)stoplossprice must be (higher|lower) than entrustprice`)
	// "SELL(0):4325050000 too high" — the embedded number is on the exchange's
	// fixed-point scale.
	bingxTooHighRe = regexp.MustCompile(`(?i)(buy|sell)\(0\)[:\s]*([0-9]*\.?[0-9]+)\s+too high`)
	bingxNoLevRe   = regexp.MustCompile(`(?i)leverage (?:is )?not modified`)
)

func (n bingxNormalizer) Normalize(raw string, ctx Context) Result {
	code, message, hasCode := decodePayload(raw, []string{"code"}, []string{"msg", "message"})
	if hasCode && code != 0 {
		if entry, ok := lookupCode(bingxCodeTable, code); ok {
			return Result{Kind: entry.kind, Message: entry.message, IsError: entry.isError}
		}
	}
	if hasCode && code == 0 {
		return Result{Kind: KindGenericExchange, Message: message, IsError: false}
	}

	if m := bingxTpEntrustRe.FindStringSubmatch(message); m != nil {
		return bingxEntrustResult(KindInvalidTakeProfit, "Take-profit", ctx.TakeProfit, m[1], ctx)
	}
	if m := bingxSlEntrustRe.FindStringSubmatch(message); m != nil {
		return bingxEntrustResult(KindInvalidStopLoss, "Stop-loss", ctx.StopLoss, m[1], ctx)
	}
	if m := bingxTooHighRe.FindStringSubmatch(message); m != nil {
		side := strings.ToLower(m[1])
		value, _ := strconv.ParseFloat(m[2], 64)
		if ctx.Price > 0 {
			value = RescaleToPrice(value, ctx.Price)
		}
		msg := fmt.Sprintf("The %s order price %s is too high for the current market", side, formatPrice(value))
		return Result{Kind: KindGenericExchange, Message: msg, Values: []float64{value}, IsError: true}
	}
	if bingxNoLevRe.MatchString(message) {
		return Result{Kind: KindInvalidLeverage, Message: "Leverage already set", IsError: false}
	}

	return Result{Kind: KindGenericExchange, Message: message, IsError: true}
}

func bingxEntrustResult(kind Kind, label string, requested float64, cmp string, ctx Context) Result {
	direction := "above"
	if strings.EqualFold(cmp, "lower") {
		direction = "below"
	}
	var msg string
	var values []float64
	if requested > 0 && ctx.Price > 0 {
		msg = fmt.Sprintf("%s %s must be %s the entry price %s",
			label, formatPrice(requested), direction, formatPrice(ctx.Price))
		values = []float64{requested, ctx.Price}
	} else {
		msg = fmt.Sprintf("%s must be %s the entry price", label, direction)
	}
	return Result{Kind: kind, Message: msg, Values: values, IsError: true}
}
