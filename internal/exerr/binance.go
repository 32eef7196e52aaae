package exerr

import (
	"regexp"
	"strconv"
	"strings"
)

// binanceNormalizer handles the APIError strings surfaced by the go-binance
// SDK ("<APIError> code=-2019, msg=Margin is insufficient.") as well as plain
// {"code":-N,"msg":"..."} bodies.
type binanceNormalizer struct{}

func (binanceNormalizer) Exchange() string { return "binance" }

var binanceCodeTable = map[int64]codeEntry{
	-1021: {kind: KindNetwork, message: "Request timestamp outside the exchange's receive window", isError: true},
	-1111: {kind: KindGenericExchange, message: "Order precision rejected by the exchange", isError: true},
	-1121: {kind: KindSymbolNotSupported, message: "Symbol is not supported on this exchange", isError: true},
	-2011: {kind: KindOrderNotFound, message: "Order does not exist or is already finished", isError: true},
	-2013: {kind: KindOrderNotFound, message: "Order does not exist or is already finished", isError: true},
	-2015: {kind: KindAuthentication, message: "API key is invalid or lacks permission", isError: true},
	-2018: {kind: KindInsufficientFunds, message: "Available balance is insufficient for this order", isError: true},
	-2019: {kind: KindInsufficientMargin, message: "Available margin is insufficient for this order", isError: true},
	-2022: {kind: KindPositionAlreadyClosed, message: "Position already closed, reduce-only order rejected", isError: true},
	-4028: {kind: KindInvalidLeverage, message: "Requested leverage cannot be set for this symbol", isError: true},
	-4046: {kind: KindInvalidLeverage, message: "Leverage already set", isError: false},
}

var binanceAPIErrorRe = regexp.MustCompile(`code=(-?\d+),\s*msg=(.*)`)

func (n binanceNormalizer) Normalize(raw string, _ Context) Result {
	code, message, hasCode := decodePayload(raw, []string{"code"}, []string{"msg", "message"})
	if !hasCode {
		if m := binanceAPIErrorRe.FindStringSubmatch(raw); m != nil {
			code, _ = strconv.ParseInt(m[1], 10, 64)
			message = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[2]), "."))
			hasCode = true
		}
	}
	if hasCode && code != 0 {
		if entry, ok := lookupCode(binanceCodeTable, code); ok {
			return Result{Kind: entry.kind, Message: entry.message, IsError: entry.isError}
		}
		return Result{Kind: KindGenericExchange, Message: message, IsError: true}
	}
	return Result{Kind: KindGenericExchange, Message: strings.TrimSpace(message), IsError: true}
}
