// Package exerr defines the exchange-agnostic error taxonomy and the
// per-exchange normalizers that translate raw upstream payloads into it.
// Callers of an exchange adapter only ever see a *DomainError, never the raw
// exchange text.
package exerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failure independently of the exchange that produced it.
type Kind string

const (
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientMargin    Kind = "insufficient_margin"
	KindAuthentication        Kind = "authentication_error"
	KindNetwork               Kind = "network_error"
	KindInvalidLeverage       Kind = "invalid_leverage"
	KindInvalidTakeProfit     Kind = "invalid_take_profit"
	KindInvalidStopLoss       Kind = "invalid_stop_loss"
	KindSymbolNotSupported    Kind = "symbol_not_supported"
	KindOrderNotFound         Kind = "order_not_found"
	KindPositionAlreadyClosed Kind = "position_already_closed"
	// KindGenericExchange is the catch-all once normalization matched nothing
	// more specific.
	KindGenericExchange Kind = "generic_exchange_error"
	// KindUnsupported marks an adapter operation the exchange variant does not
	// implement. Callers can branch on capability instead of catching.
	KindUnsupported Kind = "operation_unsupported"
)

// DomainError is the normalized error surfaced by every adapter operation.
type DomainError struct {
	Exchange string
	Kind     Kind
	Message  string // user-facing, already normalized/rescaled
	Raw      string // original upstream payload, kept for the audit trail
	Terminal bool   // true when a retry with identical input cannot succeed
}

func (e *DomainError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s (%s)", e.Exchange, e.Message, e.Kind)
}

// New constructs a DomainError with a fixed message.
func New(exchange string, kind Kind, message string) *DomainError {
	return &DomainError{Exchange: exchange, Kind: kind, Message: message, Terminal: terminalByDefault(kind)}
}

// Unsupported marks an operation an exchange variant does not provide.
func Unsupported(exchange, op string) *DomainError {
	return &DomainError{
		Exchange: exchange,
		Kind:     KindUnsupported,
		Message:  fmt.Sprintf("%s does not support %s", exchange, op),
		Terminal: true,
	}
}

// FromTransport wraps network/context failures as KindNetwork.
func FromTransport(exchange string, err error) *DomainError {
	msg := "exchange request failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "exchange request timed out"
	case errors.Is(err, context.Canceled):
		msg = "exchange request canceled"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			msg = "exchange unreachable"
		}
	}
	return &DomainError{
		Exchange: exchange,
		Kind:     KindNetwork,
		Message:  msg,
		Raw:      err.Error(),
		Terminal: false,
	}
}

// As extracts a *DomainError from an error chain.
func As(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Ensure coerces any error to a DomainError, normalizing raw text through the
// exchange's normalizer when the error did not originate from one.
func Ensure(exchange string, err error) *DomainError {
	if err == nil {
		return nil
	}
	if de, ok := As(err); ok {
		return de
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return FromTransport(exchange, err)
	}
	res := ForExchange(exchange).Normalize(err.Error(), Context{})
	return &DomainError{
		Exchange: exchange,
		Kind:     res.Kind,
		Message:  res.Message,
		Raw:      err.Error(),
		Terminal: terminalByDefault(res.Kind),
	}
}

func terminalByDefault(kind Kind) bool {
	switch kind {
	case KindNetwork, KindGenericExchange, KindInsufficientFunds, KindInsufficientMargin:
		return false
	default:
		return true
	}
}

// Context carries the caller-side numbers a normalizer needs to rescale values
// embedded in upstream error text.
type Context struct {
	Price      float64
	TakeProfit float64
	StopLoss   float64
	Symbol     string
}

// Result is the outcome of normalizing one raw payload.
type Result struct {
	Kind    Kind
	Message string
	// Values holds the numbers extracted (and rescaled) from the raw text, in
	// order of appearance.
	Values []float64
	// IsError is false for matched non-errors such as "leverage not modified",
	// so callers do not surface a failure for a no-op.
	IsError bool
}

// Normalizer converts one exchange's raw error payloads into Results. Pure:
// no I/O, safe for concurrent use.
type Normalizer interface {
	Exchange() string
	Normalize(raw string, ctx Context) Result
}

// ForExchange returns the normalizer for the given exchange name, falling back
// to a pass-through for unknown exchanges.
func ForExchange(name string) Normalizer {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bybit":
		return bybitNormalizer{}
	case "bingx":
		return bingxNormalizer{}
	case "binance":
		return binanceNormalizer{}
	default:
		return genericNormalizer{name: strings.ToLower(strings.TrimSpace(name))}
	}
}

type genericNormalizer struct{ name string }

func (g genericNormalizer) Exchange() string { return g.name }

func (g genericNormalizer) Normalize(raw string, _ Context) Result {
	return Result{Kind: KindGenericExchange, Message: strings.TrimSpace(raw), IsError: true}
}
