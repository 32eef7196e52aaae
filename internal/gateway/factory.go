// Package gateway wires concrete exchange adapters behind the
// exchange.Factory contract.
package gateway

import (
	"fmt"
	"strings"
	"time"

	"mirra/internal/gateway/binance"
	"mirra/internal/gateway/bingx"
	"mirra/internal/gateway/bybit"
	"mirra/internal/gateway/exchange"
)

// Options carries the transport knobs shared by every adapter build.
// BaseURLs 按交易所名覆盖默认 REST 地址, 主要用于测试.
type Options struct {
	Timeout  time.Duration
	BaseURLs map[string]string
}

const defaultTimeout = 15 * time.Second

// NewFactory returns the production factory. Every dispatch task gets a fresh
// adapter from it so credentials never leak across subscribers.
func NewFactory(opts Options) exchange.Factory {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return func(exchangeName string, creds exchange.Credentials, sandbox bool) (exchange.Adapter, error) {
		name := strings.ToLower(strings.TrimSpace(exchangeName))
		baseURL := opts.BaseURLs[name]
		switch name {
		case "bybit":
			return bybit.New(creds, sandbox, baseURL, timeout)
		case "bingx":
			return bingx.New(creds, sandbox, baseURL, timeout)
		case "binance":
			return binance.New(creds, sandbox, baseURL)
		default:
			return nil, fmt.Errorf("不支持的交易所: %s", exchangeName)
		}
	}
}
