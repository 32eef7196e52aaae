package config

import (
	"fmt"
	"strings"
)

var knownExchanges = map[string]bool{
	"bybit":   true,
	"bingx":   true,
	"binance": true,
}

func validate(c *Config) error {
	switch strings.ToLower(c.App.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level 不支持: %s", c.App.LogLevel)
	}
	for name, ex := range c.Exchanges {
		key := strings.ToLower(name)
		if !knownExchanges[key] {
			return fmt.Errorf("exchanges.%s: 不支持的交易所", name)
		}
		if (ex.APIKey == "") != (ex.Secret == "") {
			return fmt.Errorf("exchanges.%s: api_key 与 secret 必须同时配置", name)
		}
	}
	return nil
}
