// Package symbol converts between the internal "BASE/QUOTE" pair notation and
// the per-exchange native formats.
package symbol

import (
	"strings"
)

type Format string

const (
	FormatInternal Format = "internal"
	FormatBybit    Format = "bybit"
	FormatBingX    Format = "bingx"
	FormatBinance  Format = "binance"
)

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Bybit uses the concatenated form: BTCUSDT.
func (s Symbol) Bybit() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// BingX uses a dash-separated form: BTC-USDT.
func (s Symbol) BingX() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "-" + s.Quote
}

// Binance futures uses the concatenated form, same as Bybit.
func (s Symbol) Binance() string {
	return s.Bybit()
}

// Parse accepts "BTC/USDT", "BTC-USDT", "BTCUSDT" or "BTC/USDT:USDT" and
// returns the split pair. Unknown quote currencies fall back to an empty Symbol.
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}

	quoteCurrencies := []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// ToExchange renders an internal pair in the given exchange format.
func ToExchange(internal string, format Format) string {
	sym := Parse(internal)
	switch format {
	case FormatBybit:
		return sym.Bybit()
	case FormatBingX:
		return sym.BingX()
	case FormatBinance:
		return sym.Binance()
	default:
		return sym.Internal()
	}
}
