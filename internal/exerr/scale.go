package exerr

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RescaleToPrice shifts the decimal point of v until its integer digit count
// matches that of the reference price. Some exchanges embed prices in error
// text on a fixed-point scale that differs from the values we sent; digit-count
// comparison against the known price is how the original messages are decoded.
// Values whose digit count already matches are returned unchanged, which means
// a coincidental match cannot be detected here.
func RescaleToPrice(v, price float64) float64 {
	if v <= 0 || price <= 0 {
		return v
	}
	shift := intDigits(price) - intDigits(v)
	if shift == 0 {
		return v
	}
	out, _ := decimal.NewFromFloat(v).Shift(int32(shift)).Float64()
	return out
}

// intDigits counts the digits of the integer part; values below 1 count as 1
// so "0.x" compares against single-digit prices rather than shifting wildly.
func intDigits(f float64) int {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimPrefix(s, "-")
	if s == "" || s == "0" {
		return 1
	}
	return len(s)
}

// formatPrice renders a rescaled value for user-facing messages without
// trailing zero noise.
func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).String()
}
