package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every amount. Values are
// truncated (not rounded) to Scale at each parse and aggregate boundary.
const Scale int32 = 8

// ParseAmount parses venue decimal text. Empty, malformed, or non-finite
// input ("NaN", "Infinity") yields zero instead of an error.
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return Truncate(d)
}

// Truncate applies the amount rounding rule.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// SafeLeverage returns leverage usable as a divisor: anything below 1 becomes 1.
func SafeLeverage(lev decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if lev.LessThan(one) {
		return one
	}
	return lev
}
