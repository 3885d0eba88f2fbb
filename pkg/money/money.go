// Package money converts between decimal amounts and gateway minor units.
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitScale is the exponent between major and minor units for supported currencies.
const MinorUnitScale = 2

var (
	hundred  = decimal.New(1, MinorUnitScale)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// ToMinor converts a major-unit amount into integer minor units. Amounts that are
// negative, carry sub-minor precision, or do not fit in an int64 are rejected.
func ToMinor(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", amount.String())
	}
	scaled := amount.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), MinorUnitScale)
	}
	if scaled.GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount %s overflows minor units", amount.String())
	}
	return scaled.IntPart(), nil
}

// FromMinor converts integer minor units back into a major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitScale)
}

// LineTotal returns unit price multiplied by quantity.
func LineTotal(unit decimal.Decimal, quantity int) decimal.Decimal {
	return unit.Mul(decimal.NewFromInt(int64(quantity)))
}
