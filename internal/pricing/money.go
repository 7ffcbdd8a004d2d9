package pricing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PercentOf returns amount*percent/100 rounded half-up to a whole minor unit.
func PercentOf(amount int64, percent decimal.Decimal) int64 {
	return ApplyRate(amount, percent.Div(hundred))
}

// ApplyRate returns amount*rate rounded half-up to a whole minor unit.
// Amounts are never negative here, so half-away-from-zero is half-up.
func ApplyRate(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 || rate.Sign() <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// FloorRate returns floor(amount*rate).
func FloorRate(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 || rate.Sign() <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}

// MinorToMajor converts minor units to a major-unit decimal at the given exponent (2 for cents).
func MinorToMajor(amount int64, exponent int32) decimal.Decimal {
	return decimal.New(amount, -exponent)
}

// MajorToMinor converts a major-unit decimal to minor units, rounding half-up.
func MajorToMinor(amount decimal.Decimal, exponent int32) int64 {
	return amount.Shift(exponent).Round(0).IntPart()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
