package domain

import "github.com/shopspring/decimal"

// StoredValueTolerance absorbs representation noise when comparing a tendered amount with a
// verified stored-value balance.
var StoredValueTolerance = decimal.New(1, -4)

// RoundHalfEven2 rounds to two decimal places using banker's rounding. Aggregated sums use it.
func RoundHalfEven2(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Floor2 truncates toward negative infinity at two decimal places. Discounts use it so the
// customer is never over-discounted by a rounding artefact.
func Floor2(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(2)
}

// MaxZero clamps negative values to zero.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
