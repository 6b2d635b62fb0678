package payment

import "github.com/shopspring/decimal"

// DefaultFeeRate is the platform's share of each captured amount.
var DefaultFeeRate = decimal.RequireFromString("0.02")

// PlatformFee computes the platform's cut of a charge. Pure function of the
// amount: rate applied and rounded to 2 decimal places, never negative.
func PlatformFee(amount, rate decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() || rate.IsNegative() {
		return decimal.Zero
	}
	return amount.Mul(rate).Round(2)
}
