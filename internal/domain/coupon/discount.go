package coupon

import "github.com/shopspring/decimal"

// DefaultMinorUnits is the number of decimal places discounts are rounded to.
const DefaultMinorUnits int32 = 2

// Compute returns the discount the coupon grants on the matched subtotal.
// Percentage discounts are rounded half-to-even to places decimals; fixed
// discounts never exceed the matched subtotal. The result is always within
// [0, matched].
func Compute(c *Coupon, matched decimal.Decimal, places int32) decimal.Decimal {
	if !matched.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = matched.Mul(c.DiscountValue).Div(hundred).RoundBank(places)
	case DiscountFixed:
		amount = decimal.Min(c.DiscountValue, matched)
	default:
		return decimal.Zero
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, matched)
}
