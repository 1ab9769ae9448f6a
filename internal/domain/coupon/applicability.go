package coupon

import (
	"slices"

	"github.com/shopspring/decimal"
)

// LineItem is a single cart line as seen by the engine.
type LineItem struct {
	ProductID  string
	CategoryID string
	UnitPrice  decimal.Decimal
	Quantity   int
}

// Total returns unit price times quantity.
func (l LineItem) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is a read-only snapshot of the customer's cart.
type Cart struct {
	Items []LineItem
}

// Subtotal returns the sum of all line totals.
func (c Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range c.Items {
		sum = sum.Add(item.Total())
	}
	return sum
}

// Match describes the cart lines a coupon's discount applies to.
type Match struct {
	// Lines holds indexes into Cart.Items.
	Lines    []int
	Subtotal decimal.Decimal
}

// Applies reports whether the coupon's category and product restrictions
// match at least one line of the cart and the full cart subtotal meets the
// coupon's minimum. A line matches when its category OR its product is
// listed; with both lists empty every line matches.
func Applies(c *Coupon, cart Cart) (Match, bool) {
	unrestricted := len(c.ApplicableCategories) == 0 && len(c.ApplicableProducts) == 0

	m := Match{Subtotal: decimal.Zero}
	for i, item := range cart.Items {
		if !unrestricted &&
			!slices.Contains(c.ApplicableCategories, item.CategoryID) &&
			!slices.Contains(c.ApplicableProducts, item.ProductID) {
			continue
		}
		m.Lines = append(m.Lines, i)
		m.Subtotal = m.Subtotal.Add(item.Total())
	}

	if len(m.Lines) == 0 {
		return Match{}, false
	}
	// The minimum is a cart-wide gate, not a matched-lines gate.
	if cart.Subtotal().LessThan(c.MinCartValue) {
		return Match{}, false
	}
	return m, true
}
