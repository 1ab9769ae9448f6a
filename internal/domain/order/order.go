package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a placed order. Amounts are rounded to the currency's minor units;
// CouponCode is empty when no coupon was applied.
type Order struct {
	ID         string
	CustomerID string
	Items      []Item
	Subtotal   decimal.Decimal
	Discounts  decimal.Decimal
	Total      decimal.Decimal
	CouponCode string
	CreatedAt  time.Time
}

// Item is one order line. UnitPrice is the catalog price at placement and is
// filled in by the Service.
type Item struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Repository persists placed orders.
type Repository interface {
	Create(ctx context.Context, order *Order) error
}
