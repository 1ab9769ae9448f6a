package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems      = fmt.Errorf("items required")
	ErrInvalidQuantity = fmt.Errorf("quantity must be greater than 0")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// CouponRejectedError reports that the supplied coupon code was refused.
// No order is persisted and no usage is recorded.
type CouponRejectedError struct {
	Code   string
	Reason coupon.Reason
}

func (e *CouponRejectedError) Error() string {
	return fmt.Sprintf("coupon %q rejected: %s", e.Code, e.Reason)
}

// Redeemer applies a coupon code to a cart and records the redemption.
// It is satisfied by *coupon.Coordinator.
type Redeemer interface {
	Attempt(ctx context.Context, code string, cart coupon.Cart, customer coupon.CustomerID, now time.Time) (coupon.Result, error)
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	CustomerID string
	Items      []Item
	CouponCode string
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order    *Order
	Products []product.Product
}

// Service encapsulates order placement business logic.
type Service struct {
	products product.Repository
	coupons  Redeemer
	orders   Repository
	now      func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	coupons Redeemer,
	orders Repository,
) *Service {
	return &Service{
		products: products,
		coupons:  coupons,
		orders:   orders,
		now:      time.Now,
	}
}

// Priced is a set of order lines priced against the catalog.
type Priced struct {
	Items    []Item
	Products []product.Product
	Cart     coupon.Cart
}

// Price validates items and prices them from the catalog in one batch. Unit
// prices and categories always come from products, never from the caller.
func Price(ctx context.Context, products product.Repository, items []Item) (*Priced, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	byID := product.Index(fetched)

	out := &Priced{
		Items:    make([]Item, 0, len(items)),
		Products: make([]product.Product, 0, len(items)),
		Cart:     coupon.Cart{Items: make([]coupon.LineItem, 0, len(items))},
	}
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		out.Products = append(out.Products, p)
		out.Items = append(out.Items, Item{ProductID: p.ID, Quantity: item.Quantity, UnitPrice: p.Price})
		out.Cart.Items = append(out.Cart.Items, coupon.LineItem{
			ProductID:  p.ID,
			CategoryID: p.Category,
			UnitPrice:  p.Price,
			Quantity:   item.Quantity,
		})
	}
	return out, nil
}

// PlaceOrder prices the items, redeems the coupon when one is given,
// persists the order, and returns the result.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	priced, err := Price(ctx, s.products, req.Items)
	if err != nil {
		return nil, err
	}
	cart := priced.Cart
	subtotal := cart.Subtotal()

	discount := decimal.Zero
	code := ""
	if req.CouponCode != "" {
		res, err := s.coupons.Attempt(ctx, req.CouponCode, cart, coupon.CustomerID(req.CustomerID), s.now())
		if err != nil {
			return nil, fmt.Errorf("redeem coupon: %w", err)
		}
		if !res.Accepted() {
			return nil, &CouponRejectedError{Code: coupon.NormalizeCode(req.CouponCode), Reason: res.Reason}
		}
		discount = res.Discount
		code = res.Code
	}

	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	o := &Order{
		ID:         uuid.New().String(),
		CustomerID: req.CustomerID,
		Items:      priced.Items,
		Subtotal:   subtotal.Round(coupon.DefaultMinorUnits),
		Discounts:  discount.Round(coupon.DefaultMinorUnits),
		Total:      total.Round(coupon.DefaultMinorUnits),
		CouponCode: code,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		// The redemption is already committed; the caller sees an unknown
		// outcome and must not blindly retry with a fresh attempt.
		return nil, fmt.Errorf("create order: %w", err)
	}

	return &PlaceOrderResult{
		Order:    o,
		Products: priced.Products,
	}, nil
}
