package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the matched subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off, capped at the matched subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

var (
	// ErrNotFound is returned by stores when no coupon has the given code.
	ErrNotFound = errors.New("coupon not found")
	// ErrCodeTaken is returned by Create when the normalized code already exists.
	ErrCodeTaken = errors.New("coupon code already exists")
	// ErrTotalLimitReached is returned by Store.Redeem when the global cap
	// was reached at commit time.
	ErrTotalLimitReached = errors.New("coupon usage limit reached")
	// ErrCustomerLimitReached is returned by Store.Redeem when the customer
	// cap was reached at commit time.
	ErrCustomerLimitReached = errors.New("coupon per-customer limit reached")
	// ErrStoreUnavailable marks failures where the store could not be reached
	// or did not answer in time. The redemption outcome is unknown.
	ErrStoreUnavailable = errors.New("coupon store unavailable")
	// ErrMalformedCoupon marks store records that violate coupon invariants.
	ErrMalformedCoupon = errors.New("malformed coupon record")
)

// CustomerID identifies the customer a redemption is counted against.
type CustomerID string

// Coupon is a promotional rule identified by a unique, normalized code.
type Coupon struct {
	ID                   string
	Code                 string
	Description          string
	DiscountType         DiscountType
	DiscountValue        decimal.Decimal
	ApplicableCategories []string
	ApplicableProducts   []string
	MinCartValue         decimal.Decimal
	ValidFrom            time.Time
	ValidUntil           time.Time
	// UsageLimitTotal is nil for unlimited coupons.
	UsageLimitTotal   *int
	UsageLimitPerUser int
	UsedCount         int
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NormalizeCode returns the canonical (trimmed, upper-cased) form of a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Limit returns a pointer to n, for populating UsageLimitTotal.
func Limit(n int) *int {
	return &n
}

// Store is the durable coupon storage the coordinator reads from and commits
// redemptions to.
type Store interface {
	// FindByCode returns the coupon with the given normalized code or ErrNotFound.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// CustomerUsage returns how many times customer has redeemed the coupon.
	CustomerUsage(ctx context.Context, couponID string, customer CustomerID) (int, error)
	// Redeem atomically increments the coupon's used count and the customer's
	// usage, but only if neither limit is reached at commit time. It returns
	// ErrTotalLimitReached or ErrCustomerLimitReached when a guard fails, in
	// which case nothing is written.
	Redeem(ctx context.Context, couponID string, customer CustomerID) error
}

// AdminStore is the administrative CRUD surface over coupon records. Update
// never modifies UsedCount or per-customer usage.
type AdminStore interface {
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, c *Coupon) error
	Delete(ctx context.Context, code string) error
	Get(ctx context.Context, code string) (*Coupon, error)
	List(ctx context.Context) ([]Coupon, error)
}
