package coupon

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// MaxUsageLimit is the largest usage limit a store can persist; postgres keeps
// limits in int4 columns.
const MaxUsageLimit = math.MaxInt32

// ValidationError reports a coupon field that breaks a data model invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid coupon %s: %s", e.Field, e.Message)
}

// Normalize canonicalizes the code and fills defaults for unset fields.
func (c *Coupon) Normalize() {
	c.Code = NormalizeCode(c.Code)
	if c.UsageLimitPerUser == 0 {
		c.UsageLimitPerUser = 1
	}
}

// Validate checks the write-time invariants of a coupon.
func (c *Coupon) Validate() error {
	switch {
	case c.Code == "":
		return &ValidationError{Field: "code", Message: "must not be empty"}
	case !c.DiscountType.Valid():
		return &ValidationError{Field: "discount_type", Message: fmt.Sprintf("unsupported value %q", c.DiscountType)}
	case c.DiscountValue.IsNegative():
		return &ValidationError{Field: "discount_value", Message: "must not be negative"}
	case c.DiscountType == DiscountPercentage && c.DiscountValue.GreaterThan(hundred):
		return &ValidationError{Field: "discount_value", Message: "percentage must not exceed 100"}
	case c.MinCartValue.IsNegative():
		return &ValidationError{Field: "min_cart_value", Message: "must not be negative"}
	case !c.ValidFrom.Before(c.ValidUntil):
		return &ValidationError{Field: "valid_until", Message: "must be after valid_from"}
	case c.UsageLimitTotal != nil && *c.UsageLimitTotal <= 0:
		return &ValidationError{Field: "usage_limit_total", Message: "must be positive when set"}
	case c.UsageLimitTotal != nil && *c.UsageLimitTotal > MaxUsageLimit:
		return &ValidationError{Field: "usage_limit_total", Message: fmt.Sprintf("must not exceed %d", MaxUsageLimit)}
	case c.UsageLimitPerUser < 1:
		return &ValidationError{Field: "usage_limit_per_user", Message: "must be at least 1"}
	case c.UsageLimitPerUser > MaxUsageLimit:
		return &ValidationError{Field: "usage_limit_per_user", Message: fmt.Sprintf("must not exceed %d", MaxUsageLimit)}
	case c.UsedCount < 0:
		return &ValidationError{Field: "used_count", Message: "must not be negative"}
	case c.UsageLimitTotal != nil && c.UsedCount > *c.UsageLimitTotal:
		return &ValidationError{Field: "usage_limit_total", Message: "must not be below the used count"}
	}
	return nil
}
