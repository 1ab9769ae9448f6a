package coupon

import "github.com/shopspring/decimal"

// Reason explains why a coupon was not applied. Rejections are business
// outcomes, returned as data rather than errors.
type Reason string

const (
	ReasonNotFound            Reason = "not_found"
	ReasonInactive            Reason = "inactive"
	ReasonScheduled           Reason = "scheduled"
	ReasonExpired             Reason = "expired"
	ReasonExhausted           Reason = "exhausted"
	ReasonNotApplicable       Reason = "not_applicable"
	ReasonPerUserLimitReached Reason = "per_user_limit_reached"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:            "this code is not valid",
	ReasonInactive:            "this code is no longer available",
	ReasonScheduled:           "this code is not active yet",
	ReasonExpired:             "this code has expired",
	ReasonExhausted:           "this code has been fully redeemed",
	ReasonNotApplicable:       "this code does not apply to the items in your cart",
	ReasonPerUserLimitReached: "you have already used this code",
}

// Message returns the customer-facing explanation for the reason.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "this code cannot be applied"
}

// Result is the outcome of a redemption attempt: either accepted with a
// discount amount, or rejected with a reason.
type Result struct {
	// Code is the normalized coupon code the attempt was made with.
	Code string
	// Reason is empty for accepted results.
	Reason   Reason
	Discount decimal.Decimal
}

// Accepted reports whether the coupon was applied.
func (r Result) Accepted() bool {
	return r.Reason == ""
}

func accepted(code string, discount decimal.Decimal) Result {
	return Result{Code: code, Discount: discount}
}

func rejected(code string, reason Reason) Result {
	return Result{Code: code, Reason: reason, Discount: decimal.Zero}
}
