package coupon

import "time"

// Status is the cart-independent usability of a coupon at a moment.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
)

// Evaluate derives the coupon status at now. The first matching rule wins:
// inactive, expired, scheduled, exhausted, otherwise active.
func Evaluate(c *Coupon, now time.Time) Status {
	switch {
	case !c.Active:
		return StatusInactive
	case now.After(c.ValidUntil):
		return StatusExpired
	case now.Before(c.ValidFrom):
		return StatusScheduled
	case c.UsageLimitTotal != nil && c.UsedCount >= *c.UsageLimitTotal:
		return StatusExhausted
	default:
		return StatusActive
	}
}

// reasonFor maps a non-active status to its rejection reason.
func reasonFor(s Status) Reason {
	switch s {
	case StatusInactive:
		return ReasonInactive
	case StatusScheduled:
		return ReasonScheduled
	case StatusExpired:
		return ReasonExpired
	case StatusExhausted:
		return ReasonExhausted
	default:
		return ""
	}
}
