// Package memory provides an in-process coupon store. Every operation runs
// under a single mutex, so Redeem is trivially linearizable. It backs tests
// and the "memory" coupon backend for local development.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xenking/storefront/internal/domain/coupon"
)

var (
	_ coupon.Store      = (*CouponStore)(nil)
	_ coupon.AdminStore = (*CouponStore)(nil)
)

type usageKey struct {
	couponID string
	customer coupon.CustomerID
}

// CouponStore keeps coupons keyed by normalized code and per-customer usage
// keyed by (coupon, customer).
type CouponStore struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	usage   map[usageKey]int
	now     func() time.Time
}

// NewCouponStore returns an empty CouponStore.
func NewCouponStore() *CouponStore {
	return &CouponStore{
		coupons: make(map[string]*coupon.Coupon),
		usage:   make(map[usageKey]int),
		now:     time.Now,
	}
}

// FindByCode returns a copy of the coupon stored under code.
func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return clone(c), nil
}

// CustomerUsage returns the number of redemptions customer made of the coupon.
func (s *CouponStore) CustomerUsage(ctx context.Context, couponID string, customer coupon.CustomerID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.usage[usageKey{couponID: couponID, customer: customer}], nil
}

// Redeem checks both limits and increments both counters under the lock.
func (s *CouponStore) Redeem(ctx context.Context, couponID string, customer coupon.CustomerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[couponID]
	if !ok {
		return coupon.ErrNotFound
	}
	if c.UsageLimitTotal != nil && c.UsedCount >= *c.UsageLimitTotal {
		return coupon.ErrTotalLimitReached
	}
	key := usageKey{couponID: couponID, customer: customer}
	if s.usage[key] >= c.UsageLimitPerUser {
		return coupon.ErrCustomerLimitReached
	}

	c.UsedCount++
	s.usage[key]++
	return nil
}

// Create stores a new coupon. The coupon's ID is its normalized code.
func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Normalize()
	c.UsedCount = 0
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.coupons[c.Code]; ok {
		return coupon.ErrCodeTaken
	}
	now := s.now()
	c.ID = c.Code
	c.CreatedAt, c.UpdatedAt = now, now
	s.coupons[c.Code] = clone(c)
	return nil
}

// Update replaces the administrative fields of an existing coupon, keeping
// its used count and per-customer usage.
func (s *CouponStore) Update(ctx context.Context, c *coupon.Coupon) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.coupons[c.Code]
	if !ok {
		return coupon.ErrNotFound
	}
	c.ID = cur.ID
	c.UsedCount = cur.UsedCount
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = s.now()
	if err := c.Validate(); err != nil {
		return err
	}
	s.coupons[c.Code] = clone(c)
	return nil
}

// Delete removes a coupon and its usage records.
func (s *CouponStore) Delete(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	code = coupon.NormalizeCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.coupons[code]; !ok {
		return coupon.ErrNotFound
	}
	delete(s.coupons, code)
	for k := range s.usage {
		if k.couponID == code {
			delete(s.usage, k)
		}
	}
	return nil
}

// Get is FindByCode for the admin surface.
func (s *CouponStore) Get(ctx context.Context, code string) (*coupon.Coupon, error) {
	return s.FindByCode(ctx, code)
}

// List returns all coupons ordered by code.
func (s *CouponStore) List(ctx context.Context) ([]coupon.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]coupon.Coupon, 0, len(s.coupons))
	for _, c := range s.coupons {
		out = append(out, *clone(c))
	}
	slices.SortFunc(out, func(a, b coupon.Coupon) int {
		return strings.Compare(a.Code, b.Code)
	})
	return out, nil
}

func clone(c *coupon.Coupon) *coupon.Coupon {
	cp := *c
	cp.ApplicableCategories = slices.Clone(c.ApplicableCategories)
	cp.ApplicableProducts = slices.Clone(c.ApplicableProducts)
	if c.UsageLimitTotal != nil {
		cp.UsageLimitTotal = coupon.Limit(*c.UsageLimitTotal)
	}
	return &cp
}
