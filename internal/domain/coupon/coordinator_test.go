package coupon_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/storage/memory"
)

var (
	fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	pastTime = fixedNow.Add(-24 * time.Hour)
	farAway  = fixedNow.Add(30 * 24 * time.Hour)
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func cartOf(items ...coupon.LineItem) coupon.Cart {
	return coupon.Cart{Items: items}
}

func line(product, category, price string, qty int) coupon.LineItem {
	return coupon.LineItem{ProductID: product, CategoryID: category, UnitPrice: d(price), Quantity: qty}
}

func summer25() *coupon.Coupon {
	return &coupon.Coupon{
		Code:              "summer25",
		DiscountType:      coupon.DiscountPercentage,
		DiscountValue:     d("25"),
		ValidFrom:         pastTime,
		ValidUntil:        farAway,
		UsageLimitTotal:   coupon.Limit(1),
		UsageLimitPerUser: 1,
		Active:            true,
	}
}

func newStore(t *testing.T, coupons ...*coupon.Coupon) *memory.CouponStore {
	t.Helper()
	s := memory.NewCouponStore()
	for _, c := range coupons {
		require.NoError(t, s.Create(context.Background(), c))
	}
	return s
}

func newCoordinator(t *testing.T, store coupon.Store, opts ...coupon.Option) *coupon.Coordinator {
	t.Helper()
	c, err := coupon.NewCoordinator(store, opts...)
	require.NoError(t, err)
	return c
}

func TestAttempt_ScenarioA_ConcurrentGlobalCap(t *testing.T) {
	store := newStore(t, summer25())
	co := newCoordinator(t, store)
	cart := cartOf(line("p1", "c1", "100", 1))

	results := make([]coupon.Result, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			res, err := co.Attempt(context.Background(), "SUMMER25", cart, coupon.CustomerID(fmt.Sprintf("customer-%d", i)), fixedNow)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	var accepted, exhausted int
	for _, res := range results {
		switch {
		case res.Accepted():
			accepted++
			assert.True(t, d("25.00").Equal(res.Discount), "expected 25.00, got %s", res.Discount)
		case res.Reason == coupon.ReasonExhausted:
			exhausted++
		default:
			t.Fatalf("unexpected rejection %q", res.Reason)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, exhausted)
}

func TestAttempt_ScenarioB_MinCartValue(t *testing.T) {
	c := summer25()
	c.MinCartValue = d("50")
	co := newCoordinator(t, newStore(t, c))

	res, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "20", 2)), "alice", fixedNow)
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Equal(t, coupon.ReasonNotApplicable, res.Reason)
}

func TestAttempt_ScenarioC_FixedCappedAtMatched(t *testing.T) {
	c := &coupon.Coupon{
		Code:                 "FLAT50",
		DiscountType:         coupon.DiscountFixed,
		DiscountValue:        d("50"),
		ApplicableCategories: []string{"books"},
		ValidFrom:            pastTime,
		ValidUntil:           farAway,
		Active:               true,
	}
	co := newCoordinator(t, newStore(t, c))

	cart := cartOf(
		line("novel", "books", "12", 2),
		line("bookmark", "books", "6", 1),
		line("lamp", "home", "80", 1),
	)
	res, err := co.Attempt(context.Background(), "flat50", cart, "alice", fixedNow)
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.True(t, d("30").Equal(res.Discount), "expected 30, got %s", res.Discount)
	assert.Equal(t, "FLAT50", res.Code)
}

func TestAttempt_ScenarioD_PerUserLimit(t *testing.T) {
	c := summer25()
	c.UsageLimitTotal = nil
	co := newCoordinator(t, newStore(t, c))
	cart := cartOf(line("p1", "c1", "100", 1))

	first, err := co.Attempt(context.Background(), "SUMMER25", cart, "alice", fixedNow)
	require.NoError(t, err)
	require.True(t, first.Accepted())

	second, err := co.Attempt(context.Background(), "SUMMER25", cart, "alice", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonPerUserLimitReached, second.Reason)

	other, err := co.Attempt(context.Background(), "SUMMER25", cart, "bob", fixedNow)
	require.NoError(t, err)
	assert.True(t, other.Accepted())
}

func TestAttempt_Rejections(t *testing.T) {
	cart := cartOf(line("p1", "c1", "100", 1))

	tests := []struct {
		name   string
		mutate func(c *coupon.Coupon)
		code   string
		now    time.Time
		want   coupon.Reason
	}{
		{name: "unknown code", code: "NOPE", now: fixedNow, want: coupon.ReasonNotFound},
		{name: "inactive", mutate: func(c *coupon.Coupon) { c.Active = false }, now: fixedNow, want: coupon.ReasonInactive},
		{name: "expired", now: farAway.Add(time.Minute), want: coupon.ReasonExpired},
		{name: "scheduled", now: pastTime.Add(-time.Minute), want: coupon.ReasonScheduled},
		{
			name: "not applicable",
			mutate: func(c *coupon.Coupon) {
				c.ApplicableProducts = []string{"other"}
			},
			now:  fixedNow,
			want: coupon.ReasonNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := summer25()
			if tt.mutate != nil {
				tt.mutate(c)
			}
			co := newCoordinator(t, newStore(t, c))

			code := tt.code
			if code == "" {
				code = "summer25"
			}
			res, err := co.Attempt(context.Background(), code, cart, "alice", tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Reason)
			assert.True(t, res.Discount.IsZero())
		})
	}
}

func TestAttempt_IdempotentRejection(t *testing.T) {
	inactive := summer25()
	inactive.Code = "OFF"
	inactive.Active = false
	expired := summer25()
	expired.Code = "OLD"
	expired.ValidUntil = fixedNow.Add(-time.Hour)
	expired.ValidFrom = fixedNow.Add(-48 * time.Hour)

	co := newCoordinator(t, newStore(t, inactive, expired))

	carts := []coupon.Cart{
		{},
		cartOf(line("p1", "c1", "1", 1)),
		cartOf(line("p1", "c1", "1000", 3), line("p2", "c2", "0.5", 10)),
	}
	for _, cart := range carts {
		res, err := co.Attempt(context.Background(), "off", cart, "alice", fixedNow)
		require.NoError(t, err)
		assert.Equal(t, coupon.ReasonInactive, res.Reason)

		res, err = co.Attempt(context.Background(), "old", cart, "alice", fixedNow)
		require.NoError(t, err)
		assert.Equal(t, coupon.ReasonExpired, res.Reason)
	}
}

func TestAttempt_ConcurrentCaps(t *testing.T) {
	const (
		limitTotal   = 25
		limitPerUser = 3
		customers    = 12
		perCustomer  = 8
	)
	c := summer25()
	c.UsageLimitTotal = coupon.Limit(limitTotal)
	c.UsageLimitPerUser = limitPerUser
	store := newStore(t, c)
	co := newCoordinator(t, store)
	cart := cartOf(line("p1", "c1", "10", 1))

	var (
		total      atomic.Int64
		mu         sync.Mutex
		byCustomer = make(map[coupon.CustomerID]int)
	)
	var g errgroup.Group
	for i := range customers {
		customer := coupon.CustomerID(fmt.Sprintf("customer-%d", i))
		for range perCustomer {
			g.Go(func() error {
				res, err := co.Attempt(context.Background(), "SUMMER25", cart, customer, fixedNow)
				if err != nil {
					return err
				}
				if res.Accepted() {
					total.Add(1)
					mu.Lock()
					byCustomer[customer]++
					mu.Unlock()
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(limitTotal), total.Load())
	for customer, n := range byCustomer {
		assert.LessOrEqual(t, n, limitPerUser, "customer %s", customer)
	}

	stored, err := store.FindByCode(context.Background(), "SUMMER25")
	require.NoError(t, err)
	assert.Equal(t, limitTotal, stored.UsedCount)
}

func TestCheck_DoesNotCommit(t *testing.T) {
	store := newStore(t, summer25())
	co := newCoordinator(t, store)
	cart := cartOf(line("p1", "c1", "100", 1))

	for range 3 {
		res, err := co.Check(context.Background(), "SUMMER25", cart, "alice", fixedNow)
		require.NoError(t, err)
		require.True(t, res.Accepted())
		assert.True(t, d("25").Equal(res.Discount))
	}

	stored, err := store.FindByCode(context.Background(), "SUMMER25")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.UsedCount)
}

// racingStore wraps a store and fails the first commits with a limit error,
// as if a concurrent redemption won the race.
type racingStore struct {
	coupon.Store
	failures []error
	redeems  int
	usage    int
	usageErr error
	findErr  error
	found    *coupon.Coupon
}

func (s *racingStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.found != nil {
		cp := *s.found
		return &cp, nil
	}
	return s.Store.FindByCode(ctx, code)
}

func (s *racingStore) CustomerUsage(ctx context.Context, id string, customer coupon.CustomerID) (int, error) {
	if s.usageErr != nil {
		return 0, s.usageErr
	}
	if s.Store == nil {
		return s.usage, nil
	}
	return s.Store.CustomerUsage(ctx, id, customer)
}

func (s *racingStore) Redeem(ctx context.Context, id string, customer coupon.CustomerID) error {
	s.redeems++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	if s.Store == nil {
		return nil
	}
	return s.Store.Redeem(ctx, id, customer)
}

func TestAttempt_RetriesLostRace(t *testing.T) {
	store := &racingStore{
		Store:    newStore(t, summer25()),
		failures: []error{coupon.ErrTotalLimitReached},
	}
	co := newCoordinator(t, store)

	res, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "100", 1)), "alice", fixedNow)
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, 2, store.redeems)
}

func TestAttempt_RetriesExhausted(t *testing.T) {
	tests := []struct {
		name     string
		failures []error
		want     coupon.Reason
	}{
		{
			name:     "global cap",
			failures: []error{coupon.ErrTotalLimitReached, coupon.ErrTotalLimitReached, coupon.ErrTotalLimitReached},
			want:     coupon.ReasonExhausted,
		},
		{
			name:     "customer cap last",
			failures: []error{coupon.ErrTotalLimitReached, coupon.ErrTotalLimitReached, coupon.ErrCustomerLimitReached},
			want:     coupon.ReasonPerUserLimitReached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := summer25()
			c.ID = "c1"
			c.Code = "SUMMER25"
			store := &racingStore{found: c, failures: tt.failures}
			co := newCoordinator(t, store)

			res, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "100", 1)), "alice", fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, coupon.DefaultMaxAttempts, store.redeems)
		})
	}
}

func TestAttempt_MaxAttemptsOption(t *testing.T) {
	c := summer25()
	c.ID = "c1"
	c.Code = "SUMMER25"
	store := &racingStore{found: c, failures: []error{
		coupon.ErrTotalLimitReached, coupon.ErrTotalLimitReached, coupon.ErrTotalLimitReached,
		coupon.ErrTotalLimitReached, coupon.ErrTotalLimitReached,
	}}
	co := newCoordinator(t, store, coupon.WithMaxAttempts(5))

	res, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "100", 1)), "alice", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonExhausted, res.Reason)
	assert.Equal(t, 5, store.redeems)
}

func TestAttempt_StoreFailures(t *testing.T) {
	dbErr := errors.New("connection refused")
	valid := summer25()
	valid.ID = "c1"
	valid.Code = "SUMMER25"

	malformed := summer25()
	malformed.ID = "c2"
	malformed.Code = "SUMMER25"
	malformed.DiscountValue = d("150")

	tests := []struct {
		name    string
		store   *racingStore
		wantErr error
	}{
		{name: "lookup", store: &racingStore{findErr: dbErr}, wantErr: coupon.ErrStoreUnavailable},
		{name: "usage read", store: &racingStore{found: valid, usageErr: dbErr}, wantErr: coupon.ErrStoreUnavailable},
		{name: "commit", store: &racingStore{found: valid, failures: []error{dbErr}}, wantErr: coupon.ErrStoreUnavailable},
		{name: "malformed record", store: &racingStore{found: malformed}, wantErr: coupon.ErrMalformedCoupon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			co := newCoordinator(t, tt.store)

			_, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "100", 1)), "alice", fixedNow)
			require.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, coupon.ErrNotFound)
		})
	}
}

// slowStore blocks until the context is done.
type slowStore struct {
	coupon.Store
}

func (slowStore) FindByCode(ctx context.Context, _ string) (*coupon.Coupon, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAttempt_Deadline(t *testing.T) {
	co := newCoordinator(t, slowStore{}, coupon.WithTimeout(20*time.Millisecond))

	_, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "100", 1)), "alice", fixedNow)
	require.ErrorIs(t, err, coupon.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttempt_DeletedBeforeCommit(t *testing.T) {
	c := summer25()
	c.ID = "c1"
	c.Code = "SUMMER25"
	store := &racingStore{found: c, failures: []error{coupon.ErrNotFound}}
	co := newCoordinator(t, store)

	res, err := co.Attempt(context.Background(), "SUMMER25", cartOf(line("p1", "c1", "100", 1)), "alice", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, coupon.ReasonNotFound, res.Reason)
}
