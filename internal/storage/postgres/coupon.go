package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const couponColumns = `id, code, description, discount_type, discount_value,
	applicable_categories, applicable_products, min_cart_value,
	valid_from, valid_until, usage_limit_total, usage_limit_per_user,
	used_count, active, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY code`

	getCustomerUsageSQL = `SELECT usage_count FROM coupon_usages
		WHERE coupon_id = $1 AND customer_id = $2`

	// The row lock taken here serializes concurrent redemptions of one
	// coupon; the guard is re-evaluated against the latest row version.
	incrementUsedCountSQL = `UPDATE coupons SET used_count = used_count + 1
		WHERE id = $1 AND (usage_limit_total IS NULL OR used_count < usage_limit_total)
		RETURNING usage_limit_per_user`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`

	incrementCustomerUsageSQL = `INSERT INTO coupon_usages (coupon_id, customer_id, usage_count, last_used)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (coupon_id, customer_id) DO UPDATE
		SET usage_count = coupon_usages.usage_count + 1, last_used = NOW()
		WHERE coupon_usages.usage_count < $3`

	insertCouponSQL = `INSERT INTO coupons (id, code, description, discount_type, discount_value,
		applicable_categories, applicable_products, min_cart_value,
		valid_from, valid_until, usage_limit_total, usage_limit_per_user, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (code) DO NOTHING
		RETURNING created_at, updated_at`

	updateCouponSQL = `UPDATE coupons SET description = $2, discount_type = $3, discount_value = $4,
		applicable_categories = $5, applicable_products = $6, min_cart_value = $7,
		valid_from = $8, valid_until = $9, usage_limit_total = $10, usage_limit_per_user = $11,
		active = $12, updated_at = NOW()
		WHERE code = $1
		RETURNING id, used_count, created_at, updated_at`

	deleteCouponSQL = `DELETE FROM coupons WHERE code = $1`
)

// pgCheckViolation is the SQLSTATE of a CHECK constraint failure.
const pgCheckViolation = "23514"

var (
	_ coupon.Store      = (*CouponStore)(nil)
	_ coupon.AdminStore = (*CouponStore)(nil)
)

// CouponStore implements coupon.Store and coupon.AdminStore backed by
// PostgreSQL. Per-customer usage lives in the coupon_usages side table.
type CouponStore struct {
	pool *pgxpool.Pool
}

// NewCouponStore returns a CouponStore that uses the given pool.
func NewCouponStore(pool *pgxpool.Pool) *CouponStore {
	return &CouponStore{pool: pool}
}

// FindByCode looks up a coupon by its normalized code.
// Returns coupon.ErrNotFound when no coupon has the code.
func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	code = coupon.NormalizeCode(code)
	rows, err := s.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// CustomerUsage returns how many times the customer redeemed the coupon.
func (s *CouponStore) CustomerUsage(ctx context.Context, couponID string, customer coupon.CustomerID) (int, error) {
	var n int32
	err := s.pool.QueryRow(ctx, getCustomerUsageSQL, couponID, string(customer)).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading usage of coupon %s by %q: %w", couponID, customer, err)
	}
	return int(n), nil
}

// Redeem increments the coupon's used count and the customer's usage in one
// transaction, guarded by both limits. Nothing is written when a guard fails.
func (s *CouponStore) Redeem(ctx context.Context, couponID string, customer coupon.CustomerID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var perUser int32
		err := tx.QueryRow(ctx, incrementUsedCountSQL, couponID).Scan(&perUser)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, couponExistsSQL, couponID).Scan(&exists); err != nil {
				return fmt.Errorf("checking coupon %s: %w", couponID, err)
			}
			if !exists {
				return coupon.ErrNotFound
			}
			return coupon.ErrTotalLimitReached
		}
		if err != nil {
			return fmt.Errorf("incrementing used count of coupon %s: %w", couponID, err)
		}

		tag, err := tx.Exec(ctx, incrementCustomerUsageSQL, couponID, string(customer), perUser)
		if err != nil {
			return fmt.Errorf("incrementing usage of coupon %s by %q: %w", couponID, customer, err)
		}
		if tag.RowsAffected() == 0 {
			return coupon.ErrCustomerLimitReached
		}
		return nil
	})
}

// Create inserts a new coupon with a fresh ID and zero usage.
// Returns coupon.ErrCodeTaken when the code already exists.
func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	c.Normalize()
	c.UsedCount = 0
	if err := c.Validate(); err != nil {
		return err
	}

	id := uuid.New().String()
	err := s.pool.QueryRow(ctx, insertCouponSQL,
		id, c.Code, c.Description, string(c.DiscountType), c.DiscountValue,
		nonNil(c.ApplicableCategories), nonNil(c.ApplicableProducts), c.MinCartValue,
		c.ValidFrom, c.ValidUntil, limitParam(c.UsageLimitTotal), int32(c.UsageLimitPerUser), c.Active,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrCodeTaken
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	c.ID = id
	return nil
}

// Update rewrites the administrative fields of the coupon with c.Code.
// The used count and per-customer usage are never touched.
func (s *CouponStore) Update(ctx context.Context, c *coupon.Coupon) error {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}

	var usedCount int32
	err := s.pool.QueryRow(ctx, updateCouponSQL,
		c.Code, c.Description, string(c.DiscountType), c.DiscountValue,
		nonNil(c.ApplicableCategories), nonNil(c.ApplicableProducts), c.MinCartValue,
		c.ValidFrom, c.ValidUntil, limitParam(c.UsageLimitTotal), int32(c.UsageLimitPerUser), c.Active,
	).Scan(&c.ID, &usedCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return &coupon.ValidationError{Field: "usage_limit_total", Message: "must not be below the used count"}
		}
		return fmt.Errorf("updating coupon %q: %w", c.Code, err)
	}
	c.UsedCount = int(usedCount)
	return nil
}

// Delete removes the coupon and, by cascade, its usage rows.
func (s *CouponStore) Delete(ctx context.Context, code string) error {
	code = coupon.NormalizeCode(code)
	tag, err := s.pool.Exec(ctx, deleteCouponSQL, code)
	if err != nil {
		return fmt.Errorf("deleting coupon %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// Get is FindByCode for the admin surface.
func (s *CouponStore) Get(ctx context.Context, code string) (*coupon.Coupon, error) {
	return s.FindByCode(ctx, code)
}

// List returns all coupons ordered by code.
func (s *CouponStore) List(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := s.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		value        decimal.Decimal
		minCart      decimal.Decimal
		validFrom    time.Time
		validUntil   time.Time
		limitTotal   *int32
		limitPerUser int32
		usedCount    int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &value,
		&c.ApplicableCategories, &c.ApplicableProducts, &minCart,
		&validFrom, &validUntil, &limitTotal, &limitPerUser,
		&usedCount, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.DiscountValue = value
	c.MinCartValue = minCart
	c.ValidFrom = validFrom
	c.ValidUntil = validUntil
	if limitTotal != nil {
		c.UsageLimitTotal = coupon.Limit(int(*limitTotal))
	}
	c.UsageLimitPerUser = int(limitPerUser)
	c.UsedCount = int(usedCount)
	return c, err
}

func limitParam(limit *int) *int32 {
	if limit == nil {
		return nil
	}
	v := int32(*limit)
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
