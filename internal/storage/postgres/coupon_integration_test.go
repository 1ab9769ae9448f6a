//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/storage/postgres"
)

var (
	now   = time.Now().UTC().Truncate(time.Second)
	start = now.Add(-time.Hour)
	end   = now.Add(24 * time.Hour)
)

func startPostgres(t *testing.T) *postgres.CouponStore {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "shop",
				"POSTGRES_PASSWORD": "shop",
				"POSTGRES_DB":       "shop",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, fmt.Sprintf("postgres://shop:shop@%s:%s/shop?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.RunMigrations(ctx, pool))

	return postgres.NewCouponStore(pool)
}

func limited(code string, total, perUser int) *coupon.Coupon {
	return &coupon.Coupon{
		Code:              code,
		DiscountType:      coupon.DiscountPercentage,
		DiscountValue:     decimal.NewFromInt(10),
		ValidFrom:         start,
		ValidUntil:        end,
		UsageLimitTotal:   coupon.Limit(total),
		UsageLimitPerUser: perUser,
		Active:            true,
	}
}

func TestCouponStore(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	cart := coupon.Cart{Items: []coupon.LineItem{
		{ProductID: "p1", CategoryID: "food", UnitPrice: decimal.NewFromInt(20), Quantity: 1},
	}}

	t.Run("ConcurrentTotalLimit", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, limited("race5", 5, 1)))
		co, err := coupon.NewCoordinator(store)
		require.NoError(t, err)

		var accepted, exhausted atomic.Int32
		var g errgroup.Group
		for i := range 20 {
			g.Go(func() error {
				res, err := co.Attempt(ctx, "RACE5", cart, coupon.CustomerID(fmt.Sprintf("c-%d", i)), now)
				if err != nil {
					return err
				}
				switch {
				case res.Accepted():
					accepted.Add(1)
				case res.Reason == coupon.ReasonExhausted:
					exhausted.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(5), accepted.Load())
		assert.Equal(t, int32(15), exhausted.Load())

		c, err := store.Get(ctx, "RACE5")
		require.NoError(t, err)
		assert.Equal(t, 5, c.UsedCount)
	})

	t.Run("ConcurrentPerCustomerLimit", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, limited("twice", 100, 2)))
		c, err := store.Get(ctx, "TWICE")
		require.NoError(t, err)

		var ok, capped atomic.Int32
		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				err := store.Redeem(ctx, c.ID, "alice")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, coupon.ErrCustomerLimitReached):
					capped.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(2), ok.Load())
		assert.Equal(t, int32(8), capped.Load())

		usage, err := store.CustomerUsage(ctx, c.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, usage)

		// A rejected customer guard rolls back the total increment.
		c, err = store.Get(ctx, "TWICE")
		require.NoError(t, err)
		assert.Equal(t, 2, c.UsedCount)
	})

	t.Run("AdminLifecycle", func(t *testing.T) {
		c := limited(" admin1 ", 2, 1)
		require.NoError(t, store.Create(ctx, c))
		assert.Equal(t, "ADMIN1", c.Code)
		assert.NotEmpty(t, c.ID)

		assert.ErrorIs(t, store.Create(ctx, limited("ADMIN1", 2, 1)), coupon.ErrCodeTaken)

		require.NoError(t, store.Redeem(ctx, c.ID, "bob"))
		require.NoError(t, store.Redeem(ctx, c.ID, "carol"))
		assert.ErrorIs(t, store.Redeem(ctx, c.ID, "dave"), coupon.ErrTotalLimitReached)

		lower := limited("admin1", 1, 1)
		var verr *coupon.ValidationError
		require.ErrorAs(t, store.Update(ctx, lower), &verr)

		raise := limited("admin1", 10, 1)
		raise.Description = "raised"
		require.NoError(t, store.Update(ctx, raise))
		assert.Equal(t, 2, raise.UsedCount)
		assert.Equal(t, c.ID, raise.ID)

		got, err := store.Get(ctx, "admin1")
		require.NoError(t, err)
		assert.Equal(t, "raised", got.Description)
		assert.Equal(t, 2, got.UsedCount)

		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, list)

		require.NoError(t, store.Delete(ctx, "admin1"))
		assert.ErrorIs(t, store.Delete(ctx, "admin1"), coupon.ErrNotFound)
		_, err = store.Get(ctx, "admin1")
		assert.ErrorIs(t, err, coupon.ErrNotFound)
		assert.ErrorIs(t, store.Redeem(ctx, c.ID, "erin"), coupon.ErrNotFound)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		assert.ErrorIs(t, store.Update(ctx, limited("ghost", 1, 1)), coupon.ErrNotFound)
	})
}
