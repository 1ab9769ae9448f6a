// Command seed-db loads the demo catalog, demo coupons and an admin API key.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/db"
	"github.com/xenking/storefront/internal/couponjson"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/storage/postgres"
)

type config struct {
	DatabaseURL  string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	ProductsFile string `usage:"Products JSON file; the embedded demo catalog when empty" flag:"products-file"`
	APIKey       string `usage:"Admin API key to seed (SHOP_API_KEY)" flag:"api-key"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SHOP_API_KEY_PEPPER)" flag:"api-key-pepper"`
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg); err != nil {
		lg.Error("Seed failed", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger) error {
	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{EnvPrefix: "SHOP"}).Load(); err != nil {
		return errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database URL is required: set --database-url or DATABASE_URL")
	}
	if cfg.APIKey == "" {
		return errors.New("API key is required: set --api-key or SHOP_API_KEY")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, lg, postgres.NewProductRepository(pool), cfg.ProductsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedCoupons(ctx, lg, postgres.NewCouponStore(pool), time.Now().UTC()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	key := auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashKey(cfg.APIKey, []byte(cfg.APIKeyPepper)),
		Name:    "Seeded admin key",
		Scopes:  []string{auth.ScopeAdminCoupons, auth.ScopeCheckout},
	}
	if err := postgres.NewAPIKeyRepository(pool).Upsert(ctx, key); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	lg.Info("Upserted API key", zap.String("id", key.ID), zap.Strings("scopes", key.Scopes))
	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo product.Writer, path string) error {
	data := db.SeedProducts
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return errors.Wrap(err, "read products file")
		}
	}
	products, err := decodeProducts(data)
	if err != nil {
		return errors.Wrap(err, "parse products")
	}
	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
	}
	lg.Info("Upserted products", zap.Int("count", len(products)))
	return nil
}

func decodeProducts(data []byte) ([]product.Product, error) {
	var products []product.Product
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "price":
				p.Price, err = couponjson.ReadDecimal(d)
			case "category":
				p.Category, err = d.Str()
			default:
				err = d.Skip()
			}
			if err != nil {
				return errors.Wrap(err, key)
			}
			return nil
		}); err != nil {
			return err
		}
		products = append(products, p)
		return nil
	})
	return products, err
}

func demoCoupons(now time.Time) []*coupon.Coupon {
	from := now.Add(-time.Hour)
	until := now.AddDate(0, 3, 0)
	return []*coupon.Coupon{
		{
			Code:              "SUMMER25",
			Description:       "25% off everything",
			DiscountType:      coupon.DiscountPercentage,
			DiscountValue:     decimal.NewFromInt(25),
			ValidFrom:         from,
			ValidUntil:        until,
			UsageLimitTotal:   coupon.Limit(1000),
			UsageLimitPerUser: 1,
			Active:            true,
		},
		{
			Code:                 "WELCOME10",
			Description:          "10% off cakes and pies",
			DiscountType:         coupon.DiscountPercentage,
			DiscountValue:        decimal.NewFromInt(10),
			ApplicableCategories: []string{"Cake", "Pie"},
			ValidFrom:            from,
			ValidUntil:           until,
			UsageLimitPerUser:    3,
			Active:               true,
		},
		{
			Code:              "FLAT5",
			Description:       "5.00 off orders over 20.00",
			DiscountType:      coupon.DiscountFixed,
			DiscountValue:     decimal.NewFromInt(5),
			MinCartValue:      decimal.NewFromInt(20),
			ValidFrom:         from,
			ValidUntil:        until,
			UsageLimitTotal:   coupon.Limit(100),
			UsageLimitPerUser: 1,
			Active:            true,
		},
	}
}

func seedCoupons(ctx context.Context, lg *zap.Logger, store coupon.AdminStore, now time.Time) error {
	for _, c := range demoCoupons(now) {
		err := store.Create(ctx, c)
		if errors.Is(err, coupon.ErrCodeTaken) {
			err = store.Update(ctx, c)
		}
		if err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}
		lg.Info("Upserted coupon", zap.String("code", c.Code), zap.String("description", c.Description))
	}
	return nil
}
