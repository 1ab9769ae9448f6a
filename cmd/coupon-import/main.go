// Command coupon-import loads gzip-compressed JSON-lines coupon definitions
// into the configured coupon store.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/importer"
	"github.com/xenking/storefront/internal/storage/postgres"
	couponredis "github.com/xenking/storefront/internal/storage/redis"
)

type config struct {
	Pattern     string `default:"data/*.jsonl.gz" usage:"Glob matching the files to import, applied in sorted order" flag:"pattern"`
	Backend     string `default:"postgres" usage:"Coupon store backend: postgres or redis"`
	DatabaseURL string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis URL (or REDIS_URL)" flag:"redis-url"`
	RedisPrefix string `default:"shop:" usage:"Key prefix for coupon data" flag:"redis-prefix"`
	Workers     int    `default:"8" usage:"Concurrent coupon writes"`
	BloomSize   uint   `default:"1000000" usage:"Expected codes per file" flag:"bloom-size"`
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
		lg.Error("Coupon import failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger) error {
	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{EnvPrefix: "SHOP"}).Load(); err != nil {
		return errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = os.Getenv("REDIS_URL")
	}

	files, err := filepath.Glob(cfg.Pattern)
	if err != nil {
		return errors.Wrap(err, "match files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", cfg.Pattern)
	}
	sort.Strings(files)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := importer.New(store,
		importer.WithWorkers(cfg.Workers),
		importer.WithBloomCapacity(cfg.BloomSize),
		importer.WithLogger(lg.Named("importer")),
	).Import(ctx, files)
	if err != nil {
		return err
	}

	lg.Info("Coupon import completed",
		zap.Int("files", len(files)),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("invalid", stats.Invalid),
	)
	return nil
}

func openStore(ctx context.Context, cfg config) (coupon.AdminStore, func(), error) {
	switch cfg.Backend {
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, errors.New("redis URL is required: set --redis-url or REDIS_URL")
		}
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse redis url")
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrap(err, "ping redis")
		}
		return couponredis.NewCouponStore(rdb, cfg.RedisPrefix), func() { _ = rdb.Close() }, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect to database")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "run migrations")
		}
		return postgres.NewCouponStore(pool), pool.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown coupon backend %q", cfg.Backend)
	}
}
