// Command coupon-ingest bulk-imports coupon definitions from gzip-compressed
// CSV files into the configured coupon store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/storage/postgres"
	"github.com/xenking/kart-coupons/internal/storage/redis"
)

func main() {
	var (
		pattern     string
		driver      string
		databaseURL string
		redisAddr   string
		redisPrefix string
		opts        options
	)

	flag.StringVar(&pattern, "files", "data/coupons*.csv.gz", "glob of gzip CSV coupon files")
	flag.StringVar(&driver, "driver", "postgres", "coupon store: postgres or redis")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address (or REDIS_URL env)")
	flag.StringVar(&redisPrefix, "redis-prefix", "", "Redis key prefix")
	flag.UintVar(&opts.Expected, "expected", 1_000_000, "expected codes per file, sizes the bloom filters")
	flag.Float64Var(&opts.FPR, "fpr", 0.001, "bloom filter false positive rate")
	flag.IntVar(&opts.Workers, "workers", runtime.GOMAXPROCS(0)*2, "concurrent store writes")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, driver, databaseURL, redisAddr, redisPrefix, opts); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, pattern, driver, databaseURL, redisAddr, redisPrefix string, opts options) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "glob files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}

	store, closeStore, err := openStore(ctx, driver, databaseURL, redisAddr, redisPrefix)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := ingest(ctx, files, coupon.NewAdmin(store), opts)
	if st != nil {
		slog.Info("ingest summary",
			slog.Int64("rows", st.Rows.Load()),
			slog.Int64("created", st.Created.Load()),
			slog.Int64("duplicates", st.Duplicates.Load()),
			slog.Int64("invalid", st.Invalid.Load()),
			slog.Int64("existing", st.Existing.Load()),
		)
	}
	return err
}

func openStore(ctx context.Context, driver, databaseURL, redisAddr, redisPrefix string) (coupon.Store, func(), error) {
	switch driver {
	case "postgres":
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		if databaseURL == "" {
			return nil, nil, errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect to database")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "run migrations")
		}
		return postgres.NewCouponStore(pool), pool.Close, nil
	case "redis":
		opts := &goredis.Options{Addr: redisAddr}
		if redisAddr == "" {
			u := os.Getenv("REDIS_URL")
			if u == "" {
				return nil, nil, errors.New("redis address is required: set --redis-addr or REDIS_URL")
			}
			parsed, err := goredis.ParseURL(u)
			if err != nil {
				return nil, nil, errors.Wrap(err, "parse REDIS_URL")
			}
			opts = parsed
		}
		rdb := goredis.NewClient(opts)
		store := redis.NewCouponStore(rdb, redisPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrap(err, "connect to redis")
		}
		return store, func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown driver %q", driver)
	}
}
