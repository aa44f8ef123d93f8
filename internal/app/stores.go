package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-coupons/internal/domain/auth"
	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/order"
	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/storage/memory"
	"github.com/xenking/kart-coupons/internal/storage/postgres"
	"github.com/xenking/kart-coupons/internal/storage/redis"
	"github.com/xenking/kart-coupons/pkg/health"
)

// keyStore is satisfied by both API key stores.
type keyStore interface {
	auth.Repository
	Upsert(ctx context.Context, k auth.APIKey) error
}

// stores is the storage selected by Config.
type stores struct {
	coupons  coupon.Store
	products product.Repository
	orders   order.Repository
	keys     keyStore

	// redis is nil unless a Redis address is configured.
	redis goredis.UniversalClient
	// readiness holds one check per backing service.
	readiness map[string]health.CheckFunc
	closers   []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects the configured backends. PostgreSQL, when configured,
// holds orders, products and API keys whatever the coupon driver is.
func openStores(ctx context.Context, lg *zap.Logger, cfg *Config) (_ *stores, rerr error) {
	s := &stores{readiness: make(map[string]health.CheckFunc)}
	defer func() {
		if rerr != nil {
			s.Close()
		}
	}()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		s.closers = append(s.closers, p.Close)
		if err := postgres.RunMigrations(ctx, p); err != nil {
			return nil, errors.Wrap(err, "run migrations")
		}
		pool = p
		s.readiness["postgres"] = health.PingCheck(p)
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		s.redis = rdb
	}

	switch cfg.Store.Driver {
	case DriverPostgres:
		s.coupons = postgres.NewCouponStore(pool)
	case DriverRedis:
		rs := redis.NewCouponStore(s.redis, cfg.Redis.Prefix)
		s.coupons = rs
		s.readiness["redis"] = health.PingCheck(rs)
	case DriverMemory:
		s.coupons = memory.NewCouponStore()
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if pool != nil {
		s.products = postgres.NewProductStore(pool)
		s.orders = postgres.NewOrderStore(pool)
		s.keys = postgres.NewAPIKeyStore(pool)
	} else {
		lg.Warn("No database configured, orders and products are kept in memory")
		s.products = memory.NewProductStore()
		s.orders = memory.NewOrderStore()
		s.keys = memory.NewAPIKeyStore()
	}
	return s, nil
}
