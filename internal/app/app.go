package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-coupons/internal/domain/auth"
	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/order"
	"github.com/xenking/kart-coupons/internal/handler"
	"github.com/xenking/kart-coupons/internal/money"
	"github.com/xenking/kart-coupons/internal/storage/redis"
	"github.com/xenking/kart-coupons/pkg/health"
	"github.com/xenking/kart-coupons/pkg/httpmiddleware"
)

const serviceName = "kart-coupons"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store.Driver),
	)

	st, err := openStores(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Health check service.
	healthSvc := health.New()
	for name, check := range st.readiness {
		healthSvc.AddReadinessCheck(name, 5*time.Second, check, health.WithThresholds(3, 1))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Domain services.
	coordinator, err := coupon.NewCoordinator(st.coupons, m.MeterProvider().Meter(serviceName))
	if err != nil {
		return errors.Wrap(err, "create coordinator")
	}
	engine := order.NewEngine(st.products, coupon.NewChecker(st.coupons), coordinator, st.orders, order.Options{
		Charges: order.FlatShipping{
			Fee:      money.Amount(cfg.Checkout.ShippingFee),
			FreeOver: money.Amount(cfg.Checkout.FreeShippingOver),
		},
		Retry: order.RetryConfig{
			Attempts: cfg.Checkout.RetryAttempts,
			Initial:  cfg.Checkout.RetryInitial,
			Max:      cfg.Checkout.RetryMax,
		},
		TracerProvider: m.TracerProvider(),
	})
	admin := coupon.NewAdmin(st.coupons)

	pepper := []byte(cfg.APIKeyPepper)
	if cfg.AdminAPIKey != "" {
		if err := st.keys.Upsert(ctx, auth.APIKey{
			ID:      "bootstrap-admin",
			KeyHash: auth.Hash(pepper, cfg.AdminAPIKey),
			Name:    "Bootstrap admin key",
			Scopes:  []string{auth.ScopeCouponAdmin},
		}); err != nil {
			return errors.Wrap(err, "store bootstrap admin key")
		}
	}

	limiter, err := newLimiter(ctx, cfg, st)
	if err != nil {
		return err
	}

	h := handler.New(
		handler.Config{
			Currency: money.Currency{Code: cfg.Currency.Code, Exponent: cfg.Currency.Exponent},
			Throttle: httpmiddleware.Throttle(limiter, httpmiddleware.ClientIP),
		},
		st.products,
		engine,
		admin,
		auth.NewAuthenticator(st.keys, pepper),
	)

	// Router: health endpoints + API routes on one server.
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.LogRequests(),
		httpmiddleware.RouteLabels(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Mount(r)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument(serviceName, m),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newLimiter returns the throttle backend. The memory limiter is evicted in
// the background until ctx is done.
func newLimiter(ctx context.Context, cfg *Config, st *stores) (httpmiddleware.Limiter, error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		if st.redis == nil {
			return nil, errors.New("redis rate limiter needs a redis address")
		}
		return redis.NewRateLimiter(st.redis, "", cfg.RateLimit.Max, cfg.RateLimit.Window), nil
	default:
		l := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go l.Run(ctx)
		return l, nil
	}
}
