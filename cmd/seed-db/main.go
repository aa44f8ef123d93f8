// Command seed-db applies the schema and loads sample products, the demo
// coupons and an admin API key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/domain/auth"
	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/money"
	"github.com/xenking/kart-coupons/internal/storage/postgres"
)

type productJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Category string `json:"category"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or COUPON_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or COUPON_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("COUPON_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("COUPON_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductStore(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, coupon.NewAdmin(postgres.NewCouponStore(pool)), time.Now()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if apiKey == "" {
		slog.Warn("no API key given, skipping admin key")
		return nil
	}
	if err := seedAPIKey(ctx, postgres.NewAPIKeyStore(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, store *postgres.ProductStore, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	products := make([]product.Product, len(raw))
	for i, p := range raw {
		products[i] = product.Product{ID: p.ID, Name: p.Name, Price: money.Amount(p.Price), Category: p.Category}
	}

	slog.Info("upserting products", slog.Int("count", len(products)))
	return store.Upsert(ctx, products...)
}

// demoCoupons are the coupons used in the checkout walkthrough: SAVE20 takes
// 20% capped at 5.00 from carts of 10.00 or more, FLAT100 takes 1.00.
func demoCoupons(now time.Time) []coupon.Definition {
	maxDiscount := money.Amount(500)
	from, until := now.Add(-time.Hour), now.AddDate(1, 0, 0)
	return []coupon.Definition{
		{
			Code:          "SAVE20",
			Description:   "20% off orders over 10.00, up to 5.00",
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(20),
			MinPurchase:   1000,
			MaxDiscount:   &maxDiscount,
			ValidFrom:     from,
			ValidUntil:    until,
			Active:        true,
			UsageLimit:    1000,
		},
		{
			Code:          "FLAT100",
			Description:   "1.00 off any order",
			DiscountType:  coupon.DiscountFixed,
			DiscountValue: decimal.NewFromInt(100),
			ValidFrom:     from,
			ValidUntil:    until,
			Active:        true,
			Unlimited:     true,
		},
	}
}

func seedCoupons(ctx context.Context, admin *coupon.Admin, now time.Time) error {
	slog.Info("seeding demo coupons")

	for _, def := range demoCoupons(now) {
		c, err := admin.Create(ctx, def)
		switch {
		case errors.Is(err, coupon.ErrCodeTaken):
			slog.Info("coupon exists, leaving it unchanged", slog.String("code", def.Code))
		case err != nil:
			return errors.Wrapf(err, "create coupon %s", def.Code)
		default:
			slog.Info("created coupon", slog.String("code", c.Code), slog.String("id", c.ID))
		}
	}

	return nil
}

func seedAPIKey(ctx context.Context, store *postgres.APIKeyStore, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	if err := store.Upsert(ctx, auth.APIKey{
		ID:      "default",
		KeyHash: auth.Hash([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeCouponAdmin},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"))

	return nil
}
