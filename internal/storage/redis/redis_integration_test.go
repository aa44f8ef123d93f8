//go:build integration

package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

var testClient *goredis.Client

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() { _ = ctr.Terminate(context.Background()) }()

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		log.Fatalf("endpoint: %v", err)
	}
	testClient = goredis.NewClient(&goredis.Options{Addr: endpoint})
	defer testClient.Close()

	return m.Run()
}

func newStore(t *testing.T) *CouponStore {
	t.Helper()
	// A fresh prefix per test keeps the keyspaces apart.
	return NewCouponStore(testClient, "{t-"+uuid.NewString()[:8]+"}")
}

func createCoupon(t *testing.T, store *CouponStore, code string, limit int) *coupon.Coupon {
	t.Helper()
	now := time.Now().UTC()
	maxDiscount := money.Amount(500)
	c := &coupon.Coupon{
		ID: uuid.NewString(),
		Definition: coupon.Definition{
			Code:          code,
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.RequireFromString("20"),
			MinPurchase:   1000,
			MaxDiscount:   &maxDiscount,
			Scope:         coupon.ProductScope("p1"),
			ValidFrom:     now.Add(-time.Hour),
			ValidUntil:    now.Add(time.Hour),
			Active:        true,
			UsageLimit:    limit,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(context.Background(), c))
	return c
}

func TestCouponStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := createCoupon(t, store, "save20", 3)

	got, err := store.FindByCode(ctx, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "SAVE20", got.Code)
	assert.True(t, got.DiscountValue.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, coupon.ScopeProduct, got.Scope.Kind())
	assert.True(t, got.ValidFrom.Equal(c.ValidFrom))
	require.NotNil(t, got.MaxDiscount)
	assert.Equal(t, money.Amount(500), *got.MaxDiscount)

	dup := *c
	dup.ID = uuid.NewString()
	require.ErrorIs(t, store.Create(ctx, &dup), coupon.ErrCodeTaken)

	_, err = store.FindByCode(ctx, "NOPE")
	require.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestCouponStore_ConcurrentReserve(t *testing.T) {
	const (
		limit   = 3
		callers = 30
	)
	ctx := context.Background()
	store := newStore(t)
	c := createCoupon(t, store, "RACE", limit)

	var reserved, exhausted atomic.Int32
	start := make(chan struct{})
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			<-start
			err := store.Reserve(ctx, c.ID, fmt.Sprintf("order-%d", i), time.Now())
			switch {
			case err == nil:
				reserved.Add(1)
			case errors.Is(err, coupon.ErrUsageExhausted):
				exhausted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(limit), reserved.Load())
	assert.Equal(t, int32(callers-limit), exhausted.Load())

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, got.TimesUsed)
}

func TestCouponStore_ReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := createCoupon(t, store, "ONCE", 1)

	require.NoError(t, store.Reserve(ctx, c.ID, "o1", time.Now()))
	require.NoError(t, store.Reserve(ctx, c.ID, "o1", time.Now()))
	require.ErrorIs(t, store.Reserve(ctx, c.ID, "o2", time.Now()), coupon.ErrUsageExhausted)

	res, err := store.Release(ctx, c.ID, "o1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, coupon.Released, res)
	res, err = store.Release(ctx, c.ID, "o1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, coupon.NoOpAlreadyReleased, res)

	require.NoError(t, store.Reserve(ctx, c.ID, "o2", time.Now()))
	require.NoError(t, store.Finalize(ctx, c.ID, "o2", time.Now()))
	_, err = store.Release(ctx, c.ID, "o2", time.Now())
	require.ErrorIs(t, err, coupon.ErrConflict)
	require.ErrorIs(t, store.Finalize(ctx, c.ID, "o3", time.Now()), coupon.ErrConflict)
	require.ErrorIs(t, store.Reserve(ctx, "missing", "o4", time.Now()), coupon.ErrNotFound)
}

func TestCouponStore_UpdateDeleteList(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := createCoupon(t, store, "AAA", 2)
	b := createCoupon(t, store, "BBB", 2)
	require.NoError(t, store.Reserve(ctx, a.ID, "o1", time.Now()))
	require.NoError(t, store.Reserve(ctx, a.ID, "o2", time.Now()))

	def := a.Definition
	def.UsageLimit = 1
	_, err := store.Update(ctx, a.ID, def, time.Now())
	require.ErrorIs(t, err, coupon.ErrLimitBelowUsage)

	def.UsageLimit = 0
	def.Unlimited = true
	def.MaxDiscount = nil
	updated, err := store.Update(ctx, a.ID, def, time.Now())
	require.NoError(t, err)
	assert.True(t, updated.Unlimited)
	assert.Nil(t, updated.MaxDiscount)
	assert.Equal(t, 2, updated.TimesUsed)

	require.NoError(t, store.SetActive(ctx, b.ID, false, time.Now()))
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []coupon.Listing{{Code: "AAA", Active: true}, {Code: "BBB", Active: false}}, list)

	require.NoError(t, store.Delete(ctx, a.ID))
	require.ErrorIs(t, store.Delete(ctx, a.ID), coupon.ErrNotFound)
	_, err = store.FindByCode(ctx, "AAA")
	require.ErrorIs(t, err, coupon.ErrNotFound)

	// Reservations of the deleted coupon are gone with it.
	res, err := store.Release(ctx, a.ID, "o1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, coupon.NoOpAlreadyReleased, res)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(testClient, "rl-"+uuid.NewString()[:8], 2, time.Minute)
	l.now = func() time.Time { return now }

	for i := range 2 {
		d, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, now.Add(time.Minute), d.ResetAt)

	now = now.Add(time.Minute)
	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "next window starts a fresh counter")
	assert.Equal(t, 1, d.Remaining)
}
