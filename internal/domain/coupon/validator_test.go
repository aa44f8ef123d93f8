package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-coupons/internal/money"
)

type mockReader struct {
	coupon *Coupon
	err    error
	code   string
}

func (m *mockReader) FindByCode(_ context.Context, code string) (*Coupon, error) {
	m.code = code
	return m.coupon, m.err
}

func (m *mockReader) FindByID(_ context.Context, _ string) (*Coupon, error) {
	return m.coupon, m.err
}

var (
	fixedNow   = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	validFrom  = fixedNow.Add(-24 * time.Hour)
	validUntil = fixedNow.Add(24 * time.Hour)
)

func testCoupon(mutate func(c *Coupon)) *Coupon {
	c := &Coupon{
		ID: "c1",
		Definition: Definition{
			Code:          "SAVE10",
			DiscountType:  DiscountPercentage,
			DiscountValue: decimal.NewFromInt(10),
			MinPurchase:   1000,
			ValidFrom:     validFrom,
			ValidUntil:    validUntil,
			Active:        true,
			UsageLimit:    5,
		},
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

func cartOf(items ...LineItem) Cart { return Cart{Items: items} }

func TestCheckCoupon(t *testing.T) {
	shoes := LineItem{ProductID: "p1", Category: "shoes", UnitPrice: 1500, Quantity: 1}
	hats := LineItem{ProductID: "p2", Category: "hats", UnitPrice: 800, Quantity: 2}

	tests := []struct {
		name    string
		coupon  *Coupon
		cart    Cart
		now     time.Time
		wantErr error
	}{
		{
			name:   "valid coupon",
			coupon: testCoupon(nil),
			cart:   cartOf(shoes),
			now:    fixedNow,
		},
		{
			name:    "missing coupon",
			coupon:  nil,
			cart:    cartOf(shoes),
			now:     fixedNow,
			wantErr: ErrNotFound,
		},
		{
			name:    "inactive wins over expired",
			coupon:  testCoupon(func(c *Coupon) { c.Active = false; c.ValidUntil = validFrom.Add(time.Hour) }),
			cart:    cartOf(shoes),
			now:     fixedNow,
			wantErr: ErrInactive,
		},
		{
			name:    "one nanosecond before validFrom",
			coupon:  testCoupon(nil),
			cart:    cartOf(shoes),
			now:     validFrom.Add(-time.Nanosecond),
			wantErr: ErrNotYetValid,
		},
		{
			name:   "exactly validFrom is valid",
			coupon: testCoupon(nil),
			cart:   cartOf(shoes),
			now:    validFrom,
		},
		{
			name:    "exactly validUntil is expired",
			coupon:  testCoupon(nil),
			cart:    cartOf(shoes),
			now:     validUntil,
			wantErr: ErrExpired,
		},
		{
			name:   "just before validUntil is valid",
			coupon: testCoupon(nil),
			cart:   cartOf(shoes),
			now:    validUntil.Add(-time.Nanosecond),
		},
		{
			name:    "category scope without matching line",
			coupon:  testCoupon(func(c *Coupon) { c.Scope = CategoryScope("bags") }),
			cart:    cartOf(shoes, hats),
			now:     fixedNow,
			wantErr: ErrScopeMismatch,
		},
		{
			name:   "category scope with one matching line",
			coupon: testCoupon(func(c *Coupon) { c.Scope = CategoryScope("hats") }),
			cart:   cartOf(shoes, hats),
			now:    fixedNow,
		},
		{
			name:    "product scope checked before min purchase",
			coupon:  testCoupon(func(c *Coupon) { c.Scope = ProductScope("p9"); c.MinPurchase = 1_000_000 }),
			cart:    cartOf(shoes),
			now:     fixedNow,
			wantErr: ErrScopeMismatch,
		},
		{
			name:   "product scope matches",
			coupon: testCoupon(func(c *Coupon) { c.Scope = ProductScope("p2") }),
			cart:   cartOf(shoes, hats),
			now:    fixedNow,
		},
		{
			name:    "subtotal one below min purchase",
			coupon:  testCoupon(func(c *Coupon) { c.MinPurchase = 1501 }),
			cart:    cartOf(shoes),
			now:     fixedNow,
			wantErr: ErrBelowMinPurchase,
		},
		{
			name:   "subtotal equal to min purchase",
			coupon: testCoupon(func(c *Coupon) { c.MinPurchase = 1500 }),
			cart:   cartOf(shoes),
			now:    fixedNow,
		},
		{
			name:    "subtotal overflow is not a valid purchase",
			coupon:  testCoupon(nil),
			cart:    cartOf(LineItem{ProductID: "p1", Category: "shoes", UnitPrice: 3000, Quantity: 4e15}),
			now:     fixedNow,
			wantErr: money.ErrOverflow,
		},
		{
			name:    "usage exhausted",
			coupon:  testCoupon(func(c *Coupon) { c.TimesUsed = 5 }),
			cart:    cartOf(shoes),
			now:     fixedNow,
			wantErr: ErrUsageExhausted,
		},
		{
			name:   "one use left",
			coupon: testCoupon(func(c *Coupon) { c.TimesUsed = 4 }),
			cart:   cartOf(shoes),
			now:    fixedNow,
		},
		{
			name:   "unlimited ignores usage",
			coupon: testCoupon(func(c *Coupon) { c.Unlimited = true; c.UsageLimit = 0; c.TimesUsed = 1000 }),
			cart:   cartOf(shoes),
			now:    fixedNow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCoupon(tt.coupon, tt.cart, tt.now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestChecker_Check(t *testing.T) {
	t.Run("normalizes code before lookup", func(t *testing.T) {
		repo := &mockReader{coupon: testCoupon(nil)}
		v := NewChecker(repo)
		v.now = func() time.Time { return fixedNow }

		c, err := v.Check(context.Background(), "  save10 ", cartOf(LineItem{ProductID: "p1", UnitPrice: 2000, Quantity: 1}))
		require.NoError(t, err)
		assert.Equal(t, "SAVE10", repo.code)
		assert.Equal(t, "c1", c.ID)
	})

	t.Run("not found is returned as is", func(t *testing.T) {
		v := NewChecker(&mockReader{err: errors.Wrap(ErrNotFound, "select")})

		_, err := v.Check(context.Background(), "NOPE", Cart{})
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, "not_found", Reason(err))
	})

	t.Run("storage failure is wrapped", func(t *testing.T) {
		v := NewChecker(&mockReader{err: ErrStorageUnavailable})

		_, err := v.Check(context.Background(), "SAVE10", Cart{})
		require.ErrorIs(t, err, ErrStorageUnavailable)
		assert.Contains(t, err.Error(), "lookup coupon")
		assert.Empty(t, Reason(err))
	})

	t.Run("reservation conflict is not a validation reason", func(t *testing.T) {
		assert.Empty(t, Reason(errors.Wrap(ErrConflict, "reserve")))
	})

	t.Run("validation failure has a reason", func(t *testing.T) {
		v := NewChecker(&mockReader{coupon: testCoupon(nil)})
		v.now = func() time.Time { return fixedNow }

		_, err := v.Check(context.Background(), "SAVE10", cartOf(LineItem{ProductID: "p1", UnitPrice: money.Amount(10), Quantity: 1}))
		require.ErrorIs(t, err, ErrBelowMinPurchase)
		assert.Equal(t, "below_min_purchase", Reason(err))
	})
}

func TestScope_Matches(t *testing.T) {
	items := []LineItem{
		{ProductID: "p1", Category: "shoes", Quantity: 1},
		{ProductID: "p2", Category: "hats", Quantity: 0},
	}

	assert.True(t, Unscoped().Matches(nil))
	assert.True(t, CategoryScope("shoes").Matches(items))
	assert.False(t, CategoryScope("hats").Matches(items), "zero quantity line does not count")
	assert.True(t, ProductScope("p1").Matches(items))
	assert.False(t, ProductScope("p3").Matches(items))
	assert.False(t, CategoryScope("shoes").Matches(nil))
}

func TestNewScope(t *testing.T) {
	s, err := NewScope(ScopeCategory, "shoes")
	require.NoError(t, err)
	assert.Equal(t, ScopeCategory, s.Kind())
	assert.Equal(t, "shoes", s.Target())

	_, err = NewScope(ScopeProduct, "")
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	kind, err := ParseScopeKind(ScopeProduct.String())
	require.NoError(t, err)
	assert.Equal(t, ScopeProduct, kind)

	_, err = ParseScopeKind("brand")
	require.Error(t, err)
}
