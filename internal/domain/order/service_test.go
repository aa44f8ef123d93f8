package order

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/money"
)

// --- Mock implementations ---

type mockProductRepo struct {
	byID   map[string]*product.Product
	getErr error
}

func (m *mockProductRepo) List(_ context.Context) ([]product.Product, error) {
	return nil, nil
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

type mockValidator struct {
	mu     sync.Mutex
	coupon *coupon.Coupon
	errs   []error
	calls  int
}

func (m *mockValidator) Check(_ context.Context, _ string, _ coupon.Cart) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	return m.coupon, nil
}

type mockRedeemer struct {
	mu          sync.Mutex
	reserveErrs []error
	reserves    int
	releases    []string
	finalized   []string
	finalizeErr error
}

func (m *mockRedeemer) Reserve(_ context.Context, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.reserves
	m.reserves++
	if i < len(m.reserveErrs) {
		return m.reserveErrs[i]
	}
	return nil
}

func (m *mockRedeemer) Release(_ context.Context, _, orderID string) (coupon.ReleaseOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, orderID)
	return coupon.Released, nil
}

func (m *mockRedeemer) Finalize(_ context.Context, _, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = append(m.finalized, orderID)
	return m.finalizeErr
}

type mockOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]*Order
	createErr error
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.orders == nil {
		m.orders = make(map[string]*Order)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) Transition(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// --- Helpers ---

func newTestProduct(id string, price money.Amount) product.Product {
	return product.Product{ID: id, Name: "Product " + id, Price: price, Category: "test"}
}

func newProductRepo(products ...product.Product) *mockProductRepo {
	byID := make(map[string]*product.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}
	return &mockProductRepo{byID: byID}
}

func save20() *coupon.Coupon {
	maxDiscount := money.Amount(500)
	return &coupon.Coupon{
		ID: "c-save20",
		Definition: coupon.Definition{
			Code:          "SAVE20",
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(20),
			MinPurchase:   1000,
			MaxDiscount:   &maxDiscount,
			Active:        true,
			UsageLimit:    10,
		},
	}
}

var fastRetry = RetryConfig{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func newTestEngine(products *mockProductRepo, v Validator, r Redeemer, orders Repository) *Engine {
	e := NewEngine(products, v, r, orders, Options{Retry: fastRetry})
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ids := 0
	e.newID = func() string {
		ids++
		return "order-" + string(rune('0'+ids))
	}
	return e
}

// --- Quote ---

func TestQuote_EmptyItems(t *testing.T) {
	e := newTestEngine(newProductRepo(), &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

	_, err := e.Quote(context.Background(), QuoteRequest{})
	require.ErrorIs(t, err, ErrEmptyItems)
}

func TestQuote_InvalidQuantity(t *testing.T) {
	tests := []struct {
		name     string
		quantity int
	}{
		{name: "zero", quantity: 0},
		{name: "negative", quantity: -3},
		{name: "above max", quantity: MaxQuantity + 1},
		{name: "wraps subtotal", quantity: 4e15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(newProductRepo(newTestProduct("p1", 3000)), &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

			_, err := e.Quote(context.Background(), QuoteRequest{
				Items: []OrderItem{{ProductID: "p1", Quantity: tt.quantity}},
			})

			var iqErr *InvalidQuantityError
			require.ErrorAs(t, err, &iqErr)
			assert.Equal(t, "p1", iqErr.ProductID)
			assert.Equal(t, tt.quantity, iqErr.Quantity)
			assert.ErrorIs(t, err, ErrInvalidQuantity)
		})
	}
}

func TestQuote_MaxQuantityAccepted(t *testing.T) {
	e := newTestEngine(newProductRepo(newTestProduct("p1", 3000)), &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

	q, err := e.Quote(context.Background(), QuoteRequest{
		Items: []OrderItem{{ProductID: "p1", Quantity: MaxQuantity}},
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(3000*MaxQuantity), q.Subtotal)
}

func TestCheckout_SubtotalOverflowStoresNothing(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", money.Amount(math.MaxInt64/4)), newTestProduct("p2", money.Amount(math.MaxInt64/4)))
	orders := &mockOrderRepo{}
	e := newTestEngine(products, &mockValidator{}, &mockRedeemer{}, orders)

	_, err := e.Checkout(context.Background(), QuoteRequest{
		Items: []OrderItem{{ProductID: "p1", Quantity: 3}, {ProductID: "p2", Quantity: 3}},
	})
	require.ErrorIs(t, err, money.ErrOverflow)
	assert.Empty(t, orders.orders)
}

func TestQuote_ProductNotFound(t *testing.T) {
	e := newTestEngine(newProductRepo(), &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

	_, err := e.Quote(context.Background(), QuoteRequest{
		Items: []OrderItem{{ProductID: "missing", Quantity: 1}},
	})

	var pnfErr *ProductNotFoundError
	require.ErrorAs(t, err, &pnfErr)
	assert.Equal(t, "missing", pnfErr.ProductID)
}

func TestQuote_NoCoupon(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 1000), newTestProduct("p2", 2000))
	e := newTestEngine(products, &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

	q, err := e.Quote(context.Background(), QuoteRequest{
		Items: []OrderItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(4000), q.Subtotal)
	assert.Equal(t, money.Zero, q.Discount)
	assert.Equal(t, money.Amount(4000), q.Total)
	assert.Nil(t, q.Coupon)
	assert.Len(t, q.Products, 2)
}

func TestQuote_PercentageCapped(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	e := newTestEngine(products, &mockValidator{coupon: save20()}, &mockRedeemer{}, &mockOrderRepo{})

	q, err := e.Quote(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "save20",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(3000), q.Subtotal)
	assert.Equal(t, money.Amount(500), q.Discount)
	assert.Equal(t, money.Amount(2500), q.Total)
}

func TestQuote_ChargesAppliedAfterDiscount(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	e := NewEngine(products, &mockValidator{coupon: save20()}, &mockRedeemer{}, &mockOrderRepo{}, Options{
		Charges: FlatShipping{Fee: 499, FreeOver: 3000},
		Retry:   fastRetry,
	})

	q, err := e.Quote(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.NoError(t, err)
	// 2500 after discount is below the free shipping threshold.
	assert.Equal(t, money.Amount(499), q.Shipping)
	assert.Equal(t, money.Amount(2999), q.Total)
}

func TestQuote_CouponRejected(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	e := newTestEngine(products, &mockValidator{errs: []error{coupon.ErrExpired}}, &mockRedeemer{}, &mockOrderRepo{})

	_, err := e.Quote(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "OLD",
	})
	require.ErrorIs(t, err, coupon.ErrExpired)
}

func TestQuote_RetriesUnavailableLookup(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	v := &mockValidator{coupon: save20(), errs: []error{coupon.ErrStorageUnavailable}}
	e := newTestEngine(products, v, &mockRedeemer{}, &mockOrderRepo{})

	q, err := e.Quote(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), q.Discount)
	assert.Equal(t, 2, v.calls)
}

func TestQuote_ProductRepoError(t *testing.T) {
	products := newProductRepo()
	products.getErr = errors.New("db down")
	e := newTestEngine(products, &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

	_, err := e.Quote(context.Background(), QuoteRequest{
		Items: []OrderItem{{ProductID: "p1", Quantity: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get products")
}

// --- Checkout ---

func TestCheckout_WithCoupon(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	redeemer := &mockRedeemer{}
	orders := &mockOrderRepo{}
	e := newTestEngine(products, &mockValidator{coupon: save20()}, redeemer, orders)

	o, err := e.Checkout(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, money.Amount(2500), o.Total)
	require.NotNil(t, o.Coupon)
	assert.Equal(t, "SAVE20", o.Coupon.Code)
	assert.Equal(t, money.Amount(500), o.Coupon.Amount)
	assert.Equal(t, 1, redeemer.reserves)
	assert.Empty(t, redeemer.releases)

	stored, err := orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Total, stored.Total)
}

func TestCheckout_RetriesUnavailableReserve(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	redeemer := &mockRedeemer{reserveErrs: []error{coupon.ErrStorageUnavailable, coupon.ErrStorageUnavailable}}
	e := newTestEngine(products, &mockValidator{coupon: save20()}, redeemer, &mockOrderRepo{})

	_, err := e.Checkout(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, redeemer.reserves)
}

func TestCheckout_UnavailableAfterRetriesReleases(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	redeemer := &mockRedeemer{reserveErrs: []error{
		coupon.ErrStorageUnavailable, coupon.ErrStorageUnavailable, coupon.ErrStorageUnavailable,
	}}
	orders := &mockOrderRepo{}
	e := newTestEngine(products, &mockValidator{coupon: save20()}, redeemer, orders)

	_, err := e.Checkout(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.ErrorIs(t, err, coupon.ErrStorageUnavailable)
	assert.Equal(t, 3, redeemer.reserves)
	assert.Len(t, redeemer.releases, 1)
	assert.Empty(t, orders.orders)
}

func TestCheckout_ExhaustedRevalidates(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	// The first check passes, the re-validation sees the coupon used up.
	v := &mockValidator{coupon: save20(), errs: []error{nil, coupon.ErrUsageExhausted}}
	redeemer := &mockRedeemer{reserveErrs: []error{coupon.ErrUsageExhausted}}
	orders := &mockOrderRepo{}
	e := newTestEngine(products, v, redeemer, orders)

	_, err := e.Checkout(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.ErrorIs(t, err, coupon.ErrUsageExhausted)
	assert.Equal(t, 2, v.calls)
	assert.Equal(t, 1, redeemer.reserves)
	assert.Empty(t, orders.orders)
}

func TestCheckout_ExhaustedRevalidatedAndRetried(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	v := &mockValidator{coupon: save20()}
	redeemer := &mockRedeemer{reserveErrs: []error{coupon.ErrUsageExhausted}}
	e := newTestEngine(products, v, redeemer, &mockOrderRepo{})

	o, err := e.Checkout(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), o.Discount)
	assert.Equal(t, 2, v.calls)
	assert.Equal(t, 2, redeemer.reserves)
}

func TestCheckout_CreateFailureReleases(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 3000))
	redeemer := &mockRedeemer{}
	orders := &mockOrderRepo{createErr: errors.New("insert failed")}
	e := newTestEngine(products, &mockValidator{coupon: save20()}, redeemer, orders)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.Checkout(ctx, QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
	assert.Equal(t, []string{"order-1"}, redeemer.releases)
}

func TestCheckout_WithoutCouponSkipsReserve(t *testing.T) {
	products := newProductRepo(newTestProduct("p1", 50))
	redeemer := &mockRedeemer{}
	e := newTestEngine(products, &mockValidator{}, redeemer, &mockOrderRepo{})

	o, err := e.Checkout(context.Background(), QuoteRequest{
		Items: []OrderItem{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Nil(t, o.Coupon)
	assert.Equal(t, money.Amount(50), o.Total)
	assert.Zero(t, redeemer.reserves)
}

// --- Complete / Cancel ---

func placeOrder(t *testing.T, e *Engine) *Order {
	t.Helper()
	o, err := e.Checkout(context.Background(), QuoteRequest{
		Items:      []OrderItem{{ProductID: "p1", Quantity: 1}},
		CouponCode: "SAVE20",
	})
	require.NoError(t, err)
	return o
}

func TestComplete_FinalizesReservation(t *testing.T) {
	redeemer := &mockRedeemer{}
	e := newTestEngine(newProductRepo(newTestProduct("p1", 3000)), &mockValidator{coupon: save20()}, redeemer, &mockOrderRepo{})
	o := placeOrder(t, e)

	done, err := e.Complete(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, []string{o.ID}, redeemer.finalized)

	_, err = e.Cancel(context.Background(), o.ID)
	require.ErrorIs(t, err, ErrStatusConflict)
	assert.Empty(t, redeemer.releases)
}

func TestComplete_RetriesFailedFinalize(t *testing.T) {
	redeemer := &mockRedeemer{finalizeErr: coupon.ErrStorageUnavailable}
	e := newTestEngine(newProductRepo(newTestProduct("p1", 3000)), &mockValidator{coupon: save20()}, redeemer, &mockOrderRepo{})
	o := placeOrder(t, e)

	_, err := e.Complete(context.Background(), o.ID)
	require.ErrorIs(t, err, coupon.ErrStorageUnavailable)
	assert.Len(t, redeemer.finalized, fastRetry.Attempts)

	redeemer.finalizeErr = nil
	done, err := e.Complete(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Len(t, redeemer.finalized, fastRetry.Attempts+1)
	assert.Equal(t, o.ID, redeemer.finalized[len(redeemer.finalized)-1])
}

func TestCancel_ReleasesIdempotently(t *testing.T) {
	redeemer := &mockRedeemer{}
	e := newTestEngine(newProductRepo(newTestProduct("p1", 3000)), &mockValidator{coupon: save20()}, redeemer, &mockOrderRepo{})
	o := placeOrder(t, e)

	cancelled, err := e.Cancel(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = e.Cancel(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID, o.ID}, redeemer.releases)

	_, err = e.Complete(context.Background(), o.ID)
	require.ErrorIs(t, err, ErrStatusConflict)
	assert.Empty(t, redeemer.finalized)
}

func TestCancel_UnknownOrder(t *testing.T) {
	e := newTestEngine(newProductRepo(), &mockValidator{}, &mockRedeemer{}, &mockOrderRepo{})

	_, err := e.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
