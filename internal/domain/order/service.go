package order

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/money"
)

// MaxQuantity is the largest quantity accepted on a single line.
const MaxQuantity = 10_000

// Sentinel errors for order validation.
var (
	ErrEmptyItems      = fmt.Errorf("items required")
	ErrInvalidQuantity = fmt.Errorf("quantity out of range")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item quantity outside [1, MaxQuantity].
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	if e.Quantity <= 0 {
		return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
	}
	return fmt.Sprintf("quantity %d exceeds %d for product %s", e.Quantity, MaxQuantity, e.ProductID)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// Validator checks a coupon code against a cart.
type Validator interface {
	Check(ctx context.Context, code string, cart coupon.Cart) (*coupon.Coupon, error)
}

// Redeemer reserves, releases and finalizes coupon uses.
type Redeemer interface {
	Reserve(ctx context.Context, couponID, orderID string) error
	Release(ctx context.Context, couponID, orderID string) (coupon.ReleaseOutcome, error)
	Finalize(ctx context.Context, couponID, orderID string) error
}

// RetryConfig bounds retries of transient storage failures.
type RetryConfig struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetry is used when Options.Retry is zero.
var DefaultRetry = RetryConfig{Attempts: 3, Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond}

// Options holds the optional collaborators of an Engine.
type Options struct {
	Charges        Charges
	Retry          RetryConfig
	TracerProvider trace.TracerProvider
}

// QuoteRequest is what checkout submits: the cart lines and an optional code.
type QuoteRequest struct {
	Items      []OrderItem
	CouponCode string
}

// Quote is a priced cart. Coupon is nil when no code was given.
type Quote struct {
	Items    []OrderItem
	Products []product.Product
	Cart     coupon.Cart
	Subtotal money.Amount
	Discount money.Amount
	Shipping money.Amount
	Tax      money.Amount
	Total    money.Amount
	Coupon   *coupon.Coupon
}

// Engine prices carts and drives the order side of coupon redemption:
// validate, compute the discount, reserve a use, then commit the order or
// release the use.
type Engine struct {
	products    product.Repository
	coupons     Validator
	redemptions Redeemer
	orders      Repository
	charges     Charges
	retry       RetryConfig
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

// NewEngine creates an Engine with the required domain dependencies.
func NewEngine(
	products product.Repository,
	coupons Validator,
	redemptions Redeemer,
	orders Repository,
	opts Options,
) *Engine {
	if opts.Charges == nil {
		opts.Charges = FlatShipping{}
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetry
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Engine{
		products:    products,
		coupons:     coupons,
		redemptions: redemptions,
		orders:      orders,
		charges:     opts.Charges,
		retry:       opts.Retry,
		tracer:      opts.TracerProvider.Tracer("kart-coupons/order"),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// Quote prices the request without reserving anything. Coupon validation
// failures are returned as the coupon package sentinels.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	ctx, span := e.tracer.Start(ctx, "order.Quote")
	defer span.End()

	q, err := e.buildCart(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	if req.CouponCode != "" {
		var c *coupon.Coupon
		err := e.withRetry(ctx, func() error {
			var err error
			c, err = e.coupons.Check(ctx, req.CouponCode, q.Cart)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "validate coupon")
		}
		q.Coupon = c
		q.Discount = coupon.ComputeDiscount(c, q.Subtotal)
		span.SetAttributes(attribute.String("coupon.id", c.ID))
	}

	q.Shipping, q.Tax, err = e.charges.Charges(ctx, q.Cart, q.Subtotal-q.Discount)
	if err != nil {
		return nil, errors.Wrap(err, "charges")
	}
	if q.Total, err = Total(q.Subtotal, q.Discount, q.Shipping, q.Tax); err != nil {
		return nil, errors.Wrap(err, "total")
	}
	return q, nil
}

// Checkout quotes the request, reserves a coupon use when a code is given,
// and persists a pending order carrying the discount snapshot. If the order
// cannot be stored the reservation is released before the error is returned.
//
// When the reservation loses the race for the last use, the coupon is
// validated again; the typed validation error (usually
// coupon.ErrUsageExhausted) is returned and the caller may re-quote without
// the code.
func (e *Engine) Checkout(ctx context.Context, req QuoteRequest) (*Order, error) {
	ctx, span := e.tracer.Start(ctx, "order.Checkout")
	defer span.End()

	q, err := e.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	orderID := e.newID()
	span.SetAttributes(attribute.String("order.id", orderID))
	if q.Coupon != nil {
		if q, err = e.reserve(ctx, req, q, orderID); err != nil {
			return nil, err
		}
	}

	now := e.now()
	o := &Order{
		ID:        orderID,
		Items:     q.Items,
		Subtotal:  q.Subtotal,
		Discount:  q.Discount,
		Shipping:  q.Shipping,
		Tax:       q.Tax,
		Total:     q.Total,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if q.Coupon != nil {
		o.Coupon = &AppliedCoupon{
			CouponID:     q.Coupon.ID,
			Code:         q.Coupon.Code,
			DiscountType: q.Coupon.DiscountType,
			Amount:       q.Discount,
		}
	}

	if err := e.orders.Create(ctx, o); err != nil {
		if o.Coupon != nil {
			e.compensate(ctx, o.Coupon.CouponID, orderID)
		}
		return nil, errors.Wrap(err, "create order")
	}

	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.Int64("total", int64(o.Total)),
		zap.Int64("discount", int64(o.Discount)),
	)
	return o, nil
}

// reserve claims a use for orderID. A lost race is followed by exactly one
// re-validation; only if the coupon still checks out is the reserve retried.
func (e *Engine) reserve(ctx context.Context, req QuoteRequest, q *Quote, orderID string) (*Quote, error) {
	err := e.withRetry(ctx, func() error {
		return e.redemptions.Reserve(ctx, q.Coupon.ID, orderID)
	})
	if err == nil {
		return q, nil
	}
	if errors.Is(err, coupon.ErrStorageUnavailable) {
		// The reserve may have landed before the connection dropped.
		e.compensate(ctx, q.Coupon.ID, orderID)
		return nil, err
	}
	if !errors.Is(err, coupon.ErrUsageExhausted) && !errors.Is(err, coupon.ErrConflict) {
		return nil, err
	}

	zctx.From(ctx).Info("Coupon reservation lost, re-validating",
		zap.String("coupon_id", q.Coupon.ID),
		zap.String("order_id", orderID),
	)
	fresh, err := e.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	err = e.withRetry(ctx, func() error {
		return e.redemptions.Reserve(ctx, fresh.Coupon.ID, orderID)
	})
	if err != nil {
		if errors.Is(err, coupon.ErrStorageUnavailable) {
			e.compensate(ctx, fresh.Coupon.ID, orderID)
		}
		return nil, err
	}
	return fresh, nil
}

// compensate releases the reservation of an order that will not be
// committed. It survives cancellation of the request context.
func (e *Engine) compensate(ctx context.Context, couponID, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	lg := zctx.From(ctx).With(zap.String("coupon_id", couponID), zap.String("order_id", orderID))
	err := e.withRetry(ctx, func() error {
		_, err := e.redemptions.Release(ctx, couponID, orderID)
		return err
	})
	if err != nil {
		lg.Error("Failed to release coupon reservation", zap.Error(err))
		return
	}
	lg.Info("Coupon reservation compensated")
}

// Complete marks a pending order as paid and finalizes its reservation.
// Completing a completed order finalizes again, so a finalize that failed
// after the status change is repaired by calling Complete once more.
func (e *Engine) Complete(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.Status != StatusCompleted {
		now := e.now()
		if err := e.orders.Transition(ctx, orderID, StatusPending, StatusCompleted, now); err != nil {
			return nil, errors.Wrap(err, "complete order")
		}
		o.Status = StatusCompleted
		o.UpdatedAt = now
	}

	if o.Coupon != nil {
		err := e.withRetry(ctx, func() error {
			return e.redemptions.Finalize(ctx, o.Coupon.CouponID, orderID)
		})
		if err != nil {
			return nil, errors.Wrap(err, "finalize coupon")
		}
	}
	return o, nil
}

// Cancel abandons a pending order and releases its coupon use. Cancelling an
// already cancelled order repeats the release, which is a no-op once done.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}

	switch o.Status {
	case StatusCompleted:
		return nil, errors.Wrapf(ErrStatusConflict, "order %s is completed", orderID)
	case StatusPending:
		now := e.now()
		if err := e.orders.Transition(ctx, orderID, StatusPending, StatusCancelled, now); err != nil {
			return nil, errors.Wrap(err, "cancel order")
		}
		o.Status = StatusCancelled
		o.UpdatedAt = now
	}

	if o.Coupon != nil {
		err := e.withRetry(ctx, func() error {
			_, err := e.redemptions.Release(ctx, o.Coupon.CouponID, orderID)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "release coupon")
		}
	}
	return o, nil
}

// buildCart validates items and prices them from the catalog.
func (e *Engine) buildCart(ctx context.Context, items []OrderItem) (*Quote, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	// Validate quantities and collect product IDs.
	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 || item.Quantity > MaxQuantity {
			return nil, &InvalidQuantityError{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		ids[i] = item.ProductID
	}

	fetched, err := e.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}

	productMap := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		productMap[p.ID] = p
	}

	q := &Quote{
		Items:    items,
		Products: make([]product.Product, 0, len(items)),
		Cart:     coupon.Cart{Items: make([]coupon.LineItem, 0, len(items))},
	}
	for _, item := range items {
		p, ok := productMap[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		q.Products = append(q.Products, p)
		q.Cart.Items = append(q.Cart.Items, coupon.LineItem{
			ProductID: p.ID,
			Category:  p.Category,
			UnitPrice: p.Price,
			Quantity:  item.Quantity,
		})
	}
	if q.Subtotal, err = q.Cart.Subtotal(); err != nil {
		return nil, err
	}
	return q, nil
}

// withRetry runs op, retrying only coupon.ErrStorageUnavailable with
// exponential backoff up to the configured attempt budget.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.Initial
	b.MaxInterval = e.retry.Max

	retries := uint64(0)
	if e.retry.Attempts > 1 {
		retries = uint64(e.retry.Attempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, coupon.ErrStorageUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
