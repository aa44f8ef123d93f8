package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

// Status is the lifecycle state of an order.
type Status string

const (
	// StatusPending orders hold an open coupon reservation, if any.
	StatusPending Status = "pending"
	// StatusCompleted orders were paid; their reservation is committed.
	StatusCompleted Status = "completed"
	// StatusCancelled orders were abandoned; their reservation is released.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStatusConflict is returned when an order is not in the expected
	// status for a transition.
	ErrStatusConflict = errors.New("order status conflict")
)

// Order is a placed order with its pricing breakdown in minor units.
type Order struct {
	ID       string
	Items    []OrderItem
	Subtotal money.Amount
	Discount money.Amount
	Shipping money.Amount
	Tax      money.Amount
	Total    money.Amount
	// Coupon is the discount snapshot taken at checkout. It never changes
	// when the coupon is edited or deleted later.
	Coupon    *AppliedCoupon
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem represents a single line item in an order.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// AppliedCoupon is the immutable copy of the coupon terms an order used.
type AppliedCoupon struct {
	CouponID     string
	Code         string
	DiscountType coupon.DiscountType
	Amount       money.Amount
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Transition moves an order from one status to another. It returns
	// ErrStatusConflict when the order is not in status from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) error
}
