package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/order"
	"github.com/xenking/kart-coupons/internal/money"
)

const (
	createOrderSQL = `INSERT INTO orders (id, items, subtotal, discount, shipping, tax, total,
		coupon_id, coupon_code, coupon_discount_type, coupon_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

	getOrderSQL = `SELECT id, items, subtotal, discount, shipping, tax, total,
		coupon_id::text, coupon_code, coupon_discount_type, coupon_amount, status, created_at, updated_at
		FROM orders WHERE id = $1`

	transitionOrderSQL = `UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	orderExistsSQL     = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderStore)(nil)

// OrderStore implements order.Repository backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create persists a new order. The order items are serialized to JSON for
// storage in the JSONB column.
func (r *OrderStore) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	var (
		couponID     *uuid.UUID
		couponCode   *string
		discountType *string
		couponAmount *int64
	)
	if c := o.Coupon; c != nil {
		if id, err := uuid.Parse(c.CouponID); err == nil {
			couponID = &id
		}
		dt := string(c.DiscountType)
		amount := int64(c.Amount)
		couponCode, discountType, couponAmount = &c.Code, &dt, &amount
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, itemsJSON, int64(o.Subtotal), int64(o.Discount), int64(o.Shipping), int64(o.Tax), int64(o.Total),
		couponID, couponCode, discountType, couponAmount, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return wrapTransient(err, fmt.Sprintf("creating order %q", o.ID))
	}
	return nil
}

func (r *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, wrapTransient(err, "query order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, wrapTransient(err, "scan order")
	}
	return o, nil
}

// Transition updates the status only if the order is still in from.
func (r *OrderStore) Transition(ctx context.Context, id string, from, to order.Status, at time.Time) error {
	tag, err := r.pool.Exec(ctx, transitionOrderSQL, id, string(from), string(to), at)
	if err != nil {
		return wrapTransient(err, "transition order")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return wrapTransient(err, "check order")
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o            order.Order
		itemsJSON    []byte
		subtotal     int64
		discount     int64
		shipping     int64
		tax          int64
		total        int64
		couponID     *string
		couponCode   *string
		discountType *string
		couponAmount *int64
		status       string
	)
	err := row.Scan(
		&o.ID, &itemsJSON, &subtotal, &discount, &shipping, &tax, &total,
		&couponID, &couponCode, &discountType, &couponAmount, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}

	o.Subtotal = money.Amount(subtotal)
	o.Discount = money.Amount(discount)
	o.Shipping = money.Amount(shipping)
	o.Tax = money.Amount(tax)
	o.Total = money.Amount(total)
	o.Status = order.Status(status)
	if couponCode != nil {
		applied := &order.AppliedCoupon{Code: *couponCode}
		if couponID != nil {
			applied.CouponID = *couponID
		}
		if discountType != nil {
			applied.DiscountType = coupon.DiscountType(*discountType)
		}
		if couponAmount != nil {
			applied.Amount = money.Amount(*couponAmount)
		}
		o.Coupon = applied
	}
	return &o, nil
}
