package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

const couponColumns = `id::text, code, description, discount_type, discount_value,
	min_purchase, max_discount, scope_kind, scope_target, valid_from, valid_until,
	active, usage_limit, unlimited, times_used, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = UPPER($1)`
	getCouponByIDSQL   = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	insertCouponSQL = `INSERT INTO coupons (id, code, description, discount_type, discount_value,
		min_purchase, max_discount, scope_kind, scope_target, valid_from, valid_until,
		active, usage_limit, unlimited, times_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $15)`

	// The limit predicate makes the check and the write one statement.
	updateCouponSQL = `UPDATE coupons SET description = $2, discount_type = $3, discount_value = $4,
		min_purchase = $5, max_discount = $6, scope_kind = $7, scope_target = $8,
		valid_from = $9, valid_until = $10, active = $11, usage_limit = $12, unlimited = $13,
		updated_at = $14
		WHERE id = $1 AND ($13 OR $12 >= times_used)
		RETURNING ` + couponColumns

	setCouponActiveSQL = `UPDATE coupons SET active = $2, updated_at = $3 WHERE id = $1`
	deleteCouponSQL    = `DELETE FROM coupons WHERE id = $1`
	listCouponsSQL     = `SELECT code, active FROM coupons ORDER BY code`
	couponExistsSQL    = `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`

	claimReservationSQL = `INSERT INTO coupon_reservations (order_id, coupon_id, status, created_at, updated_at)
		VALUES ($1, $2, 'reserved', $3, $3)
		ON CONFLICT (order_id) DO NOTHING`
	lockReservationSQL = `SELECT coupon_id::text, status FROM coupon_reservations
		WHERE order_id = $1 FOR UPDATE`
	reopenReservationSQL = `UPDATE coupon_reservations SET status = 'reserved', updated_at = $2
		WHERE order_id = $1`
	incrementUsageSQL = `UPDATE coupons SET times_used = times_used + 1
		WHERE id = $1 AND (unlimited OR times_used < usage_limit)`

	releaseReservationSQL = `UPDATE coupon_reservations SET status = 'released', updated_at = $3
		WHERE order_id = $1 AND coupon_id = $2 AND status = 'reserved'`
	decrementUsageSQL   = `UPDATE coupons SET times_used = times_used - 1 WHERE id = $1 AND times_used > 0`
	reservationStateSQL = `SELECT status FROM coupon_reservations WHERE order_id = $1 AND coupon_id = $2`

	finalizeReservationSQL = `UPDATE coupon_reservations SET status = 'committed', updated_at = $3
		WHERE order_id = $1 AND coupon_id = $2 AND status IN ('reserved', 'committed')`
)

var _ coupon.Store = (*CouponStore)(nil)

// CouponStore implements coupon.Store backed by PostgreSQL.
type CouponStore struct {
	pool *pgxpool.Pool
}

// NewCouponStore returns a CouponStore that uses the given pool.
func NewCouponStore(pool *pgxpool.Pool) *CouponStore {
	return &CouponStore{pool: pool}
}

// FindByCode looks up a coupon by code, case-insensitively.
func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return s.findOne(ctx, getCouponByCodeSQL, code)
}

func (s *CouponStore) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, coupon.ErrNotFound
	}
	return s.findOne(ctx, getCouponByIDSQL, uid)
}

func (s *CouponStore) findOne(ctx context.Context, query string, arg any) (*coupon.Coupon, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, wrapTransient(err, "query coupon")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, wrapTransient(err, "scan coupon")
	}
	return c, nil
}

// Reserve claims the order's reservation row first, then takes a use with a
// conditional increment. Both happen in one transaction, so a lost race
// leaves neither behind.
func (s *CouponStore) Reserve(ctx context.Context, couponID, orderID string, at time.Time) error {
	uid, err := uuid.Parse(couponID)
	if err != nil {
		return coupon.ErrNotFound
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, claimReservationSQL, orderID, uid, at)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			var heldBy, status string
			if err := tx.QueryRow(ctx, lockReservationSQL, orderID).Scan(&heldBy, &status); err != nil {
				return err
			}
			if heldBy != uid.String() {
				return coupon.ErrConflict
			}
			switch coupon.ReservationStatus(status) {
			case coupon.ReservationReserved:
				return nil
			case coupon.ReservationCommitted:
				return coupon.ErrConflict
			}
			if _, err := tx.Exec(ctx, reopenReservationSQL, orderID, at); err != nil {
				return err
			}
		}

		tag, err = tx.Exec(ctx, incrementUsageSQL, uid)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return coupon.ErrUsageExhausted
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coupon.ErrUsageExhausted), errors.Is(err, coupon.ErrConflict):
		return err
	}
	if pgCode(err) == codeForeignKeyViolation {
		return coupon.ErrNotFound
	}
	return wrapTransient(err, "reserve coupon")
}

// Release returns the use held by the order's open reservation.
func (s *CouponStore) Release(ctx context.Context, couponID, orderID string, at time.Time) (coupon.ReleaseOutcome, error) {
	uid, err := uuid.Parse(couponID)
	if err != nil {
		return coupon.NoOpAlreadyReleased, nil
	}
	var outcome coupon.ReleaseOutcome
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, releaseReservationSQL, orderID, uid, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, decrementUsageSQL, uid); err != nil {
				return err
			}
			outcome = coupon.Released
			return nil
		}

		var status string
		err = tx.QueryRow(ctx, reservationStateSQL, orderID, uid).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		case coupon.ReservationStatus(status) == coupon.ReservationCommitted:
			return coupon.ErrConflict
		}
		outcome = coupon.NoOpAlreadyReleased
		return nil
	})
	if err != nil {
		if errors.Is(err, coupon.ErrConflict) {
			return 0, err
		}
		return 0, wrapTransient(err, "release coupon")
	}
	return outcome, nil
}

func (s *CouponStore) Finalize(ctx context.Context, couponID, orderID string, at time.Time) error {
	uid, err := uuid.Parse(couponID)
	if err != nil {
		return coupon.ErrConflict
	}
	tag, err := s.pool.Exec(ctx, finalizeReservationSQL, orderID, uid, at)
	if err != nil {
		return wrapTransient(err, "finalize coupon")
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrConflict
	}
	return nil
}

func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	uid, err := uuid.Parse(c.ID)
	if err != nil {
		return errors.Wrap(err, "coupon id")
	}
	kind, target := c.Scope.Kind().String(), c.Scope.Target()
	_, err = s.pool.Exec(ctx, insertCouponSQL,
		uid, coupon.NormalizeCode(c.Code), c.Description, string(c.DiscountType), c.DiscountValue,
		int64(c.MinPurchase), maxDiscountParam(c.MaxDiscount), kind, target, c.ValidFrom, c.ValidUntil,
		c.Active, c.UsageLimit, c.Unlimited, c.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return coupon.ErrCodeTaken
		}
		return wrapTransient(err, "insert coupon")
	}
	return nil
}

func (s *CouponStore) Update(ctx context.Context, id string, def coupon.Definition, at time.Time) (*coupon.Coupon, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, coupon.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, updateCouponSQL,
		uid, def.Description, string(def.DiscountType), def.DiscountValue,
		int64(def.MinPurchase), maxDiscountParam(def.MaxDiscount), def.Scope.Kind().String(), def.Scope.Target(),
		def.ValidFrom, def.ValidUntil, def.Active, def.UsageLimit, def.Unlimited, at,
	)
	if err != nil {
		return nil, wrapTransient(err, "update coupon")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapTransient(err, "update coupon")
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, couponExistsSQL, uid).Scan(&exists); err != nil {
		return nil, wrapTransient(err, "check coupon")
	}
	if !exists {
		return nil, coupon.ErrNotFound
	}
	return nil, coupon.ErrLimitBelowUsage
}

func (s *CouponStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return coupon.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, setCouponActiveSQL, uid, active, at)
	if err != nil {
		return wrapTransient(err, "set coupon active")
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// Delete removes the coupon and, by cascade, its reservations.
func (s *CouponStore) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return coupon.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, deleteCouponSQL, uid)
	if err != nil {
		return wrapTransient(err, "delete coupon")
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func (s *CouponStore) List(ctx context.Context) ([]coupon.Listing, error) {
	rows, err := s.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, wrapTransient(err, "list coupons")
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.Listing, error) {
		var l coupon.Listing
		err := row.Scan(&l.Code, &l.Active)
		return l, err
	})
	if err != nil {
		return nil, wrapTransient(err, "scan coupons")
	}
	return list, nil
}

// Ping checks that the database answers.
func (s *CouponStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func maxDiscountParam(a *money.Amount) *int64 {
	if a == nil {
		return nil
	}
	v := int64(*a)
	return &v
}

func scanCoupon(row pgx.CollectableRow) (*coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		value        decimal.Decimal
		minPurchase  int64
		maxDiscount  *int64
		scopeKind    string
		scopeTarget  string
		usageLimit   int32
		timesUsed    int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &value,
		&minPurchase, &maxDiscount, &scopeKind, &scopeTarget, &c.ValidFrom, &c.ValidUntil,
		&c.Active, &usageLimit, &c.Unlimited, &timesUsed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	kind, err := coupon.ParseScopeKind(scopeKind)
	if err != nil {
		return nil, err
	}
	if c.Scope, err = coupon.NewScope(kind, scopeTarget); err != nil {
		return nil, err
	}
	c.DiscountType = coupon.DiscountType(discountType)
	c.DiscountValue = value
	c.MinPurchase = money.Amount(minPurchase)
	if maxDiscount != nil {
		v := money.Amount(*maxDiscount)
		c.MaxDiscount = &v
	}
	c.UsageLimit = int(usageLimit)
	c.TimesUsed = int(timesUsed)
	return &c, nil
}
