package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// CheckCoupon decides whether c applies to cart at now. Checks run in a fixed
// order and the first failure wins: existence, active flag, validity window
// [ValidFrom, ValidUntil), scope, minimum purchase, remaining uses. The usage
// check is advisory; Reserve is the authority.
func CheckCoupon(c *Coupon, cart Cart, now time.Time) error {
	if c == nil {
		return ErrNotFound
	}
	if !c.Active {
		return ErrInactive
	}
	if now.Before(c.ValidFrom) {
		return ErrNotYetValid
	}
	if !now.Before(c.ValidUntil) {
		return ErrExpired
	}
	if !c.Scope.Matches(cart.Items) {
		return ErrScopeMismatch
	}
	subtotal, err := cart.Subtotal()
	if err != nil {
		return err
	}
	if subtotal < c.MinPurchase {
		return ErrBelowMinPurchase
	}
	if !c.Unlimited && c.TimesUsed >= c.UsageLimit {
		return ErrUsageExhausted
	}
	return nil
}

// Checker looks coupons up by code and runs CheckCoupon against them.
type Checker struct {
	coupons Reader
	now     func() time.Time
}

// NewChecker creates a Checker backed by the given Reader.
func NewChecker(coupons Reader) *Checker {
	return &Checker{coupons: coupons, now: time.Now}
}

// Check returns the coupon for code if it applies to cart right now.
// Validation failures are returned unwrapped so callers can show them.
func (v *Checker) Check(ctx context.Context, code string, cart Cart) (*Coupon, error) {
	c, err := v.coupons.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if err := CheckCoupon(c, cart, v.now()); err != nil {
		return nil, err
	}
	return c, nil
}
