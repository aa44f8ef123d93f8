package order

import (
	"context"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

// Charges supplies the shipping and tax lines of a quote. Both are external
// concerns; the engine only adds them to the discounted subtotal.
type Charges interface {
	Charges(ctx context.Context, cart coupon.Cart, discounted money.Amount) (shipping, tax money.Amount, err error)
}

// FlatShipping charges a fixed shipping fee, waived at or above FreeOver
// when FreeOver is positive. Tax is left to the payment side and reported
// as zero.
type FlatShipping struct {
	Fee      money.Amount
	FreeOver money.Amount
}

func (f FlatShipping) Charges(_ context.Context, _ coupon.Cart, discounted money.Amount) (money.Amount, money.Amount, error) {
	if f.FreeOver > 0 && discounted >= f.FreeOver {
		return money.Zero, money.Zero, nil
	}
	return f.Fee, money.Zero, nil
}

// Total computes max(0, subtotal - discount) + shipping + tax, or
// money.ErrOverflow.
func Total(subtotal, discount, shipping, tax money.Amount) (money.Amount, error) {
	net := subtotal - discount
	if net < 0 {
		net = 0
	}
	total, err := net.Add(shipping)
	if err != nil {
		return 0, err
	}
	return total.Add(tax)
}
