package coupon

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/money"
)

// ComputeDiscount returns the discount c grants on subtotal. The result is
// always within [0, subtotal]. Intermediate values stay exact and are rounded
// half-up to minor units once, at the end.
func ComputeDiscount(c *Coupon, subtotal money.Amount) money.Amount {
	if subtotal <= 0 {
		return money.Zero
	}

	var raw decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		raw = subtotal.Decimal().Mul(c.DiscountValue).Div(hundred)
		if c.MaxDiscount != nil {
			raw = decimal.Min(raw, c.MaxDiscount.Decimal())
		}
	case DiscountFixed:
		raw = decimal.Min(c.DiscountValue, subtotal.Decimal())
	default:
		return money.Zero
	}

	return money.FromDecimal(raw).Clamp(money.Zero, subtotal)
}
