// Package money holds currency amounts as integer minor units.
package money

import (
	"math"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrOverflow is returned when an amount does not fit in int64 minor units.
var ErrOverflow = errors.New("amount overflows int64 minor units")

// Amount is a monetary value in the currency's minor unit (cents for USD).
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// Decimal returns the amount as a decimal number of minor units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(a))
}

// Add returns a + b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Mul returns a * n or ErrOverflow.
func (a Amount) Mul(n int64) (Amount, error) {
	if a == 0 || n == 0 {
		return 0, nil
	}
	x := int64(a)
	if (x == -1 && n == math.MinInt64) || (n == -1 && x == math.MinInt64) {
		return 0, ErrOverflow
	}
	p := x * n
	if p/n != x {
		return 0, ErrOverflow
	}
	return Amount(p), nil
}

// Clamp limits a to the closed interval [lo, hi].
func (a Amount) Clamp(lo, hi Amount) Amount {
	if a < lo {
		return lo
	}
	if a > hi {
		return hi
	}
	return a
}

// FromDecimal rounds a decimal number of minor units half-up to an Amount.
// Values are expected to be non-negative, where half-away-from-zero and
// half-up agree.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Round(0).IntPart())
}

// Currency describes how amounts are displayed.
type Currency struct {
	Code     string
	Exponent int32
}

// USD is the default display currency.
var USD = Currency{Code: "USD", Exponent: 2}

// Format renders the amount in major units with the currency's precision,
// e.g. 2500 -> "25.00 USD".
func (c Currency) Format(a Amount) string {
	s := decimal.New(int64(a), -c.Exponent).StringFixed(c.Exponent)
	if c.Code == "" {
		return s
	}
	return s + " " + c.Code
}
