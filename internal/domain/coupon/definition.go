package coupon

import (
	"regexp"

	"github.com/shopspring/decimal"
)

const maxCodeLen = 64

var (
	hundred   = decimal.NewFromInt(100)
	codeChars = regexp.MustCompile(`^[A-Z0-9_-]+$`)
)

// Normalize returns a copy of d with its code in canonical form.
func (d Definition) Normalize() Definition {
	d.Code = NormalizeCode(d.Code)
	return d
}

// Validate checks the definition invariants. Errors are *ConfigError and
// match ErrInvalidConfiguration.
func (d *Definition) Validate() error {
	code := NormalizeCode(d.Code)
	switch {
	case code == "":
		return &ConfigError{Field: "code", Reason: "required"}
	case len(code) > maxCodeLen:
		return &ConfigError{Field: "code", Reason: "longer than 64 characters"}
	case !codeChars.MatchString(code):
		return &ConfigError{Field: "code", Reason: "only letters, digits, '-' and '_' allowed"}
	}

	switch d.DiscountType {
	case DiscountPercentage:
		if d.DiscountValue.IsNegative() || d.DiscountValue.GreaterThan(hundred) {
			return &ConfigError{Field: "discountValue", Reason: "percentage must be within [0, 100]"}
		}
	case DiscountFixed:
		if d.DiscountValue.IsNegative() {
			return &ConfigError{Field: "discountValue", Reason: "fixed amount must not be negative"}
		}
		if !d.DiscountValue.Equal(d.DiscountValue.Truncate(0)) {
			return &ConfigError{Field: "discountValue", Reason: "fixed amount must be whole minor units"}
		}
	default:
		return &ConfigError{Field: "discountType", Reason: "must be percentage or fixed"}
	}

	if d.MinPurchase < 0 {
		return &ConfigError{Field: "minPurchaseAmount", Reason: "must not be negative"}
	}
	if d.MaxDiscount != nil && *d.MaxDiscount < 0 {
		return &ConfigError{Field: "maxDiscountAmount", Reason: "must not be negative"}
	}

	if _, err := NewScope(d.Scope.Kind(), d.Scope.Target()); err != nil {
		return err
	}

	if d.ValidFrom.IsZero() || d.ValidUntil.IsZero() {
		return &ConfigError{Field: "validity", Reason: "validFrom and validUntil are required"}
	}
	if !d.ValidFrom.Before(d.ValidUntil) {
		return &ConfigError{Field: "validity", Reason: "validFrom must be before validUntil"}
	}

	if d.Unlimited {
		if d.UsageLimit != 0 {
			return &ConfigError{Field: "usageLimit", Reason: "must be 0 when unlimited is set"}
		}
	} else if d.UsageLimit < 1 {
		return &ConfigError{Field: "usageLimit", Reason: "must be at least 1 (set unlimited for no limit)"}
	}

	return nil
}
