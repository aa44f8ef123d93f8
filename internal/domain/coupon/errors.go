package coupon

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Validation failures, in the order Check evaluates them.
var (
	ErrNotFound         = errors.New("coupon not found")
	ErrInactive         = errors.New("coupon is not active")
	ErrNotYetValid      = errors.New("coupon is not valid yet")
	ErrExpired          = errors.New("coupon expired")
	ErrScopeMismatch    = errors.New("coupon does not apply to cart contents")
	ErrBelowMinPurchase = errors.New("cart subtotal below coupon minimum purchase")
	ErrUsageExhausted   = errors.New("coupon usage limit reached")
)

var (
	// ErrConflict is returned by reserve when an order's reservation is in a
	// state that does not allow the call, e.g. it belongs to another coupon.
	ErrConflict = errors.New("coupon reservation conflict")
	// ErrStorageUnavailable marks transient backend failures that may be
	// retried with backoff.
	ErrStorageUnavailable = errors.New("coupon storage unavailable")
	// ErrInvalidConfiguration is returned for bad coupon definitions at
	// admin-write time. Use errors.As with *ConfigError for the field.
	ErrInvalidConfiguration = errors.New("invalid coupon configuration")
	// ErrCodeTaken is returned when creating a coupon with a code in use.
	ErrCodeTaken = errors.New("coupon code already exists")
	// ErrLimitBelowUsage is returned by stores when an update would set
	// UsageLimit below TimesUsed.
	ErrLimitBelowUsage = errors.New("usage limit below times used")
)

// ConfigError describes which part of a coupon definition is invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid coupon configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Reason maps a validation error to a stable, user-facing reason code.
// It returns "" for errors outside the validation taxonomy.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrScopeMismatch):
		return "scope_mismatch"
	case errors.Is(err, ErrBelowMinPurchase):
		return "below_min_purchase"
	case errors.Is(err, ErrUsageExhausted):
		return "usage_exhausted"
	default:
		return ""
	}
}
