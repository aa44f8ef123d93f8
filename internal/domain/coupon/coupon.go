package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/money"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the cart subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Known reports whether t is a supported discount type.
func (t DiscountType) Known() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// Definition is the admin-authored part of a coupon. It deliberately has no
// usage counter: TimesUsed is owned by the redemption path.
type Definition struct {
	Code          string
	Description   string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	MinPurchase   money.Amount
	// MaxDiscount caps the computed discount. Nil means no cap.
	MaxDiscount *money.Amount
	Scope       Scope
	ValidFrom   time.Time
	ValidUntil  time.Time
	Active      bool
	// UsageLimit is the maximum number of redemptions. It must be at least 1
	// unless Unlimited is set, in which case it must be 0.
	UsageLimit int
	Unlimited  bool
}

// Coupon is a stored coupon with its system-maintained usage counter.
type Coupon struct {
	ID string
	Definition
	TimesUsed int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the number of redemptions left, or -1 when unlimited.
func (c *Coupon) Remaining() int {
	if c.Unlimited {
		return -1
	}
	if n := c.UsageLimit - c.TimesUsed; n > 0 {
		return n
	}
	return 0
}

// Listing is the read-only projection exposed to listing and autocomplete
// surfaces.
type Listing struct {
	Code   string
	Active bool
}

// NormalizeCode returns the canonical form of a coupon code. Codes compare
// case-insensitively.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LineItem is a cart line used for scope matching and subtotal calculation.
type LineItem struct {
	ProductID string
	Category  string
	UnitPrice money.Amount
	Quantity  int
}

// Cart is the cart context a coupon is checked against.
type Cart struct {
	Items []LineItem
}

// Subtotal returns the sum of unit price * quantity across all lines, or
// money.ErrOverflow when it does not fit in minor units.
func (c Cart) Subtotal() (money.Amount, error) {
	var sum money.Amount
	for _, item := range c.Items {
		line, err := item.UnitPrice.Mul(int64(item.Quantity))
		if err != nil {
			return 0, errors.Wrapf(err, "line %s", item.ProductID)
		}
		if sum, err = sum.Add(line); err != nil {
			return 0, errors.Wrap(err, "subtotal")
		}
	}
	return sum, nil
}

// ReleaseOutcome reports what a release did.
type ReleaseOutcome int

const (
	// Released means the reservation was open and one use was returned.
	Released ReleaseOutcome = iota + 1
	// NoOpAlreadyReleased means there was no open reservation to release.
	NoOpAlreadyReleased
)

func (o ReleaseOutcome) String() string {
	switch o {
	case Released:
		return "released"
	case NoOpAlreadyReleased:
		return "noop"
	default:
		return "unknown"
	}
}

// ReservationStatus is the state of a reservation keyed by order id.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reader provides coupon lookups.
type Reader interface {
	// FindByCode looks a coupon up by code, case-insensitively.
	// Returns ErrNotFound when no coupon has the code.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// FindByID returns ErrNotFound when no coupon has the id.
	FindByID(ctx context.Context, id string) (*Coupon, error)
}

// Ledger is the storage primitive behind redemption. Implementations must
// apply each call as one atomic step against the authoritative store.
type Ledger interface {
	// Reserve increments TimesUsed only if it is below UsageLimit (or the
	// coupon is unlimited) and records an open reservation for orderID.
	// Reserving again for an order that already holds an open reservation on
	// the same coupon is a no-op. Returns ErrUsageExhausted when no slot is
	// left, ErrNotFound for unknown coupons, and ErrConflict when the order's
	// reservation belongs to another coupon or is already committed.
	Reserve(ctx context.Context, couponID, orderID string, at time.Time) error
	// Release closes an open reservation and decrements TimesUsed once.
	// Releasing a missing or already released reservation is a no-op.
	// Returns ErrConflict for committed reservations.
	Release(ctx context.Context, couponID, orderID string, at time.Time) (ReleaseOutcome, error)
	// Finalize commits an open reservation. Finalizing a committed
	// reservation is a no-op; anything else is ErrConflict.
	Finalize(ctx context.Context, couponID, orderID string, at time.Time) error
}

// Writer holds the admin mutations. None of them may change TimesUsed.
type Writer interface {
	// Create returns ErrCodeTaken when the code is already in use.
	Create(ctx context.Context, c *Coupon) error
	// Update replaces the definition of coupon id except its code. It returns
	// ErrLimitBelowUsage when the new limit is lower than TimesUsed.
	Update(ctx context.Context, id string, def Definition, at time.Time) (*Coupon, error)
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Listing, error)
}

// Store is the full persistence contract of a coupon backend.
type Store interface {
	Reader
	Ledger
	Writer
}
