package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Admin implements the coupon management surface. It can change every field
// of a coupon except TimesUsed, and the code is fixed at creation.
type Admin struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewAdmin creates an Admin over store.
func NewAdmin(store Store) *Admin {
	return &Admin{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Create validates def and stores it as a new coupon with zero uses.
func (a *Admin) Create(ctx context.Context, def Definition) (*Coupon, error) {
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := a.now()
	c := &Coupon{
		ID:         a.newID(),
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.Create(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create coupon")
	}

	zctx.From(ctx).Info("Coupon created",
		zap.String("coupon_id", c.ID),
		zap.String("code", c.Code),
	)
	return c, nil
}

// Get returns the full coupon record, including its read-only usage count.
func (a *Admin) Get(ctx context.Context, id string) (*Coupon, error) {
	c, err := a.store.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get coupon")
	}
	return c, nil
}

// Update replaces the definition of coupon id. The code may be omitted but
// not changed. Lowering the limit below the current usage is rejected.
func (a *Admin) Update(ctx context.Context, id string, def Definition) (*Coupon, error) {
	current, err := a.store.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get coupon")
	}

	def = def.Normalize()
	if def.Code == "" {
		def.Code = current.Code
	}
	if def.Code != current.Code {
		return nil, &ConfigError{Field: "code", Reason: "immutable after creation"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	updated, err := a.store.Update(ctx, id, def, a.now())
	if err != nil {
		if errors.Is(err, ErrLimitBelowUsage) {
			return nil, &ConfigError{Field: "usageLimit", Reason: "lower than the number of uses already redeemed"}
		}
		return nil, errors.Wrap(err, "update coupon")
	}

	zctx.From(ctx).Info("Coupon updated", zap.String("coupon_id", id))
	return updated, nil
}

// Deactivate turns the coupon off without touching its validity window.
func (a *Admin) Deactivate(ctx context.Context, id string) error {
	if err := a.store.SetActive(ctx, id, false, a.now()); err != nil {
		return errors.Wrap(err, "deactivate coupon")
	}
	zctx.From(ctx).Info("Coupon deactivated", zap.String("coupon_id", id))
	return nil
}

// Delete removes the coupon. Orders keep their discount snapshot.
func (a *Admin) Delete(ctx context.Context, id string) error {
	if err := a.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete coupon")
	}
	zctx.From(ctx).Info("Coupon deleted", zap.String("coupon_id", id))
	return nil
}

// List returns the code and active flag of every coupon.
func (a *Admin) List(ctx context.Context) ([]Listing, error) {
	list, err := a.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return list, nil
}
