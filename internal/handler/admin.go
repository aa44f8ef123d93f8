package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

type scopeJSON struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

// definitionJSON is the writable part of a coupon. There is deliberately no
// timesUsed field, so unknown-field rejection refuses attempts to set it.
type definitionJSON struct {
	Code          string          `json:"code"`
	Description   string          `json:"description"`
	DiscountType  string          `json:"discountType"`
	DiscountValue decimal.Decimal `json:"discountValue"`
	MinPurchase   money.Amount    `json:"minPurchaseAmount"`
	MaxDiscount   *money.Amount   `json:"maxDiscountAmount,omitempty"`
	Scope         scopeJSON       `json:"scope"`
	ValidFrom     time.Time       `json:"validFrom"`
	ValidUntil    time.Time       `json:"validUntil"`
	Active        *bool           `json:"active,omitempty"`
	UsageLimit    int             `json:"usageLimit"`
	Unlimited     bool            `json:"unlimited"`
}

type couponJSON struct {
	ID string `json:"id"`
	definitionJSON
	TimesUsed int       `json:"timesUsed"`
	Remaining int       `json:"remaining"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// toDefinition converts the request body. A missing active flag means true.
func (d definitionJSON) toDefinition() (coupon.Definition, error) {
	kind, err := coupon.ParseScopeKind(d.Scope.Kind)
	if err != nil {
		return coupon.Definition{}, &coupon.ConfigError{Field: "scope", Reason: err.Error()}
	}
	scope, err := coupon.NewScope(kind, d.Scope.Target)
	if err != nil {
		return coupon.Definition{}, err
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return coupon.Definition{
		Code:          d.Code,
		Description:   d.Description,
		DiscountType:  coupon.DiscountType(d.DiscountType),
		DiscountValue: d.DiscountValue,
		MinPurchase:   d.MinPurchase,
		MaxDiscount:   d.MaxDiscount,
		Scope:         scope,
		ValidFrom:     d.ValidFrom,
		ValidUntil:    d.ValidUntil,
		Active:        active,
		UsageLimit:    d.UsageLimit,
		Unlimited:     d.Unlimited,
	}, nil
}

func toCouponJSON(c *coupon.Coupon) couponJSON {
	active := c.Active
	return couponJSON{
		ID: c.ID,
		definitionJSON: definitionJSON{
			Code:          c.Code,
			Description:   c.Description,
			DiscountType:  string(c.DiscountType),
			DiscountValue: c.DiscountValue,
			MinPurchase:   c.MinPurchase,
			MaxDiscount:   c.MaxDiscount,
			Scope:         scopeJSON{Kind: c.Scope.Kind().String(), Target: c.Scope.Target()},
			ValidFrom:     c.ValidFrom,
			ValidUntil:    c.ValidUntil,
			Active:        &active,
			UsageLimit:    c.UsageLimit,
			Unlimited:     c.Unlimited,
		},
		TimesUsed: c.TimesUsed,
		Remaining: c.Remaining(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// writeAdminError reports a missing coupon as 404 rather than as a
// validation failure.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, coupon.ErrNotFound) {
		writeError(w, http.StatusNotFound, coupon.ErrNotFound.Error())
		return
	}
	writeDomainError(w, r, err)
}

// CreateCoupon handles POST /api/admin/coupons.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req definitionJSON
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def, err := req.toDefinition()
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	c, err := h.admin.Create(r.Context(), def)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponJSON(c))
}

// GetCoupon handles GET /api/admin/coupons/{couponID}.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.admin.Get(r.Context(), chi.URLParam(r, "couponID"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponJSON(c))
}

// UpdateCoupon handles PUT /api/admin/coupons/{couponID}. The usage counter
// is not writable here.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	var req definitionJSON
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def, err := req.toDefinition()
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	c, err := h.admin.Update(r.Context(), chi.URLParam(r, "couponID"), def)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponJSON(c))
}

// DeactivateCoupon handles POST /api/admin/coupons/{couponID}/deactivate.
func (h *Handler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Deactivate(r.Context(), chi.URLParam(r, "couponID")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCoupon handles DELETE /api/admin/coupons/{couponID}.
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Delete(r.Context(), chi.URLParam(r, "couponID")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
