package handler

import (
	"net/http"

	"github.com/xenking/kart-coupons/internal/domain/order"
	"github.com/xenking/kart-coupons/internal/money"
)

type validateRequest struct {
	Code  string     `json:"code"`
	Items []itemJSON `json:"items"`
}

type quoteResponse struct {
	CouponID     string       `json:"couponId"`
	Code         string       `json:"code"`
	Subtotal     money.Amount `json:"subtotal"`
	Discount     money.Amount `json:"discount"`
	Shipping     money.Amount `json:"shipping"`
	Total        money.Amount `json:"total"`
	TotalDisplay string       `json:"totalDisplay"`
}

type listingJSON struct {
	Code   string `json:"code"`
	Active bool   `json:"active"`
}

// ValidateCoupon handles POST /api/coupons/validate. It prices the cart with
// the code without reserving a use; failures come back as 422 with a reason.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code required")
		return
	}

	q, err := h.pricing.Quote(r.Context(), order.QuoteRequest{
		Items:      toOrderItems(req.Items),
		CouponCode: req.Code,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		CouponID:     q.Coupon.ID,
		Code:         q.Coupon.Code,
		Subtotal:     q.Subtotal,
		Discount:     q.Discount,
		Shipping:     q.Shipping,
		Total:        q.Total,
		TotalDisplay: h.currency.Format(q.Total),
	})
}

// ListCoupons handles GET /api/coupons, the read-only code listing.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	list, err := h.admin.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]listingJSON, len(list))
	for i, l := range list {
		out[i] = listingJSON{Code: l.Code, Active: l.Active}
	}
	writeJSON(w, http.StatusOK, out)
}
