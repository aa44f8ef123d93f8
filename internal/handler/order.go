package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-coupons/internal/domain/order"
	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/money"
)

type itemJSON struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type productJSON struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Price    money.Amount `json:"price"`
	Category string       `json:"category"`
}

type appliedCouponJSON struct {
	CouponID     string       `json:"couponId"`
	Code         string       `json:"code"`
	DiscountType string       `json:"discountType"`
	Amount       money.Amount `json:"amount"`
}

type placeOrderRequest struct {
	CouponCode string     `json:"couponCode,omitempty"`
	Items      []itemJSON `json:"items"`
}

type orderResponse struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	Items        []itemJSON         `json:"items"`
	Subtotal     money.Amount       `json:"subtotal"`
	Discount     money.Amount       `json:"discount"`
	Shipping     money.Amount       `json:"shipping"`
	Tax          money.Amount       `json:"tax"`
	Total        money.Amount       `json:"total"`
	TotalDisplay string             `json:"totalDisplay"`
	Coupon       *appliedCouponJSON `json:"coupon,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

func toOrderItems(items []itemJSON) []order.OrderItem {
	out := make([]order.OrderItem, len(items))
	for i, item := range items {
		out[i] = order.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return out
}

func fromOrderItems(items []order.OrderItem) []itemJSON {
	out := make([]itemJSON, len(items))
	for i, item := range items {
		out[i] = itemJSON{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return out
}

func (h *Handler) orderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:           o.ID,
		Status:       string(o.Status),
		Items:        fromOrderItems(o.Items),
		Subtotal:     o.Subtotal,
		Discount:     o.Discount,
		Shipping:     o.Shipping,
		Tax:          o.Tax,
		Total:        o.Total,
		TotalDisplay: h.currency.Format(o.Total),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if c := o.Coupon; c != nil {
		resp.Coupon = &appliedCouponJSON{
			CouponID:     c.CouponID,
			Code:         c.Code,
			DiscountType: string(c.DiscountType),
			Amount:       c.Amount,
		}
	}
	return resp
}

// ListProducts handles GET /api/products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		writeDomainError(w, r, errors.Wrap(err, "list products"))
		return
	}
	writeJSON(w, http.StatusOK, toProductsJSON(products))
}

func toProductsJSON(products []product.Product) []productJSON {
	out := make([]productJSON, len(products))
	for i, p := range products {
		out[i] = productJSON{ID: p.ID, Name: p.Name, Price: p.Price, Category: p.Category}
	}
	return out
}

// PlaceOrder handles POST /api/orders: quote, reserve the coupon use and
// persist a pending order carrying the discount snapshot.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.pricing.Checkout(r.Context(), order.QuoteRequest{
		Items:      toOrderItems(req.Items),
		CouponCode: req.CouponCode,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.orderResponse(o))
}

// CompleteOrder handles POST /api/orders/{orderID}/complete.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.pricing.Complete(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orderResponse(o))
}

// CancelOrder handles POST /api/orders/{orderID}/cancel. Repeating it on a
// cancelled order succeeds.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.pricing.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orderResponse(o))
}
