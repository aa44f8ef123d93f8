// Package handler exposes coupon validation, checkout and coupon management
// over JSON/HTTP on a chi router.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-coupons/api"
	"github.com/xenking/kart-coupons/internal/domain/auth"
	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/domain/order"
	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/money"
	"github.com/xenking/kart-coupons/pkg/httpmiddleware"
)

const maxBodyBytes = 1 << 20

// Pricing is the order side of the service, implemented by *order.Engine.
type Pricing interface {
	Quote(ctx context.Context, req order.QuoteRequest) (*order.Quote, error)
	Checkout(ctx context.Context, req order.QuoteRequest) (*order.Order, error)
	Complete(ctx context.Context, orderID string) (*order.Order, error)
	Cancel(ctx context.Context, orderID string) (*order.Order, error)
}

// CouponAdmin is the management surface, implemented by *coupon.Admin.
type CouponAdmin interface {
	Create(ctx context.Context, def coupon.Definition) (*coupon.Coupon, error)
	Get(ctx context.Context, id string) (*coupon.Coupon, error)
	Update(ctx context.Context, id string, def coupon.Definition) (*coupon.Coupon, error)
	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]coupon.Listing, error)
}

// Authenticator resolves API keys, implemented by *auth.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, raw, scope string) (*auth.APIKey, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// Currency renders the *Display fields of priced responses.
	Currency money.Currency
	// Throttle guards the endpoints that accept coupon codes. Nil disables it.
	Throttle httpmiddleware.Middleware
}

// Handler serves the HTTP API.
type Handler struct {
	products product.Repository
	pricing  Pricing
	admin    CouponAdmin
	auth     Authenticator
	currency money.Currency
	throttle httpmiddleware.Middleware
}

// New constructs a Handler with the required domain dependencies.
func New(cfg Config, products product.Repository, pricing Pricing, admin CouponAdmin, authn Authenticator) *Handler {
	if cfg.Currency.Exponent == 0 && cfg.Currency.Code == "" {
		cfg.Currency = money.USD
	}
	throttle := cfg.Throttle
	if throttle == nil {
		throttle = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		products: products,
		pricing:  pricing,
		admin:    admin,
		auth:     authn,
		currency: cfg.Currency,
		throttle: throttle,
	}
}

// Mount registers the API routes on r under /api.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/openapi.yaml", serveSpec)
		r.Get("/products", h.ListProducts)
		r.Get("/coupons", h.ListCoupons)

		r.With(h.throttle).Post("/coupons/validate", h.ValidateCoupon)

		r.Route("/orders", func(r chi.Router) {
			r.With(h.throttle).Post("/", h.PlaceOrder)
			r.Post("/{orderID}/complete", h.CompleteOrder)
			r.Post("/{orderID}/cancel", h.CancelOrder)
		})

		r.Route("/admin/coupons", func(r chi.Router) {
			r.Use(h.requireAPIKey(auth.ScopeCouponAdmin))
			r.Post("/", h.CreateCoupon)
			r.Get("/{couponID}", h.GetCoupon)
			r.Put("/{couponID}", h.UpdateCoupon)
			r.Post("/{couponID}/deactivate", h.DeactivateCoupon)
			r.Delete("/{couponID}", h.DeleteCoupon)
		})
	})
}

func serveSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.Spec)
}

// errorResponse is the JSON error body. Reason is set for coupon
// validation failures only.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

// decodeJSON reads a single JSON object into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

// writeDomainError maps domain errors to HTTP responses. Anything not
// recognised is logged and reported as a bare 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cfgErr *coupon.ConfigError
		qtyErr *order.InvalidQuantityError
		pnfErr *order.ProductNotFoundError
	)
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    http.StatusBadRequest,
			Message: cfgErr.Error(),
			Field:   cfgErr.Field,
		})
	case errors.Is(err, order.ErrEmptyItems):
		writeError(w, http.StatusBadRequest, order.ErrEmptyItems.Error())
	case errors.As(err, &qtyErr):
		writeError(w, http.StatusUnprocessableEntity, qtyErr.Error())
	case errors.As(err, &pnfErr):
		writeError(w, http.StatusUnprocessableEntity, pnfErr.Error())
	case errors.Is(err, coupon.ErrCodeTaken):
		writeError(w, http.StatusConflict, coupon.ErrCodeTaken.Error())
	case errors.Is(err, order.ErrStatusConflict):
		writeError(w, http.StatusConflict, "order is not in a state that allows this action")
	case errors.Is(err, coupon.ErrConflict):
		writeError(w, http.StatusConflict, "coupon reservation is not in a state that allows this action")
	case errors.Is(err, money.ErrOverflow):
		writeError(w, http.StatusUnprocessableEntity, "order amount is too large")
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, order.ErrNotFound.Error())
	case errors.Is(err, coupon.ErrStorageUnavailable):
		zctx.From(r.Context()).Warn("Storage unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case coupon.Reason(err) != "":
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: "coupon cannot be applied",
			Reason:  coupon.Reason(err),
		})
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
