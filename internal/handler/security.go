package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-coupons/internal/domain/auth"
)

// HeaderAPIKey carries the raw API key.
const HeaderAPIKey = "api_key"

// requireAPIKey rejects requests whose api_key header does not resolve to a
// key holding scope.
func (h *Handler) requireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := h.auth.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey), scope)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrForbidden):
				writeError(w, http.StatusForbidden, "forbidden")
				return
			case errors.Is(err, auth.ErrUnauthorized):
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			default:
				writeDomainError(w, r, err)
				return
			}

			ctx := zctx.With(r.Context(), zap.String("api_key_id", key.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
