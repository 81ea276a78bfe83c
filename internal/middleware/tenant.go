package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

type TenantChecker interface {
	Active(ctx context.Context, id string) (*models.Tenant, error)
}

// ActiveStore rejects signed requests from unknown or suspended stores.
// It must run after SignedRequest.
func ActiveStore(tenants TenantChecker, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			storeID := StoreID(r.Context())
			if _, err := tenants.Active(r.Context(), storeID); err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					log.Warn("inactive store rejected", "store_id", storeID)
					unauthorized(w)
					return
				}
				log.Error("tenant lookup failed", "store_id", storeID, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
