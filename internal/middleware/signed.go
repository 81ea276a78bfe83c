package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/signing"
)

const maxSignedBody = 1 << 20

type Verifier interface {
	Verify(ctx context.Context, h signing.Headers, body []byte) error
}

// SignedRequest authenticates the Signed Request Protocol. Every auth
// failure gets the same 401 body. The body is restored for the handler and
// the store id is put in the request context.
func SignedRequest(v Verifier, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			r.Body.Close()
			if err != nil || len(body) > maxSignedBody {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}

			headers := signing.HeadersFrom(r)
			if err := v.Verify(r.Context(), headers, body); err != nil {
				if errs.IsAuthFailure(err) {
					log.Warn("signed request rejected", "store_id", headers.StoreID, "path", r.URL.Path, "error", err)
					unauthorized(w)
					return
				}
				log.Error("signature verification unavailable", "store_id", headers.StoreID, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithStoreID(r.Context(), headers.StoreID)))
		})
	}
}
