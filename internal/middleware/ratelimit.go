package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter is a fixed-window request counter per store, kept in redis so
// the limit holds across instances.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	log    *slog.Logger
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{redis: client, limit: limit, window: window, log: log}
}

func rateKey(storeID string) string {
	return fmt.Sprintf("ratelimit:store:%s", storeID)
}

// Middleware must run after SignedRequest. A redis outage lets requests
// through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storeID := StoreID(r.Context())
		if l.redis == nil || l.limit <= 0 || storeID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := rateKey(storeID)
		pipe := l.redis.Pipeline()
		incr := pipe.Incr(ctx, key)
		ttl := pipe.TTL(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			l.log.Warn("rate limiter unavailable", "store_id", storeID, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		count := incr.Val()
		// a window without a TTL is (re)armed on its next hit, so a failed
		// Expire never pins the counter
		if ttl.Val() < 0 {
			if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
				l.log.Warn("failed to set rate limit window", "store_id", storeID, "error", err)
			}
		}

		if count > int64(l.limit) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
