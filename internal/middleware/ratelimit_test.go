package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func storeRequest(storeID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	return req.WithContext(WithStoreID(req.Context(), storeID))
}

func TestRateLimiter(t *testing.T) {
	client, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(client, 2, time.Minute, nil)
	handler := limiter.Middleware(okHandler())
	key := "ratelimit:store:store-1"

	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectTTL(key).SetVal(-1)
	mock.ExpectExpire(key, time.Minute).SetVal(true)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, storeRequest("store-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	mock.ExpectIncr(key).SetVal(2)
	mock.ExpectTTL(key).SetVal(59 * time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, storeRequest("store-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	mock.ExpectIncr(key).SetVal(3)
	mock.ExpectTTL(key).SetVal(58 * time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, storeRequest("store-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_FailedExpireIsRepaired(t *testing.T) {
	client, mock := redismock.NewClientMock()
	handler := NewRateLimiter(client, 5, time.Minute, nil).Middleware(okHandler())
	key := "ratelimit:store:store-1"

	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectTTL(key).SetVal(-1)
	mock.ExpectExpire(key, time.Minute).SetErr(errors.New("i/o timeout"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, storeRequest("store-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// the counter has no TTL yet; the next request arms it
	mock.ExpectIncr(key).SetVal(2)
	mock.ExpectTTL(key).SetVal(-1)
	mock.ExpectExpire(key, time.Minute).SetVal(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, storeRequest("store-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_RedisDownLetsRequestsThrough(t *testing.T) {
	client, mock := redismock.NewClientMock()
	handler := NewRateLimiter(client, 1, time.Minute, nil).Middleware(okHandler())

	mock.ExpectIncr("ratelimit:store:store-1").SetErr(errors.New("connection refused"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, storeRequest("store-1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
