package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

type contextKey int

const (
	storeIDKey contextKey = iota
	operatorKey
)

// StoreID returns the authenticated store set by SignedRequest.
func StoreID(ctx context.Context) string {
	id, _ := ctx.Value(storeIDKey).(string)
	return id
}

func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDKey, storeID)
}

// Operator returns the operator subject set by OperatorAuth.
func Operator(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey).(string)
	return sub
}

func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// unauthorized is identical for every authentication failure.
func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
