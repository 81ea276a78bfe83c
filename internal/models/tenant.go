package models

import (
	"time"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
)

// Tenant is a merchant store on the platform.
type Tenant struct {
	ID          string       `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	CallbackURL string       `json:"callback_url,omitempty" db:"callback_url"`
	Currency    string       `json:"currency" db:"currency"`
	Status      TenantStatus `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

type SecretStatus string

const (
	SecretActive   SecretStatus = "ACTIVE"
	SecretRetiring SecretStatus = "RETIRING"
	SecretInactive SecretStatus = "INACTIVE"
)

// SigningSecret is a store's HMAC secret, sealed at rest.
type SigningSecret struct {
	ID         string       `json:"id" db:"id"`
	StoreID    string       `json:"store_id" db:"store_id"`
	SecretHash string       `json:"secret_hash" db:"secret_hash"`
	Sealed     []byte       `json:"-" db:"sealed_secret"`
	Status     SecretStatus `json:"status" db:"status"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
}
