package models

import (
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
)

// IdempotencyRecord remembers the first outcome seen for a key.
type IdempotencyRecord struct {
	Key            string            `json:"key" db:"key"`
	Scope          string            `json:"scope" db:"scope"`
	Status         IdempotencyStatus `json:"status" db:"status"`
	ResultType     string            `json:"result_type,omitempty" db:"result_type"`
	ResultID       string            `json:"result_id,omitempty" db:"result_id"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at" db:"lease_expires_at"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}
