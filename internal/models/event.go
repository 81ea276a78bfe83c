package models

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
	EventDeadLetter EventStatus = "DEAD_LETTER"
)

// AsyncEvent is a unit of deferred work, inbound (webhooks) or outbound
// (callbacks, billing retries). Rows are never deleted.
type AsyncEvent struct {
	ID             string          `json:"id" db:"id"`
	Source         string          `json:"source" db:"source"`
	Type           string          `json:"type" db:"type"`
	ExternalID     string          `json:"external_id" db:"external_id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	TenantID       string          `json:"tenant_id,omitempty" db:"tenant_id"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         EventStatus     `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	NextRetryAt    time.Time       `json:"next_retry_at" db:"next_retry_at"`
	LockedAt       *time.Time      `json:"locked_at,omitempty" db:"locked_at"`
	LastError      string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
