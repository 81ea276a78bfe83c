// Package idempotencytest provides an in-memory idempotency repository for
// tests.
package idempotencytest

import (
	"context"
	"sync"
	"time"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// MemoryRepository keeps records in a map with the same key uniqueness and
// lease rules as the postgres repository.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]models.IdempotencyRecord)}
}

func (m *MemoryRepository) Insert(_ context.Context, rec *models.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key]; ok {
		return errs.ErrDuplicateOperation
	}
	m.records[rec.Key] = *rec
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryRepository) TakeOver(_ context.Context, key string, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Status != models.IdempotencyInProgress || !rec.LeaseExpiresAt.Before(now) {
		return false, nil
	}
	rec.LeaseExpiresAt = leaseUntil
	rec.UpdatedAt = now
	m.records[key] = rec
	return true, nil
}

func (m *MemoryRepository) Complete(_ context.Context, key, resultType, resultID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return errs.ErrNotFound
	}
	rec.Status = models.IdempotencyCompleted
	rec.ResultType = resultType
	rec.ResultID = resultID
	rec.UpdatedAt = at
	m.records[key] = rec
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.Status == models.IdempotencyInProgress {
		delete(m.records, key)
	}
	return nil
}
