// Package deliverytest provides an in-memory event repository for tests.
package deliverytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// MemoryRepository mirrors the postgres event store: keys dedup inserts,
// claims bump attempts and state changes are guarded by current status.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]models.AsyncEvent
	byKey  map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events: make(map[string]models.AsyncEvent),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, e *models.AsyncEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[e.IdempotencyKey]; ok {
		return false, nil
	}
	m.events[e.ID] = *e
	m.byKey[e.IdempotencyKey] = e.ID
	return true, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*models.AsyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, errs.ErrNotFound)
	}
	return &e, nil
}

func (m *MemoryRepository) GetByKey(ctx context.Context, key string) (*models.AsyncEvent, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, errs.ErrNotFound)
	}
	return m.Get(ctx, id)
}

func (m *MemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]models.AsyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.AsyncEvent
	for _, e := range m.events {
		if (e.Status == models.EventPending || e.Status == models.EventFailed) &&
			!e.NextRetryAt.After(now) && e.Attempts < e.MaxAttempts {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = models.EventProcessing
		due[i].Attempts++
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		m.events[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *MemoryRepository) ReclaimStale(_ context.Context, cutoff, now time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var requeued, dead int64
	for id, e := range m.events {
		if e.Status != models.EventProcessing || e.LockedAt == nil || !e.LockedAt.Before(cutoff) {
			continue
		}
		e.LockedAt = nil
		e.LastError = "processing lease expired"
		e.UpdatedAt = now
		if e.Attempts >= e.MaxAttempts {
			e.Status = models.EventDeadLetter
			dead++
		} else {
			e.Status = models.EventFailed
			e.NextRetryAt = now
			requeued++
		}
		m.events[id] = e
	}
	return requeued, dead, nil
}

func (m *MemoryRepository) update(id string, from []models.EventStatus, fn func(e *models.AsyncEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return fmt.Errorf("event %s: %w", id, errs.ErrNotFound)
	}
	allowed := false
	for _, s := range from {
		if e.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("event %s not in expected state: %w", id, errs.ErrConflict)
	}
	fn(&e)
	m.events[id] = e
	return nil
}

func (m *MemoryRepository) MarkCompleted(_ context.Context, id string, at time.Time) error {
	return m.update(id, []models.EventStatus{models.EventProcessing}, func(e *models.AsyncEvent) {
		e.Status = models.EventCompleted
		e.LockedAt = nil
		e.CompletedAt = &at
		e.UpdatedAt = at
	})
}

func (m *MemoryRepository) MarkFailed(_ context.Context, id, lastError string, nextRetryAt, at time.Time) error {
	return m.update(id, []models.EventStatus{models.EventProcessing}, func(e *models.AsyncEvent) {
		e.Status = models.EventFailed
		e.LockedAt = nil
		e.LastError = lastError
		e.NextRetryAt = nextRetryAt
		e.UpdatedAt = at
	})
}

func (m *MemoryRepository) MarkDeadLetter(_ context.Context, id, lastError string, at time.Time) error {
	return m.update(id, []models.EventStatus{models.EventProcessing}, func(e *models.AsyncEvent) {
		e.Status = models.EventDeadLetter
		e.LockedAt = nil
		e.LastError = lastError
		e.UpdatedAt = at
	})
}

func (m *MemoryRepository) Requeue(_ context.Context, id string, at time.Time) error {
	return m.update(id, []models.EventStatus{models.EventFailed, models.EventDeadLetter}, func(e *models.AsyncEvent) {
		e.Status = models.EventPending
		e.Attempts = 0
		e.NextRetryAt = at
		e.LockedAt = nil
		e.UpdatedAt = at
	})
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status models.EventStatus, limit int) ([]models.AsyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AsyncEvent
	for _, e := range m.events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
