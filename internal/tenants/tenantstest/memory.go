// Package tenantstest provides an in-memory tenant repository for tests.
package tenantstest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// MemoryRepository enforces tenant id uniqueness like the tenants table.
type MemoryRepository struct {
	mu      sync.Mutex
	tenants map[string]models.Tenant
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tenants: make(map[string]models.Tenant)}
}

func (m *MemoryRepository) Create(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return fmt.Errorf("tenant %s: %w", t.ID, errs.ErrDuplicateOperation)
	}
	m.tenants[t.ID] = *t
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, errs.ErrNotFound)
	}
	return &t, nil
}

func (m *MemoryRepository) List(_ context.Context, limit int) ([]models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) UpdateCallbackURL(_ context.Context, id, url string) error {
	return m.update(id, func(t *models.Tenant) { t.CallbackURL = url })
}

func (m *MemoryRepository) SetStatus(_ context.Context, id string, status models.TenantStatus) error {
	return m.update(id, func(t *models.Tenant) { t.Status = status })
}

func (m *MemoryRepository) update(id string, fn func(t *models.Tenant)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, errs.ErrNotFound)
	}
	fn(&t)
	m.tenants[id] = t
	return nil
}
