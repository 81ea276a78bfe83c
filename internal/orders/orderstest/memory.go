// Package orderstest provides an in-memory order repository for tests.
package orderstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/orders"
)

// MemoryRepository is an orders.Repository with the same version, uniqueness
// and stock rules as the postgres repository.
type MemoryRepository struct {
	mu        sync.Mutex
	orders    map[string]models.Order
	byKey     map[string]string
	history   map[string][]models.OrderStatusHistory
	inventory map[string]models.InventoryItem

	creates int
}

var _ orders.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:    make(map[string]models.Order),
		byKey:     make(map[string]string),
		history:   make(map[string][]models.OrderStatusHistory),
		inventory: make(map[string]models.InventoryItem),
	}
}

// Creates counts successful inserts.
func (m *MemoryRepository) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

func (m *MemoryRepository) Inventory(sku string) models.InventoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory[sku]
}

func (m *MemoryRepository) Create(_ context.Context, o *models.Order, h *models.OrderStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[o.IdempotencyKey]; ok {
		return fmt.Errorf("order %s: %w", o.IdempotencyKey, errs.ErrDuplicateOperation)
	}
	stored := *o
	stored.Items = append([]models.OrderItem(nil), o.Items...)
	m.orders[o.ID] = stored
	m.byKey[o.IdempotencyKey] = o.ID
	m.history[o.ID] = append(m.history[o.ID], *h)
	m.creates++
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}
	return &o, nil
}

func (m *MemoryRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", key, errs.ErrNotFound)
	}
	return m.Get(ctx, id)
}

func (m *MemoryRepository) ListByTenant(_ context.Context, tenantID string, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) History(_ context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), m.history[orderID]...), nil
}

func (m *MemoryRepository) ApplyTransition(_ context.Context, rec orders.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[rec.OrderID]
	if !ok || o.Version != rec.ExpectedVersion {
		return fmt.Errorf("optimistic lock failed for order %s: %w", rec.OrderID, orders.ErrStaleVersion)
	}

	// stage inventory so a shortfall leaves nothing applied
	units := make(map[string]int64)
	for _, it := range rec.Items {
		units[it.SKU] += it.Units()
	}
	staged := make(map[string]models.InventoryItem)
	for sku, n := range units {
		inv := m.inventory[sku]
		inv.SKU = sku
		switch rec.Inventory {
		case orders.InventoryReserve:
			if inv.OnHand-inv.Reserved < n {
				return fmt.Errorf("%s %d units of %s: %w", rec.Inventory, n, sku, errs.ErrInsufficientStock)
			}
			inv.Reserved += n
		case orders.InventoryShip:
			if inv.Reserved < n {
				return fmt.Errorf("%s %d units of %s: %w", rec.Inventory, n, sku, errs.ErrInsufficientStock)
			}
			inv.OnHand -= n
			inv.Reserved -= n
		case orders.InventoryRelease:
			if inv.Reserved < n {
				return fmt.Errorf("%s %d units of %s: %w", rec.Inventory, n, sku, errs.ErrInsufficientStock)
			}
			inv.Reserved -= n
		default:
			continue
		}
		staged[sku] = inv
	}
	for sku, inv := range staged {
		m.inventory[sku] = inv
	}

	o.Status = rec.To
	o.Version++
	o.UpdatedAt = rec.At
	o.PaymentMethod = rec.Payment.Method
	o.PaymentStatus = rec.Payment.Status
	o.PaymentReference = rec.Payment.Reference
	o.SettledAmountMinor = rec.Payment.SettledAmount
	o.Stamp(rec.To, rec.At)
	m.orders[o.ID] = o
	m.history[o.ID] = append(m.history[o.ID], *rec.History)
	return nil
}

func (m *MemoryRepository) UpdatePayment(_ context.Context, orderID string, expectedVersion int64, p orders.Payment, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Version != expectedVersion {
		return fmt.Errorf("optimistic lock failed for order %s: %w", orderID, orders.ErrStaleVersion)
	}
	o.PaymentMethod = p.Method
	o.PaymentStatus = p.Status
	o.PaymentReference = p.Reference
	o.SettledAmountMinor = p.SettledAmount
	o.Version++
	o.UpdatedAt = at
	m.orders[orderID] = o
	return nil
}

func (m *MemoryRepository) UpsertInventory(_ context.Context, item models.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.inventory[item.SKU]
	inv.SKU = item.SKU
	inv.OnHand = item.OnHand
	m.inventory[item.SKU] = inv
	return nil
}
