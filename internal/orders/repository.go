package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/tradepost/backend/internal/database"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// ErrStaleVersion means the order changed between read and write.
var ErrStaleVersion = errors.New("orders: order version changed")

// TransitionRecord is one atomic state change: status and payment columns,
// one history row and the inventory side effect.
type TransitionRecord struct {
	OrderID         string
	ExpectedVersion int64
	To              models.OrderStatus
	Payment         Payment
	Items           []models.OrderItem
	Inventory       InventoryEffect
	History         *models.OrderStatusHistory
	At              time.Time
}

// Payment is the full set of payment columns written with a transition.
type Payment struct {
	Method        models.PaymentMethod
	Status        models.PaymentStatus
	Reference     string
	SettledAmount int64
}

type Repository interface {
	// Create returns errs.ErrDuplicateOperation when the idempotency key exists.
	Create(ctx context.Context, order *models.Order, history *models.OrderStatusHistory) error
	Get(ctx context.Context, orderID string) (*models.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.Order, error)
	History(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error)
	// ApplyTransition returns ErrStaleVersion on a lost race.
	ApplyTransition(ctx context.Context, rec TransitionRecord) error
	// UpdatePayment changes payment columns without a status change.
	UpdatePayment(ctx context.Context, orderID string, expectedVersion int64, p Payment, at time.Time) error
	UpsertInventory(ctx context.Context, item models.InventoryItem) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, tenant_id, external_order_id, status, currency, subtotal_minor, handling_minor,
	shipping_minor, estimated_total_minor, actual_total_minor, idempotency_key, payment_method,
	payment_status, payment_reference, settled_amount_minor, version, created_at, updated_at,
	funded_at, released_at, shipped_at, completed_at, cancelled_at, refunded_at`

func (r *PostgresRepository) Create(ctx context.Context, o *models.Order, h *models.OrderStatusHistory) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, external_order_id, status, currency, subtotal_minor, handling_minor,
			shipping_minor, estimated_total_minor, idempotency_key, payment_method, payment_status,
			payment_reference, settled_amount_minor, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $15)`,
		o.ID, o.TenantID, o.ExternalOrderID, o.Status, o.Currency, o.SubtotalMinor, o.HandlingMinor,
		o.ShippingMinor, o.EstimatedTotalMinor, o.IdempotencyKey, o.PaymentMethod, o.PaymentStatus,
		o.PaymentReference, o.SettledAmountMinor, o.CreatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.IdempotencyKey, errs.ErrDuplicateOperation)
	}
	if err != nil {
		return err
	}

	for i, it := range o.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line, sku, quantity, extra_quantity, unit_cost_minor, addons, fees_minor)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, i+1, it.SKU, it.Quantity, it.ExtraQuantity, it.UnitCostMinor, pq.Array(it.Addons), it.FeesMinor)
		if err != nil {
			return err
		}
	}

	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) Get(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) items(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, quantity, extra_quantity, unit_cost_minor, addons, fees_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY line`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OrderItem
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.SKU, &it.Quantity, &it.ExtraQuantity, &it.UnitCostMinor, pq.Array(&it.Addons), &it.FeesMinor); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) History(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, actor, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OrderStatusHistory
	for rows.Next() {
		var h models.OrderStatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.FromStatus, &h.ToStatus, &h.Actor, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ApplyTransition(ctx context.Context, rec TransitionRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stamp := ""
	if col := timestampColumn(rec.To); col != "" {
		stamp = ", " + col + " = $2"
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = $2,
			payment_method = $3, payment_status = $4, payment_reference = $5, settled_amount_minor = $6`+stamp+`
		WHERE id = $7 AND version = $8`,
		rec.To, rec.At, rec.Payment.Method, rec.Payment.Status, rec.Payment.Reference, rec.Payment.SettledAmount,
		rec.OrderID, rec.ExpectedVersion)
	if err != nil {
		return err
	}
	if err := requireRow(result, rec.OrderID); err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, rec.History); err != nil {
		return err
	}
	if err := applyInventory(ctx, tx, rec.Inventory, rec.Items); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) UpdatePayment(ctx context.Context, orderID string, expectedVersion int64, p Payment, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_method = $1, payment_status = $2, payment_reference = $3, settled_amount_minor = $4,
			version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		p.Method, p.Status, p.Reference, p.SettledAmount, at, orderID, expectedVersion)
	if err != nil {
		return err
	}
	return requireRow(result, orderID)
}

func (r *PostgresRepository) UpsertInventory(ctx context.Context, item models.InventoryItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory_items (sku, on_hand, reserved)
		VALUES ($1, $2, 0)
		ON CONFLICT (sku) DO UPDATE SET on_hand = EXCLUDED.on_hand`,
		item.SKU, item.OnHand)
	return err
}

type skuUnits struct {
	sku   string
	units int64
}

// unitsBySKU merges lines and sorts by SKU so concurrent transitions lock
// inventory rows in the same order.
func unitsBySKU(items []models.OrderItem) []skuUnits {
	totals := make(map[string]int64)
	for _, it := range items {
		totals[it.SKU] += it.Units()
	}
	out := make([]skuUnits, 0, len(totals))
	for sku, units := range totals {
		out = append(out, skuUnits{sku, units})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sku < out[j].sku })
	return out
}

func applyInventory(ctx context.Context, tx *sql.Tx, effect InventoryEffect, items []models.OrderItem) error {
	var stmt string
	switch effect {
	case InventoryNone:
		return nil
	case InventoryReserve:
		stmt = `UPDATE inventory_items SET reserved = reserved + $1 WHERE sku = $2 AND on_hand - reserved >= $1`
	case InventoryShip:
		stmt = `UPDATE inventory_items SET on_hand = on_hand - $1, reserved = reserved - $1 WHERE sku = $2 AND reserved >= $1`
	case InventoryRelease:
		stmt = `UPDATE inventory_items SET reserved = reserved - $1 WHERE sku = $2 AND reserved >= $1`
	}

	for _, u := range unitsBySKU(items) {
		result, err := tx.ExecContext(ctx, stmt, u.units, u.sku)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s %d units of %s: %w", effect, u.units, u.sku, errs.ErrInsufficientStock)
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, h *models.OrderStatusHistory) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (id, order_id, from_status, to_status, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.OrderID, h.FromStatus, h.ToStatus, h.Actor, h.CreatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var (
		o                                                   models.Order
		actual                                              sql.NullInt64
		funded, released, shipped, completed, cancelled, rf sql.NullTime
	)
	err := row.Scan(&o.ID, &o.TenantID, &o.ExternalOrderID, &o.Status, &o.Currency, &o.SubtotalMinor,
		&o.HandlingMinor, &o.ShippingMinor, &o.EstimatedTotalMinor, &actual, &o.IdempotencyKey,
		&o.PaymentMethod, &o.PaymentStatus, &o.PaymentReference, &o.SettledAmountMinor, &o.Version,
		&o.CreatedAt, &o.UpdatedAt, &funded, &released, &shipped, &completed, &cancelled, &rf)
	if err != nil {
		return nil, err
	}
	if actual.Valid {
		o.ActualTotalMinor = &actual.Int64
	}
	o.FundedAt = nullTime(funded)
	o.ReleasedAt = nullTime(released)
	o.ShippedAt = nullTime(shipped)
	o.CompletedAt = nullTime(completed)
	o.CancelledAt = nullTime(cancelled)
	o.RefundedAt = nullTime(rf)
	return &o, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func requireRow(result sql.Result, orderID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("optimistic lock failed for order %s: %w", orderID, ErrStaleVersion)
	}
	return nil
}
