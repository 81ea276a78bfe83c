package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tradepost/backend/internal/database"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

type Repository interface {
	Create(ctx context.Context, t *models.Tenant) error
	Get(ctx context.Context, id string) (*models.Tenant, error)
	List(ctx context.Context, limit int) ([]models.Tenant, error)
	UpdateCallbackURL(ctx context.Context, id, url string) error
	SetStatus(ctx context.Context, id string, status models.TenantStatus) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *models.Tenant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, callback_url, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.CallbackURL, t.Currency, t.Status, t.CreatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("tenant %s: %w", t.ID, errs.ErrDuplicateOperation)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, callback_url, currency, status, created_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CallbackURL, &t.Currency, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]models.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, callback_url, currency, status, created_at
		FROM tenants ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CallbackURL, &t.Currency, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateCallbackURL(ctx context.Context, id, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tenants SET callback_url = $1 WHERE id = $2`, url, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status models.TenantStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tenants SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", id, errs.ErrNotFound)
	}
	return nil
}
