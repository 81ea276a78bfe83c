package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

type Repository interface {
	// Insert returns errs.ErrDuplicateOperation when the key exists.
	Insert(ctx context.Context, rec *models.IdempotencyRecord) error
	Get(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	// TakeOver re-claims an in-progress record whose lease expired before now.
	TakeOver(ctx context.Context, key string, now, leaseUntil time.Time) (bool, error)
	Complete(ctx context.Context, key, resultType, resultID string, at time.Time) error
	// Delete removes an in-progress record only.
	Delete(ctx context.Context, key string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, rec *models.IdempotencyRecord) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, scope, status, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Scope, rec.Status, rec.LeaseExpiresAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrDuplicateOperation
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT key, scope, status, result_type, result_id, lease_expires_at, created_at, updated_at
		FROM idempotency_records
		WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Scope, &rec.Status, &rec.ResultType, &rec.ResultID,
			&rec.LeaseExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key %s: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) TakeOver(ctx context.Context, key string, now, leaseUntil time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET lease_expires_at = $1, updated_at = $2
		WHERE key = $3 AND status = 'IN_PROGRESS' AND lease_expires_at < $2`,
		leaseUntil, now, key)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) Complete(ctx context.Context, key, resultType, resultID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'COMPLETED', result_type = $1, result_id = $2, updated_at = $3
		WHERE key = $4`,
		resultType, resultID, at, key)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("idempotency key %s: %w", key, errs.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND status = 'IN_PROGRESS'`, key)
	return err
}
