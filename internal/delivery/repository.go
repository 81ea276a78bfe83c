package delivery

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
	// Insert stores a new event. It reports false when an event with the
	// same idempotency key already exists.
	Insert(ctx context.Context, event *models.AsyncEvent) (bool, error)
	Get(ctx context.Context, id string) (*models.AsyncEvent, error)
	GetByKey(ctx context.Context, key string) (*models.AsyncEvent, error)
	// ClaimDue moves up to limit due events to PROCESSING and counts the
	// attempt. Events already claimed elsewhere are skipped.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.AsyncEvent, error)
	// ReclaimStale releases PROCESSING rows locked before cutoff. Rows with
	// attempts left become FAILED and due now; the rest are dead-lettered.
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (requeued, deadLettered int64, err error)
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, lastError string, nextRetryAt, at time.Time) error
	MarkDeadLetter(ctx context.Context, id, lastError string, at time.Time) error
	ListByStatus(ctx context.Context, status models.EventStatus, limit int) ([]models.AsyncEvent, error)
	// Requeue resets a FAILED or DEAD_LETTER event to PENDING with a fresh
	// attempt budget.
	Requeue(ctx context.Context, id string, at time.Time) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const eventColumns = `id, source, type, external_id, idempotency_key, tenant_id, payload, status, attempts,
	max_attempts, next_retry_at, locked_at, last_error, created_at, updated_at, completed_at`

func (r *PostgresRepository) Insert(ctx context.Context, e *models.AsyncEvent) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO async_events (id, source, type, external_id, idempotency_key, tenant_id, payload, status,
			attempts, max_attempts, next_retry_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, '', $11, $11)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.Source, e.Type, e.ExternalID, e.IdempotencyKey, e.TenantID, []byte(e.Payload), e.Status,
		e.MaxAttempts, e.NextRetryAt, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.AsyncEvent, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM async_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, errs.ErrNotFound)
	}
	return e, err
}

func (r *PostgresRepository) GetByKey(ctx context.Context, key string) (*models.AsyncEvent, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM async_events WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", key, errs.ErrNotFound)
	}
	return e, err
}

func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.AsyncEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE async_events
		SET status = 'PROCESSING', attempts = attempts + 1, locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM async_events
			WHERE status IN ('PENDING', 'FAILED') AND next_retry_at <= $1 AND attempts < max_attempts
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AsyncEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	dead, err := tx.ExecContext(ctx, `
		UPDATE async_events
		SET status = 'DEAD_LETTER', locked_at = NULL, last_error = 'processing lease expired', updated_at = $2
		WHERE status = 'PROCESSING' AND locked_at < $1 AND attempts >= max_attempts`, cutoff, now)
	if err != nil {
		return 0, 0, err
	}
	requeued, err := tx.ExecContext(ctx, `
		UPDATE async_events
		SET status = 'FAILED', locked_at = NULL, next_retry_at = $2, last_error = 'processing lease expired', updated_at = $2
		WHERE status = 'PROCESSING' AND locked_at < $1`, cutoff, now)
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	nd, _ := dead.RowsAffected()
	nr, _ := requeued.RowsAffected()
	return nr, nd, nil
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE async_events
		SET status = 'COMPLETED', locked_at = NULL, completed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'PROCESSING'`, at, id)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id, lastError string, nextRetryAt, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE async_events
		SET status = 'FAILED', locked_at = NULL, last_error = $1, next_retry_at = $2, updated_at = $3
		WHERE id = $4 AND status = 'PROCESSING'`, lastError, nextRetryAt, at, id)
}

func (r *PostgresRepository) MarkDeadLetter(ctx context.Context, id, lastError string, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE async_events
		SET status = 'DEAD_LETTER', locked_at = NULL, last_error = $1, updated_at = $2
		WHERE id = $3 AND status = 'PROCESSING'`, lastError, at, id)
}

func (r *PostgresRepository) Requeue(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE async_events
		SET status = 'PENDING', attempts = 0, next_retry_at = $1, locked_at = NULL, updated_at = $1
		WHERE id = $2 AND status IN ('FAILED', 'DEAD_LETTER')`, at, id)
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status models.EventStatus, limit int) ([]models.AsyncEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM async_events
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AsyncEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// exec runs a single-row state change; no row means the event was not in
// the expected state.
func (r *PostgresRepository) exec(ctx context.Context, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s not in expected state: %w", id, errs.ErrConflict)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.AsyncEvent, error) {
	var (
		e                 models.AsyncEvent
		payload           []byte
		locked, completed sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Source, &e.Type, &e.ExternalID, &e.IdempotencyKey, &e.TenantID, &payload,
		&e.Status, &e.Attempts, &e.MaxAttempts, &e.NextRetryAt, &locked, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	if locked.Valid {
		e.LockedAt = &locked.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return &e, nil
}
