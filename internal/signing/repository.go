package signing

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradepost/backend/internal/models"
)

type PostgresSecretRepository struct {
	db *sql.DB
}

func NewPostgresSecretRepository(db *sql.DB) *PostgresSecretRepository {
	return &PostgresSecretRepository{db: db}
}

func (r *PostgresSecretRepository) Usable(ctx context.Context, storeID string, now time.Time) ([]models.SigningSecret, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, store_id, secret_hash, sealed_secret, status, created_at, expires_at
		FROM signing_secrets
		WHERE store_id = $1
		  AND (status = 'ACTIVE' OR (status = 'RETIRING' AND expires_at > $2))
		ORDER BY created_at DESC`, storeID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SigningSecret
	for rows.Next() {
		var s models.SigningSecret
		var expires sql.NullTime
		if err := rows.Scan(&s.ID, &s.StoreID, &s.SecretHash, &s.Sealed, &s.Status, &s.CreatedAt, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			s.ExpiresAt = &expires.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresSecretRepository) Rotate(ctx context.Context, next *models.SigningSecret, graceUntil time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE signing_secrets
		SET status = 'RETIRING', expires_at = $1
		WHERE store_id = $2 AND status = 'ACTIVE'`,
		graceUntil, next.StoreID)
	if err != nil {
		return 0, err
	}
	retired, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signing_secrets (id, store_id, secret_hash, sealed_secret, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		next.ID, next.StoreID, next.SecretHash, next.Sealed, next.Status, next.CreatedAt)
	if err != nil {
		return 0, err
	}

	return retired, tx.Commit()
}

func (r *PostgresSecretRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE signing_secrets
		SET status = 'INACTIVE'
		WHERE status = 'RETIRING' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
