package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tradepost/backend/internal/database"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// ErrStaleVersion means the account changed between read and write.
var ErrStaleVersion = errors.New("ledger: account version changed")

// Mutation is one atomic ledger write: the account moves to the
// transaction's snapshots iff its version still equals ExpectedVersion.
type Mutation struct {
	AccountID       string
	ExpectedVersion int64
	Transaction     *models.LedgerTransaction
}

type Repository interface {
	CreateAccount(ctx context.Context, acct *models.LedgerAccount) error
	GetAccount(ctx context.Context, accountID string) (*models.LedgerAccount, error)
	GetAccountByTenant(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error)
	CloseAccount(ctx context.Context, accountID string, expectedVersion int64, closedAt time.Time) error
	// FindTransactionByKey returns errs.ErrNotFound when the key is unused.
	FindTransactionByKey(ctx context.Context, key string) (*models.LedgerTransaction, error)
	// Apply returns ErrStaleVersion on a lost race and
	// errs.ErrDuplicateOperation when the idempotency key already exists.
	Apply(ctx context.Context, m Mutation) error
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error)
	SumDeltas(ctx context.Context, accountID string) (int64, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, tenant_id, currency, balance, reserved, version, status, created_at, updated_at, closed_at`

const transactionColumns = `id, account_id, kind, delta, balance_after, reserved_delta, reserved_after,
	reference_type, reference_id, idempotency_key, metadata, created_at`

func (r *PostgresRepository) CreateAccount(ctx context.Context, acct *models.LedgerAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, tenant_id, currency, balance, reserved, version, status, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, $4, $5, $6)`,
		acct.ID, acct.TenantID, acct.Currency, acct.Status, acct.CreatedAt, acct.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("ledger account for tenant %s: %w", acct.TenantID, errs.ErrDuplicateOperation)
	}
	return err
}

func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*models.LedgerAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, accountID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger account %s: %w", accountID, errs.ErrNotFound)
	}
	return acct, err
}

func (r *PostgresRepository) GetAccountByTenant(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE tenant_id = $1 AND currency = $2`, tenantID, currency)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger account for tenant %s: %w", tenantID, errs.ErrNotFound)
	}
	return acct, err
}

func (r *PostgresRepository) CloseAccount(ctx context.Context, accountID string, expectedVersion int64, closedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE ledger_accounts
		SET status = $1, closed_at = $2, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4`,
		models.AccountClosed, closedAt, accountID, expectedVersion)
	if err != nil {
		return err
	}
	return requireRow(result, accountID)
}

func (r *PostgresRepository) FindTransactionByKey(ctx context.Context, key string) (*models.LedgerTransaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE idempotency_key = $1`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return tx, err
}

func (r *PostgresRepository) Apply(ctx context.Context, m Mutation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t := m.Transaction
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts
		SET balance = $1, reserved = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5 AND status = 'OPEN'`,
		t.BalanceAfter, t.ReservedAfter, t.CreatedAt, m.AccountID, m.ExpectedVersion)
	if err != nil {
		return err
	}
	if err := requireRow(result, m.AccountID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.AccountID, t.Kind, t.Delta, t.BalanceAfter, t.ReservedDelta, t.ReservedAfter,
		t.ReferenceType, t.ReferenceID, t.IdempotencyKey, t.Metadata, t.CreatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("idempotency key %s: %w", t.IdempotencyKey, errs.ErrDuplicateOperation)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SumDeltas(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM ledger_transactions WHERE account_id = $1`, accountID).Scan(&sum)
	return sum, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.LedgerAccount, error) {
	var a models.LedgerAccount
	var closedAt sql.NullTime
	err := row.Scan(&a.ID, &a.TenantID, &a.Currency, &a.Balance, &a.Reserved, &a.Version,
		&a.Status, &a.CreatedAt, &a.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return &a, nil
}

func scanTransaction(row scanner) (*models.LedgerTransaction, error) {
	var t models.LedgerTransaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Delta, &t.BalanceAfter, &t.ReservedDelta, &t.ReservedAfter,
		&t.ReferenceType, &t.ReferenceID, &t.IdempotencyKey, &t.Metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(result sql.Result, accountID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s: %w", accountID, ErrStaleVersion)
	}
	return nil
}
