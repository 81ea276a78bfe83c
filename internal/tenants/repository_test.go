package tenants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

func TestPostgresRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	ctx := context.Background()
	now := time.Now()
	tenant := &models.Tenant{ID: "t-1", Name: "Shop", Currency: "USD", Status: models.TenantActive, CreatedAt: now}

	t.Run("create", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO tenants").
			WithArgs("t-1", "Shop", "", "USD", models.TenantActive, now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		assert.NoError(t, repo.Create(ctx, tenant))
	})

	t.Run("duplicate create", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO tenants").
			WillReturnError(&pq.Error{Code: "23505"})
		err := repo.Create(ctx, tenant)
		assert.True(t, errors.Is(err, errs.ErrDuplicateOperation))
	})

	t.Run("get", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, callback_url, currency, status, created_at FROM tenants WHERE id = \\$1").
			WithArgs("t-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "callback_url", "currency", "status", "created_at"}).
				AddRow("t-1", "Shop", "https://cb", "USD", "ACTIVE", now))
		got, err := repo.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "https://cb", got.CallbackURL)
		assert.Equal(t, models.TenantActive, got.Status)
	})

	t.Run("get missing", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		_, err := repo.Get(ctx, "ghost")
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})

	t.Run("set status on missing tenant", func(t *testing.T) {
		mock.ExpectExec("UPDATE tenants SET status").
			WithArgs(models.TenantSuspended, "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))
		err := repo.SetStatus(ctx, "ghost", models.TenantSuspended)
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
