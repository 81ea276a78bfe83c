package handlers

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/ledger"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/settlement"
	"github.com/tradepost/backend/internal/signing"
	"github.com/tradepost/backend/internal/tenants"
)

type MockSettlement struct {
	mock.Mock
}

func (m *MockSettlement) SettleOrder(ctx context.Context, tenantID, orderID, actor string) (settlement.Outcome, error) {
	args := m.Called(ctx, tenantID, orderID, actor)
	return args.Get(0).(settlement.Outcome), args.Error(1)
}

func (m *MockSettlement) Cancel(ctx context.Context, tenantID, orderID, actor string) (settlement.Outcome, error) {
	args := m.Called(ctx, tenantID, orderID, actor)
	return args.Get(0).(settlement.Outcome), args.Error(1)
}

func (m *MockSettlement) Refund(ctx context.Context, orderID, actor string) (settlement.Outcome, error) {
	args := m.Called(ctx, orderID, actor)
	return args.Get(0).(settlement.Outcome), args.Error(1)
}

func (m *MockSettlement) RequestTopUp(ctx context.Context, tenantID, currency string, amount int64) (*billing.Invoice, error) {
	args := m.Called(ctx, tenantID, currency, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Invoice), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) AccountForTenant(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error) {
	args := m.Called(ctx, tenantID, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerAccount), args.Error(1)
}

func (m *MockLedger) GetAccount(ctx context.Context, accountID string) (*models.LedgerAccount, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerAccount), args.Error(1)
}

func (m *MockLedger) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	args := m.Called(ctx, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerTransaction), args.Error(1)
}

func (m *MockLedger) AdjustBalance(ctx context.Context, req ledger.AdjustRequest) (ledger.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(ledger.Result), args.Error(1)
}

type MockTenants struct {
	mock.Mock
}

func (m *MockTenants) Onboard(ctx context.Context, req tenants.OnboardRequest) (*tenants.Onboarding, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tenants.Onboarding), args.Error(1)
}

func (m *MockTenants) List(ctx context.Context, limit int) ([]models.Tenant, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Tenant), args.Error(1)
}

func (m *MockTenants) Suspend(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockTenants) Reactivate(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type MockRotator struct {
	mock.Mock
}

func (m *MockRotator) Rotate(ctx context.Context, storeID string) (signing.Rotation, error) {
	args := m.Called(ctx, storeID)
	return args.Get(0).(signing.Rotation), args.Error(1)
}
