package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/backend/internal/audit"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/signing"
)

type Accounts interface {
	OpenAccount(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error)
}

type Secrets interface {
	Rotate(ctx context.Context, storeID string) (signing.Rotation, error)
}

// OnboardRequest registers a merchant store.
// @Description Tenant onboarding request
type OnboardRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=200" example:"Corner Bodega"`
	Currency    string `json:"currency" validate:"required,len=3" example:"USD"`
	CallbackURL string `json:"callback_url,omitempty" validate:"omitempty,url" example:"https://store.example/hooks/tradepost"`
}

// Onboarding is returned once. Secret is the store's first signing secret
// and cannot be read back later.
type Onboarding struct {
	Tenant  *models.Tenant        `json:"tenant"`
	Account *models.LedgerAccount `json:"account"`
	Secret  signing.Rotation      `json:"secret"`
}

type Service struct {
	repo     Repository
	accounts Accounts
	secrets  Secrets
	audit    *audit.Logger
	log      *slog.Logger
}

func NewService(repo Repository, accounts Accounts, secrets Secrets, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		accounts: accounts,
		secrets:  secrets,
		audit:    audit.NewLogger(log),
		log:      log,
	}
}

// Onboard creates the tenant, opens its ledger account in the tenant's
// currency and issues its first signing secret.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (*Onboarding, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errs.Invalid("name", "is required")
	}
	if len(req.Currency) != 3 {
		return nil, errs.Invalid("currency", "must be a 3-letter code")
	}

	tenant := &models.Tenant{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		CallbackURL: req.CallbackURL,
		Currency:    strings.ToUpper(req.Currency),
		Status:      models.TenantActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, tenant); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}

	acct, err := s.accounts.OpenAccount(ctx, tenant.ID, tenant.Currency)
	if err != nil {
		return nil, fmt.Errorf("open ledger account for %s: %w", tenant.ID, err)
	}

	rot, err := s.secrets.Rotate(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("issue signing secret for %s: %w", tenant.ID, err)
	}

	s.audit.LogOperation(tenant.ID, "TENANT_ONBOARDED", tenant.Name)
	s.log.Info("tenant onboarded", "tenant_id", tenant.ID, "account_id", acct.ID)
	return &Onboarding{Tenant: tenant, Account: acct, Secret: rot}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Tenant, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]models.Tenant, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, limit)
}

func (s *Service) UpdateCallbackURL(ctx context.Context, id, url string) error {
	if err := s.repo.UpdateCallbackURL(ctx, id, url); err != nil {
		return err
	}
	s.audit.LogOperation(id, "TENANT_CALLBACK_UPDATED", url)
	return nil
}

func (s *Service) Suspend(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.TenantSuspended)
}

func (s *Service) Reactivate(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.TenantActive)
}

func (s *Service) setStatus(ctx context.Context, id string, status models.TenantStatus) error {
	if err := s.repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.audit.LogOperation(id, "TENANT_STATUS_CHANGED", string(status))
	return nil
}

// Active returns the tenant, or errs.ErrNotFound when it is unknown or suspended.
func (s *Service) Active(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TenantActive {
		return nil, fmt.Errorf("tenant %s is %s: %w", id, t.Status, errs.ErrNotFound)
	}
	return t, nil
}

// CallbackURL is where status callbacks for the tenant are delivered. An
// empty result means the tenant has not configured one.
func (s *Service) CallbackURL(ctx context.Context, tenantID string) (string, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.CallbackURL, nil
}
