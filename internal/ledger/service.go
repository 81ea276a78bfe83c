package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/backend/internal/audit"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// DefaultMaxAttempts bounds the optimistic-lock retry loop.
const DefaultMaxAttempts = 5

// Service is the only path through which account balances change.
type Service struct {
	repo        Repository
	audit       *audit.Logger
	log         *slog.Logger
	maxAttempts int
	now         func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		log:         slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(s.log)
	}
	return s
}

// AdjustRequest moves an account balance by Delta.
type AdjustRequest struct {
	AccountID      string
	Delta          int64
	Kind           models.TransactionKind
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	Metadata       models.Metadata
	// MinAvailableAfter, when positive, rejects a debit that would leave
	// less than this amount available. It is checked against every re-read.
	MinAvailableAfter int64
}

type ReserveRequest struct {
	AccountID      string
	Amount         int64
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
}

// Result is the outcome of a ledger mutation. Duplicate is set when the
// idempotency key had already been applied; Transaction is then the prior row.
type Result struct {
	Transaction *models.LedgerTransaction
	NewBalance  int64
	Reserved    int64
	Duplicate   bool
	Attempts    int
}

// change computes balance and reserved deltas against a freshly read account.
type change func(acct *models.LedgerAccount) (balanceDelta, reservedDelta int64, err error)

type operation struct {
	accountID      string
	kind           models.TransactionKind
	referenceType  string
	referenceID    string
	idempotencyKey string
	metadata       models.Metadata
	apply          change
}

func (s *Service) AdjustBalance(ctx context.Context, req AdjustRequest) (Result, error) {
	if err := validateCommon(req.AccountID, req.IdempotencyKey); err != nil {
		return Result{}, err
	}
	if req.Delta == 0 {
		return Result{}, errs.Invalid("delta", "must not be zero")
	}
	if !req.Kind.Valid() || req.Kind == models.KindReservation || req.Kind == models.KindReservationRelease {
		return Result{}, errs.Invalid("kind", "%q is not a balance adjustment kind", req.Kind)
	}
	if req.MinAvailableAfter < 0 {
		return Result{}, errs.Invalid("min_available_after", "must not be negative")
	}

	return s.mutate(ctx, operation{
		accountID:      req.AccountID,
		kind:           req.Kind,
		referenceType:  req.ReferenceType,
		referenceID:    req.ReferenceID,
		idempotencyKey: req.IdempotencyKey,
		metadata:       req.Metadata,
		apply: func(acct *models.LedgerAccount) (int64, int64, error) {
			if req.Delta > 0 && acct.Balance > math.MaxInt64-req.Delta {
				return 0, 0, errs.Invalid("delta", "balance would overflow")
			}
			newBalance := acct.Balance + req.Delta
			if req.Delta < 0 {
				if newBalance < 0 || newBalance < acct.Reserved {
					return 0, 0, fmt.Errorf("account %s balance %d reserved %d delta %d: %w",
						acct.ID, acct.Balance, acct.Reserved, req.Delta, errs.ErrInsufficientFunds)
				}
				if req.MinAvailableAfter > 0 && newBalance-acct.Reserved < req.MinAvailableAfter {
					return 0, 0, fmt.Errorf("account %s would fall below floor %d: %w",
						acct.ID, req.MinAvailableAfter, errs.ErrInsufficientFunds)
				}
			}
			return req.Delta, 0, nil
		},
	})
}

// Reserve earmarks part of the balance without moving it.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (Result, error) {
	if err := validateReserve(req); err != nil {
		return Result{}, err
	}
	return s.mutate(ctx, reserveOperation(req, models.KindReservation, func(acct *models.LedgerAccount) (int64, int64, error) {
		if acct.Reserved+req.Amount > acct.Balance {
			return 0, 0, fmt.Errorf("account %s available %d requested %d: %w",
				acct.ID, acct.Available(), req.Amount, errs.ErrInsufficientFunds)
		}
		return 0, req.Amount, nil
	}))
}

func (s *Service) ReleaseReservation(ctx context.Context, req ReserveRequest) (Result, error) {
	if err := validateReserve(req); err != nil {
		return Result{}, err
	}
	return s.mutate(ctx, reserveOperation(req, models.KindReservationRelease, func(acct *models.LedgerAccount) (int64, int64, error) {
		if req.Amount > acct.Reserved {
			return 0, 0, errs.Invalid("amount", "release of %d exceeds reserved %d", req.Amount, acct.Reserved)
		}
		return 0, -req.Amount, nil
	}))
}

// CaptureReservation settles a previously reserved amount: balance and
// reserved decrease together in one row of kind SETTLEMENT.
func (s *Service) CaptureReservation(ctx context.Context, req ReserveRequest) (Result, error) {
	if err := validateReserve(req); err != nil {
		return Result{}, err
	}
	return s.mutate(ctx, reserveOperation(req, models.KindSettlement, func(acct *models.LedgerAccount) (int64, int64, error) {
		if req.Amount > acct.Reserved {
			return 0, 0, errs.Invalid("amount", "capture of %d exceeds reserved %d", req.Amount, acct.Reserved)
		}
		return -req.Amount, -req.Amount, nil
	}))
}

func reserveOperation(req ReserveRequest, kind models.TransactionKind, fn change) operation {
	return operation{
		accountID:      req.AccountID,
		kind:           kind,
		referenceType:  req.ReferenceType,
		referenceID:    req.ReferenceID,
		idempotencyKey: req.IdempotencyKey,
		apply:          fn,
	}
}

func (s *Service) mutate(ctx context.Context, op operation) (Result, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		prior, err := s.repo.FindTransactionByKey(ctx, op.idempotencyKey)
		if err == nil {
			return duplicateResult(prior, op, attempt)
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return Result{}, err
		}

		acct, err := s.repo.GetAccount(ctx, op.accountID)
		if err != nil {
			return Result{}, err
		}
		if acct.Status == models.AccountClosed {
			return Result{}, fmt.Errorf("account %s: %w", acct.ID, errs.ErrAccountClosed)
		}

		balanceDelta, reservedDelta, err := op.apply(acct)
		if err != nil {
			return Result{}, err
		}

		now := s.now().UTC()
		tx := &models.LedgerTransaction{
			ID:             uuid.NewString(),
			AccountID:      acct.ID,
			Kind:           op.kind,
			Delta:          balanceDelta,
			BalanceAfter:   acct.Balance + balanceDelta,
			ReservedDelta:  reservedDelta,
			ReservedAfter:  acct.Reserved + reservedDelta,
			ReferenceType:  op.referenceType,
			ReferenceID:    op.referenceID,
			IdempotencyKey: op.idempotencyKey,
			Metadata:       op.metadata,
			CreatedAt:      now,
		}

		err = s.repo.Apply(ctx, Mutation{
			AccountID:       acct.ID,
			ExpectedVersion: acct.Version,
			Transaction:     tx,
		})
		switch {
		case err == nil:
			s.audit.LogLedgerMutation(tx.ID, acct.ID, string(tx.Kind), tx.Delta, tx.BalanceAfter)
			return Result{
				Transaction: tx,
				NewBalance:  tx.BalanceAfter,
				Reserved:    tx.ReservedAfter,
				Attempts:    attempt,
			}, nil
		case errors.Is(err, ErrStaleVersion):
			s.log.Debug("ledger version conflict, retrying",
				"account_id", acct.ID, "attempt", attempt, "key", op.idempotencyKey)
			continue
		case errors.Is(err, errs.ErrDuplicateOperation):
			prior, findErr := s.repo.FindTransactionByKey(ctx, op.idempotencyKey)
			if findErr != nil {
				return Result{}, findErr
			}
			return duplicateResult(prior, op, attempt)
		default:
			s.audit.LogError(op.idempotencyKey, acct.ID, err)
			return Result{}, err
		}
	}

	s.log.Warn("ledger mutation gave up after retries",
		"account_id", op.accountID, "attempts", s.maxAttempts, "key", op.idempotencyKey)
	return Result{}, fmt.Errorf("account %s after %d attempts: %w", op.accountID, s.maxAttempts, errs.ErrConflict)
}

func duplicateResult(prior *models.LedgerTransaction, op operation, attempt int) (Result, error) {
	if prior.AccountID != op.accountID || prior.Kind != op.kind {
		return Result{}, errs.Invalid("idempotency_key", "already used for a different ledger operation")
	}
	return Result{
		Transaction: prior,
		NewBalance:  prior.BalanceAfter,
		Reserved:    prior.ReservedAfter,
		Duplicate:   true,
		Attempts:    attempt,
	}, nil
}

func validateCommon(accountID, key string) error {
	if accountID == "" {
		return errs.Invalid("account_id", "is required")
	}
	if key == "" {
		return errs.Invalid("idempotency_key", "is required")
	}
	return nil
}

func validateReserve(req ReserveRequest) error {
	if err := validateCommon(req.AccountID, req.IdempotencyKey); err != nil {
		return err
	}
	if req.Amount <= 0 {
		return errs.Invalid("amount", "must be positive")
	}
	return nil
}

// OpenAccount creates the tenant's wallet in currency, or returns the
// existing one.
func (s *Service) OpenAccount(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error) {
	if tenantID == "" {
		return nil, errs.Invalid("tenant_id", "is required")
	}
	if len(currency) != 3 {
		return nil, errs.Invalid("currency", "must be a 3-letter code")
	}

	now := s.now().UTC()
	acct := &models.LedgerAccount{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Currency:  currency,
		Status:    models.AccountOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.CreateAccount(ctx, acct)
	if errors.Is(err, errs.ErrDuplicateOperation) {
		return s.repo.GetAccountByTenant(ctx, tenantID, currency)
	}
	if err != nil {
		return nil, err
	}

	s.audit.LogOperation(acct.ID, "LEDGER_ACCOUNT_OPENED", tenantID)
	return acct, nil
}

// CloseAccount stops all further mutations. Reserved funds must be released first.
func (s *Service) CloseAccount(ctx context.Context, accountID string) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		acct, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Status == models.AccountClosed {
			return nil
		}
		if acct.Reserved != 0 {
			return errs.Invalid("reserved", "account %s still holds %d reserved", acct.ID, acct.Reserved)
		}

		err = s.repo.CloseAccount(ctx, acct.ID, acct.Version, s.now().UTC())
		if errors.Is(err, ErrStaleVersion) {
			continue
		}
		if err != nil {
			return err
		}
		s.audit.LogOperation(acct.ID, "LEDGER_ACCOUNT_CLOSED", acct.TenantID)
		return nil
	}
	return fmt.Errorf("close account %s: %w", accountID, errs.ErrConflict)
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*models.LedgerAccount, error) {
	return s.repo.GetAccount(ctx, accountID)
}

func (s *Service) AccountForTenant(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error) {
	return s.repo.GetAccountByTenant(ctx, tenantID, currency)
}

// TransactionByKey returns the transaction applied under key, or
// errs.ErrNotFound.
func (s *Service) TransactionByKey(ctx context.Context, key string) (*models.LedgerTransaction, error) {
	return s.repo.FindTransactionByKey(ctx, key)
}

func (s *Service) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListTransactions(ctx, accountID, limit)
}

type VerifyReport struct {
	AccountID   string `json:"account_id"`
	Balance     int64  `json:"balance"`
	SumOfDeltas int64  `json:"sum_of_deltas"`
	Reserved    int64  `json:"reserved"`
	Consistent  bool   `json:"consistent"`
}

// Verify recomputes the balance from the transaction log.
func (s *Service) Verify(ctx context.Context, accountID string) (VerifyReport, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return VerifyReport{}, err
	}
	sum, err := s.repo.SumDeltas(ctx, accountID)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{
		AccountID:   acct.ID,
		Balance:     acct.Balance,
		SumOfDeltas: sum,
		Reserved:    acct.Reserved,
		Consistent:  sum == acct.Balance && acct.Reserved >= 0 && acct.Reserved <= acct.Balance,
	}
	if !report.Consistent {
		s.log.Error("ledger inconsistency detected", "account_id", acct.ID, "balance", acct.Balance, "sum", sum)
	}
	return report, nil
}
