package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// memRepo is an in-memory Repository with the same CAS and uniqueness
// semantics as the postgres implementation.
type memRepo struct {
	mu       sync.Mutex
	accounts map[string]models.LedgerAccount
	txs      []models.LedgerTransaction
	byKey    map[string]int

	// staleApplies forces the next N Apply calls to lose the version race.
	staleApplies int
	applyCalls   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts: make(map[string]models.LedgerAccount),
		byKey:    make(map[string]int),
	}
}

func (m *memRepo) seed(id string, balance, reserved int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id] = models.LedgerAccount{
		ID: id, TenantID: "tenant-" + id, Currency: "USD",
		Balance: balance, Reserved: reserved, Status: models.AccountOpen,
	}
	if balance != 0 {
		m.txs = append(m.txs, models.LedgerTransaction{
			ID: "seed-" + id, AccountID: id, Kind: models.KindTopUp,
			Delta: balance, BalanceAfter: balance, IdempotencyKey: "seed-" + id,
		})
		m.byKey["seed-"+id] = len(m.txs) - 1
	}
}

func (m *memRepo) txCount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txs {
		if t.AccountID == accountID {
			n++
		}
	}
	return n
}

func (m *memRepo) CreateAccount(_ context.Context, acct *models.LedgerAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.TenantID == acct.TenantID && a.Currency == acct.Currency {
			return errs.ErrDuplicateOperation
		}
	}
	m.accounts[acct.ID] = *acct
	return nil
}

func (m *memRepo) GetAccount(_ context.Context, id string) (*models.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, errs.ErrNotFound)
	}
	return &a, nil
}

func (m *memRepo) GetAccountByTenant(_ context.Context, tenantID, currency string) (*models.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.TenantID == tenantID && a.Currency == currency {
			return &a, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *memRepo) CloseAccount(_ context.Context, id string, version int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a.Version != version {
		return ErrStaleVersion
	}
	a.Status = models.AccountClosed
	a.ClosedAt = &at
	a.Version++
	m.accounts[id] = a
	return nil
}

func (m *memRepo) FindTransactionByKey(_ context.Context, key string) (*models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byKey[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	t := m.txs[i]
	return &t, nil
}

func (m *memRepo) Apply(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if m.staleApplies > 0 {
		m.staleApplies--
		return ErrStaleVersion
	}

	a := m.accounts[mut.AccountID]
	if a.Version != mut.ExpectedVersion || a.Status != models.AccountOpen {
		return ErrStaleVersion
	}
	if _, dup := m.byKey[mut.Transaction.IdempotencyKey]; dup {
		return errs.ErrDuplicateOperation
	}
	if mut.Transaction.BalanceAfter < 0 || mut.Transaction.ReservedAfter > mut.Transaction.BalanceAfter {
		panic("check constraint violated")
	}

	a.Balance = mut.Transaction.BalanceAfter
	a.Reserved = mut.Transaction.ReservedAfter
	a.Version++
	m.accounts[a.ID] = a
	m.txs = append(m.txs, *mut.Transaction)
	m.byKey[mut.Transaction.IdempotencyKey] = len(m.txs) - 1
	return nil
}

func (m *memRepo) ListTransactions(_ context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerTransaction
	for _, t := range m.txs {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) SumDeltas(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.txs {
		if t.AccountID == accountID {
			sum += t.Delta
		}
	}
	return sum, nil
}
