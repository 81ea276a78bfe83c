package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/ledger"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/orders"
)

type MockInvoicer struct {
	mock.Mock
}

func (m *MockInvoicer) Provider() string {
	return "billing"
}

func (m *MockInvoicer) CreateInvoice(ctx context.Context, req billing.InvoiceRequest) (*billing.Invoice, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Invoice), args.Error(1)
}

// fakeLedger keeps one account per tenant and applies adjustments under a
// lock with the same floor and idempotency rules as ledger.Service.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*models.LedgerAccount
	txs      map[string]*models.LedgerTransaction
	failNext error
	adjusts  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[string]*models.LedgerAccount),
		txs:      make(map[string]*models.LedgerTransaction),
	}
}

func (l *fakeLedger) fund(tenantID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[tenantID] = &models.LedgerAccount{
		ID: "acct-" + tenantID, TenantID: tenantID, Currency: "USD",
		Balance: balance, Status: models.AccountOpen,
	}
}

func (l *fakeLedger) balance(tenantID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[tenantID].Balance
}

func (l *fakeLedger) applied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txs)
}

func (l *fakeLedger) AccountForTenant(_ context.Context, tenantID, _ string) (*models.LedgerAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, errs.ErrNotFound)
	}
	cp := *acct
	return &cp, nil
}

func (l *fakeLedger) TransactionByKey(_ context.Context, key string) (*models.LedgerTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return tx, nil
}

func (l *fakeLedger) AdjustBalance(_ context.Context, req ledger.AdjustRequest) (ledger.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adjusts++
	if err := l.failNext; err != nil {
		l.failNext = nil
		return ledger.Result{}, err
	}
	if tx, ok := l.txs[req.IdempotencyKey]; ok {
		return ledger.Result{Transaction: tx, NewBalance: tx.BalanceAfter, Duplicate: true}, nil
	}

	var acct *models.LedgerAccount
	for _, a := range l.accounts {
		if a.ID == req.AccountID {
			acct = a
		}
	}
	if acct == nil {
		return ledger.Result{}, errs.ErrNotFound
	}
	if acct.Status == models.AccountClosed {
		return ledger.Result{}, errs.ErrAccountClosed
	}
	next := acct.Balance + req.Delta
	if req.Delta < 0 && (next < acct.Reserved || next-acct.Reserved < req.MinAvailableAfter) {
		return ledger.Result{}, errs.ErrInsufficientFunds
	}
	acct.Balance = next
	acct.Version++
	tx := &models.LedgerTransaction{
		ID:             fmt.Sprintf("tx-%d", len(l.txs)+1),
		AccountID:      acct.ID,
		Kind:           req.Kind,
		Delta:          req.Delta,
		BalanceAfter:   next,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
	}
	l.txs[req.IdempotencyKey] = tx
	return ledger.Result{Transaction: tx, NewBalance: next}, nil
}

// flakyOrders fails the first transition to failTo after it is armed.
type flakyOrders struct {
	Orders
	mu     sync.Mutex
	failTo models.OrderStatus
	err    error
}

func (o *flakyOrders) Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error) {
	o.mu.Lock()
	if o.err != nil && req.To == o.failTo {
		err := o.err
		o.err = nil
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()
	return o.Orders.Transition(ctx, req)
}

// racingLedger runs afterDebit once, right after the first settlement
// debit commits and before the caller sees it.
type racingLedger struct {
	*fakeLedger
	once       sync.Once
	afterDebit func()
}

func (l *racingLedger) AdjustBalance(ctx context.Context, req ledger.AdjustRequest) (ledger.Result, error) {
	res, err := l.fakeLedger.AdjustBalance(ctx, req)
	if err == nil && req.Kind == models.KindSettlement {
		l.once.Do(l.afterDebit)
	}
	return res, err
}

// staleLedger misses settlement debits, as a reader that looked before
// they committed would.
type staleLedger struct {
	*fakeLedger
}

func (l staleLedger) TransactionByKey(_ context.Context, _ string) (*models.LedgerTransaction, error) {
	return nil, errs.ErrNotFound
}
