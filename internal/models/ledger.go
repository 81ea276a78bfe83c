package models

import (
	"time"
)

type AccountStatus string

const (
	AccountOpen   AccountStatus = "OPEN"
	AccountClosed AccountStatus = "CLOSED"
)

// LedgerAccount is a tenant's wallet. Amounts are integer minor units.
type LedgerAccount struct {
	ID        string        `json:"id" db:"id"`
	TenantID  string        `json:"tenant_id" db:"tenant_id"`
	Currency  string        `json:"currency" db:"currency"`
	Balance   int64         `json:"balance" db:"balance"`
	Reserved  int64         `json:"reserved" db:"reserved"`
	Version   int64         `json:"version" db:"version"` // for optimistic locking
	Status    AccountStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty" db:"closed_at"`
}

// Available is the balance not held by reservations.
func (a *LedgerAccount) Available() int64 {
	return a.Balance - a.Reserved
}

type TransactionKind string

const (
	KindTopUp               TransactionKind = "TOP_UP"
	KindReservation         TransactionKind = "RESERVATION"
	KindReservationRelease  TransactionKind = "RESERVATION_RELEASE"
	KindSettlement          TransactionKind = "SETTLEMENT"
	KindAdjustment          TransactionKind = "ADJUSTMENT"
	KindRefund              TransactionKind = "REFUND"
	KindWithdrawalCompleted TransactionKind = "WITHDRAWAL_COMPLETED"
)

// Valid reports whether k is a known transaction kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindTopUp, KindReservation, KindReservationRelease, KindSettlement,
		KindAdjustment, KindRefund, KindWithdrawalCompleted:
		return true
	}
	return false
}

// LedgerTransaction is an immutable ledger row. Delta moves the balance,
// ReservedDelta moves the reserved amount; both carry post-mutation snapshots.
type LedgerTransaction struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Kind           TransactionKind `json:"kind" db:"kind"`
	Delta          int64           `json:"delta" db:"delta"`
	BalanceAfter   int64           `json:"balance_after" db:"balance_after"`
	ReservedDelta  int64           `json:"reserved_delta" db:"reserved_delta"`
	ReservedAfter  int64           `json:"reserved_after" db:"reserved_after"`
	ReferenceType  string          `json:"reference_type" db:"reference_type"`
	ReferenceID    string          `json:"reference_id" db:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	Metadata       Metadata        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
