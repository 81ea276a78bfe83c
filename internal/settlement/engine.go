package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/tradepost/backend/internal/audit"
	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/delivery"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/idempotency"
	"github.com/tradepost/backend/internal/ledger"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/orders"
)

const (
	EventInvoiceCreate  = "billing.invoice.create"
	EventPaymentSettled = "billing.payment.settled"
	EventRefund         = "ledger.refund"
	EventReconcile      = "ledger.settlement.reconcile"
)

const maxReconcileAttempts = 5

type Ledger interface {
	AccountForTenant(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error)
	AdjustBalance(ctx context.Context, req ledger.AdjustRequest) (ledger.Result, error)
	TransactionByKey(ctx context.Context, key string) (*models.LedgerTransaction, error)
}

type Orders interface {
	Get(ctx context.Context, orderID string) (*models.Order, error)
	Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error)
	UpdatePayment(ctx context.Context, orderID string, p orders.Payment) (*models.Order, error)
}

type Invoicer interface {
	Provider() string
	CreateInvoice(ctx context.Context, req billing.InvoiceRequest) (*billing.Invoice, error)
}

type Registry interface {
	CheckOrReserve(ctx context.Context, key string) (idempotency.Outcome, error)
	Complete(ctx context.Context, key, resultType, resultID string) error
	Abandon(ctx context.Context, key string) error
}

type Queue interface {
	Enqueue(ctx context.Context, req delivery.EnqueueRequest) (*models.AsyncEvent, error)
}

// Outcome reports how a charge or settlement was carried out. Deferred
// means the invoice could not be created yet and a retry is queued; the
// order then stays unsettled.
type Outcome struct {
	Path        Path                      `json:"path"`
	Order       *models.Order             `json:"order,omitempty"`
	Transaction *models.LedgerTransaction `json:"transaction,omitempty"`
	Invoice     *billing.Invoice          `json:"invoice,omitempty"`
	Reversal    *models.LedgerTransaction `json:"reversal,omitempty"`
	Deferred    bool                      `json:"deferred"`
	Duplicate   bool                      `json:"duplicate"`
}

type Engine struct {
	ledger   Ledger
	orders   Orders
	billing  Invoicer
	registry Registry
	queue    Queue
	log      *slog.Logger
	audit    *audit.Logger
}

func NewEngine(l Ledger, o Orders, b Invoicer, r Registry, q Queue, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ledger:   l,
		orders:   o,
		billing:  b,
		registry: r,
		queue:    q,
		log:      log,
		audit:    audit.NewLogger(log),
	}
}

// ChargeRequest asks for an amount to be collected from a tenant, from
// the ledger when the compliance reserve allows it and by invoice otherwise.
type ChargeRequest struct {
	TenantID       string
	Currency       string
	Amount         int64
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	InvoiceKey     string
	Description    string
}

// Charge debits the ledger or issues an invoice. On the invoice path a
// provider failure is returned together with Path == PathInvoice so the
// caller can defer it.
func (e *Engine) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	if req.Amount <= 0 {
		return Outcome{}, errs.Invalid("amount", "must be positive")
	}
	if req.IdempotencyKey == "" {
		return Outcome{}, errs.Invalid("idempotency_key", "is required")
	}

	prior, err := e.ledger.TransactionByKey(ctx, req.IdempotencyKey)
	if err == nil {
		return Outcome{Path: PathLedger, Transaction: prior, Duplicate: true}, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return Outcome{}, err
	}

	acct, err := e.ledger.AccountForTenant(ctx, req.TenantID, req.Currency)
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger account for tenant %s: %w", req.TenantID, err)
	}

	if Decide(acct.Available(), req.Amount) == PathLedger {
		res, err := e.ledger.AdjustBalance(ctx, ledger.AdjustRequest{
			AccountID:         acct.ID,
			Delta:             -req.Amount,
			Kind:              models.KindSettlement,
			ReferenceType:     req.ReferenceType,
			ReferenceID:       req.ReferenceID,
			IdempotencyKey:    req.IdempotencyKey,
			MinAvailableAfter: ComplianceReserve,
		})
		switch {
		case err == nil:
			return Outcome{Path: PathLedger, Transaction: res.Transaction, Duplicate: res.Duplicate}, nil
		case errors.Is(err, errs.ErrInsufficientFunds), errors.Is(err, errs.ErrAccountClosed):
			e.log.Info("ledger settlement declined, falling back to invoice",
				"reference_id", req.ReferenceID, "amount", req.Amount, "reason", err)
		default:
			return Outcome{}, err
		}
	}

	inv, err := e.billing.CreateInvoice(ctx, billing.InvoiceRequest{
		TenantID:       req.TenantID,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		AmountMinor:    req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		IdempotencyKey: req.InvoiceKey,
	})
	if err != nil {
		return Outcome{Path: PathInvoice}, err
	}
	return Outcome{Path: PathInvoice, Invoice: inv}, nil
}

// SettleOrder collects payment for a RECEIVED order. Ledger settlement
// moves the order to FUNDED; the invoice path moves it to AWAITING_FUNDS
// with payment PENDING, whether or not the provider answered in time.
// Repeated or concurrent calls settle at most once and report the first
// result as a duplicate. A settlement debit that did not fund the order is
// applied to it or returned to the tenant.
func (e *Engine) SettleOrder(ctx context.Context, tenantID, orderID, actor string) (Outcome, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if tenantID != "" && order.TenantID != tenantID {
		return Outcome{}, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}
	if order.Status != models.OrderReceived {
		return e.resettle(ctx, order, actor)
	}
	if order.PaymentMethod == models.PaymentInvoice && order.PaymentStatus == models.PaymentPaid {
		return e.fundPaidInvoice(ctx, order, actor)
	}

	charged, err := e.Charge(ctx, ChargeRequest{
		TenantID:       order.TenantID,
		Currency:       order.Currency,
		Amount:         order.ChargeAmount(),
		ReferenceType:  "order",
		ReferenceID:    order.ID,
		IdempotencyKey: idempotency.SettlementKey(order.ID),
		InvoiceKey:     idempotency.InvoiceKey(order.ID),
		Description:    "Order " + order.ExternalOrderID,
	})
	switch {
	case charged.Path == PathLedger && err == nil:
		return e.fundFromLedger(ctx, order, charged, actor)
	case charged.Path == PathInvoice && (err == nil || errors.Is(err, errs.ErrExternalService)):
		if err != nil {
			e.log.Warn("invoice creation failed, deferring", "order_id", order.ID, "error", err)
		}
		return e.awaitInvoice(ctx, order, charged.Invoice, actor)
	}
	return Outcome{}, err
}

// fundPaidInvoice releases an order that returned to RECEIVED from a
// compliance hold with its invoice already paid.
func (e *Engine) fundPaidInvoice(ctx context.Context, order *models.Order, actor string) (Outcome, error) {
	updated, err := e.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: order.ID,
		To:      models.OrderFunded,
		Actor:   actor,
		From:    settleFrom,
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		if current, getErr := e.orders.Get(ctx, order.ID); getErr == nil {
			return e.resettle(ctx, current, actor)
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Path: PathInvoice, Order: updated, Duplicate: true}, nil
}

// resettle answers a settlement request for an order that already left
// RECEIVED, first reconciling any settlement debit taken for it.
func (e *Engine) resettle(ctx context.Context, order *models.Order, actor string) (Outcome, error) {
	tx, err := e.ledger.TransactionByKey(ctx, idempotency.SettlementKey(order.ID))
	switch {
	case err == nil:
		out, err := e.reconcileDebit(ctx, order.ID, tx, actor)
		if err != nil {
			return Outcome{}, err
		}
		if out.Reversal == nil {
			return out, nil
		}
		order = out.Order
	case !errors.Is(err, errs.ErrNotFound):
		return Outcome{}, err
	}
	if prior := settledOutcome(order); prior != nil {
		return *prior, nil
	}
	return Outcome{}, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, errs.ErrInvalidTransition)
}

var (
	settleFrom   = []models.OrderStatus{models.OrderReceived}
	fundableFrom = []models.OrderStatus{models.OrderReceived, models.OrderAwaitingFunds, models.OrderOnHoldPayment}
)

func ledgerPayment(tx *models.LedgerTransaction) *orders.Payment {
	return &orders.Payment{
		Method:        models.PaymentLedger,
		Status:        models.PaymentPaid,
		Reference:     tx.ID,
		SettledAmount: -tx.Delta,
	}
}

func (e *Engine) fundFromLedger(ctx context.Context, order *models.Order, charged Outcome, actor string) (Outcome, error) {
	tx := charged.Transaction
	updated, err := e.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: order.ID,
		To:      models.OrderFunded,
		Actor:   actor,
		From:    settleFrom,
		Payment: ledgerPayment(tx),
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		// another caller moved the order after our debit
		out, rerr := e.reconcileDebit(ctx, order.ID, tx, actor)
		switch {
		case rerr == nil && out.Reversal == nil:
			out.Duplicate = out.Duplicate || charged.Duplicate
			return out, nil
		case rerr == nil, errors.Is(rerr, errs.ErrInvalidTransition):
			return Outcome{}, err
		}
		err = rerr
	}
	if err != nil {
		e.log.Error("order funding failed after ledger debit, queued for reconcile",
			"order_id", order.ID, "tx_id", tx.ID, "error", err)
		e.enqueueReconcile(ctx, order, "settle")
		return Outcome{}, err
	}

	e.audit.LogOperation(order.ID, "ORDER_SETTLED_LEDGER", tx.ID)
	return Outcome{Path: PathLedger, Order: updated, Transaction: tx, Duplicate: charged.Duplicate}, nil
}

// reconcileDebit makes a committed settlement debit account for itself. The
// debit funds the order while the order is unpaid and fundable, and is
// returned to the tenant once the order is closed or paid some other way.
// For any other status the debit is kept for the next settlement attempt
// and ErrInvalidTransition is returned. Safe to repeat.
func (e *Engine) reconcileDebit(ctx context.Context, orderID string, tx *models.LedgerTransaction, actor string) (Outcome, error) {
	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		current, err := e.orders.Get(ctx, orderID)
		if err != nil {
			return Outcome{}, err
		}

		switch {
		case current.PaymentMethod == models.PaymentLedger && current.PaymentReference == tx.ID:
			return Outcome{Path: PathLedger, Order: current, Transaction: tx, Duplicate: true}, nil
		case orders.IsTerminal(current.Status),
			current.PaymentStatus == models.PaymentPaid,
			current.PaymentStatus == models.PaymentRefunded:
			return e.reverseDebit(ctx, current, tx)
		case !slices.Contains(fundableFrom, current.Status):
			return Outcome{}, fmt.Errorf("order %s is %s, settlement debit %s held: %w",
				current.ID, current.Status, tx.ID, errs.ErrInvalidTransition)
		}

		updated, err := e.orders.Transition(ctx, orders.TransitionRequest{
			OrderID: current.ID,
			To:      models.OrderFunded,
			Actor:   actor,
			From:    fundableFrom,
			Payment: ledgerPayment(tx),
		})
		if errors.Is(err, errs.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		e.log.Info("order funded from earlier settlement debit", "order_id", current.ID, "from", current.Status, "tx_id", tx.ID)
		e.audit.LogOperation(current.ID, "ORDER_SETTLED_LEDGER", tx.ID)
		return Outcome{Path: PathLedger, Order: updated, Transaction: tx}, nil
	}
	return Outcome{}, fmt.Errorf("order %s kept changing during reconcile: %w", orderID, errs.ErrConflict)
}

func (e *Engine) reverseDebit(ctx context.Context, order *models.Order, tx *models.LedgerTransaction) (Outcome, error) {
	rev, err := e.credit(ctx, order, -tx.Delta, models.KindRefund, idempotency.ReversalKey(order.ID))
	if err != nil {
		return Outcome{}, fmt.Errorf("return settlement debit %s: %w", tx.ID, err)
	}
	e.log.Warn("settlement debit returned to tenant", "order_id", order.ID, "status", order.Status,
		"tx_id", tx.ID, "reversal_id", rev.ID)
	e.audit.LogOperation(order.ID, "SETTLEMENT_DEBIT_REVERSED", rev.ID)
	return Outcome{Path: PathLedger, Order: order, Transaction: tx, Reversal: rev}, nil
}

func (e *Engine) enqueueReconcile(ctx context.Context, order *models.Order, stage string) {
	_, err := e.queue.Enqueue(ctx, delivery.EnqueueRequest{
		Source:         "settlement",
		Type:           EventReconcile,
		ExternalID:     order.ID,
		IdempotencyKey: idempotency.ReconcileKey(order.ID, stage),
		TenantID:       order.TenantID,
		Payload:        orderPayload{OrderID: order.ID},
	})
	if err != nil {
		e.log.Error("failed to queue settlement reconcile", "order_id", order.ID, "error", err)
		e.audit.LogError(order.ID, "", fmt.Errorf("reconcile not queued: %w", err))
	}
}

// RetryReconcile is the delivery handler for EventReconcile.
func (e *Engine) RetryReconcile(ctx context.Context, event *models.AsyncEvent) error {
	var p orderPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	tx, err := e.ledger.TransactionByKey(ctx, idempotency.SettlementKey(p.OrderID))
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.reconcileDebit(ctx, p.OrderID, tx, "system:reconcile")
	if errors.Is(err, errs.ErrInvalidTransition) {
		e.log.Info("settlement debit held until the order settles or closes", "order_id", p.OrderID, "reason", err)
		return nil
	}
	return err
}

type orderPayload struct {
	OrderID string `json:"order_id"`
}

func (e *Engine) awaitInvoice(ctx context.Context, order *models.Order, inv *billing.Invoice, actor string) (Outcome, error) {
	payment := orders.Payment{Method: models.PaymentInvoice, Status: models.PaymentPending}
	deferred := inv == nil
	if deferred {
		// queued before the transition so the retry exists even if we crash
		_, err := e.queue.Enqueue(ctx, delivery.EnqueueRequest{
			Source:         "settlement",
			Type:           EventInvoiceCreate,
			ExternalID:     order.ID,
			IdempotencyKey: idempotency.InvoiceKey(order.ID),
			TenantID:       order.TenantID,
			Payload:        orderPayload{OrderID: order.ID},
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("queue invoice retry: %w", err)
		}
	} else {
		payment.Reference = inv.ID
	}

	updated, err := e.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: order.ID,
		To:      models.OrderAwaitingFunds,
		Actor:   actor,
		From:    settleFrom,
		Payment: &payment,
	})
	if errors.Is(err, errs.ErrInvalidTransition) {
		current, getErr := e.orders.Get(ctx, order.ID)
		if getErr == nil {
			if prior := settledOutcome(current); prior != nil {
				return *prior, nil
			}
		}
	}
	if err != nil {
		return Outcome{}, err
	}

	e.audit.LogOperation(order.ID, "ORDER_INVOICED", payment.Reference)
	return Outcome{Path: PathInvoice, Order: updated, Invoice: inv, Deferred: deferred}, nil
}

// settledOutcome describes an order whose settlement already happened.
func settledOutcome(o *models.Order) *Outcome {
	switch {
	case o.PaymentMethod == models.PaymentLedger && o.PaymentStatus == models.PaymentPaid:
		return &Outcome{Path: PathLedger, Order: o, Duplicate: true}
	case o.PaymentMethod == models.PaymentInvoice &&
		(o.PaymentStatus == models.PaymentPending || o.PaymentStatus == models.PaymentPaid):
		return &Outcome{
			Path:      PathInvoice,
			Order:     o,
			Deferred:  o.PaymentStatus == models.PaymentPending && o.PaymentReference == "",
			Duplicate: true,
		}
	}
	return nil
}

// RetryInvoice is the delivery handler for EventInvoiceCreate.
func (e *Engine) RetryInvoice(ctx context.Context, event *models.AsyncEvent) error {
	var p orderPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	order, err := e.orders.Get(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if orders.IsTerminal(order.Status) {
		return nil
	}
	if order.Status == models.OrderReceived {
		return fmt.Errorf("order %s not yet awaiting funds", order.ID)
	}
	if order.PaymentMethod != models.PaymentInvoice || order.PaymentStatus != models.PaymentPending || order.PaymentReference != "" {
		return nil
	}

	inv, err := e.billing.CreateInvoice(ctx, billing.InvoiceRequest{
		TenantID:       order.TenantID,
		ReferenceType:  "order",
		ReferenceID:    order.ID,
		AmountMinor:    order.ChargeAmount(),
		Currency:       order.Currency,
		Description:    "Order " + order.ExternalOrderID,
		IdempotencyKey: idempotency.InvoiceKey(order.ID),
	})
	if err != nil {
		return err
	}

	_, err = e.orders.UpdatePayment(ctx, order.ID, orders.Payment{
		Method:    models.PaymentInvoice,
		Status:    models.PaymentPending,
		Reference: inv.ID,
	})
	return err
}

// RequestTopUp issues an invoice whose payment credits the tenant's ledger.
func (e *Engine) RequestTopUp(ctx context.Context, tenantID, currency string, amount int64) (*billing.Invoice, error) {
	if amount <= 0 {
		return nil, errs.Invalid("amount", "must be positive")
	}
	if _, err := e.ledger.AccountForTenant(ctx, tenantID, currency); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return e.billing.CreateInvoice(ctx, billing.InvoiceRequest{
		TenantID:       tenantID,
		ReferenceType:  "top_up",
		ReferenceID:    id,
		AmountMinor:    amount,
		Currency:       currency,
		Description:    "Wallet top-up",
		IdempotencyKey: "top-up:" + id,
	})
}

// HandlePaymentEvent is the delivery handler for EventPaymentSettled.
func (e *Engine) HandlePaymentEvent(ctx context.Context, event *models.AsyncEvent) error {
	var n billing.Notification
	if err := json.Unmarshal(event.Payload, &n); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := e.HandlePaymentSettled(ctx, &n)
	return err
}

// HandlePaymentSettled applies a provider payment exactly once per
// provider payment id. Top-ups credit the ledger; order payments fund the
// order. Money that cannot be applied to its order is credited to the
// tenant's ledger instead of being dropped.
func (e *Engine) HandlePaymentSettled(ctx context.Context, n *billing.Notification) (Outcome, error) {
	if n.Type != billing.EventPaymentSettled {
		return Outcome{}, errs.Invalid("type", "unexpected notification type %q", n.Type)
	}
	key := idempotency.PaymentKey(e.billing.Provider(), n.PaymentID)

	switch n.ReferenceType {
	case "top_up":
		acct, err := e.ledger.AccountForTenant(ctx, n.TenantID, n.Currency)
		if err != nil {
			return Outcome{}, err
		}
		res, err := e.ledger.AdjustBalance(ctx, ledger.AdjustRequest{
			AccountID:      acct.ID,
			Delta:          n.AmountMinor,
			Kind:           models.KindTopUp,
			ReferenceType:  "top_up",
			ReferenceID:    n.ReferenceID,
			IdempotencyKey: key,
			Metadata:       models.Metadata{"invoice_id": n.InvoiceID, "payment_id": n.PaymentID},
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Path: PathInvoice, Transaction: res.Transaction, Duplicate: res.Duplicate}, nil
	case "order":
		return e.payOrder(ctx, n, key)
	}
	return Outcome{}, errs.Invalid("reference_type", "unknown reference type %q", n.ReferenceType)
}

func (e *Engine) payOrder(ctx context.Context, n *billing.Notification, key string) (Outcome, error) {
	claim, err := e.registry.CheckOrReserve(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if !claim.FirstSeen {
		order, err := e.orders.Get(ctx, n.ReferenceID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Path: PathInvoice, Order: order, Duplicate: true}, nil
	}

	out, err := e.applyOrderPayment(ctx, n, key)
	if err != nil {
		if abandonErr := e.registry.Abandon(ctx, key); abandonErr != nil {
			e.log.Error("failed to release payment claim", "key", key, "error", abandonErr)
		}
		return Outcome{}, err
	}
	if err := e.registry.Complete(ctx, key, "order", n.ReferenceID); err != nil {
		e.log.Error("failed to record payment result", "key", key, "error", err)
	}
	return out, nil
}

func (e *Engine) applyOrderPayment(ctx context.Context, n *billing.Notification, key string) (Outcome, error) {
	order, err := e.orders.Get(ctx, n.ReferenceID)
	if err != nil {
		return Outcome{}, err
	}
	if n.TenantID != "" && n.TenantID != order.TenantID {
		return Outcome{}, errs.Invalid("tenant_id", "payment tenant %s does not own order %s", n.TenantID, order.ID)
	}

	if order.PaymentStatus == models.PaymentPaid || order.PaymentStatus == models.PaymentRefunded || orders.IsTerminal(order.Status) {
		e.log.Warn("payment for settled or closed order credited to ledger", "order_id", order.ID, "payment_id", n.PaymentID)
		tx, err := e.credit(ctx, order, n.AmountMinor, models.KindTopUp, key)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Path: PathInvoice, Order: order, Transaction: tx}, nil
	}

	charge := order.ChargeAmount()
	if n.AmountMinor < charge {
		e.log.Warn("order underpaid, holding", "order_id", order.ID, "paid", n.AmountMinor, "due", charge)
		tx, err := e.credit(ctx, order, n.AmountMinor, models.KindTopUp, key)
		if err != nil {
			return Outcome{}, err
		}
		updated := order
		if order.Status == models.OrderAwaitingFunds {
			updated, err = e.orders.Transition(ctx, orders.TransitionRequest{
				OrderID: order.ID,
				To:      models.OrderOnHoldPayment,
				Actor:   "billing:" + e.billing.Provider(),
			})
			if err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Path: PathInvoice, Order: updated, Transaction: tx}, nil
	}

	reference := n.InvoiceID
	if reference == "" {
		reference = order.PaymentReference
	}
	updated, err := e.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: order.ID,
		To:      models.OrderFunded,
		Actor:   "billing:" + e.billing.Provider(),
		From:    []models.OrderStatus{models.OrderReceived, models.OrderAwaitingFunds, models.OrderOnHoldPayment},
		Payment: &orders.Payment{
			Method:        models.PaymentInvoice,
			Status:        models.PaymentPaid,
			Reference:     reference,
			SettledAmount: charge,
		},
	})
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Path: PathInvoice, Order: updated}
	if excess := n.AmountMinor - charge; excess > 0 {
		tx, err := e.credit(ctx, order, excess, models.KindTopUp, key)
		if err != nil {
			e.log.Error("failed to credit overpayment", "order_id", order.ID, "excess", excess, "error", err)
		}
		out.Transaction = tx
	}
	e.audit.LogOperation(order.ID, "ORDER_SETTLED_INVOICE", reference)
	return out, nil
}

// Refund moves a funded, fulfilled or completed order to REFUNDED and
// credits what was paid back to the tenant's ledger.
func (e *Engine) Refund(ctx context.Context, orderID, actor string) (Outcome, error) {
	return e.close(ctx, "", orderID, actor, models.OrderRefunded)
}

// Cancel moves an order to CANCELLED, refunding any payment to the ledger.
func (e *Engine) Cancel(ctx context.Context, tenantID, orderID, actor string) (Outcome, error) {
	return e.close(ctx, tenantID, orderID, actor, models.OrderCancelled)
}

func (e *Engine) close(ctx context.Context, tenantID, orderID, actor string, to models.OrderStatus) (Outcome, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if tenantID != "" && order.TenantID != tenantID {
		return Outcome{}, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}

	if order.Status == to {
		out := e.refundCredit(ctx, order)
		e.reclaimDebit(ctx, &out, actor)
		out.Duplicate = true
		return out, nil
	}

	payment := orders.Payment{
		Method:        order.PaymentMethod,
		Status:        order.PaymentStatus,
		Reference:     order.PaymentReference,
		SettledAmount: order.SettledAmountMinor,
	}
	switch payment.Status {
	case models.PaymentPaid:
		payment.Status = models.PaymentRefunded
	case models.PaymentPending:
		// a closed order is no longer awaiting its invoice
		payment.Status = models.PaymentUnpaid
	}

	updated, err := e.orders.Transition(ctx, orders.TransitionRequest{
		OrderID: order.ID,
		To:      to,
		Actor:   actor,
		Payment: &payment,
	})
	if err != nil {
		return Outcome{}, err
	}
	out := e.refundCredit(ctx, updated)
	e.reclaimDebit(ctx, &out, actor)
	return out, nil
}

// reclaimDebit returns a settlement debit that never funded the closed
// order, whatever its payment columns say. Failures are queued.
func (e *Engine) reclaimDebit(ctx context.Context, out *Outcome, actor string) {
	order := out.Order
	tx, err := e.ledger.TransactionByKey(ctx, idempotency.SettlementKey(order.ID))
	if errors.Is(err, errs.ErrNotFound) {
		return
	}
	if err == nil {
		var rec Outcome
		if rec, err = e.reconcileDebit(ctx, order.ID, tx, actor); err == nil {
			out.Reversal = rec.Reversal
			return
		}
	}
	e.log.Error("settlement debit reconcile failed, queued for retry", "order_id", order.ID, "error", err)
	e.enqueueReconcile(ctx, order, string(order.Status))
	out.Deferred = true
}

// refundCredit credits a refunded order's settled amount. A failed credit
// is queued for retry rather than reported as an error: the order state
// change is already committed.
func (e *Engine) refundCredit(ctx context.Context, order *models.Order) Outcome {
	out := Outcome{Path: PathLedger, Order: order}
	if order.PaymentStatus != models.PaymentRefunded || order.SettledAmountMinor <= 0 {
		return out
	}
	tx, err := e.credit(ctx, order, order.SettledAmountMinor, models.KindRefund, idempotency.RefundKey(order.ID))
	if err != nil {
		e.log.Error("refund credit failed, queued for retry", "order_id", order.ID, "error", err)
		e.enqueueRefund(ctx, order)
		out.Deferred = true
		return out
	}
	out.Transaction = tx
	return out
}

func (e *Engine) enqueueRefund(ctx context.Context, order *models.Order) {
	_, err := e.queue.Enqueue(ctx, delivery.EnqueueRequest{
		Source:         "settlement",
		Type:           EventRefund,
		ExternalID:     order.ID,
		IdempotencyKey: idempotency.RefundKey(order.ID),
		TenantID:       order.TenantID,
		Payload:        orderPayload{OrderID: order.ID},
	})
	if err != nil {
		e.log.Error("failed to queue refund retry", "order_id", order.ID, "error", err)
		e.audit.LogError(order.ID, "", fmt.Errorf("refund not queued: %w", err))
	}
}

// RetryRefund is the delivery handler for EventRefund.
func (e *Engine) RetryRefund(ctx context.Context, event *models.AsyncEvent) error {
	var p orderPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	order, err := e.orders.Get(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if order.SettledAmountMinor <= 0 {
		return nil
	}
	_, err = e.credit(ctx, order, order.SettledAmountMinor, models.KindRefund, idempotency.RefundKey(order.ID))
	return err
}

func (e *Engine) credit(ctx context.Context, order *models.Order, amount int64, kind models.TransactionKind, key string) (*models.LedgerTransaction, error) {
	acct, err := e.ledger.AccountForTenant(ctx, order.TenantID, order.Currency)
	if err != nil {
		return nil, err
	}
	res, err := e.ledger.AdjustBalance(ctx, ledger.AdjustRequest{
		AccountID:      acct.ID,
		Delta:          amount,
		Kind:           kind,
		ReferenceType:  "order",
		ReferenceID:    order.ID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}
