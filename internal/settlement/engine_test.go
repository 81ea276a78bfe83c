package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/delivery"
	"github.com/tradepost/backend/internal/delivery/deliverytest"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/idempotency"
	"github.com/tradepost/backend/internal/idempotency/idempotencytest"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/orders"
	"github.com/tradepost/backend/internal/orders/orderstest"
)

type harness struct {
	engine    *Engine
	registry  *idempotency.Registry
	ledger    *fakeLedger
	orders    *orders.Service
	orderRepo *orderstest.MemoryRepository
	billing   *MockInvoicer
	queue     *delivery.Engine
	events    *deliverytest.MemoryRepository
}

func newHarness() *harness {
	registry := idempotency.NewRegistry(idempotencytest.NewMemoryRepository(), idempotency.Config{
		WaitTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	h := &harness{
		registry:  registry,
		ledger:    newFakeLedger(),
		orderRepo: orderstest.NewMemoryRepository(),
		billing:   &MockInvoicer{},
		events:    deliverytest.NewMemoryRepository(),
	}
	h.orders = orders.NewService(h.orderRepo, registry, orders.Config{}, nil)
	h.queue = delivery.NewEngine(h.events, delivery.Config{}, nil)
	h.engine = NewEngine(h.ledger, h.orders, h.billing, registry, h.queue, nil)
	return h
}

func (h *harness) seedOrder(t *testing.T, id, tenantID string, charge int64) {
	t.Helper()
	err := h.orderRepo.Create(context.Background(), &models.Order{
		ID:                  id,
		TenantID:            tenantID,
		ExternalOrderID:     "ext-" + id,
		Status:              models.OrderReceived,
		Currency:            "USD",
		EstimatedTotalMinor: charge,
		IdempotencyKey:      idempotency.OrderCreateKey(tenantID, "ext-"+id),
		PaymentMethod:       models.PaymentNone,
		PaymentStatus:       models.PaymentUnpaid,
		Version:             1,
		CreatedAt:           time.Now().UTC(),
	}, &models.OrderStatusHistory{ID: "h-" + id, OrderID: id, ToStatus: models.OrderReceived, Actor: "tenant:" + tenantID})
	require.NoError(t, err)
}

func (h *harness) order(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func invoiceFor(orderID string) interface{} {
	return mock.MatchedBy(func(r billing.InvoiceRequest) bool {
		return r.ReferenceType == "order" && r.ReferenceID == orderID && r.IdempotencyKey == idempotency.InvoiceKey(orderID)
	})
}

func TestSettleOrder_LedgerPath(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-1", "tenant-1", 40_000)

	out, err := h.engine.SettleOrder(ctx, "tenant-1", "o-1", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, PathLedger, out.Path)
	assert.False(t, out.Duplicate)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, int64(-40_000), out.Transaction.Delta)
	assert.Equal(t, models.KindSettlement, out.Transaction.Kind)

	order := h.order(t, "o-1")
	assert.Equal(t, models.OrderFunded, order.Status)
	assert.Equal(t, models.PaymentLedger, order.PaymentMethod)
	assert.Equal(t, models.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, out.Transaction.ID, order.PaymentReference)
	assert.Equal(t, int64(40_000), order.SettledAmountMinor)
	assert.Equal(t, int64(480_000), h.ledger.balance("tenant-1"))

	again, err := h.engine.SettleOrder(ctx, "tenant-1", "o-1", "tenant:tenant-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, PathLedger, again.Path)
	assert.Equal(t, int64(480_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, 1, h.ledger.applied())

	h.billing.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything)
}

func TestSettleOrder_InvoicePathLeavesLedgerUntouched(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-2", "tenant-1", 475_000)

	h.billing.On("CreateInvoice", mock.Anything, invoiceFor("o-2")).
		Return(&billing.Invoice{ID: "inv_1", Status: "open", AmountMinor: 475_000, Currency: "USD"}, nil).Once()

	out, err := h.engine.SettleOrder(ctx, "tenant-1", "o-2", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, PathInvoice, out.Path)
	assert.False(t, out.Deferred)
	require.NotNil(t, out.Invoice)
	assert.Equal(t, "inv_1", out.Invoice.ID)

	order := h.order(t, "o-2")
	assert.Equal(t, models.OrderAwaitingFunds, order.Status)
	assert.Equal(t, models.PaymentInvoice, order.PaymentMethod)
	assert.Equal(t, models.PaymentPending, order.PaymentStatus)
	assert.Equal(t, "inv_1", order.PaymentReference)

	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, 0, h.ledger.applied())

	again, err := h.engine.SettleOrder(ctx, "tenant-1", "o-2", "tenant:tenant-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, PathInvoice, again.Path)
	h.billing.AssertNumberOfCalls(t, "CreateInvoice", 1)
}

func TestSettleOrder_BillingFailureDefers(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 0)
	h.seedOrder(t, "o-3", "tenant-1", 10_000)

	h.billing.On("CreateInvoice", mock.Anything, invoiceFor("o-3")).
		Return(nil, fmt.Errorf("billing provider timed out after 20s: %w", errs.ErrExternalService)).Once()

	out, err := h.engine.SettleOrder(ctx, "tenant-1", "o-3", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, PathInvoice, out.Path)
	assert.True(t, out.Deferred)
	assert.Nil(t, out.Invoice)

	order := h.order(t, "o-3")
	assert.Equal(t, models.OrderAwaitingFunds, order.Status)
	assert.Equal(t, models.PaymentPending, order.PaymentStatus)
	assert.Empty(t, order.PaymentReference)

	event, err := h.events.GetByKey(ctx, idempotency.InvoiceKey("o-3"))
	require.NoError(t, err)
	assert.Equal(t, EventInvoiceCreate, event.Type)
	assert.Equal(t, models.EventPending, event.Status)

	// a repeat while deferred reports the pending retry
	again, err := h.engine.SettleOrder(ctx, "tenant-1", "o-3", "tenant:tenant-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, again.Deferred)

	h.billing.On("CreateInvoice", mock.Anything, invoiceFor("o-3")).
		Return(&billing.Invoice{ID: "inv_9", Status: "open"}, nil).Once()
	h.queue.Handle(EventInvoiceCreate, h.engine.RetryInvoice)

	res, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	order = h.order(t, "o-3")
	assert.Equal(t, models.OrderAwaitingFunds, order.Status)
	assert.Equal(t, "inv_9", order.PaymentReference)
	assert.Equal(t, 0, h.ledger.applied())
}

func TestSettleOrder_NonProviderInvoiceErrorKeepsOrderReceived(t *testing.T) {
	h := newHarness()
	h.ledger.fund("tenant-1", 0)
	h.seedOrder(t, "o-4", "tenant-1", 10_000)

	h.billing.On("CreateInvoice", mock.Anything, mock.Anything).
		Return(nil, errs.Invalid("currency", "unsupported")).Once()

	_, err := h.engine.SettleOrder(context.Background(), "tenant-1", "o-4", "tenant:tenant-1")
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, models.OrderReceived, h.order(t, "o-4").Status)

	_, err = h.events.GetByKey(context.Background(), idempotency.InvoiceKey("o-4"))
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestSettleOrder_ConcurrentCallsSettleOnce(t *testing.T) {
	h := newHarness()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-5", "tenant-1", 40_000)

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, callers)
	failures := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], failures[i] = h.engine.SettleOrder(context.Background(), "tenant-1", "o-5", "tenant:tenant-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, failures[i])
		assert.Equal(t, PathLedger, outcomes[i].Path)
	}
	assert.Equal(t, int64(480_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, 1, h.ledger.applied())

	history, err := h.orders.History(context.Background(), "o-5")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, models.OrderFunded, h.order(t, "o-5").Status)
}

func TestSettleOrder_Rejections(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-6", "tenant-1", 40_000)

	_, err := h.engine.SettleOrder(ctx, "tenant-2", "o-6", "tenant:tenant-2")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = h.engine.Cancel(ctx, "tenant-1", "o-6", "tenant:tenant-1")
	require.NoError(t, err)

	_, err = h.engine.SettleOrder(ctx, "tenant-1", "o-6", "tenant:tenant-1")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))
}

func TestCharge_LedgerDeclineFallsBackToInvoice(t *testing.T) {
	h := newHarness()
	h.ledger.fund("tenant-1", 520_000)
	h.ledger.failNext = fmt.Errorf("raced below floor: %w", errs.ErrInsufficientFunds)

	h.billing.On("CreateInvoice", mock.Anything, mock.MatchedBy(func(r billing.InvoiceRequest) bool {
		return r.AmountMinor == 40_000 && r.IdempotencyKey == "inv-key"
	})).Return(&billing.Invoice{ID: "inv_2"}, nil).Once()

	out, err := h.engine.Charge(context.Background(), ChargeRequest{
		TenantID:       "tenant-1",
		Currency:       "USD",
		Amount:         40_000,
		ReferenceType:  "order",
		ReferenceID:    "o-7",
		IdempotencyKey: "settle-key",
		InvoiceKey:     "inv-key",
	})
	require.NoError(t, err)
	assert.Equal(t, PathInvoice, out.Path)
	assert.Equal(t, "inv_2", out.Invoice.ID)
	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))
}

func TestCharge_Validation(t *testing.T) {
	h := newHarness()
	_, err := h.engine.Charge(context.Background(), ChargeRequest{TenantID: "t", Amount: 0, IdempotencyKey: "k"})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = h.engine.Charge(context.Background(), ChargeRequest{TenantID: "t", Amount: 10})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func settledNotification(paymentID, tenantID, refType, refID string, amount int64) *billing.Notification {
	return &billing.Notification{
		EventID:       "evt_" + paymentID,
		Type:          billing.EventPaymentSettled,
		PaymentID:     paymentID,
		InvoiceID:     "inv_" + refID,
		TenantID:      tenantID,
		ReferenceType: refType,
		ReferenceID:   refID,
		AmountMinor:   amount,
		Currency:      "USD",
	}
}

// invoicedOrder seeds an order and settles it onto the invoice path.
func invoicedOrder(t *testing.T, h *harness, id string, charge int64) {
	t.Helper()
	h.seedOrder(t, id, "tenant-1", charge)
	h.billing.On("CreateInvoice", mock.Anything, invoiceFor(id)).
		Return(&billing.Invoice{ID: "inv_" + id}, nil).Once()
	out, err := h.engine.SettleOrder(context.Background(), "tenant-1", id, "tenant:tenant-1")
	require.NoError(t, err)
	require.Equal(t, PathInvoice, out.Path)
}

func TestHandlePaymentSettled_Order(t *testing.T) {
	ctx := context.Background()

	t.Run("exact payment funds the order once", func(t *testing.T) {
		h := newHarness()
		h.ledger.fund("tenant-1", 0)
		invoicedOrder(t, h, "o-10", 75_000)

		n := settledNotification("pay_1", "tenant-1", "order", "o-10", 75_000)
		out, err := h.engine.HandlePaymentSettled(ctx, n)
		require.NoError(t, err)
		assert.False(t, out.Duplicate)

		order := h.order(t, "o-10")
		assert.Equal(t, models.OrderFunded, order.Status)
		assert.Equal(t, models.PaymentInvoice, order.PaymentMethod)
		assert.Equal(t, models.PaymentPaid, order.PaymentStatus)
		assert.Equal(t, "inv_o-10", order.PaymentReference)
		assert.Equal(t, int64(75_000), order.SettledAmountMinor)

		again, err := h.engine.HandlePaymentSettled(ctx, n)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, 0, h.ledger.applied())
	})

	t.Run("overpayment credits the excess", func(t *testing.T) {
		h := newHarness()
		h.ledger.fund("tenant-1", 0)
		invoicedOrder(t, h, "o-11", 75_000)

		out, err := h.engine.HandlePaymentSettled(ctx, settledNotification("pay_2", "tenant-1", "order", "o-11", 80_000))
		require.NoError(t, err)
		assert.Equal(t, models.OrderFunded, out.Order.Status)
		require.NotNil(t, out.Transaction)
		assert.Equal(t, models.KindTopUp, out.Transaction.Kind)
		assert.Equal(t, int64(5_000), h.ledger.balance("tenant-1"))
	})

	t.Run("underpayment holds the order and keeps the money", func(t *testing.T) {
		h := newHarness()
		h.ledger.fund("tenant-1", 0)
		invoicedOrder(t, h, "o-12", 75_000)

		out, err := h.engine.HandlePaymentSettled(ctx, settledNotification("pay_3", "tenant-1", "order", "o-12", 20_000))
		require.NoError(t, err)
		assert.Equal(t, models.OrderOnHoldPayment, out.Order.Status)
		assert.Equal(t, int64(20_000), h.ledger.balance("tenant-1"))
	})

	t.Run("payment for a cancelled order is credited", func(t *testing.T) {
		h := newHarness()
		h.ledger.fund("tenant-1", 0)
		invoicedOrder(t, h, "o-13", 75_000)
		_, err := h.engine.Cancel(ctx, "tenant-1", "o-13", "tenant:tenant-1")
		require.NoError(t, err)

		_, err = h.engine.HandlePaymentSettled(ctx, settledNotification("pay_4", "tenant-1", "order", "o-13", 75_000))
		require.NoError(t, err)
		assert.Equal(t, models.OrderCancelled, h.order(t, "o-13").Status)
		assert.Equal(t, int64(75_000), h.ledger.balance("tenant-1"))
	})

	t.Run("wrong tenant is rejected and can be retried", func(t *testing.T) {
		h := newHarness()
		h.ledger.fund("tenant-1", 0)
		invoicedOrder(t, h, "o-14", 75_000)

		_, err := h.engine.HandlePaymentSettled(ctx, settledNotification("pay_5", "tenant-9", "order", "o-14", 75_000))
		assert.True(t, errors.Is(err, errs.ErrValidation))

		_, err = h.engine.HandlePaymentSettled(ctx, settledNotification("pay_5", "tenant-1", "order", "o-14", 75_000))
		require.NoError(t, err)
		assert.Equal(t, models.OrderFunded, h.order(t, "o-14").Status)
	})
}

func TestHandlePaymentSettled_TopUp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 10_000)

	n := settledNotification("pay_20", "tenant-1", "top_up", "tu-1", 30_000)
	out, err := h.engine.HandlePaymentSettled(ctx, n)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(40_000), h.ledger.balance("tenant-1"))

	again, err := h.engine.HandlePaymentSettled(ctx, n)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(40_000), h.ledger.balance("tenant-1"))

	_, err = h.engine.HandlePaymentSettled(ctx, &billing.Notification{Type: billing.EventPaymentFailed})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestHandlePaymentEvent_ThroughDeliveryEngine(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 0)
	h.queue.Handle(EventPaymentSettled, h.engine.HandlePaymentEvent)

	n := settledNotification("pay_30", "tenant-1", "top_up", "tu-2", 12_345)
	_, err := h.queue.Enqueue(ctx, delivery.EnqueueRequest{
		Source:         "billing",
		Type:           EventPaymentSettled,
		ExternalID:     n.EventID,
		IdempotencyKey: idempotency.WebhookKey("billing", n.EventID, n.Type),
		Payload:        n,
	})
	require.NoError(t, err)

	res, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, int64(12_345), h.ledger.balance("tenant-1"))
}

func TestRefund(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-20", "tenant-1", 40_000)

	_, err := h.engine.SettleOrder(ctx, "tenant-1", "o-20", "tenant:tenant-1")
	require.NoError(t, err)
	require.Equal(t, int64(480_000), h.ledger.balance("tenant-1"))

	out, err := h.engine.Refund(ctx, "o-20", "operator:alice")
	require.NoError(t, err)
	assert.False(t, out.Deferred)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, models.KindRefund, out.Transaction.Kind)
	assert.Equal(t, models.OrderRefunded, out.Order.Status)
	assert.Equal(t, models.PaymentRefunded, out.Order.PaymentStatus)
	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))

	again, err := h.engine.Refund(ctx, "o-20", "operator:alice")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))
}

func TestRefund_CreditFailureIsQueued(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-21", "tenant-1", 40_000)
	_, err := h.engine.SettleOrder(ctx, "tenant-1", "o-21", "tenant:tenant-1")
	require.NoError(t, err)

	h.ledger.failNext = errors.New("connection reset")
	out, err := h.engine.Refund(ctx, "o-21", "operator:alice")
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, models.OrderRefunded, out.Order.Status)
	assert.Equal(t, int64(480_000), h.ledger.balance("tenant-1"))

	event, err := h.events.GetByKey(ctx, idempotency.RefundKey("o-21"))
	require.NoError(t, err)
	assert.Equal(t, EventRefund, event.Type)

	h.queue.Handle(EventRefund, h.engine.RetryRefund)
	res, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))
}

func TestCancel(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-30", "tenant-1", 40_000)

	_, err := h.engine.Cancel(ctx, "tenant-2", "o-30", "tenant:tenant-2")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	out, err := h.engine.Cancel(ctx, "tenant-1", "o-30", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, out.Order.Status)
	assert.Nil(t, out.Transaction)
	assert.Equal(t, 0, h.ledger.applied())

	again, err := h.engine.Cancel(ctx, "tenant-1", "o-30", "tenant:tenant-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, err = h.engine.Refund(ctx, "o-30", "operator:alice")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
}

func TestCancel_FundedOrderRefundsLedger(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 520_000)
	h.seedOrder(t, "o-31", "tenant-1", 40_000)
	_, err := h.engine.SettleOrder(ctx, "tenant-1", "o-31", "tenant:tenant-1")
	require.NoError(t, err)

	out, err := h.engine.Cancel(ctx, "tenant-1", "o-31", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, out.Order.Status)
	assert.Equal(t, models.PaymentRefunded, out.Order.PaymentStatus)
	assert.Equal(t, int64(520_000), h.ledger.balance("tenant-1"))
}

func TestRequestTopUp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 0)

	h.billing.On("CreateInvoice", mock.Anything, mock.MatchedBy(func(r billing.InvoiceRequest) bool {
		return r.ReferenceType == "top_up" && r.AmountMinor == 100_000 &&
			strings.HasPrefix(r.IdempotencyKey, "top-up:") && strings.HasSuffix(r.IdempotencyKey, r.ReferenceID)
	})).Return(&billing.Invoice{ID: "inv_top", HostedURL: "https://pay.example/inv_top"}, nil).Once()

	inv, err := h.engine.RequestTopUp(ctx, "tenant-1", "USD", 100_000)
	require.NoError(t, err)
	assert.Equal(t, "inv_top", inv.ID)

	_, err = h.engine.RequestTopUp(ctx, "tenant-1", "USD", 0)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	_, err = h.engine.RequestTopUp(ctx, "ghost", "USD", 100)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	h.billing.AssertExpectations(t)
}

func TestSettleOrder_FundingFailureAfterDebitIsReconciled(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 200_000)
	h.seedOrder(t, "o-40", "tenant-1", 40_000)

	flaky := &flakyOrders{Orders: h.orders, failTo: models.OrderFunded, err: errors.New("db: connection reset")}
	engine := NewEngine(h.ledger, flaky, h.billing, h.registry, h.queue, nil)

	_, err := engine.SettleOrder(ctx, "tenant-1", "o-40", "tenant:tenant-1")
	require.Error(t, err)
	assert.Equal(t, int64(160_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, models.OrderReceived, h.order(t, "o-40").Status)

	event, err := h.events.GetByKey(ctx, idempotency.ReconcileKey("o-40", "settle"))
	require.NoError(t, err)
	assert.Equal(t, EventReconcile, event.Type)

	h.queue.Handle(EventReconcile, engine.RetryReconcile)
	res, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	order := h.order(t, "o-40")
	assert.Equal(t, models.OrderFunded, order.Status)
	assert.Equal(t, models.PaymentLedger, order.PaymentMethod)
	assert.Equal(t, models.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, "tx-1", order.PaymentReference)
	assert.Equal(t, int64(160_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, 1, h.ledger.applied())
}

func TestCancel_ReturnsDebitThatNeverFundedOrder(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 200_000)
	h.seedOrder(t, "o-41", "tenant-1", 40_000)

	flaky := &flakyOrders{Orders: h.orders, failTo: models.OrderFunded, err: errors.New("db: connection reset")}
	engine := NewEngine(h.ledger, flaky, h.billing, h.registry, h.queue, nil)

	_, err := engine.SettleOrder(ctx, "tenant-1", "o-41", "tenant:tenant-1")
	require.Error(t, err)
	require.Equal(t, int64(160_000), h.ledger.balance("tenant-1"))

	out, err := engine.Cancel(ctx, "tenant-1", "o-41", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, out.Order.Status)
	assert.Equal(t, models.PaymentUnpaid, out.Order.PaymentStatus)
	require.NotNil(t, out.Reversal)
	assert.Equal(t, int64(40_000), out.Reversal.Delta)
	assert.Equal(t, models.KindRefund, out.Reversal.Kind)
	assert.Equal(t, int64(200_000), h.ledger.balance("tenant-1"))

	// the queued reconcile and a repeated cancel return nothing twice
	h.queue.Handle(EventReconcile, engine.RetryReconcile)
	res, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	again, err := engine.Cancel(ctx, "tenant-1", "o-41", "tenant:tenant-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(200_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, 2, h.ledger.applied())

	_, err = engine.SettleOrder(ctx, "tenant-1", "o-41", "tenant:tenant-1")
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
	assert.Equal(t, int64(200_000), h.ledger.balance("tenant-1"))
}

func TestSettleOrder_RacingInvoicePathDoesNotDoubleCharge(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 120_000)
	h.seedOrder(t, "o-42", "tenant-1", 40_000)

	h.billing.On("CreateInvoice", mock.Anything, invoiceFor("o-42")).
		Return(&billing.Invoice{ID: "inv-1", Status: "open"}, nil).Once()

	// B looks for the debit before A commits, then sees the lowered
	// balance and takes the invoice path while A is still in flight.
	late := NewEngine(staleLedger{h.ledger}, h.orders, h.billing, h.registry, h.queue, nil)
	var outB Outcome
	var errB error
	racing := &racingLedger{fakeLedger: h.ledger}
	racing.afterDebit = func() {
		outB, errB = late.SettleOrder(ctx, "tenant-1", "o-42", "tenant:tenant-1")
	}
	engine := NewEngine(racing, h.orders, h.billing, h.registry, h.queue, nil)

	outA, errA := engine.SettleOrder(ctx, "tenant-1", "o-42", "tenant:tenant-1")
	require.NoError(t, errB)
	require.Equal(t, PathInvoice, outB.Path)
	require.NoError(t, errA)
	assert.Equal(t, PathLedger, outA.Path)

	order := h.order(t, "o-42")
	assert.Equal(t, models.OrderFunded, order.Status)
	assert.Equal(t, models.PaymentLedger, order.PaymentMethod)
	assert.Equal(t, models.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, outA.Transaction.ID, order.PaymentReference)
	assert.Equal(t, int64(80_000), h.ledger.balance("tenant-1"))

	history, err := h.orders.History(ctx, "o-42")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.OrderAwaitingFunds, history[1].ToStatus)
	assert.Equal(t, models.OrderFunded, history[2].ToStatus)

	// paying the stray invoice credits the tenant instead of funding twice
	_, err = h.engine.HandlePaymentSettled(ctx, settledNotification("pay_42", "tenant-1", "order", "o-42", 40_000))
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), h.ledger.balance("tenant-1"))
	assert.Equal(t, outA.Transaction.ID, h.order(t, "o-42").PaymentReference)
}

func TestCancel_DeferredInvoiceIsNotIssued(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ledger.fund("tenant-1", 0)
	h.seedOrder(t, "o-43", "tenant-1", 10_000)

	h.billing.On("CreateInvoice", mock.Anything, invoiceFor("o-43")).
		Return(nil, fmt.Errorf("billing provider timed out: %w", errs.ErrExternalService)).Once()

	out, err := h.engine.SettleOrder(ctx, "tenant-1", "o-43", "tenant:tenant-1")
	require.NoError(t, err)
	require.True(t, out.Deferred)

	cancelled, err := h.engine.Cancel(ctx, "tenant-1", "o-43", "tenant:tenant-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Order.Status)
	assert.Equal(t, models.PaymentUnpaid, cancelled.Order.PaymentStatus)

	h.queue.Handle(EventInvoiceCreate, h.engine.RetryInvoice)
	res, err := h.queue.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	order := h.order(t, "o-43")
	assert.Equal(t, models.OrderCancelled, order.Status)
	assert.Empty(t, order.PaymentReference)
	h.billing.AssertNumberOfCalls(t, "CreateInvoice", 1)
}
