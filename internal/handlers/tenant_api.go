package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/ledger"
	mW "github.com/tradepost/backend/internal/middleware"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/orders"
	"github.com/tradepost/backend/internal/settlement"
)

type OrderService interface {
	Create(ctx context.Context, req orders.CreateOrderRequest) (*models.Order, bool, error)
	Get(ctx context.Context, orderID string) (*models.Order, error)
	GetForTenant(ctx context.Context, tenantID, orderID string) (*models.Order, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.Order, error)
	History(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error)
	Transition(ctx context.Context, req orders.TransitionRequest) (*models.Order, error)
	StockInventory(ctx context.Context, sku string, onHand int64) error
}

type SettlementService interface {
	SettleOrder(ctx context.Context, tenantID, orderID, actor string) (settlement.Outcome, error)
	Cancel(ctx context.Context, tenantID, orderID, actor string) (settlement.Outcome, error)
	Refund(ctx context.Context, orderID, actor string) (settlement.Outcome, error)
	RequestTopUp(ctx context.Context, tenantID, currency string, amount int64) (*billing.Invoice, error)
}

type LedgerService interface {
	AccountForTenant(ctx context.Context, tenantID, currency string) (*models.LedgerAccount, error)
	GetAccount(ctx context.Context, accountID string) (*models.LedgerAccount, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error)
	AdjustBalance(ctx context.Context, req ledger.AdjustRequest) (ledger.Result, error)
}

// OrderResponse wraps an order with whether the submission was a replay.
type OrderResponse struct {
	Order     *models.Order `json:"order"`
	Duplicate bool          `json:"duplicate"`
}

// TopUpRequest asks for an invoice that credits the wallet when paid.
// @Description Wallet top-up request
type TopUpRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0" example:"250000"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3" example:"USD"`
}

// TenantAPI serves the signed /api/v1 surface. The calling store is taken
// from the request context, never from the body.
type TenantAPI struct {
	orders          OrderService
	settlement      SettlementService
	ledger          LedgerService
	v               *ValidationHelper
	log             *slog.Logger
	defaultCurrency string
}

func NewTenantAPI(o OrderService, s SettlementService, l LedgerService, defaultCurrency string, log *slog.Logger) *TenantAPI {
	if log == nil {
		log = slog.Default()
	}
	return &TenantAPI{
		orders:          o,
		settlement:      s,
		ledger:          l,
		v:               NewValidationHelper(),
		log:             log,
		defaultCurrency: defaultCurrency,
	}
}

func (h *TenantAPI) Routes(r chi.Router) {
	r.Post("/orders", h.CreateOrder)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/orders/{id}/history", h.OrderHistory)
	r.Post("/orders/{id}/settle", h.SettleOrder)
	r.Post("/orders/{id}/cancel", h.CancelOrder)
	r.Get("/ledger/account", h.GetAccount)
	r.Get("/ledger/transactions", h.ListTransactions)
	r.Post("/ledger/top-ups", h.RequestTopUp)
}

// CreateOrder registers a wholesale order
// @Summary Create an order
// @Description Registers an order once per store and external order id. Resubmissions return the original order with duplicate=true.
// @Tags orders
// @Accept json
// @Produce json
// @Param request body orders.CreateOrderRequest true "Order"
// @Success 201 {object} OrderResponse
// @Success 200 {object} OrderResponse "Duplicate submission"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /orders [post]
func (h *TenantAPI) CreateOrder(w http.ResponseWriter, r *http.Request) {
	req := orders.CreateOrderRequest{TenantID: mW.StoreID(r.Context())}
	if !h.v.decodeJSON(w, r, &req) {
		return
	}

	order, duplicate, err := h.orders.Create(r.Context(), req)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, OrderResponse{Order: order, Duplicate: duplicate})
}

// ListOrders lists the store's orders
// @Summary List orders
// @Tags orders
// @Produce json
// @Param limit query int false "Page size (max 200)"
// @Success 200 {array} models.Order
// @Failure 401 {object} ErrorResponse
// @Router /orders [get]
func (h *TenantAPI) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.orders.ListByTenant(r.Context(), mW.StoreID(r.Context()), queryLimit(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if list == nil {
		list = []models.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetOrder returns one of the store's orders
// @Summary Get an order
// @Tags orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} models.Order
// @Failure 404 {object} ErrorResponse
// @Router /orders/{id} [get]
func (h *TenantAPI) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetForTenant(r.Context(), mW.StoreID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// OrderHistory returns the order's status changes, oldest first
// @Summary Order status history
// @Tags orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {array} models.OrderStatusHistory
// @Failure 404 {object} ErrorResponse
// @Router /orders/{id}/history [get]
func (h *TenantAPI) OrderHistory(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetForTenant(r.Context(), mW.StoreID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	history, err := h.orders.History(r.Context(), order.ID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// SettleOrder collects payment for a received order
// @Summary Settle an order
// @Description Debits the wallet when the compliance reserve allows it, otherwise issues an invoice. A deferred invoice leaves payment_status PENDING.
// @Tags settlement
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} settlement.Outcome
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /orders/{id}/settle [post]
func (h *TenantAPI) SettleOrder(w http.ResponseWriter, r *http.Request) {
	storeID := mW.StoreID(r.Context())
	out, err := h.settlement.SettleOrder(r.Context(), storeID, chi.URLParam(r, "id"), "tenant:"+storeID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	status := http.StatusOK
	if out.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// CancelOrder cancels an order and refunds any payment to the wallet
// @Summary Cancel an order
// @Tags orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} settlement.Outcome
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /orders/{id}/cancel [post]
func (h *TenantAPI) CancelOrder(w http.ResponseWriter, r *http.Request) {
	storeID := mW.StoreID(r.Context())
	out, err := h.settlement.Cancel(r.Context(), storeID, chi.URLParam(r, "id"), "tenant:"+storeID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAccount returns the store's wallet
// @Summary Ledger account
// @Tags ledger
// @Produce json
// @Param currency query string false "Currency (defaults to the platform currency)"
// @Success 200 {object} models.LedgerAccount
// @Failure 404 {object} ErrorResponse
// @Router /ledger/account [get]
func (h *TenantAPI) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.AccountForTenant(r.Context(), mW.StoreID(r.Context()), h.currency(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListTransactions returns the wallet's transactions, newest first
// @Summary Ledger transactions
// @Tags ledger
// @Produce json
// @Param currency query string false "Currency"
// @Param limit query int false "Page size"
// @Success 200 {array} models.LedgerTransaction
// @Failure 404 {object} ErrorResponse
// @Router /ledger/transactions [get]
func (h *TenantAPI) ListTransactions(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.AccountForTenant(r.Context(), mW.StoreID(r.Context()), h.currency(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	txs, err := h.ledger.ListTransactions(r.Context(), acct.ID, queryLimit(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if txs == nil {
		txs = []models.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// RequestTopUp issues an invoice that credits the wallet when paid
// @Summary Request a wallet top-up
// @Tags ledger
// @Accept json
// @Produce json
// @Param request body TopUpRequest true "Top-up"
// @Success 201 {object} billing.Invoice
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /ledger/top-ups [post]
func (h *TenantAPI) RequestTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !h.v.decodeJSON(w, r, &req) {
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}

	inv, err := h.settlement.RequestTopUp(r.Context(), mW.StoreID(r.Context()), currency, req.AmountMinor)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *TenantAPI) currency(r *http.Request) string {
	if c := r.URL.Query().Get("currency"); c != "" {
		return c
	}
	return h.defaultCurrency
}
