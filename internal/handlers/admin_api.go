package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/ledger"
	mW "github.com/tradepost/backend/internal/middleware"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/orders"
	"github.com/tradepost/backend/internal/signing"
	"github.com/tradepost/backend/internal/tenants"
)

type TenantService interface {
	Onboard(ctx context.Context, req tenants.OnboardRequest) (*tenants.Onboarding, error)
	List(ctx context.Context, limit int) ([]models.Tenant, error)
	Suspend(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
}

type SecretRotator interface {
	Rotate(ctx context.Context, storeID string) (signing.Rotation, error)
}

type EventAdmin interface {
	DeadLetters(ctx context.Context, limit int) ([]models.AsyncEvent, error)
	Replay(ctx context.Context, id string) (*models.AsyncEvent, error)
}

// AdjustmentRequest is a manual ledger correction.
// @Description Operator ledger adjustment
type AdjustmentRequest struct {
	AccountID      string `json:"account_id" validate:"required,uuid" example:"3f1c2a4e-8d7b-4c3a-9e1f-2b6d5a7c8e90"`
	DeltaMinor     int64  `json:"delta_minor" validate:"required,ne=0" example:"-1500"`
	Kind           string `json:"kind" validate:"required,oneof=TOP_UP ADJUSTMENT WITHDRAWAL_COMPLETED" example:"ADJUSTMENT"`
	Reason         string `json:"reason" validate:"required,max=500" example:"duplicate shipping charge"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=200" example:"adj-2026-10-16-001"`
}

// AdjustmentResponse reports the committed ledger row.
type AdjustmentResponse struct {
	Transaction *models.LedgerTransaction `json:"transaction"`
	NewBalance  int64                     `json:"new_balance"`
	Duplicate   bool                      `json:"duplicate"`
}

// AdminTransitionRequest moves an order along the transition table.
// @Description Operator order transition
type AdminTransitionRequest struct {
	To models.OrderStatus `json:"to" validate:"required" example:"RELEASED_TO_FULFILLMENT"`
}

// InventoryRequest sets on-hand stock for a SKU.
type InventoryRequest struct {
	OnHand int64 `json:"on_hand" validate:"gte=0" example:"1200"`
}

// AdminAPI serves /admin for operators holding a valid JWT.
type AdminAPI struct {
	tenants    TenantService
	secrets    SecretRotator
	ledger     LedgerService
	orders     OrderService
	settlement SettlementService
	events     EventAdmin
	v          *ValidationHelper
	log        *slog.Logger
}

func NewAdminAPI(t TenantService, sec SecretRotator, l LedgerService, o OrderService, s SettlementService, e EventAdmin, log *slog.Logger) *AdminAPI {
	if log == nil {
		log = slog.Default()
	}
	return &AdminAPI{
		tenants:    t,
		secrets:    sec,
		ledger:     l,
		orders:     o,
		settlement: s,
		events:     e,
		v:          NewValidationHelper(),
		log:        log,
	}
}

func (h *AdminAPI) Routes(r chi.Router) {
	r.Post("/tenants", h.OnboardTenant)
	r.Get("/tenants", h.ListTenants)
	r.Post("/tenants/{id}/secrets/rotate", h.RotateSecret)
	r.Post("/tenants/{id}/suspend", h.SuspendTenant)
	r.Post("/tenants/{id}/reactivate", h.ReactivateTenant)
	r.Post("/ledger/adjustments", h.AdjustBalance)
	r.Post("/orders/{id}/transitions", h.TransitionOrder)
	r.Post("/orders/{id}/refund", h.RefundOrder)
	r.Put("/inventory/{sku}", h.StockInventory)
	r.Get("/events/dead-letter", h.DeadLetters)
	r.Post("/events/{id}/replay", h.ReplayEvent)
}

func actor(r *http.Request) string {
	return "operator:" + mW.Operator(r.Context())
}

// OnboardTenant creates a store with its ledger account and first secret
// @Summary Onboard a tenant
// @Description The returned secret is shown once.
// @Tags admin
// @Accept json
// @Produce json
// @Param request body tenants.OnboardRequest true "Tenant"
// @Success 201 {object} tenants.Onboarding
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/tenants [post]
func (h *AdminAPI) OnboardTenant(w http.ResponseWriter, r *http.Request) {
	var req tenants.OnboardRequest
	if !h.v.decodeJSON(w, r, &req) {
		return
	}
	out, err := h.tenants.Onboard(r.Context(), req)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	h.log.Info("tenant onboarded by operator", "tenant_id", out.Tenant.ID, "operator", mW.Operator(r.Context()))
	writeJSON(w, http.StatusCreated, out)
}

// ListTenants
// @Summary List tenants
// @Tags admin
// @Produce json
// @Param limit query int false "Page size"
// @Success 200 {array} models.Tenant
// @Security BearerAuth
// @Router /admin/tenants [get]
func (h *AdminAPI) ListTenants(w http.ResponseWriter, r *http.Request) {
	list, err := h.tenants.List(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if list == nil {
		list = []models.Tenant{}
	}
	writeJSON(w, http.StatusOK, list)
}

// RotateSecret issues a new signing secret; the previous one stays valid for the grace window
// @Summary Rotate a tenant signing secret
// @Tags admin
// @Produce json
// @Param id path string true "Tenant ID"
// @Success 200 {object} signing.Rotation
// @Security BearerAuth
// @Router /admin/tenants/{id}/secrets/rotate [post]
func (h *AdminAPI) RotateSecret(w http.ResponseWriter, r *http.Request) {
	rot, err := h.secrets.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rot)
}

// SuspendTenant
// @Summary Suspend a tenant
// @Tags admin
// @Param id path string true "Tenant ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/tenants/{id}/suspend [post]
func (h *AdminAPI) SuspendTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.tenants.Suspend(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReactivateTenant
// @Summary Reactivate a tenant
// @Tags admin
// @Param id path string true "Tenant ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/tenants/{id}/reactivate [post]
func (h *AdminAPI) ReactivateTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.tenants.Reactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdjustBalance applies a manual ledger correction
// @Summary Adjust a ledger balance
// @Tags admin
// @Accept json
// @Produce json
// @Param request body AdjustmentRequest true "Adjustment"
// @Success 200 {object} AdjustmentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/ledger/adjustments [post]
func (h *AdminAPI) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.v.decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.ledger.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	res, err := h.ledger.AdjustBalance(r.Context(), ledger.AdjustRequest{
		AccountID:      acct.ID,
		Delta:          req.DeltaMinor,
		Kind:           models.TransactionKind(req.Kind),
		ReferenceType:  "operator",
		ReferenceID:    mW.Operator(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       models.Metadata{"reason": req.Reason, "operator": mW.Operator(r.Context())},
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentResponse{Transaction: res.Transaction, NewBalance: res.NewBalance, Duplicate: res.Duplicate})
}

// TransitionOrder moves an order along the transition table
// @Summary Transition an order
// @Description CANCELLED and REFUNDED go through settlement so any payment is returned to the wallet.
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Order ID"
// @Param request body AdminTransitionRequest true "Target status"
// @Success 200 {object} models.Order
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/orders/{id}/transitions [post]
func (h *AdminAPI) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	var req AdminTransitionRequest
	if !h.v.decodeJSON(w, r, &req) {
		return
	}
	if !orders.ValidStatus(req.To) {
		writeError(w, h.log, r, errs.Invalid("to", "unknown status %q", req.To))
		return
	}

	orderID := chi.URLParam(r, "id")
	switch req.To {
	case models.OrderCancelled:
		out, err := h.settlement.Cancel(r.Context(), "", orderID, actor(r))
		if err != nil {
			writeError(w, h.log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out.Order)
	case models.OrderRefunded:
		out, err := h.settlement.Refund(r.Context(), orderID, actor(r))
		if err != nil {
			writeError(w, h.log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out.Order)
	default:
		order, err := h.orders.Transition(r.Context(), orders.TransitionRequest{
			OrderID: orderID,
			To:      req.To,
			Actor:   actor(r),
		})
		if err != nil {
			writeError(w, h.log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

// RefundOrder refunds a paid order to the tenant wallet
// @Summary Refund an order
// @Tags admin
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} settlement.Outcome
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/orders/{id}/refund [post]
func (h *AdminAPI) RefundOrder(w http.ResponseWriter, r *http.Request) {
	out, err := h.settlement.Refund(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// StockInventory sets on-hand stock for a SKU
// @Summary Set inventory
// @Tags admin
// @Accept json
// @Param sku path string true "SKU"
// @Param request body InventoryRequest true "Stock level"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/inventory/{sku} [put]
func (h *AdminAPI) StockInventory(w http.ResponseWriter, r *http.Request) {
	var req InventoryRequest
	if !h.v.decodeJSON(w, r, &req) {
		return
	}
	if err := h.orders.StockInventory(r.Context(), chi.URLParam(r, "sku"), req.OnHand); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeadLetters lists events that exhausted their attempts
// @Summary Dead-lettered events
// @Tags admin
// @Produce json
// @Param limit query int false "Page size"
// @Success 200 {array} models.AsyncEvent
// @Security BearerAuth
// @Router /admin/events/dead-letter [get]
func (h *AdminAPI) DeadLetters(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.DeadLetters(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if events == nil {
		events = []models.AsyncEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ReplayEvent puts a dead-lettered or failed event back in the queue
// @Summary Replay an event
// @Tags admin
// @Produce json
// @Param id path string true "Event ID"
// @Success 200 {object} models.AsyncEvent
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /admin/events/{id}/replay [post]
func (h *AdminAPI) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	h.log.Info("event replayed", "event_id", event.ID, "operator", mW.Operator(r.Context()))
	writeJSON(w, http.StatusOK, event)
}
