package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/backend/internal/audit"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/idempotency"
	"github.com/tradepost/backend/internal/models"
)

// Registry is the idempotency contract order intake depends on.
type Registry interface {
	CheckOrReserve(ctx context.Context, key string) (idempotency.Outcome, error)
	Complete(ctx context.Context, key, resultType, resultID string) error
	Abandon(ctx context.Context, key string) error
}

// StatusNotifier is told about every committed status change.
type StatusNotifier interface {
	OrderStatusChanged(ctx context.Context, order *models.Order, from models.OrderStatus) error
}

type CreateOrderRequest struct {
	TenantID        string        `json:"-" validate:"required"`
	ExternalOrderID string        `json:"external_order_id" validate:"required,max=128"`
	Currency        string        `json:"currency" validate:"required,len=3"`
	Items           []ItemRequest `json:"items" validate:"required,min=1,max=200,dive"`
}

type ItemRequest struct {
	SKU           string   `json:"sku" validate:"required,max=64"`
	Quantity      int64    `json:"quantity" validate:"gt=0,max=1000000"`
	UnitCostMinor int64    `json:"unit_cost_minor" validate:"gte=0,max=100000000000"`
	Addons        []string `json:"addons,omitempty" validate:"max=5,dive,oneof=conformity sterility endotoxins net_content purity"`
}

type TransitionRequest struct {
	OrderID string
	To      models.OrderStatus
	Actor   string
	// Payment, when set, replaces the payment columns in the same write.
	Payment *Payment
	// From, when set, restricts the transition to orders currently in one
	// of these statuses.
	From []models.OrderStatus
}

type Config struct {
	ShippingFeeMinor int64
	MaxAttempts      int
}

type Service struct {
	repo     Repository
	registry Registry
	notifier StatusNotifier
	audit    *audit.Logger
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(repo Repository, registry Registry, cfg Config, log *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		registry: registry,
		audit:    audit.NewLogger(log),
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetNotifier wires status-change callbacks after construction, since the
// notifier itself depends on services built later.
func (s *Service) SetNotifier(n StatusNotifier) {
	s.notifier = n
}

// Create registers a new order exactly once per tenant and external order
// id. Duplicate submissions return the original order with duplicate=true.
func (s *Service) Create(ctx context.Context, req CreateOrderRequest) (*models.Order, bool, error) {
	if req.TenantID == "" {
		return nil, false, errs.Invalid("tenant_id", "is required")
	}
	if req.ExternalOrderID == "" {
		return nil, false, errs.Invalid("external_order_id", "is required")
	}

	pricing, err := Price(req.Items, s.cfg.ShippingFeeMinor)
	if err != nil {
		return nil, false, err
	}

	key := idempotency.OrderCreateKey(req.TenantID, req.ExternalOrderID)
	outcome, err := s.registry.CheckOrReserve(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !outcome.FirstSeen {
		existing, err := s.repo.Get(ctx, outcome.Prior.ResultID)
		return existing, true, err
	}

	now := s.now().UTC()
	order := &models.Order{
		ID:                  uuid.NewString(),
		TenantID:            req.TenantID,
		ExternalOrderID:     req.ExternalOrderID,
		Status:              models.OrderReceived,
		Items:               pricing.Items,
		Currency:            req.Currency,
		SubtotalMinor:       pricing.SubtotalMinor,
		HandlingMinor:       pricing.HandlingMinor,
		ShippingMinor:       pricing.ShippingMinor,
		EstimatedTotalMinor: pricing.EstimatedTotal,
		IdempotencyKey:      key,
		PaymentMethod:       models.PaymentNone,
		PaymentStatus:       models.PaymentUnpaid,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	history := &models.OrderStatusHistory{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		ToStatus:  models.OrderReceived,
		Actor:     "tenant:" + req.TenantID,
		CreatedAt: now,
	}

	err = s.repo.Create(ctx, order, history)
	if errors.Is(err, errs.ErrDuplicateOperation) {
		existing, getErr := s.repo.GetByIdempotencyKey(ctx, key)
		if getErr != nil {
			return nil, false, getErr
		}
		s.complete(ctx, key, existing.ID)
		return existing, true, nil
	}
	if err != nil {
		if abandonErr := s.registry.Abandon(ctx, key); abandonErr != nil {
			s.log.Error("failed to release idempotency claim", "key", key, "error", abandonErr)
		}
		return nil, false, err
	}

	s.complete(ctx, key, order.ID)
	s.audit.LogTransition(order.ID, "", string(order.Status), history.Actor)
	s.log.Info("order received", "order_id", order.ID, "tenant_id", order.TenantID, "total", order.EstimatedTotalMinor)
	return order, false, nil
}

func (s *Service) complete(ctx context.Context, key, orderID string) {
	if err := s.registry.Complete(ctx, key, "order", orderID); err != nil {
		s.log.Error("failed to record idempotency result", "key", key, "order_id", orderID, "error", err)
	}
}

// Transition moves an order along the transition table. The status change,
// its history row and any inventory effect commit together or not at all.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*models.Order, error) {
	if !ValidStatus(req.To) {
		return nil, errs.Invalid("status", "unknown status %q", req.To)
	}
	if req.Actor == "" {
		return nil, errs.Invalid("actor", "is required")
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		order, err := s.repo.Get(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		from := order.Status

		if len(req.From) > 0 && !containsStatus(req.From, from) {
			return nil, fmt.Errorf("order %s is %s: %w", order.ID, from, errs.ErrInvalidTransition)
		}
		if !CanTransition(from, req.To) {
			return nil, fmt.Errorf("order %s %s -> %s: %w", order.ID, from, req.To, errs.ErrInvalidTransition)
		}

		payment := Payment{
			Method:        order.PaymentMethod,
			Status:        order.PaymentStatus,
			Reference:     order.PaymentReference,
			SettledAmount: order.SettledAmountMinor,
		}
		if req.Payment != nil {
			payment = *req.Payment
		}

		now := s.now().UTC()
		rec := TransitionRecord{
			OrderID:         order.ID,
			ExpectedVersion: order.Version,
			To:              req.To,
			Payment:         payment,
			Items:           order.Items,
			Inventory:       inventoryEffectOf(from, req.To),
			History: &models.OrderStatusHistory{
				ID:         uuid.NewString(),
				OrderID:    order.ID,
				FromStatus: from,
				ToStatus:   req.To,
				Actor:      req.Actor,
				CreatedAt:  now,
			},
			At: now,
		}

		err = s.repo.ApplyTransition(ctx, rec)
		if errors.Is(err, ErrStaleVersion) {
			s.log.Debug("order version conflict, retrying", "order_id", order.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		order.Status = req.To
		order.Version++
		order.UpdatedAt = now
		order.PaymentMethod = payment.Method
		order.PaymentStatus = payment.Status
		order.PaymentReference = payment.Reference
		order.SettledAmountMinor = payment.SettledAmount
		order.Stamp(req.To, now)

		s.audit.LogTransition(order.ID, string(from), string(req.To), req.Actor)
		s.notify(ctx, order, from)
		return order, nil
	}
	return nil, fmt.Errorf("order %s after %d attempts: %w", req.OrderID, s.cfg.MaxAttempts, errs.ErrConflict)
}

// UpdatePayment records payment progress that does not change status, such
// as an invoice created after a retry.
func (s *Service) UpdatePayment(ctx context.Context, orderID string, p Payment) (*models.Order, error) {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		order, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		err = s.repo.UpdatePayment(ctx, order.ID, order.Version, p, now)
		if errors.Is(err, ErrStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}
		order.PaymentMethod = p.Method
		order.PaymentStatus = p.Status
		order.PaymentReference = p.Reference
		order.SettledAmountMinor = p.SettledAmount
		order.Version++
		order.UpdatedAt = now
		return order, nil
	}
	return nil, fmt.Errorf("order %s payment update: %w", orderID, errs.ErrConflict)
}

func (s *Service) notify(ctx context.Context, order *models.Order, from models.OrderStatus) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.OrderStatusChanged(ctx, order, from); err != nil {
		s.log.Error("failed to queue status callback", "order_id", order.ID, "status", order.Status, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return s.repo.Get(ctx, orderID)
}

// GetForTenant hides other tenants' orders behind ErrNotFound.
func (s *Service) GetForTenant(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.TenantID != tenantID {
		return nil, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}
	return order, nil
}

func (s *Service) History(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	return s.repo.History(ctx, orderID)
}

func (s *Service) ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByTenant(ctx, tenantID, limit)
}

// StockInventory sets the on-hand count for a SKU.
func (s *Service) StockInventory(ctx context.Context, sku string, onHand int64) error {
	if sku == "" {
		return errs.Invalid("sku", "is required")
	}
	if onHand < 0 {
		return errs.Invalid("on_hand", "must not be negative")
	}
	return s.repo.UpsertInventory(ctx, models.InventoryItem{SKU: sku, OnHand: onHand})
}

func containsStatus(set []models.OrderStatus, s models.OrderStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
