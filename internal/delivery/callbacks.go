package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/signing"
)

const EventTenantCallback = "tenant.callback"

// CallbackTargets resolves where a tenant wants status callbacks sent. An
// empty URL means the tenant has not configured one.
type CallbackTargets interface {
	CallbackURL(ctx context.Context, tenantID string) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.AsyncEvent, error)
}

type CallbackPayload struct {
	Event           string               `json:"event"`
	OrderID         string               `json:"order_id"`
	ExternalOrderID string               `json:"external_order_id"`
	FromStatus      models.OrderStatus   `json:"from_status,omitempty"`
	Status          models.OrderStatus   `json:"status"`
	PaymentStatus   models.PaymentStatus `json:"payment_status"`
	Version         int64                `json:"version"`
	OccurredAt      time.Time            `json:"occurred_at"`
}

// Callbacks queues and delivers signed order status callbacks to tenants.
type Callbacks struct {
	queue   Enqueuer
	targets CallbackTargets
	secrets signing.SecretSource
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time
}

func NewCallbacks(queue Enqueuer, targets CallbackTargets, secrets signing.SecretSource, timeout time.Duration, log *slog.Logger) *Callbacks {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Callbacks{
		queue:   queue,
		targets: targets,
		secrets: secrets,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}
}

// OrderStatusChanged queues one callback per committed order version.
func (c *Callbacks) OrderStatusChanged(ctx context.Context, order *models.Order, from models.OrderStatus) error {
	payload := CallbackPayload{
		Event:           "order.status_changed",
		OrderID:         order.ID,
		ExternalOrderID: order.ExternalOrderID,
		FromStatus:      from,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		Version:         order.Version,
		OccurredAt:      order.UpdatedAt,
	}
	_, err := c.queue.Enqueue(ctx, EnqueueRequest{
		Source:         "orders",
		Type:           EventTenantCallback,
		ExternalID:     order.ID,
		IdempotencyKey: "callback:order:" + order.ID + ":" + strconv.FormatInt(order.Version, 10),
		TenantID:       order.TenantID,
		Payload:        payload,
	})
	return err
}

// Deliver is the Handler for EventTenantCallback.
func (c *Callbacks) Deliver(ctx context.Context, event *models.AsyncEvent) error {
	url, err := c.targets.CallbackURL(ctx, event.TenantID)
	if err != nil {
		return fmt.Errorf("resolve callback url: %w", err)
	}
	if url == "" {
		c.log.Debug("tenant has no callback url, skipping", "tenant_id", event.TenantID, "event_id", event.ID)
		return nil
	}

	now := c.now()
	secrets, err := c.secrets.ValidSecrets(ctx, event.TenantID, now)
	if err != nil {
		return fmt.Errorf("load signing secret: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("tenant %s has no signing secret", event.TenantID)
	}

	body := []byte(event.Payload)
	headers, err := signing.Sign(secrets[0], event.TenantID, body, now)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", event.ID)
	headers.Apply(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling tenant callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tenant callback returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// DecodeCallback is the inverse of the stored payload, for tests and tools.
func DecodeCallback(event *models.AsyncEvent) (CallbackPayload, error) {
	var p CallbackPayload
	err := json.Unmarshal(event.Payload, &p)
	return p, err
}
