package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/delivery"
	"github.com/tradepost/backend/internal/idempotency"
	"github.com/tradepost/backend/internal/models"
	"github.com/tradepost/backend/internal/settlement"
)

type EventQueue interface {
	Enqueue(ctx context.Context, req delivery.EnqueueRequest) (*models.AsyncEvent, error)
}

// WebhookResponse acknowledges an ingested provider event.
type WebhookResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// BillingWebhook ingests provider notifications as async events. The
// signature is checked by SignedRequest before this handler runs.
type BillingWebhook struct {
	queue    EventQueue
	provider string
	log      *slog.Logger
}

func NewBillingWebhook(q EventQueue, provider string, log *slog.Logger) *BillingWebhook {
	if log == nil {
		log = slog.Default()
	}
	return &BillingWebhook{queue: q, provider: provider, log: log}
}

// Handle accepts a billing provider notification
// @Summary Billing provider webhook
// @Description Signed with the provider's shared secret (X-Store-Id is the provider name). Each event id is processed once; redeliveries are acknowledged.
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 202 {object} WebhookResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /webhooks/billing [post]
func (h *BillingWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	n, err := billing.ParseNotification(body)
	if err != nil {
		h.log.Warn("billing webhook rejected", "error", err)
		writeError(w, h.log, r, err)
		return
	}

	if n.Type != billing.EventPaymentSettled {
		h.log.Info("billing webhook ignored", "event_id", n.EventID, "type", n.Type)
		writeJSON(w, http.StatusAccepted, WebhookResponse{EventID: n.EventID, Status: "ignored"})
		return
	}

	event, err := h.queue.Enqueue(r.Context(), delivery.EnqueueRequest{
		Source:         h.provider,
		Type:           settlement.EventPaymentSettled,
		ExternalID:     n.EventID,
		IdempotencyKey: idempotency.WebhookKey(h.provider, n.EventID, n.Type),
		TenantID:       n.TenantID,
		Payload:        n,
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, WebhookResponse{EventID: n.EventID, Status: string(event.Status)})
}
