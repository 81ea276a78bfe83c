package billing

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tradepost/backend/internal/errs"
)

const (
	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"
)

// Notification is an inbound provider webhook after parsing.
type Notification struct {
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	PaymentID     string `json:"payment_id"`
	InvoiceID     string `json:"invoice_id"`
	TenantID      string `json:"tenant_id"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
}

type webhookBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		PaymentID string            `json:"payment_id"`
		InvoiceID string            `json:"invoice_id"`
		Amount    decimal.Decimal   `json:"amount"`
		Currency  string            `json:"currency"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"data"`
}

// ParseNotification decodes a provider webhook body. Payment events must
// carry the reference metadata set by CreateInvoice.
func ParseNotification(body []byte) (*Notification, error) {
	var w webhookBody
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, errs.Invalid("body", "malformed webhook: %v", err)
	}
	if w.ID == "" {
		return nil, errs.Invalid("id", "is required")
	}
	if w.Type == "" {
		return nil, errs.Invalid("type", "is required")
	}

	n := &Notification{
		EventID:       w.ID,
		Type:          w.Type,
		PaymentID:     w.Data.PaymentID,
		InvoiceID:     w.Data.InvoiceID,
		TenantID:      w.Data.Metadata["tenant_id"],
		ReferenceType: w.Data.Metadata["reference_type"],
		ReferenceID:   w.Data.Metadata["reference_id"],
		AmountMinor:   ToMinor(w.Data.Amount),
		Currency:      strings.ToUpper(w.Data.Currency),
	}

	if n.Type == EventPaymentSettled {
		switch {
		case n.PaymentID == "":
			return nil, errs.Invalid("data.payment_id", "is required")
		case n.ReferenceID == "":
			return nil, errs.Invalid("data.metadata.reference_id", "is required")
		case n.ReferenceType != "order" && n.ReferenceType != "top_up":
			return nil, errs.Invalid("data.metadata.reference_type", "unknown reference type %q", n.ReferenceType)
		case n.AmountMinor <= 0:
			return nil, errs.Invalid("data.amount", "must be positive")
		}
	}
	return n, nil
}
