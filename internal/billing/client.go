package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradepost/backend/internal/errs"
)

// minorExponent converts between minor units and the provider's decimal
// amounts. All supported currencies have two decimal places.
const minorExponent = 2

type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// InvoiceRequest asks the provider to bill a tenant outside the ledger.
type InvoiceRequest struct {
	TenantID       string
	ReferenceType  string // "order" or "top_up"
	ReferenceID    string
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
}

type Invoice struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	HostedURL   string `json:"hosted_url,omitempty"`
}

// Client talks to the external billing provider over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "billing"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		log:    log,
	}
}

func (c *Client) Provider() string {
	return c.cfg.Provider
}

type invoiceBody struct {
	Customer    string            `json:"customer"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

type invoiceResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	HostedURL string          `json:"hosted_url"`
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// CreateInvoice issues an invoice. Every failure, including the hard
// timeout, is reported as errs.ErrExternalService.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.AmountMinor <= 0 {
		return nil, errs.Invalid("amount", "must be positive")
	}
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("billing base url not configured: %w", errs.ErrExternalService)
	}

	payload, err := json.Marshal(invoiceBody{
		Customer:    req.TenantID,
		Amount:      ToDecimal(req.AmountMinor),
		Currency:    strings.ToLower(req.Currency),
		Description: req.Description,
		Metadata: map[string]string{
			"reference_type": req.ReferenceType,
			"reference_id":   req.ReferenceID,
			"tenant_id":      req.TenantID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/invoices", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("billing provider timed out after %s: %w", c.cfg.Timeout, errs.ErrExternalService)
		}
		return nil, fmt.Errorf("billing request failed: %v: %w", err, errs.ErrExternalService)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read billing response: %v: %w", err, errs.ErrExternalService)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var perr providerError
		if json.Unmarshal(body, &perr) == nil && perr.Error.Message != "" {
			return nil, fmt.Errorf("billing provider %d (%s): %s: %w", resp.StatusCode, perr.Error.Code, perr.Error.Message, errs.ErrExternalService)
		}
		return nil, fmt.Errorf("billing provider returned %d: %w", resp.StatusCode, errs.ErrExternalService)
	}

	var out invoiceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode billing response: %v: %w", err, errs.ErrExternalService)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("billing response missing invoice id: %w", errs.ErrExternalService)
	}

	c.log.Info("invoice created",
		"invoice_id", out.ID,
		"reference_type", req.ReferenceType,
		"reference_id", req.ReferenceID,
		"amount", out.Amount.String(),
		"duration", time.Since(start))

	return &Invoice{
		ID:          out.ID,
		Status:      out.Status,
		AmountMinor: ToMinor(out.Amount),
		Currency:    strings.ToUpper(out.Currency),
		HostedURL:   out.HostedURL,
	}, nil
}

// ToDecimal renders minor units as a provider amount, e.g. 12345 -> 123.45.
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorExponent)
}

// ToMinor converts a provider amount to minor units, rounding half away
// from zero.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(minorExponent).Round(0).IntPart()
}
