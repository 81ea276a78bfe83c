package models

import (
	"time"
)

type OrderStatus string

const (
	OrderReceived              OrderStatus = "RECEIVED"
	OrderAwaitingFunds         OrderStatus = "AWAITING_FUNDS"
	OrderFunded                OrderStatus = "FUNDED"
	OrderOnHoldPayment         OrderStatus = "ON_HOLD_PAYMENT"
	OrderOnHoldCompliance      OrderStatus = "ON_HOLD_COMPLIANCE"
	OrderReleasedToFulfillment OrderStatus = "RELEASED_TO_FULFILLMENT"
	OrderPicking               OrderStatus = "PICKING"
	OrderPacked                OrderStatus = "PACKED"
	OrderShipped               OrderStatus = "SHIPPED"
	OrderComplete              OrderStatus = "COMPLETE"
	OrderCancelled             OrderStatus = "CANCELLED"
	OrderRefunded              OrderStatus = "REFUNDED"
)

type PaymentMethod string

const (
	PaymentNone    PaymentMethod = "NONE"
	PaymentLedger  PaymentMethod = "LEDGER"
	PaymentInvoice PaymentMethod = "INVOICE"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Order is a merchant's wholesale order against the shared inventory.
type Order struct {
	ID                  string        `json:"id" db:"id"`
	TenantID            string        `json:"tenant_id" db:"tenant_id"`
	ExternalOrderID     string        `json:"external_order_id" db:"external_order_id"`
	Status              OrderStatus   `json:"status" db:"status"`
	Items               []OrderItem   `json:"items"`
	Currency            string        `json:"currency" db:"currency"`
	SubtotalMinor       int64         `json:"subtotal_minor" db:"subtotal_minor"`
	HandlingMinor       int64         `json:"handling_minor" db:"handling_minor"`
	ShippingMinor       int64         `json:"shipping_minor" db:"shipping_minor"`
	EstimatedTotalMinor int64         `json:"estimated_total_minor" db:"estimated_total_minor"`
	ActualTotalMinor    *int64        `json:"actual_total_minor,omitempty" db:"actual_total_minor"`
	IdempotencyKey      string        `json:"idempotency_key" db:"idempotency_key"`
	PaymentMethod       PaymentMethod `json:"payment_method" db:"payment_method"`
	PaymentStatus       PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentReference    string        `json:"payment_reference,omitempty" db:"payment_reference"`
	SettledAmountMinor  int64         `json:"settled_amount_minor" db:"settled_amount_minor"`
	Version             int64         `json:"version" db:"version"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
	FundedAt            *time.Time    `json:"funded_at,omitempty" db:"funded_at"`
	ReleasedAt          *time.Time    `json:"released_at,omitempty" db:"released_at"`
	ShippedAt           *time.Time    `json:"shipped_at,omitempty" db:"shipped_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt         *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	RefundedAt          *time.Time    `json:"refunded_at,omitempty" db:"refunded_at"`
}

// ChargeAmount is what settlement collects: the actual total once known.
func (o *Order) ChargeAmount() int64 {
	if o.ActualTotalMinor != nil {
		return *o.ActualTotalMinor
	}
	return o.EstimatedTotalMinor
}

// Stamp records when the order entered status.
func (o *Order) Stamp(status OrderStatus, at time.Time) {
	t := at
	switch status {
	case OrderFunded:
		o.FundedAt = &t
	case OrderReleasedToFulfillment:
		o.ReleasedAt = &t
	case OrderShipped:
		o.ShippedAt = &t
	case OrderComplete:
		o.CompletedAt = &t
	case OrderCancelled:
		o.CancelledAt = &t
	case OrderRefunded:
		o.RefundedAt = &t
	}
}

type OrderItem struct {
	SKU           string   `json:"sku" db:"sku"`
	Quantity      int64    `json:"quantity" db:"quantity"`
	ExtraQuantity int64    `json:"extra_quantity" db:"extra_quantity"` // consumed by testing addons
	UnitCostMinor int64    `json:"unit_cost_minor" db:"unit_cost_minor"`
	Addons        []string `json:"addons,omitempty" db:"addons"`
	FeesMinor     int64    `json:"fees_minor" db:"fees_minor"`
}

// Units is the stock the item draws from inventory.
func (i OrderItem) Units() int64 {
	return i.Quantity + i.ExtraQuantity
}

type OrderStatusHistory struct {
	ID         string      `json:"id" db:"id"`
	OrderID    string      `json:"order_id" db:"order_id"`
	FromStatus OrderStatus `json:"from_status,omitempty" db:"from_status"`
	ToStatus   OrderStatus `json:"to_status" db:"to_status"`
	Actor      string      `json:"actor" db:"actor"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

type InventoryItem struct {
	SKU      string `json:"sku" db:"sku"`
	OnHand   int64  `json:"on_hand" db:"on_hand"`
	Reserved int64  `json:"reserved" db:"reserved"`
}
