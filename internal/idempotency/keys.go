package idempotency

import (
	"fmt"
	"strings"
)

func OrderCreateKey(tenantID, externalOrderID string) string {
	return fmt.Sprintf("order-create:%s:%s", tenantID, externalOrderID)
}

func WebhookKey(source, externalEventID, eventType string) string {
	return fmt.Sprintf("webhook:%s:%s:%s", source, externalEventID, eventType)
}

func PaymentKey(provider, paymentID string) string {
	return fmt.Sprintf("payment:%s:%s", provider, paymentID)
}

func SettlementKey(orderID string) string {
	return "settlement:order:" + orderID
}

func RefundKey(orderID string) string {
	return "refund:order:" + orderID
}

// ReversalKey guards the return of a settlement debit that never funded
// its order.
func ReversalKey(orderID string) string {
	return "settlement-reversal:order:" + orderID
}

func ReconcileKey(orderID, stage string) string {
	return fmt.Sprintf("reconcile:order:%s:%s", orderID, stage)
}

func InvoiceKey(orderID string) string {
	return "invoice:order:" + orderID
}

// Scope is the key prefix before the first colon.
func Scope(key string) string {
	scope, _, _ := strings.Cut(key, ":")
	return scope
}
