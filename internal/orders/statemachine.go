package orders

import (
	"github.com/tradepost/backend/internal/models"
)

// Transitions is the complete set of legal status changes. Anything not
// listed is rejected.
var Transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderReceived:              {models.OrderAwaitingFunds, models.OrderFunded, models.OrderOnHoldCompliance, models.OrderCancelled},
	models.OrderAwaitingFunds:         {models.OrderFunded, models.OrderOnHoldPayment, models.OrderCancelled},
	models.OrderOnHoldPayment:         {models.OrderAwaitingFunds, models.OrderFunded, models.OrderCancelled},
	models.OrderOnHoldCompliance:      {models.OrderReceived, models.OrderCancelled},
	models.OrderFunded:                {models.OrderReleasedToFulfillment, models.OrderOnHoldCompliance, models.OrderCancelled, models.OrderRefunded},
	models.OrderReleasedToFulfillment: {models.OrderPicking, models.OrderCancelled, models.OrderRefunded},
	models.OrderPicking:               {models.OrderPacked, models.OrderReleasedToFulfillment},
	models.OrderPacked:                {models.OrderShipped, models.OrderPicking},
	models.OrderShipped:               {models.OrderComplete, models.OrderRefunded},
	models.OrderComplete:              {models.OrderRefunded},
}

var allStatuses = []models.OrderStatus{
	models.OrderReceived, models.OrderAwaitingFunds, models.OrderFunded, models.OrderOnHoldPayment,
	models.OrderOnHoldCompliance, models.OrderReleasedToFulfillment, models.OrderPicking, models.OrderPacked,
	models.OrderShipped, models.OrderComplete, models.OrderCancelled, models.OrderRefunded,
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ValidStatus(s models.OrderStatus) bool {
	for _, known := range allStatuses {
		if known == s {
			return true
		}
	}
	return false
}

// IsTerminal reports absorbing states.
func IsTerminal(s models.OrderStatus) bool {
	return s == models.OrderCancelled || s == models.OrderRefunded
}

type InventoryEffect int

const (
	InventoryNone InventoryEffect = iota
	InventoryReserve
	InventoryShip
	InventoryRelease
)

func (e InventoryEffect) String() string {
	switch e {
	case InventoryReserve:
		return "reserve"
	case InventoryShip:
		return "ship"
	case InventoryRelease:
		return "release"
	}
	return "none"
}

// holdsStock reports statuses in which the order's units are reserved.
func holdsStock(s models.OrderStatus) bool {
	return s == models.OrderReleasedToFulfillment || s == models.OrderPicking || s == models.OrderPacked
}

// inventoryEffectOf is the stock side effect of a legal transition.
func inventoryEffectOf(from, to models.OrderStatus) InventoryEffect {
	switch {
	case to == models.OrderReleasedToFulfillment && !holdsStock(from):
		return InventoryReserve
	case to == models.OrderShipped:
		return InventoryShip
	case holdsStock(from) && IsTerminal(to):
		return InventoryRelease
	}
	return InventoryNone
}

// timestampColumn names the orders column stamped on entering s.
func timestampColumn(s models.OrderStatus) string {
	switch s {
	case models.OrderFunded:
		return "funded_at"
	case models.OrderReleasedToFulfillment:
		return "released_at"
	case models.OrderShipped:
		return "shipped_at"
	case models.OrderComplete:
		return "completed_at"
	case models.OrderCancelled:
		return "cancelled_at"
	case models.OrderRefunded:
		return "refunded_at"
	}
	return ""
}
