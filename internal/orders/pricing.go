package orders

import (
	"math"

	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

// Addon is a lab test bundled with an item: it consumes extra units of
// stock and adds a flat fee.
type Addon struct {
	ExtraQuantity int64
	FeeMinor      int64
}

var Addons = map[string]Addon{
	"conformity":  {ExtraQuantity: 2, FeeMinor: 5000},
	"sterility":   {ExtraQuantity: 1, FeeMinor: 25000},
	"endotoxins":  {ExtraQuantity: 1, FeeMinor: 25000},
	"net_content": {ExtraQuantity: 0, FeeMinor: 0},
	"purity":      {ExtraQuantity: 0, FeeMinor: 0},
}

// Per-line bounds. Request validation enforces the same limits.
const (
	MaxQuantity      = 1_000_000
	MaxUnitCostMinor = 100_000_000_000
)

type Pricing struct {
	Items          []models.OrderItem
	SubtotalMinor  int64
	HandlingMinor  int64
	ShippingMinor  int64
	EstimatedTotal int64
}

// Price computes Σ unit × (qty + extra) + Σ addon fees + shipping.
func Price(items []ItemRequest, shippingFeeMinor int64) (Pricing, error) {
	if len(items) == 0 {
		return Pricing{}, errs.Invalid("items", "at least one item is required")
	}
	if shippingFeeMinor < 0 {
		return Pricing{}, errs.Invalid("shipping_fee", "must not be negative")
	}

	p := Pricing{ShippingMinor: shippingFeeMinor}
	for _, it := range items {
		if it.Quantity <= 0 || it.Quantity > MaxQuantity {
			return Pricing{}, errs.Invalid("quantity", "sku %s: must be between 1 and %d", it.SKU, MaxQuantity)
		}
		if it.UnitCostMinor < 0 || it.UnitCostMinor > MaxUnitCostMinor {
			return Pricing{}, errs.Invalid("unit_cost_minor", "sku %s: must be between 0 and %d", it.SKU, int64(MaxUnitCostMinor))
		}

		line := models.OrderItem{
			SKU:           it.SKU,
			Quantity:      it.Quantity,
			UnitCostMinor: it.UnitCostMinor,
			Addons:        it.Addons,
		}
		seen := make(map[string]bool, len(it.Addons))
		for _, name := range it.Addons {
			addon, ok := Addons[name]
			if !ok {
				return Pricing{}, errs.Invalid("addons", "sku %s: unknown addon %q", it.SKU, name)
			}
			if seen[name] {
				return Pricing{}, errs.Invalid("addons", "sku %s: addon %q listed twice", it.SKU, name)
			}
			seen[name] = true
			line.ExtraQuantity += addon.ExtraQuantity
			line.FeesMinor += addon.FeeMinor
		}

		cost, ok := mulMinor(it.UnitCostMinor, line.Units())
		if ok {
			p.SubtotalMinor, ok = addMinor(p.SubtotalMinor, cost)
		}
		if ok {
			p.HandlingMinor, ok = addMinor(p.HandlingMinor, line.FeesMinor)
		}
		if !ok {
			return Pricing{}, errs.Invalid("items", "order total exceeds the supported range")
		}
		p.Items = append(p.Items, line)
	}

	total, ok := addMinor(p.SubtotalMinor, p.HandlingMinor)
	if ok {
		total, ok = addMinor(total, p.ShippingMinor)
	}
	if !ok {
		return Pricing{}, errs.Invalid("items", "order total exceeds the supported range")
	}
	p.EstimatedTotal = total
	return p, nil
}

// mulMinor and addMinor work on non-negative amounts and report overflow.
func mulMinor(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

func addMinor(a, b int64) (int64, bool) {
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
