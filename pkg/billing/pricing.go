package billing

import (
	"math"
	"time"
)

// BasePrice is the price of a product before modifiers: usage times unit
// price for metered products, the unit price otherwise.
func BasePrice(p *Product, usage float64) Money {
	if p.Type == ProductMetered {
		return Money(math.Round(usage * float64(p.UnitPrice)))
	}
	return p.UnitPrice
}

// ApplyModifiers runs every modifier valid at now over price, in order.
// The running price never drops below zero.
func ApplyModifiers(price Money, unitPrice Money, mods []*SubscriptionProductModifier, now time.Time) Money {
	for _, m := range mods {
		if !m.ValidAt(now) {
			continue
		}
		switch m.Type {
		case ModifierFree:
			price = 0
		case ModifierQuantity:
			price -= Money(math.Round(float64(unitPrice) * m.Value))
		case ModifierReduction:
			price -= Money(math.Round(m.Value * 100))
		case ModifierReductionP:
			price -= Money(math.Round(float64(price) * m.Value / 100))
		}
		if price < 0 {
			price = 0
		}
	}
	return price
}

// ComputePrice prices one product of a cycle
func ComputePrice(p *Product, usage float64, mods []*SubscriptionProductModifier, now time.Time) Money {
	return ApplyModifiers(BasePrice(p, usage), p.UnitPrice, mods, now)
}

// CycleLine is one priced product of a cycle
type CycleLine struct {
	SubscriptionProduct *SubscriptionProduct `json:"subscription_product"`
	Product             *Product             `json:"product"`
	Usage               float64              `json:"usage"`
	Price               Money                `json:"price"`
}

// Description names the line on orders and charges
func (l *CycleLine) Description() string {
	if l.SubscriptionProduct != nil && l.SubscriptionProduct.ComponentObjectName != "" {
		return l.Product.Name + " (" + l.SubscriptionProduct.ComponentObjectName + ")"
	}
	return l.Product.Name
}

// Total sums the prices of lines
func Total(lines []*CycleLine) Money {
	var total Money
	for _, l := range lines {
		total += l.Price
	}
	return total
}
