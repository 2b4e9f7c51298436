// Package cart freezes a shopping cart into order lines and checks the
// cross-line rules that must hold before an order exists.
package cart

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/models"
)

// Line is a cart entry as submitted at checkout.
type Line struct {
	ProductID    string                   `json:"product_id"`
	Name         string                   `json:"name"`
	Category     string                   `json:"category"`
	UnitPrice    decimal.Decimal          `json:"unit_price"`
	Quantity     int                      `json:"quantity"`
	Duration     int                      `json:"duration,omitempty"`
	DurationUnit string                   `json:"duration_unit,omitempty"`
	DomainName   string                   `json:"domain_name,omitempty"`
	Requires     []models.ProductCategory `json:"requires,omitempty"`
}

// Snapshot is the immutable, priced view of a cart at checkout time.
type Snapshot struct {
	items    []models.OrderItem
	requires [][]models.ProductCategory
}

// Items returns a copy of the frozen order lines in cart order.
func (s Snapshot) Items() []models.OrderItem {
	return append([]models.OrderItem(nil), s.items...)
}

func (s Snapshot) Len() int { return len(s.items) }

func (s Snapshot) Total() decimal.Decimal {
	return models.TotalOf(s.items)
}

// Take converts lines into a Snapshot. Prices are copied, so later catalog
// changes never reach the resulting order.
func Take(lines []Line) (Snapshot, error) {
	if len(lines) == 0 {
		return Snapshot{}, apperror.NewValidation("cart.Take", "your cart is empty")
	}

	snap := Snapshot{
		items:    make([]models.OrderItem, 0, len(lines)),
		requires: make([][]models.ProductCategory, 0, len(lines)),
	}
	for i, line := range lines {
		item, err := freeze(i, line)
		if err != nil {
			return Snapshot{}, err
		}
		snap.items = append(snap.items, item)
		snap.requires = append(snap.requires, append([]models.ProductCategory(nil), line.Requires...))
	}
	return snap, nil
}

func freeze(position int, line Line) (models.OrderItem, error) {
	name := strings.TrimSpace(line.Name)
	if name == "" {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("line %d has no product name", position+1))
	}
	if line.Quantity <= 0 {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("%s: quantity must be at least 1", name))
	}
	if line.UnitPrice.IsNegative() {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("%s: price cannot be negative", name))
	}
	if line.Duration < 0 {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("%s: duration cannot be negative", name))
	}

	unit, err := models.ParseDurationUnit(strings.ToLower(strings.TrimSpace(line.DurationUnit)))
	if err != nil {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("%s: %v", name, err))
	}
	if line.Duration > 0 && unit == "" {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("%s: duration needs a unit", name))
	}

	category, err := models.ParseProductCategory(strings.ToLower(strings.TrimSpace(line.Category)))
	if err != nil {
		return models.OrderItem{}, apperror.NewValidation("cart.Take", fmt.Sprintf("%s: %v", name, err))
	}

	item := models.OrderItem{
		Position:     position,
		ProductID:    strings.TrimSpace(line.ProductID),
		Name:         name,
		Category:     category,
		UnitPrice:    line.UnitPrice,
		Quantity:     line.Quantity,
		Duration:     line.Duration,
		DurationUnit: unit,
		DomainName:   strings.ToLower(strings.TrimSpace(line.DomainName)),
	}
	item.Subtotal = item.LineTotal()
	return item, nil
}
