package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	OwnerEmail    string          `json:"owner_email"`
	OwnerName     string          `json:"owner_name"`
	OrderNumber   string          `json:"order_number"`
	Status        OrderStatus     `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
	Items         []OrderItem     `json:"items,omitempty"`
}

// OrderItem is frozen at checkout; Position preserves cart order.
type OrderItem struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	Position     int             `json:"position"`
	ProductID    string          `json:"product_id,omitempty"`
	Name         string          `json:"name"`
	Category     ProductCategory `json:"category,omitempty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Duration     int             `json:"duration,omitempty"`
	DurationUnit DurationUnit    `json:"duration_unit,omitempty"`
	DomainName   string          `json:"domain_name,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type PaymentReference struct {
	ID           string                 `json:"id"`
	OrderID      string                 `json:"order_id"`
	Entity       string                 `json:"entity"`
	Reference    string                 `json:"reference"`
	Amount       decimal.Decimal        `json:"amount"`
	Status       PaymentReferenceStatus `json:"status"`
	ValidFrom    time.Time              `json:"valid_from"`
	ValidUntil   time.Time              `json:"valid_until"`
	PaidAt       *time.Time             `json:"paid_at,omitempty"`
	SupersededBy string                 `json:"superseded_by,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// EffectiveStatus evaluates expiry lazily: a stored valid reference whose
// window has closed reads as expired.
func (r PaymentReference) EffectiveStatus(now time.Time) PaymentReferenceStatus {
	if r.Status == PaymentReferenceValid && !now.Before(r.ValidUntil) {
		return PaymentReferenceExpired
	}
	return r.Status
}

type Invoice struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Status        InvoiceStatus   `json:"status"`
	DueDate       time.Time       `json:"due_date"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Service struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	OrderItemID    string          `json:"order_item_id"`
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name"`
	Category       ProductCategory `json:"category"`
	DomainName     string          `json:"domain_name,omitempty"`
	Status         ServiceStatus   `json:"status"`
	ActivationDate time.Time       `json:"activation_date"`
	EndDate        *time.Time      `json:"end_date,omitempty"`
	AutoRenew      bool            `json:"auto_renew"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type NotificationKind string

const (
	NotificationPaymentReference NotificationKind = "payment_reference"
	NotificationInvoice          NotificationKind = "invoice"
)

// LineTotal is unit price times quantity for a single line.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TotalOf sums LineTotal over items. Used once, at order creation.
func TotalOf(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}
