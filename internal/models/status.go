package models

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// orderTransitions is the only place order status legality is defined.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusAwaitingPayment,
		OrderStatusCanceled,
		OrderStatusRejected,
	},
	OrderStatusAwaitingPayment: {
		OrderStatusPaid,
		OrderStatusPending,
		OrderStatusCanceled,
		OrderStatusRejected,
	},
	OrderStatusPaid: {
		OrderStatusProcessing,
		OrderStatusCompleted,
	},
	OrderStatusProcessing: {
		OrderStatusCompleted,
	},
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return status, nil
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAwaitingPayment, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled || s == OrderStatusRejected
}

// Settled reports whether payment has been accepted for the order.
func (s OrderStatus) Settled() bool {
	return s == OrderStatusPaid || s == OrderStatusProcessing || s == OrderStatusCompleted
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentReferenceStatus string

const (
	PaymentReferenceValid    PaymentReferenceStatus = "valid"
	PaymentReferencePaid     PaymentReferenceStatus = "paid"
	PaymentReferenceExpired  PaymentReferenceStatus = "expired"
	PaymentReferenceCanceled PaymentReferenceStatus = "canceled"
)

func ParsePaymentReferenceStatus(s string) (PaymentReferenceStatus, error) {
	switch status := PaymentReferenceStatus(s); status {
	case PaymentReferenceValid, PaymentReferencePaid, PaymentReferenceExpired, PaymentReferenceCanceled:
		return status, nil
	}
	return "", fmt.Errorf("unknown payment reference status %q", s)
}

type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusIssued   InvoiceStatus = "issued"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusUnpaid   InvoiceStatus = "unpaid"
	InvoiceStatusCanceled InvoiceStatus = "canceled"
)

func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	switch status := InvoiceStatus(s); status {
	case InvoiceStatusDraft, InvoiceStatusIssued, InvoiceStatusPaid, InvoiceStatusUnpaid, InvoiceStatusCanceled:
		return status, nil
	}
	return "", fmt.Errorf("unknown invoice status %q", s)
}

type ServiceStatus string

const (
	ServiceStatusPending   ServiceStatus = "pending"
	ServiceStatusActive    ServiceStatus = "active"
	ServiceStatusSuspended ServiceStatus = "suspended"
	ServiceStatusExpired   ServiceStatus = "expired"
	ServiceStatusCanceled  ServiceStatus = "canceled"
)

func ParseServiceStatus(s string) (ServiceStatus, error) {
	switch status := ServiceStatus(s); status {
	case ServiceStatusPending, ServiceStatusActive, ServiceStatusSuspended, ServiceStatusExpired, ServiceStatusCanceled:
		return status, nil
	}
	return "", fmt.Errorf("unknown service status %q", s)
}

type ProductCategory string

const (
	CategoryDomain  ProductCategory = "domain"
	CategoryHosting ProductCategory = "hosting"
	CategoryEmail   ProductCategory = "email"
	CategoryOther   ProductCategory = "other"
)

// Activatable reports whether paying for the category provisions a Service.
func (c ProductCategory) Activatable() bool {
	return c == CategoryDomain || c == CategoryHosting || c == CategoryEmail
}

// ParseProductCategory maps a catalog category onto the closed set. An empty
// category is a one-off product.
func ParseProductCategory(s string) (ProductCategory, error) {
	switch category := ProductCategory(s); category {
	case CategoryDomain, CategoryHosting, CategoryEmail, CategoryOther:
		return category, nil
	case "":
		return CategoryOther, nil
	}
	return "", fmt.Errorf("unknown product category %q", s)
}

type DurationUnit string

const (
	DurationDay   DurationUnit = "day"
	DurationMonth DurationUnit = "month"
	DurationYear  DurationUnit = "year"
)

func ParseDurationUnit(s string) (DurationUnit, error) {
	switch unit := DurationUnit(s); unit {
	case DurationDay, DurationMonth, DurationYear, "":
		return unit, nil
	case "days":
		return DurationDay, nil
	case "months":
		return DurationMonth, nil
	case "years":
		return DurationYear, nil
	}
	return "", fmt.Errorf("unknown duration unit %q", s)
}

// AddTo returns t advanced by n units. Month and year arithmetic follows time.AddDate.
func (u DurationUnit) AddTo(t time.Time, n int) time.Time {
	switch u {
	case DurationDay:
		return t.AddDate(0, 0, n)
	case DurationMonth:
		return t.AddDate(0, n, 0)
	case DurationYear:
		return t.AddDate(n, 0, 0)
	}
	return t
}
