package store

import (
	"database/sql"
	"fmt"

	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

// Rows are decoded into typed records here and every enum column is parsed,
// so a row with an unexpected shape fails fast with ErrInvalidRow.

type rowScanner interface {
	Scan(dest ...any) error
}

func invalidRow(table, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", database.ErrInvalidRow, table, id, err)
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var status string

	err := row.Scan(
		&order.ID,
		&order.OwnerID,
		&order.OwnerEmail,
		&order.OwnerName,
		&order.OrderNumber,
		&status,
		&order.TotalAmount,
		&order.Currency,
		&order.PaymentMethod,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	if order.Status, err = models.ParseOrderStatus(status); err != nil {
		return nil, invalidRow("orders", order.ID, err)
	}
	return order, nil
}

func scanOrderItem(row rowScanner) (*models.OrderItem, error) {
	item := &models.OrderItem{}
	var category, durationUnit string

	err := row.Scan(
		&item.ID,
		&item.OrderID,
		&item.Position,
		&item.ProductID,
		&item.Name,
		&category,
		&item.UnitPrice,
		&item.Quantity,
		&item.Subtotal,
		&item.Duration,
		&durationUnit,
		&item.DomainName,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Category = models.ProductCategory(category)
	if item.DurationUnit, err = models.ParseDurationUnit(durationUnit); err != nil {
		return nil, invalidRow("order_items", item.ID, err)
	}
	if item.Quantity <= 0 {
		return nil, invalidRow("order_items", item.ID, fmt.Errorf("quantity %d", item.Quantity))
	}
	return item, nil
}

func scanPaymentReference(row rowScanner) (*models.PaymentReference, error) {
	ref := &models.PaymentReference{}
	var status string
	var paidAt sql.NullTime
	var supersededBy sql.NullString

	err := row.Scan(
		&ref.ID,
		&ref.OrderID,
		&ref.Entity,
		&ref.Reference,
		&ref.Amount,
		&status,
		&ref.ValidFrom,
		&ref.ValidUntil,
		&paidAt,
		&supersededBy,
		&ref.CreatedAt,
		&ref.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ref.Status, err = models.ParsePaymentReferenceStatus(status); err != nil {
		return nil, invalidRow("payment_references", ref.ID, err)
	}
	if paidAt.Valid {
		t := paidAt.Time
		ref.PaidAt = &t
	}
	ref.SupersededBy = supersededBy.String
	return ref, nil
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	invoice := &models.Invoice{}
	var status string

	err := row.Scan(
		&invoice.ID,
		&invoice.OrderID,
		&invoice.InvoiceNumber,
		&invoice.Amount,
		&status,
		&invoice.DueDate,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if invoice.Status, err = models.ParseInvoiceStatus(status); err != nil {
		return nil, invalidRow("invoices", invoice.ID, err)
	}
	return invoice, nil
}

func scanService(row rowScanner) (*models.Service, error) {
	svc := &models.Service{}
	var status, category string
	var endDate sql.NullTime

	err := row.Scan(
		&svc.ID,
		&svc.OrderID,
		&svc.OrderItemID,
		&svc.OwnerID,
		&svc.Name,
		&category,
		&svc.DomainName,
		&status,
		&svc.ActivationDate,
		&endDate,
		&svc.AutoRenew,
		&svc.CreatedAt,
		&svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if svc.Status, err = models.ParseServiceStatus(status); err != nil {
		return nil, invalidRow("services", svc.ID, err)
	}
	svc.Category = models.ProductCategory(category)
	if endDate.Valid {
		t := endDate.Time
		svc.EndDate = &t
	}
	return svc, nil
}
