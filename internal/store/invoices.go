package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

const invoiceColumns = `id, order_id, invoice_number, amount, status, due_date, created_at, updated_at`

const activeInvoiceIndex = "ux_invoices_active_order"

func (p *Postgres) GetActiveInvoice(ctx context.Context, orderID string) (*models.Invoice, error) {
	if !validID(orderID) {
		return nil, database.ErrInvoiceNotFound
	}

	invoice, err := scanInvoice(p.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE order_id = $1 AND status <> $2`,
		orderID, models.InvoiceStatusCanceled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get active invoice: %w", err)
	}
	return invoice, nil
}

func (p *Postgres) NextInvoiceSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := p.db.QueryRowContext(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next invoice sequence: %w", err)
	}
	return seq, nil
}

// CreateInvoice inserts the invoice. The partial unique index on active
// invoices per order is the authority; losing that race returns ErrDuplicate.
func (p *Postgres) CreateInvoice(ctx context.Context, invoice models.Invoice) (*models.Invoice, error) {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}

	created, err := scanInvoice(p.db.QueryRowContext(ctx,
		`INSERT INTO invoices (id, order_id, invoice_number, amount, status, due_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING `+invoiceColumns,
		invoice.ID, invoice.OrderID, invoice.InvoiceNumber, invoice.Amount, invoice.Status, invoice.DueDate))
	if err != nil {
		if database.IsUniqueViolation(err, activeInvoiceIndex) {
			return nil, database.ErrDuplicate
		}
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return created, nil
}
