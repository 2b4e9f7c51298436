package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

type Store interface {
	GetActiveInvoice(ctx context.Context, orderID string) (*models.Invoice, error)
	NextInvoiceSequence(ctx context.Context) (int64, error)
	CreateInvoice(ctx context.Context, invoice models.Invoice) (*models.Invoice, error)
}

type Issuer struct {
	store     Store
	prefix    string
	dueOffset time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

func NewIssuer(s Store, prefix string, dueOffset time.Duration, clock func() time.Time, logger *zap.Logger) *Issuer {
	if prefix == "" {
		prefix = "INV"
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{store: s, prefix: prefix, dueOffset: dueOffset, clock: clock, logger: logger}
}

// Issue returns the order's active invoice, creating it when absent. The
// boolean reports whether this call created it.
func (i *Issuer) Issue(ctx context.Context, order *models.Order) (*models.Invoice, bool, error) {
	if !order.Status.Settled() {
		return nil, false, apperror.NewValidation("invoicing.Issue", fmt.Sprintf("order %s is %s; invoices are issued after payment", order.OrderNumber, order.Status))
	}

	existing, err := i.store.GetActiveInvoice(ctx, order.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrInvoiceNotFound) {
		return nil, false, fmt.Errorf("get active invoice: %w", err)
	}

	seq, err := i.store.NextInvoiceSequence(ctx)
	if err != nil {
		return nil, false, err
	}

	now := i.clock().UTC()
	invoice, err := i.store.CreateInvoice(ctx, models.Invoice{
		OrderID:       order.ID,
		InvoiceNumber: i.number(now, seq),
		Amount:        order.TotalAmount,
		Status:        models.InvoiceStatusIssued,
		DueDate:       now.Add(i.dueOffset),
	})
	if errors.Is(err, database.ErrDuplicate) {
		existing, getErr := i.store.GetActiveInvoice(ctx, order.ID)
		if getErr != nil {
			return nil, false, fmt.Errorf("get active invoice: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	i.logger.Info("invoice issued",
		zap.String("order_id", order.ID),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("amount", invoice.Amount.String()),
	)
	return invoice, true, nil
}

func (i *Issuer) number(now time.Time, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", i.prefix, now.Year(), seq)
}
