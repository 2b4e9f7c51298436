// Package notify sends customer emails for issued payment references and
// invoices. Sending is best effort and runs off the caller's path.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/models"
)

const sendTimeout = 10 * time.Second

type PaymentReferenceEmail struct {
	To           string          `json:"to"`
	Name         string          `json:"name"`
	OrderID      string          `json:"order_id"`
	OrderNumber  string          `json:"order_number"`
	Entity       string          `json:"entity"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ValidUntil   time.Time       `json:"valid_until"`
	Instructions string          `json:"instructions"`
}

type InvoiceEmail struct {
	To            string          `json:"to"`
	Name          string          `json:"name"`
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	DueDate       time.Time       `json:"due_date"`
}

// Sender delivers a single email.
type Sender interface {
	SendPaymentReferenceEmail(ctx context.Context, email PaymentReferenceEmail) error
	SendInvoiceEmail(ctx context.Context, email InvoiceEmail) error
}

// Ledger records which notifications were already sent.
type Ledger interface {
	ReserveNotification(ctx context.Context, key, orderID string, kind models.NotificationKind) (bool, error)
	ReleaseNotification(ctx context.Context, key string) error
}

// Dispatcher sends each notification at most once per dedupe key. A key is
// reserved before sending and released when the send fails, so a later
// trigger may try again. Sends run in the background; Wait drains them.
type Dispatcher struct {
	ledger  Ledger
	sender  Sender
	metrics *metrics.Metrics
	logger  *zap.Logger

	wg sync.WaitGroup
}

func NewDispatcher(ledger Ledger, sender Sender, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{ledger: ledger, sender: sender, metrics: m, logger: logger}
}

// Wait blocks until every notification started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func DedupeKey(kind models.NotificationKind, orderID, subject string) string {
	return fmt.Sprintf("%s:%s:%s", kind, orderID, subject)
}

func (d *Dispatcher) PaymentReferenceIssued(ctx context.Context, order *models.Order, ref *models.PaymentReference) {
	email := PaymentReferenceEmail{
		To:           order.OwnerEmail,
		Name:         order.OwnerName,
		OrderID:      order.ID,
		OrderNumber:  order.OrderNumber,
		Entity:       ref.Entity,
		Reference:    ref.Reference,
		Amount:       ref.Amount,
		Currency:     order.Currency,
		ValidUntil:   ref.ValidUntil,
		Instructions: paymentInstructions(ref),
	}
	d.dispatch(ctx, models.NotificationPaymentReference, order, ref.Reference, func(ctx context.Context) error {
		return d.sender.SendPaymentReferenceEmail(ctx, email)
	})
}

func (d *Dispatcher) InvoiceIssued(ctx context.Context, order *models.Order, invoice *models.Invoice) {
	email := InvoiceEmail{
		To:            order.OwnerEmail,
		Name:          order.OwnerName,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		InvoiceNumber: invoice.InvoiceNumber,
		Amount:        invoice.Amount,
		Currency:      order.Currency,
		DueDate:       invoice.DueDate,
	}
	d.dispatch(ctx, models.NotificationInvoice, order, invoice.InvoiceNumber, func(ctx context.Context) error {
		return d.sender.SendInvoiceEmail(ctx, email)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, kind models.NotificationKind, order *models.Order, subject string, send func(context.Context) error) {
	logger := d.logger.With(
		zap.String("kind", string(kind)),
		zap.String("order_id", order.ID),
		zap.String("subject", subject),
	)
	if order.OwnerEmail == "" {
		logger.Warn("notification skipped, order has no email")
		d.metrics.ObserveNotification(string(kind), "skipped")
		return
	}

	orderID := order.ID
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, logger, kind, orderID, subject, send)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, logger *zap.Logger, kind models.NotificationKind, orderID, subject string, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	key := DedupeKey(kind, orderID, subject)
	reserved, err := d.ledger.ReserveNotification(ctx, key, orderID, kind)
	if err != nil {
		logger.Warn("notification ledger unavailable", zap.Error(err))
		d.metrics.ObserveNotification(string(kind), "failed")
		return
	}
	if !reserved {
		logger.Debug("notification already sent")
		d.metrics.ObserveNotification(string(kind), "duplicate")
		return
	}

	if err := send(ctx); err != nil {
		logger.Warn("notification failed", zap.Error(err))
		d.metrics.ObserveNotification(string(kind), "failed")
		if err := d.ledger.ReleaseNotification(ctx, key); err != nil {
			logger.Warn("release notification key", zap.Error(err))
		}
		return
	}
	d.metrics.ObserveNotification(string(kind), "sent")
}

func paymentInstructions(ref *models.PaymentReference) string {
	return fmt.Sprintf(
		"Pay at any ATM or through home banking under Payments > Services using entity %s, reference %s and amount %s. The reference is valid until %s.",
		ref.Entity, ref.Reference, ref.Amount.StringFixed(2), ref.ValidUntil.UTC().Format("2006-01-02 15:04 MST"),
	)
}
