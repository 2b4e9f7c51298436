// Package reconcile drives the order state machine: it accepts payment
// confirmations, settles paid orders into invoices and services, expires
// stale references and applies administrative transitions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/events"
	"github.com/safar/portal-billing/internal/gateway"
	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/models"
)

type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (*models.Order, error)
	CloseOrder(ctx context.Context, id string, expected, next models.OrderStatus) (*models.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error)
	GetLivePaymentReference(ctx context.Context, orderID string) (*models.PaymentReference, error)
	GetPaymentReferenceByCode(ctx context.Context, orderID, reference string) (*models.PaymentReference, error)
	ExpirePaymentReference(ctx context.Context, orderID, referenceID string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID, referenceID string, paidAt time.Time) (*models.Order, error)
}

type InvoiceIssuer interface {
	Issue(ctx context.Context, order *models.Order) (*models.Invoice, bool, error)
}

type ServiceActivator interface {
	Activate(ctx context.Context, order *models.Order) ([]models.Service, error)
}

type ReferenceExpirer interface {
	ExpireStale(ctx context.Context, order *models.Order) (*models.Order, *models.PaymentReference, error)
}

type StatusChecker interface {
	CheckStatus(ctx context.Context, entity, reference string) (*gateway.Status, error)
}

type InvoiceNotifier interface {
	InvoiceIssued(ctx context.Context, order *models.Order, invoice *models.Invoice)
}

// Confirmation sources.
const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
	SourceAdmin    = "admin"
)

// Confirmation is an external claim that a payment reference was paid.
type Confirmation struct {
	OrderID   string
	Reference string
	Amount    decimal.Decimal
	PaidAt    time.Time
	Source    string
}

type Deps struct {
	Store     Store
	Invoices  InvoiceIssuer
	Services  ServiceActivator
	Expirer   ReferenceExpirer
	Gateway   StatusChecker
	Notifier  InvoiceNotifier
	Emitter   *events.Emitter
	Metrics   *metrics.Metrics
	Clock     func() time.Time
	Logger    *zap.Logger
	SweepSize int
}

type Engine struct {
	store     Store
	invoices  InvoiceIssuer
	services  ServiceActivator
	expirer   ReferenceExpirer
	gateway   StatusChecker
	notifier  InvoiceNotifier
	emitter   *events.Emitter
	metrics   *metrics.Metrics
	clock     func() time.Time
	logger    *zap.Logger
	sweepSize int
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:     d.Store,
		invoices:  d.Invoices,
		services:  d.Services,
		expirer:   d.Expirer,
		gateway:   d.Gateway,
		notifier:  d.Notifier,
		emitter:   d.Emitter,
		metrics:   d.Metrics,
		clock:     d.Clock,
		logger:    d.Logger,
		sweepSize: d.SweepSize,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop()
	}
	if e.emitter == nil {
		e.emitter = events.NewEmitter(nil, e.metrics, e.logger, e.clock)
	}
	if e.sweepSize <= 0 {
		e.sweepSize = 100
	}
	return e
}

func (e *Engine) getOrder(ctx context.Context, op, id string) (*models.Order, error) {
	order, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, database.ErrOrderNotFound) {
		return nil, apperror.NewNotFound(op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// translate maps persistence sentinels onto the error taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrStatusConflict):
		return apperror.NewConflict(op, "order was changed concurrently", err)
	case errors.Is(err, database.ErrOrderNotFound), errors.Is(err, database.ErrPaymentReferenceNotFound):
		return apperror.NewNotFound(op, err)
	}
	return err
}
