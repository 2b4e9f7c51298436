package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

// Reconcile settles a paid order: it claims the order by moving it to
// processing, issues the invoice, activates services and completes the
// order. When a step fails the order stays in processing and the returned
// error lists what is missing; calling Reconcile again retries only that.
func (e *Engine) Reconcile(ctx context.Context, orderID string) (*models.Order, error) {
	const op = "reconcile.Reconcile"

	order, err := e.getOrder(ctx, op, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderStatusCompleted:
		return order, nil
	case models.OrderStatusPaid:
		order, err = e.claim(ctx, op, order)
		if err != nil || order.Status == models.OrderStatusCompleted {
			return order, err
		}
	case models.OrderStatusProcessing:
	default:
		return nil, apperror.NewValidation(op, fmt.Sprintf("order %s is %s; only paid orders are reconciled", order.OrderNumber, order.Status))
	}

	logger := e.logger.With(zap.String("order_id", order.ID))

	var errs []error
	invoice, _, err := e.invoices.Issue(ctx, order)
	if err != nil {
		errs = append(errs, fmt.Errorf("issue invoice: %w", err))
	} else if e.notifier != nil {
		e.notifier.InvoiceIssued(ctx, order, invoice)
	}
	if _, err := e.services.Activate(ctx, order); err != nil {
		errs = append(errs, fmt.Errorf("activate services: %w", err))
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		logger.Warn("reconciliation incomplete, order stays processing", zap.Error(err))
		return order, err
	}

	completed, err := e.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusProcessing, models.OrderStatusCompleted)
	if errors.Is(err, database.ErrStatusConflict) {
		current, getErr := e.getOrder(ctx, op, order.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.OrderStatusCompleted {
			return current, nil
		}
		return nil, apperror.NewConflict(op, "order was changed concurrently", err)
	}
	if err != nil {
		return nil, translate(op, err)
	}

	e.emitter.Transition(ctx, completed, models.OrderStatusProcessing)
	logger.Info("order completed", zap.String("invoice_number", invoice.InvoiceNumber))
	return completed, nil
}

// claim moves a paid order to processing. Losing the claim to another
// worker is fine: both proceed, the side effects are idempotent.
func (e *Engine) claim(ctx context.Context, op string, order *models.Order) (*models.Order, error) {
	claimed, err := e.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPaid, models.OrderStatusProcessing)
	if err == nil {
		e.emitter.Transition(ctx, claimed, models.OrderStatusPaid)
		return claimed, nil
	}
	if !errors.Is(err, database.ErrStatusConflict) {
		return nil, translate(op, err)
	}

	current, getErr := e.getOrder(ctx, op, order.ID)
	if getErr != nil {
		return nil, getErr
	}
	switch current.Status {
	case models.OrderStatusProcessing, models.OrderStatusCompleted:
		return current, nil
	}
	return nil, apperror.NewConflict(op, "order was changed concurrently", err)
}
