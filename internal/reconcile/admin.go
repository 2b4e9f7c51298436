package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/models"
)

func (e *Engine) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	return e.close(ctx, "reconcile.Cancel", orderID, models.OrderStatusCanceled)
}

func (e *Engine) Reject(ctx context.Context, orderID string) (*models.Order, error) {
	return e.close(ctx, "reconcile.Reject", orderID, models.OrderStatusRejected)
}

func (e *Engine) close(ctx context.Context, op, orderID string, next models.OrderStatus) (*models.Order, error) {
	order, err := e.getOrder(ctx, op, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, apperror.NewValidation(op, fmt.Sprintf("order %s is %s and cannot become %s", order.OrderNumber, order.Status, next))
	}

	updated, err := e.store.CloseOrder(ctx, order.ID, order.Status, next)
	if err != nil {
		return nil, translate(op, err)
	}

	e.emitter.Transition(ctx, updated, order.Status)
	e.logger.Info("order closed",
		zap.String("order_id", order.ID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(next)),
	)
	return updated, nil
}

// UpdateStatus is the administrative compare-and-set. It fails with a
// conflict when the order is no longer in expected. Transitions that touch
// the payment reference keep it consistent with the order, and completion
// only happens through settlement.
func (e *Engine) UpdateStatus(ctx context.Context, orderID string, expected, next models.OrderStatus) (*models.Order, error) {
	const op = "reconcile.UpdateStatus"

	if !expected.CanTransitionTo(next) {
		return nil, apperror.NewValidation(op, fmt.Sprintf("transition %s -> %s is not allowed", expected, next))
	}

	if next == models.OrderStatusCompleted {
		return e.complete(ctx, op, orderID, expected)
	}

	var updated *models.Order
	var err error
	switch {
	case next == models.OrderStatusCanceled || next == models.OrderStatusRejected:
		updated, err = e.store.CloseOrder(ctx, orderID, expected, next)
	case expected == models.OrderStatusAwaitingPayment && next == models.OrderStatusPending:
		updated, err = e.withLiveReference(ctx, orderID, expected, next, func(ref *models.PaymentReference) (*models.Order, error) {
			return e.store.ExpirePaymentReference(ctx, orderID, ref.ID)
		})
	case expected == models.OrderStatusAwaitingPayment && next == models.OrderStatusPaid:
		updated, err = e.withLiveReference(ctx, orderID, expected, next, func(ref *models.PaymentReference) (*models.Order, error) {
			return e.store.ConfirmPayment(ctx, orderID, ref.ID, e.clock().UTC())
		})
		if err == nil {
			e.metrics.ObserveConfirmation(SourceAdmin, metrics.ConfirmationAccepted)
		}
	default:
		updated, err = e.store.UpdateOrderStatus(ctx, orderID, expected, next)
	}
	if err != nil {
		return nil, translate(op, err)
	}

	e.emitter.Transition(ctx, updated, expected)
	e.logger.Info("order status updated by administrator",
		zap.String("order_id", orderID),
		zap.String("from", string(expected)),
		zap.String("to", string(next)),
	)

	if next == models.OrderStatusPaid {
		settled, err := e.Reconcile(ctx, orderID)
		if err != nil {
			e.logger.Warn("reconciliation deferred to next pass", zap.String("order_id", orderID), zap.Error(err))
			return updated, nil
		}
		return settled, nil
	}
	return updated, nil
}

// complete settles a paid or processing order so the invoice and services
// exist before it is marked completed.
func (e *Engine) complete(ctx context.Context, op, orderID string, expected models.OrderStatus) (*models.Order, error) {
	order, err := e.getOrder(ctx, op, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != expected {
		return nil, translate(op, fmt.Errorf("%w: order is %s, expected %s", database.ErrStatusConflict, order.Status, expected))
	}

	settled, err := e.Reconcile(ctx, orderID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("order completed by administrator",
		zap.String("order_id", orderID),
		zap.String("from", string(expected)),
	)
	return settled, nil
}

func (e *Engine) withLiveReference(ctx context.Context, orderID string, expected, next models.OrderStatus, apply func(*models.PaymentReference) (*models.Order, error)) (*models.Order, error) {
	ref, err := e.store.GetLivePaymentReference(ctx, orderID)
	if errors.Is(err, database.ErrPaymentReferenceNotFound) {
		return e.store.UpdateOrderStatus(ctx, orderID, expected, next)
	}
	if err != nil {
		return nil, fmt.Errorf("get live payment reference: %w", err)
	}
	return apply(ref)
}

// Delete removes the order and, by cascade, its references, invoice and
// services. Allowed from any status.
func (e *Engine) Delete(ctx context.Context, orderID string) error {
	if err := e.store.DeleteOrder(ctx, orderID); err != nil {
		return translate("reconcile.Delete", err)
	}
	e.logger.Info("order deleted", zap.String("order_id", orderID))
	return nil
}
