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

// Confirm applies a payment confirmation. It is accepted only when the
// reference belongs to the order, the payment falls inside the reference's
// window and the amount matches exactly. Redelivery of an accepted
// confirmation succeeds without repeating side effects.
func (e *Engine) Confirm(ctx context.Context, c Confirmation) (*models.Order, error) {
	const op = "reconcile.Confirm"

	source := c.Source
	if source == "" {
		source = SourceCallback
	}
	logger := e.logger.With(
		zap.String("order_id", c.OrderID),
		zap.String("reference", c.Reference),
		zap.String("source", source),
	)

	order, err := e.getOrder(ctx, op, c.OrderID)
	if err != nil {
		if errors.Is(err, apperror.NotFound) {
			e.metrics.ObserveConfirmation(source, metrics.ConfirmationRejected)
			logger.Warn("confirmation for unknown order")
		}
		return nil, err
	}

	ref, err := e.store.GetPaymentReferenceByCode(ctx, order.ID, c.Reference)
	if errors.Is(err, database.ErrPaymentReferenceNotFound) {
		return nil, e.reject(logger, source, op, "payment reference does not belong to this order")
	}
	if err != nil {
		return nil, fmt.Errorf("get payment reference: %w", err)
	}

	if order.Status.Settled() {
		if ref.Status == models.PaymentReferencePaid {
			return e.duplicate(ctx, logger, source, order)
		}
		return nil, e.reject(logger, source, op, "order was already paid with another reference")
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		return nil, e.reject(logger, source, op, fmt.Sprintf("order is %s and does not accept payments", order.Status))
	}

	paidAt := c.PaidAt
	if paidAt.IsZero() {
		paidAt = e.clock()
	}
	if ref.Status != models.PaymentReferenceValid || !paidAt.Before(ref.ValidUntil) {
		return nil, e.reject(logger, source, op, "payment reference is no longer valid")
	}
	if !c.Amount.Equal(ref.Amount) {
		logger.Warn("confirmation amount mismatch",
			zap.String("expected_amount", ref.Amount.String()),
			zap.String("actual_amount", c.Amount.String()),
		)
		return nil, e.reject(logger, source, op, fmt.Sprintf("paid amount %s does not match %s", c.Amount, ref.Amount))
	}

	updated, err := e.store.ConfirmPayment(ctx, order.ID, ref.ID, paidAt.UTC())
	if errors.Is(err, database.ErrStatusConflict) {
		return e.confirmRace(ctx, logger, source, op, order.ID, c.Reference, err)
	}
	if err != nil {
		return nil, translate(op, err)
	}

	e.emitter.Transition(ctx, updated, models.OrderStatusAwaitingPayment)
	e.metrics.ObserveConfirmation(source, metrics.ConfirmationAccepted)
	logger.Info("payment confirmed", zap.String("amount", c.Amount.String()))

	settled, err := e.Reconcile(ctx, updated.ID)
	if err != nil {
		logger.Warn("reconciliation deferred to next pass", zap.Error(err))
		return updated, nil
	}
	return settled, nil
}

// confirmRace resolves a lost compare-and-set. If the winner applied this
// same payment the confirmation is a duplicate; otherwise it conflicts.
func (e *Engine) confirmRace(ctx context.Context, logger *zap.Logger, source, op, orderID, reference string, cause error) (*models.Order, error) {
	current, err := e.getOrder(ctx, op, orderID)
	if err != nil {
		return nil, err
	}
	ref, err := e.store.GetPaymentReferenceByCode(ctx, orderID, reference)
	if err == nil && current.Status.Settled() && ref.Status == models.PaymentReferencePaid {
		return e.duplicate(ctx, logger, source, current)
	}
	logger.Warn("confirmation lost a race", zap.String("status", string(current.Status)))
	return nil, apperror.NewConflict(op, "order was changed concurrently", cause)
}

func (e *Engine) duplicate(ctx context.Context, logger *zap.Logger, source string, order *models.Order) (*models.Order, error) {
	e.metrics.ObserveConfirmation(source, metrics.ConfirmationDuplicate)
	logger.Info("duplicate confirmation ignored", zap.String("status", string(order.Status)))
	if order.Status == models.OrderStatusCompleted {
		return order, nil
	}
	settled, err := e.Reconcile(ctx, order.ID)
	if err != nil {
		logger.Warn("reconciliation deferred to next pass", zap.Error(err))
		return order, nil
	}
	return settled, nil
}

func (e *Engine) reject(logger *zap.Logger, source, op, reason string) error {
	e.metrics.ObserveConfirmation(source, metrics.ConfirmationRejected)
	logger.Warn("confirmation rejected", zap.String("reason", reason))
	return apperror.NewValidation(op, reason)
}
