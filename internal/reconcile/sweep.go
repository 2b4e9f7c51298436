package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/gateway"
	"github.com/safar/portal-billing/internal/models"
)

// Expire evaluates the order's live reference and, when its window has
// closed, marks it expired and returns the order to pending.
func (e *Engine) Expire(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := e.getOrder(ctx, "reconcile.Expire", orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		return order, nil
	}
	updated, _, err := e.expirer.ExpireStale(ctx, order)
	return updated, err
}

// Poll asks the gateway about the order's live reference and applies the
// answer: a paid reference becomes a confirmation, an expired or canceled
// one returns the order to pending.
func (e *Engine) Poll(ctx context.Context, orderID string) (*models.Order, error) {
	const op = "reconcile.Poll"

	order, err := e.getOrder(ctx, op, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		return order, nil
	}

	order, live, err := e.expirer.ExpireStale(ctx, order)
	if err != nil || live == nil || e.gateway == nil {
		return order, err
	}

	status, err := e.gateway.CheckStatus(ctx, live.Entity, live.Reference)
	if err != nil {
		return order, err
	}

	switch status.Status {
	case gateway.StatusPaid:
		return e.Confirm(ctx, Confirmation{
			OrderID:   order.ID,
			Reference: live.Reference,
			Amount:    status.Amount,
			PaidAt:    status.PaidAt,
			Source:    SourcePoll,
		})
	case gateway.StatusExpired, gateway.StatusCanceled:
		updated, err := e.store.ExpirePaymentReference(ctx, order.ID, live.ID)
		if err != nil {
			return nil, translate(op, err)
		}
		e.emitter.Transition(ctx, updated, models.OrderStatusAwaitingPayment)
		e.logger.Info("payment reference closed by gateway",
			zap.String("order_id", order.ID),
			zap.String("reference", live.Reference),
			zap.String("gateway_status", string(status.Status)),
		)
		return updated, nil
	}
	return order, nil
}

type SweepReport struct {
	Polled    int `json:"polled"`
	Expired   int `json:"expired"`
	Confirmed int `json:"confirmed"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
}

// Sweep is one reconciliation pass over the oldest unsettled orders. Each
// order is handled independently; failures are counted, joined into the
// returned error and retried by the next pass.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	awaiting, err := e.store.ListOrdersByStatus(ctx, models.OrderStatusAwaitingPayment, e.sweepSize)
	if err != nil {
		return report, fmt.Errorf("list awaiting orders: %w", err)
	}
	for _, order := range awaiting {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(append(errs, err)...)
		}
		report.Polled++
		updated, err := e.Poll(ctx, order.ID)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("poll order %s: %w", order.ID, err))
			continue
		}
		switch {
		case updated.Status == models.OrderStatusPending:
			report.Expired++
		case updated.Status.Settled():
			report.Confirmed++
		}
	}

	for _, status := range []models.OrderStatus{models.OrderStatusPaid, models.OrderStatusProcessing} {
		orders, err := e.store.ListOrdersByStatus(ctx, status, e.sweepSize)
		if err != nil {
			return report, errors.Join(append(errs, fmt.Errorf("list %s orders: %w", status, err))...)
		}
		for _, order := range orders {
			if err := ctx.Err(); err != nil {
				return report, errors.Join(append(errs, err)...)
			}
			if _, err := e.Reconcile(ctx, order.ID); err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("reconcile order %s: %w", order.ID, err))
				continue
			}
			report.Settled++
		}
	}

	e.logger.Info("reconciliation pass finished",
		zap.Int("polled", report.Polled),
		zap.Int("expired", report.Expired),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("settled", report.Settled),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(errs...)
}
