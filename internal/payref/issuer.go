// Package payref issues payment references for orders and expires stale ones.
package payref

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/events"
	"github.com/safar/portal-billing/internal/gateway"
	"github.com/safar/portal-billing/internal/models"
)

// Gateway is the part of the provider client the issuer needs.
type Gateway interface {
	RequestReference(ctx context.Context, req gateway.ReferenceRequest) (*gateway.Reference, error)
}

type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetLivePaymentReference(ctx context.Context, orderID string) (*models.PaymentReference, error)
	SavePaymentReference(ctx context.Context, ref models.PaymentReference) (*models.PaymentReference, *models.Order, error)
	ExpirePaymentReference(ctx context.Context, orderID, referenceID string) (*models.Order, error)
}

type Notifier interface {
	PaymentReferenceIssued(ctx context.Context, order *models.Order, ref *models.PaymentReference)
}

type Config struct {
	Entity      string
	CallbackURL string
	Validity    time.Duration
}

type Issuer struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	emitter  *events.Emitter
	cfg      Config
	clock    func() time.Time
	logger   *zap.Logger
}

func NewIssuer(s Store, gw Gateway, notifier Notifier, emitter *events.Emitter, cfg Config, clock func() time.Time, logger *zap.Logger) *Issuer {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NewEmitter(nil, nil, logger, clock)
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 48 * time.Hour
	}
	return &Issuer{
		store:    s,
		gateway:  gw,
		notifier: notifier,
		emitter:  emitter,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Issue returns the order's live payment reference, requesting a new one from
// the gateway when none is valid. It returns the order as it stands after
// issuance. A gateway failure leaves the order untouched.
func (i *Issuer) Issue(ctx context.Context, order *models.Order) (*models.PaymentReference, *models.Order, error) {
	const op = "payref.Issue"

	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusAwaitingPayment {
		return nil, nil, apperror.NewValidation(op, fmt.Sprintf("order %s is %s; payment references are only issued for unpaid orders", order.OrderNumber, order.Status))
	}

	order, live, err := i.ExpireStale(ctx, order)
	if err != nil {
		return nil, nil, err
	}
	if live != nil {
		return live, order, nil
	}
	// An order left awaiting_payment without a live reference gets one here
	// and keeps its status.
	from := order.Status

	resp, err := i.gateway.RequestReference(ctx, gateway.ReferenceRequest{
		OrderID:     order.ID,
		Entity:      i.cfg.Entity,
		Amount:      order.TotalAmount,
		Description: fmt.Sprintf("Order %s", order.OrderNumber),
		CallbackURL: i.cfg.CallbackURL,
	})
	if err != nil {
		i.logger.Warn("payment reference request failed",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return nil, nil, err
	}

	if !resp.Amount.Equal(order.TotalAmount) {
		i.logger.Error("payment reference amount does not match order total",
			zap.String("order_id", order.ID),
			zap.String("expected_amount", order.TotalAmount.String()),
			zap.String("actual_amount", resp.Amount.String()),
			zap.String("reference", resp.Reference),
		)
		return nil, nil, apperror.NewInvariant(op, fmt.Sprintf("reference amount %s differs from order total %s", resp.Amount, order.TotalAmount))
	}
	if resp.Entity != i.cfg.Entity {
		i.logger.Error("payment reference issued for another entity",
			zap.String("order_id", order.ID),
			zap.String("expected_entity", i.cfg.Entity),
			zap.String("actual_entity", resp.Entity),
		)
		return nil, nil, apperror.NewInvariant(op, fmt.Sprintf("reference entity %s differs from merchant entity %s", resp.Entity, i.cfg.Entity))
	}

	now := i.clock().UTC()
	saved, updated, err := i.store.SavePaymentReference(ctx, models.PaymentReference{
		OrderID:    order.ID,
		Entity:     resp.Entity,
		Reference:  resp.Reference,
		Amount:     order.TotalAmount,
		ValidFrom:  now,
		ValidUntil: now.Add(i.cfg.Validity),
	})
	switch {
	case errors.Is(err, database.ErrDuplicate):
		return i.existing(ctx, order.ID)
	case errors.Is(err, database.ErrStatusConflict):
		return nil, nil, apperror.NewConflict(op, "order changed while issuing a payment reference", err)
	case errors.Is(err, database.ErrOrderNotFound):
		return nil, nil, apperror.NewNotFound(op, err)
	case err != nil:
		return nil, nil, fmt.Errorf("save payment reference: %w", err)
	}

	if updated.Status != from {
		i.emitter.Transition(ctx, updated, from)
	}
	i.logger.Info("payment reference issued",
		zap.String("order_id", updated.ID),
		zap.String("reference", saved.Reference),
		zap.Time("valid_until", saved.ValidUntil),
	)
	if i.notifier != nil {
		i.notifier.PaymentReferenceIssued(ctx, updated, saved)
	}
	return saved, updated, nil
}

// existing resolves a lost insert race to the reference that won it.
func (i *Issuer) existing(ctx context.Context, orderID string) (*models.PaymentReference, *models.Order, error) {
	live, err := i.store.GetLivePaymentReference(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("get live payment reference: %w", err)
	}
	order, err := i.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("get order: %w", err)
	}
	return live, order, nil
}

// ExpireStale looks up the order's live reference. A reference still inside
// its window is returned; one past its window is marked expired and the
// order returns to pending. The returned order reflects any change.
func (i *Issuer) ExpireStale(ctx context.Context, order *models.Order) (*models.Order, *models.PaymentReference, error) {
	live, err := i.store.GetLivePaymentReference(ctx, order.ID)
	if errors.Is(err, database.ErrPaymentReferenceNotFound) {
		return order, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get live payment reference: %w", err)
	}

	if live.EffectiveStatus(i.clock()) == models.PaymentReferenceValid {
		if order.Status != models.OrderStatusAwaitingPayment {
			if order, err = i.store.GetOrder(ctx, order.ID); err != nil {
				return nil, nil, fmt.Errorf("get order: %w", err)
			}
		}
		return order, live, nil
	}

	updated, err := i.store.ExpirePaymentReference(ctx, order.ID, live.ID)
	if errors.Is(err, database.ErrStatusConflict) {
		// Someone else settled or expired it first; read what they left.
		current, getErr := i.store.GetOrder(ctx, order.ID)
		if getErr != nil {
			return nil, nil, fmt.Errorf("get order: %w", getErr)
		}
		return current, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("expire payment reference: %w", err)
	}

	i.emitter.Transition(ctx, updated, models.OrderStatusAwaitingPayment)
	i.logger.Info("payment reference expired",
		zap.String("order_id", order.ID),
		zap.String("reference", live.Reference),
		zap.Time("valid_until", live.ValidUntil),
	)
	return updated, nil, nil
}
