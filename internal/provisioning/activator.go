// Package provisioning turns paid order lines into services.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/models"
)

type Store interface {
	GetServiceForItem(ctx context.Context, orderID, itemID string) (*models.Service, error)
	CreateService(ctx context.Context, svc models.Service) (*models.Service, error)
}

type Activator struct {
	store     Store
	autoRenew bool
	metrics   *metrics.Metrics
	clock     func() time.Time
	logger    *zap.Logger
}

func NewActivator(s Store, autoRenew bool, m *metrics.Metrics, clock func() time.Time, logger *zap.Logger) *Activator {
	if m == nil {
		m = metrics.Nop()
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activator{store: s, autoRenew: autoRenew, metrics: m, clock: clock, logger: logger}
}

// Activate ensures one active service per activatable line of a paid order.
// Lines are independent: a failure on one is reported in the joined error
// while the others still succeed, and the next call retries only what is
// missing.
func (a *Activator) Activate(ctx context.Context, order *models.Order) ([]models.Service, error) {
	if !order.Status.Settled() {
		return nil, apperror.NewValidation("provisioning.Activate", fmt.Sprintf("order %s is %s; services are activated after payment", order.OrderNumber, order.Status))
	}

	var services []models.Service
	var errs []error
	for _, item := range order.Items {
		if !item.Category.Activatable() {
			continue
		}
		svc, err := a.activateItem(ctx, order, item)
		if err != nil {
			a.metrics.ActivationFails.Inc()
			a.logger.Warn("service activation failed",
				zap.String("order_id", order.ID),
				zap.String("order_item_id", item.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("activate %q: %w", item.Name, err))
			continue
		}
		services = append(services, *svc)
	}
	return services, errors.Join(errs...)
}

func (a *Activator) activateItem(ctx context.Context, order *models.Order, item models.OrderItem) (*models.Service, error) {
	existing, err := a.store.GetServiceForItem(ctx, order.ID, item.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrServiceNotFound) {
		return nil, err
	}

	now := a.clock().UTC()
	svc := models.Service{
		OrderID:        order.ID,
		OrderItemID:    item.ID,
		OwnerID:        order.OwnerID,
		Name:           item.Name,
		Category:       item.Category,
		DomainName:     item.DomainName,
		Status:         models.ServiceStatusActive,
		ActivationDate: now,
		AutoRenew:      a.autoRenew,
	}
	if item.Duration > 0 && item.DurationUnit != "" {
		end := item.DurationUnit.AddTo(now, item.Duration)
		svc.EndDate = &end
	}

	created, err := a.store.CreateService(ctx, svc)
	if errors.Is(err, database.ErrDuplicate) {
		return a.store.GetServiceForItem(ctx, order.ID, item.ID)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("service activated",
		zap.String("order_id", order.ID),
		zap.String("service_id", created.ID),
		zap.String("category", string(created.Category)),
	)
	return created, nil
}
