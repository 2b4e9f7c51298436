package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/models"
)

// OrderTransition is the lifecycle event published for every accepted status change.
type OrderTransition struct {
	EventID     string             `json:"event_id"`
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	From        models.OrderStatus `json:"from"`
	To          models.OrderStatus `json:"to"`
	At          time.Time          `json:"at"`
}

// Emitter records order transitions in metrics and publishes them in the
// background. Publish failures are logged and never reach the caller.
type Emitter struct {
	producer Producer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time

	wg sync.WaitGroup
}

func NewEmitter(producer Producer, m *metrics.Metrics, logger *zap.Logger, clock func() time.Time) *Emitter {
	if producer == nil {
		producer = NopProducer{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Emitter{producer: producer, metrics: m, logger: logger, clock: clock}
}

// Transition reports that order moved from the given status to order.Status.
func (e *Emitter) Transition(ctx context.Context, order *models.Order, from models.OrderStatus) {
	e.metrics.ObserveTransition(string(from), string(order.Status))

	event := OrderTransition{
		EventID:     uuid.NewString(),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		From:        from,
		To:          order.Status,
		At:          e.clock().UTC(),
	}
	ctx = context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.producer.PublishJSON(ctx, event.OrderID, event); err != nil {
			e.logger.Warn("order event not published",
				zap.String("order_id", event.OrderID),
				zap.String("from", string(event.From)),
				zap.String("to", string(event.To)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every publish started so far has finished.
func (e *Emitter) Wait() {
	e.wg.Wait()
}
