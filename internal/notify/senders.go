package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/events"
	"github.com/safar/portal-billing/internal/models"
)

type emailRequest struct {
	Type             models.NotificationKind `json:"type"`
	PaymentReference *PaymentReferenceEmail  `json:"payment_reference,omitempty"`
	Invoice          *InvoiceEmail           `json:"invoice,omitempty"`
}

// KafkaSender hands emails to the mail service through the notifications topic.
type KafkaSender struct {
	producer events.Producer
}

func NewKafkaSender(producer events.Producer) *KafkaSender {
	return &KafkaSender{producer: producer}
}

func (s *KafkaSender) SendPaymentReferenceEmail(ctx context.Context, email PaymentReferenceEmail) error {
	return s.producer.PublishJSON(ctx, email.OrderID, emailRequest{
		Type:             models.NotificationPaymentReference,
		PaymentReference: &email,
	})
}

func (s *KafkaSender) SendInvoiceEmail(ctx context.Context, email InvoiceEmail) error {
	return s.producer.PublishJSON(ctx, email.OrderID, emailRequest{
		Type:    models.NotificationInvoice,
		Invoice: &email,
	})
}

// LogSender writes emails to the log. Used when no broker is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendPaymentReferenceEmail(_ context.Context, email PaymentReferenceEmail) error {
	s.logger.Info("payment reference email",
		zap.String("to", email.To),
		zap.String("order_number", email.OrderNumber),
		zap.String("entity", email.Entity),
		zap.String("reference", email.Reference),
		zap.String("amount", email.Amount.StringFixed(2)),
		zap.Time("valid_until", email.ValidUntil),
	)
	return nil
}

func (s *LogSender) SendInvoiceEmail(_ context.Context, email InvoiceEmail) error {
	s.logger.Info("invoice email",
		zap.String("to", email.To),
		zap.String("order_number", email.OrderNumber),
		zap.String("invoice_number", email.InvoiceNumber),
		zap.String("amount", email.Amount.StringFixed(2)),
		zap.Time("due_date", email.DueDate),
	)
	return nil
}
