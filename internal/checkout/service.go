package checkout

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/cart"
	"github.com/safar/portal-billing/internal/models"
	"github.com/safar/portal-billing/internal/store"
)

// PaymentMethodReference is the payment method that pays through a gateway
// reference. Orders placed with any other method stay pending until an
// administrator settles them.
const PaymentMethodReference = "payment_reference"

type OrderCreator interface {
	CreateOrder(ctx context.Context, req store.CreateOrderRequest) (*models.Order, error)
}

type ReferenceIssuer interface {
	Issue(ctx context.Context, order *models.Order) (*models.PaymentReference, *models.Order, error)
}

type Request struct {
	OwnerID       string      `json:"owner_id"`
	OwnerEmail    string      `json:"owner_email"`
	OwnerName     string      `json:"owner_name"`
	Currency      string      `json:"currency"`
	PaymentMethod string      `json:"payment_method"`
	Lines         []cart.Line `json:"items"`
}

type Result struct {
	Order     *models.Order            `json:"order"`
	Reference *models.PaymentReference `json:"payment_reference,omitempty"`
}

type Service struct {
	orders    OrderCreator
	validator *cart.Validator
	issuer    ReferenceIssuer
	logger    *zap.Logger
}

func NewService(orders OrderCreator, validator *cart.Validator, issuer ReferenceIssuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{orders: orders, validator: validator, issuer: issuer, logger: logger}
}

// Checkout snapshots the cart, validates it, creates the order and requests
// its payment reference. When the gateway fails the created order is still
// returned, pending, together with the error.
func (s *Service) Checkout(ctx context.Context, req Request) (*Result, error) {
	const op = "checkout.Checkout"

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, apperror.NewValidation(op, "owner is required")
	}

	snap, err := cart.Take(req.Lines)
	if err != nil {
		return nil, err
	}

	if s.validator != nil {
		verdict, err := s.validator.Validate(ctx, req.OwnerID, snap)
		if err != nil {
			return nil, fmt.Errorf("validate cart: %w", err)
		}
		if !verdict.Valid {
			return nil, apperror.NewValidation(op, verdict.Reason)
		}
	}

	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = PaymentMethodReference
	}

	order, err := s.orders.CreateOrder(ctx, store.CreateOrderRequest{
		OwnerID:       req.OwnerID,
		OwnerEmail:    strings.TrimSpace(req.OwnerEmail),
		OwnerName:     strings.TrimSpace(req.OwnerName),
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		PaymentMethod: method,
		Items:         snap.Items(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.String()),
	)

	if method != PaymentMethodReference {
		return &Result{Order: order}, nil
	}

	ref, updated, err := s.issuer.Issue(ctx, order)
	if err != nil {
		return &Result{Order: order}, err
	}
	return &Result{Order: updated, Reference: ref}, nil
}
