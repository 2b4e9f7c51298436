package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/portal-billing/internal/models"
)

// Repository is the persistence contract of the billing pipeline. Postgres is
// the production implementation; Memory backs tests and local development.
type Repository interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (*models.Order, error)
	CloseOrder(ctx context.Context, id string, expected, next models.OrderStatus) (*models.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	ListOrdersCursor(ctx context.Context, ownerID string, cursor string, limit int) (*CursorPage, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error)

	GetLivePaymentReference(ctx context.Context, orderID string) (*models.PaymentReference, error)
	GetPaymentReferenceByCode(ctx context.Context, orderID, reference string) (*models.PaymentReference, error)
	ListPaymentReferences(ctx context.Context, orderID string) ([]models.PaymentReference, error)
	SavePaymentReference(ctx context.Context, ref models.PaymentReference) (*models.PaymentReference, *models.Order, error)
	ExpirePaymentReference(ctx context.Context, orderID, referenceID string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID, referenceID string, paidAt time.Time) (*models.Order, error)

	GetActiveInvoice(ctx context.Context, orderID string) (*models.Invoice, error)
	NextInvoiceSequence(ctx context.Context) (int64, error)
	CreateInvoice(ctx context.Context, invoice models.Invoice) (*models.Invoice, error)

	GetServiceForItem(ctx context.Context, orderID, itemID string) (*models.Service, error)
	CreateService(ctx context.Context, svc models.Service) (*models.Service, error)
	ListServicesByOrder(ctx context.Context, orderID string) ([]models.Service, error)
	HasActiveService(ctx context.Context, ownerID string, category models.ProductCategory) (bool, error)

	ReserveNotification(ctx context.Context, key, orderID string, kind models.NotificationKind) (bool, error)
	ReleaseNotification(ctx context.Context, key string) error

	Ping(ctx context.Context) error
}

var (
	_ Repository = (*Postgres)(nil)
	_ Repository = (*Memory)(nil)
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
