// Package httpapi exposes checkout, payment callbacks and order
// administration over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/checkout"
	"github.com/safar/portal-billing/internal/config"
	"github.com/safar/portal-billing/internal/metrics"
	"github.com/safar/portal-billing/internal/models"
	"github.com/safar/portal-billing/internal/reconcile"
	"github.com/safar/portal-billing/internal/store"
)

const maxRequestBody = 64 * 1024

// OrderReader is the read side the API needs from the store.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrdersCursor(ctx context.Context, ownerID string, cursor string, limit int) (*store.CursorPage, error)
	ListPaymentReferences(ctx context.Context, orderID string) ([]models.PaymentReference, error)
	GetActiveInvoice(ctx context.Context, orderID string) (*models.Invoice, error)
	ListServicesByOrder(ctx context.Context, orderID string) ([]models.Service, error)
	Ping(ctx context.Context) error
}

type ReferenceIssuer interface {
	Issue(ctx context.Context, order *models.Order) (*models.PaymentReference, *models.Order, error)
}

type Deps struct {
	Orders   OrderReader
	Checkout *checkout.Service
	Issuer   ReferenceIssuer
	Engine   *reconcile.Engine
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
	Server   config.ServerConfig
	Secret   string
}

type Server struct {
	orders   OrderReader
	checkout *checkout.Service
	issuer   ReferenceIssuer
	engine   *reconcile.Engine
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
	secret   []byte

	checkoutLimiter *ipRateLimiter
	callbackLimiter *ipRateLimiter
}

func NewServer(d Deps) *Server {
	s := &Server{
		orders:          d.Orders,
		checkout:        d.Checkout,
		issuer:          d.Issuer,
		engine:          d.Engine,
		metrics:         d.Metrics,
		logger:          d.Logger,
		clock:           d.Clock,
		secret:          []byte(d.Secret),
		checkoutLimiter: newIPRateLimiter(d.Server.CheckoutRateLimit, d.Server.CheckoutBurst),
		callbackLimiter: newIPRateLimiter(d.Server.CallbackRateLimit, d.Server.CallbackBurst),
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.With(s.checkoutLimiter.middleware).Post("/checkout", s.createCheckout)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.listOrders)
		r.Get("/{id}", s.getOrder)
		r.Post("/{id}/payment-reference", s.issueReference)
	})

	r.With(s.callbackLimiter.middleware).Post("/payments/callback", s.paymentCallback)

	r.Route("/admin/orders/{id}", func(r chi.Router) {
		r.Post("/status", s.adminUpdateStatus)
		r.Post("/cancel", s.adminCancel)
		r.Post("/reject", s.adminReject)
		r.Post("/reconcile", s.adminReconcile)
		r.Post("/poll", s.adminPoll)
		r.Delete("/", s.adminDelete)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.orders.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
