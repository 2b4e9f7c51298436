package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/gateway"
	"github.com/safar/portal-billing/internal/invoicing"
	"github.com/safar/portal-billing/internal/models"
	"github.com/safar/portal-billing/internal/notify"
	"github.com/safar/portal-billing/internal/payref"
	"github.com/safar/portal-billing/internal/provisioning"
	"github.com/safar/portal-billing/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu       sync.Mutex
	issued   int
	statuses map[string]*gateway.Status
	checkErr error
}

func (g *fakeGateway) RequestReference(_ context.Context, req gateway.ReferenceRequest) (*gateway.Reference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return &gateway.Reference{
		Entity:    req.Entity,
		Reference: fmt.Sprintf("%09d", g.issued),
		Amount:    req.Amount,
	}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, _, reference string) (*gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkErr != nil {
		return nil, g.checkErr
	}
	if status, ok := g.statuses[reference]; ok {
		return status, nil
	}
	return &gateway.Status{Reference: reference, Status: gateway.StatusPending}, nil
}

func (g *fakeGateway) setStatus(status *gateway.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statuses == nil {
		g.statuses = make(map[string]*gateway.Status)
	}
	g.statuses[status.Reference] = status
}

type recordingSender struct {
	mu         sync.Mutex
	fail       error
	references int
	invoices   int
}

func (s *recordingSender) SendPaymentReferenceEmail(context.Context, notify.PaymentReferenceEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.references++
	return nil
}

func (s *recordingSender) SendInvoiceEmail(context.Context, notify.InvoiceEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.invoices++
	return nil
}

func (s *recordingSender) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// flakyServices fails service creation while failing is set.
type flakyServices struct {
	*store.Memory
	mu      sync.Mutex
	failing bool
}

func (s *flakyServices) CreateService(ctx context.Context, svc models.Service) (*models.Service, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return nil, errors.New("provisioning backend unavailable")
	}
	return s.Memory.CreateService(ctx, svc)
}

func (s *flakyServices) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

type harness struct {
	repo     *store.Memory
	services *flakyServices
	gateway  *fakeGateway
	clock    *fakeClock
	sender   *recordingSender
	notifier *notify.Dispatcher
	issuer   *payref.Issuer
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryWithClock(clock.Now)
	h := &harness{
		repo:     repo,
		services: &flakyServices{Memory: repo},
		gateway:  &fakeGateway{},
		clock:    clock,
		sender:   &recordingSender{},
	}
	h.notifier = notify.NewDispatcher(repo, h.sender, nil, nil)
	h.issuer = payref.NewIssuer(repo, h.gateway, h.notifier, nil, payref.Config{
		Entity:   "11249",
		Validity: 48 * time.Hour,
	}, clock.Now, nil)
	h.engine = NewEngine(Deps{
		Store:    repo,
		Invoices: invoicing.NewIssuer(repo, "INV", 7*24*time.Hour, clock.Now, nil),
		Services: provisioning.NewActivator(h.services, true, nil, clock.Now, nil),
		Expirer:  h.issuer,
		Gateway:  h.gateway,
		Notifier: h.notifier,
		Clock:    clock.Now,
	})
	return h
}

func (h *harness) order(t *testing.T) *models.Order {
	t.Helper()
	order, err := h.repo.CreateOrder(context.Background(), store.CreateOrderRequest{
		OwnerID:    "owner-1",
		OwnerEmail: "ana@example.pt",
		OwnerName:  "Ana",
		Items: []models.OrderItem{
			{
				Name:         "Hosting Plano X",
				Category:     models.CategoryHosting,
				UnitPrice:    decimal.NewFromInt(15000),
				Quantity:     1,
				Duration:     1,
				DurationUnit: models.DurationMonth,
			},
		},
	})
	require.NoError(t, err)
	return order
}

func (h *harness) awaiting(t *testing.T) (*models.Order, *models.PaymentReference) {
	t.Helper()
	ref, order, err := h.issuer.Issue(context.Background(), h.order(t))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, order.Status)
	return order, ref
}

func (h *harness) confirmation(order *models.Order, ref *models.PaymentReference, amount int64) Confirmation {
	return Confirmation{
		OrderID:   order.ID,
		Reference: ref.Reference,
		Amount:    decimal.NewFromInt(amount),
		PaidAt:    h.clock.Now(),
	}
}

func (h *harness) invoicesAndServices(t *testing.T, orderID string) (int, int) {
	t.Helper()
	invoices := 0
	if _, err := h.repo.GetActiveInvoice(context.Background(), orderID); err == nil {
		invoices = 1
	}
	services, err := h.repo.ListServicesByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return invoices, len(services)
}

func TestHostingOrderEndToEnd(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	require.True(t, order.TotalAmount.Equal(decimal.NewFromInt(15000)))
	require.True(t, ref.Amount.Equal(decimal.NewFromInt(15000)))
	require.Equal(t, h.clock.Now().Add(48*time.Hour), ref.ValidUntil)

	completed, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, completed.Status)

	invoice, err := h.repo.GetActiveInvoice(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, invoice.Amount.Equal(decimal.NewFromInt(15000)))
	require.Equal(t, models.InvoiceStatusIssued, invoice.Status)

	services, err := h.repo.ListServicesByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, services, 1)
	require.Equal(t, models.ServiceStatusActive, services[0].Status)
	require.Equal(t, h.clock.Now().AddDate(0, 1, 0), *services[0].EndDate)

	h.notifier.Wait()
	require.Equal(t, 1, h.sender.references)
	require.Equal(t, 1, h.sender.invoices)
}

func TestAmountMismatchIsRejected(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)

	_, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 14000))
	require.ErrorIs(t, err, apperror.Validation)

	stored, err := h.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, stored.Status)

	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Zero(t, invoices)
	require.Zero(t, services)
}

func TestUnknownReferenceIsRejected(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	c := h.confirmation(order, ref, 15000)
	c.Reference = "000000000-unknown"

	_, err := h.engine.Confirm(context.Background(), c)
	require.ErrorIs(t, err, apperror.Validation)

	stored, err := h.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, stored.Status)
}

func TestReplayedConfirmationIsNoOp(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	c := h.confirmation(order, ref, 15000)

	first, err := h.engine.Confirm(context.Background(), c)
	require.NoError(t, err)
	second, err := h.engine.Confirm(context.Background(), c)
	require.NoError(t, err)

	require.Equal(t, models.OrderStatusCompleted, first.Status)
	require.Equal(t, models.OrderStatusCompleted, second.Status)

	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, invoices)
	require.Equal(t, 1, services)
	h.notifier.Wait()
	require.Equal(t, 1, h.sender.invoices)
}

func TestConcurrentConfirmationsSettleOnce(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	c := h.confirmation(order, ref, 15000)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Confirm(context.Background(), c)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, apperror.Conflict)
		}
	}
	_, err := h.engine.Reconcile(context.Background(), order.ID)
	require.NoError(t, err)

	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, invoices)
	require.Equal(t, 1, services)
}

func TestLateConfirmationIsRejectedAndOrderCanBeReissued(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)

	h.clock.Advance(49 * time.Hour)
	_, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.ErrorIs(t, err, apperror.Validation)

	expired, err := h.engine.Expire(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, expired.Status)

	fresh, reissued, err := h.issuer.Issue(context.Background(), expired)
	require.NoError(t, err)
	require.NotEqual(t, ref.Reference, fresh.Reference)
	require.Equal(t, models.OrderStatusAwaitingPayment, reissued.Status)
	h.notifier.Wait()
	require.Equal(t, 2, h.sender.references)
}

func TestPaymentInsideWindowDeliveredLateIsAccepted(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	c := h.confirmation(order, ref, 15000)
	c.PaidAt = ref.ValidUntil.Add(-time.Minute)

	h.clock.Advance(50 * time.Hour)
	completed, err := h.engine.Confirm(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, completed.Status)
}

func TestConcurrentAdminUpdatesOneWins(t *testing.T) {
	h := newHarness(t)
	order := h.order(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	targets := []models.OrderStatus{models.OrderStatusCanceled, models.OrderStatusAwaitingPayment}
	for i, next := range targets {
		wg.Add(1)
		go func(i int, next models.OrderStatus) {
			defer wg.Done()
			_, results[i] = h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusPending, next)
		}(i, next)
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err != nil {
			failures++
			require.ErrorIs(t, err, apperror.Conflict)
		}
	}
	require.Equal(t, 1, failures)
}

func TestCancelClosesReferenceAndBlocksPayment(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)

	canceled, err := h.engine.Cancel(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCanceled, canceled.Status)

	refs, err := h.repo.ListPaymentReferences(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentReferenceCanceled, refs[0].Status)

	_, err = h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.ErrorIs(t, err, apperror.Validation)

	_, err = h.engine.Cancel(context.Background(), order.ID)
	require.ErrorIs(t, err, apperror.Validation)
}

func TestRejectPendingOrder(t *testing.T) {
	h := newHarness(t)
	order := h.order(t)

	rejected, err := h.engine.Reject(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusRejected, rejected.Status)

	_, err = h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusRejected, models.OrderStatusPending)
	require.ErrorIs(t, err, apperror.Validation)
}

func TestAdminMarkPaidSettlesOrder(t *testing.T) {
	h := newHarness(t)
	order, _ := h.awaiting(t)

	settled, err := h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusAwaitingPayment, models.OrderStatusPaid)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, settled.Status)

	refs, err := h.repo.ListPaymentReferences(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentReferencePaid, refs[0].Status)
}

func TestFailedActivationStaysProcessingUntilSweep(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	h.services.setFailing(true)

	paid, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPaid, paid.Status)

	stored, err := h.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusProcessing, stored.Status)

	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, invoices)
	require.Zero(t, services)

	h.services.setFailing(false)
	report, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)

	stored, err = h.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, stored.Status)

	invoices, services = h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, invoices)
	require.Equal(t, 1, services)
	h.notifier.Wait()
	require.Equal(t, 1, h.sender.invoices)
}

func TestPollConfirmsPaidReference(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	h.gateway.setStatus(&gateway.Status{
		Reference: ref.Reference,
		Status:    gateway.StatusPaid,
		Amount:    decimal.NewFromInt(15000),
		PaidAt:    h.clock.Now().Add(time.Hour),
	})

	updated, err := h.engine.Poll(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, updated.Status)
}

func TestPollGatewayExpiredReturnsOrderToPending(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	h.gateway.setStatus(&gateway.Status{Reference: ref.Reference, Status: gateway.StatusExpired})

	updated, err := h.engine.Poll(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, updated.Status)
}

func TestPollGatewayFailureLeavesOrder(t *testing.T) {
	h := newHarness(t)
	order, _ := h.awaiting(t)
	h.gateway.checkErr = apperror.NewGateway("gateway.CheckStatus", errors.New("timeout"))

	_, err := h.engine.Poll(context.Background(), order.ID)
	require.ErrorIs(t, err, apperror.Gateway)

	stored, err := h.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, stored.Status)
}

func TestSweepExpiresStaleReferences(t *testing.T) {
	h := newHarness(t)
	stale, _ := h.awaiting(t)
	h.clock.Advance(49 * time.Hour)
	fresh, _ := h.awaiting(t)

	report, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Polled)
	require.Equal(t, 1, report.Expired)

	stored, err := h.repo.GetOrder(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, stored.Status)

	stored, err = h.repo.GetOrder(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, stored.Status)
}

func TestDeleteCascades(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	_, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.NoError(t, err)

	require.NoError(t, h.engine.Delete(context.Background(), order.ID))

	_, err = h.repo.GetOrder(context.Background(), order.ID)
	require.Error(t, err)
	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Zero(t, invoices)
	require.Zero(t, services)

	err = h.engine.Delete(context.Background(), order.ID)
	require.ErrorIs(t, err, apperror.NotFound)
}

func TestReconcileRefusesUnpaidOrders(t *testing.T) {
	h := newHarness(t)
	order := h.order(t)

	_, err := h.engine.Reconcile(context.Background(), order.ID)
	require.ErrorIs(t, err, apperror.Validation)
}

func TestAdminCompleteSettlesPaidOrder(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	_, err := h.repo.ConfirmPayment(context.Background(), order.ID, ref.ID, h.clock.Now())
	require.NoError(t, err)

	_, err = h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusProcessing, models.OrderStatusCompleted)
	require.ErrorIs(t, err, apperror.Conflict)

	completed, err := h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusPaid, models.OrderStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, completed.Status)

	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, invoices)
	require.Equal(t, 1, services)
}

func TestAdminCompleteKeepsOrderProcessingWhenActivationFails(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	h.services.setFailing(true)
	_, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.NoError(t, err)

	_, err = h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusProcessing, models.OrderStatusCompleted)
	require.Error(t, err)

	stored, err := h.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusProcessing, stored.Status)

	h.services.setFailing(false)
	completed, err := h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusProcessing, models.OrderStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, completed.Status)

	_, services := h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, services)
}

func TestAdminAwaitingWithoutReferenceCanBeIssued(t *testing.T) {
	h := newHarness(t)
	order := h.order(t)

	awaiting, err := h.engine.UpdateStatus(context.Background(), order.ID, models.OrderStatusPending, models.OrderStatusAwaitingPayment)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, awaiting.Status)

	ref, issued, err := h.issuer.Issue(context.Background(), awaiting)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, issued.Status)

	live, err := h.repo.GetLivePaymentReference(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, ref.Reference, live.Reference)

	completed, err := h.engine.Confirm(context.Background(), h.confirmation(issued, ref, 15000))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, completed.Status)
}

func TestEmailFailureDoesNotBlockSettlement(t *testing.T) {
	h := newHarness(t)
	order, ref := h.awaiting(t)
	h.notifier.Wait()
	h.sender.setFail(errors.New("smtp relay down"))

	completed, err := h.engine.Confirm(context.Background(), h.confirmation(order, ref, 15000))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCompleted, completed.Status)

	invoices, services := h.invoicesAndServices(t, order.ID)
	require.Equal(t, 1, invoices)
	require.Equal(t, 1, services)

	h.notifier.Wait()
	require.Zero(t, h.sender.invoices)
}
