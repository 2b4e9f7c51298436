package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

// testRepository runs the behaviour every Repository must share against a
// fresh, empty repository per subtest.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("CreateOrderFreezesTotal", func(t *testing.T) { testCreateOrder(t, newRepo(t)) })
	t.Run("CreateOrderValidation", func(t *testing.T) { testCreateOrderValidation(t, newRepo(t)) })
	t.Run("UpdateOrderStatusCompareAndSet", func(t *testing.T) { testUpdateOrderStatus(t, newRepo(t)) })
	t.Run("ConcurrentStatusUpdatesHaveOneWinner", func(t *testing.T) { testConcurrentStatusUpdates(t, newRepo(t)) })
	t.Run("PaymentReferenceLifecycle", func(t *testing.T) { testPaymentReferenceLifecycle(t, newRepo(t)) })
	t.Run("ReferenceForAwaitingOrderWithoutOne", func(t *testing.T) { testReferenceForAwaitingOrder(t, newRepo(t)) })
	t.Run("CloseOrderCancelsLiveReference", func(t *testing.T) { testCloseOrder(t, newRepo(t)) })
	t.Run("OneActiveInvoicePerOrder", func(t *testing.T) { testInvoices(t, newRepo(t)) })
	t.Run("OneServicePerItem", func(t *testing.T) { testServices(t, newRepo(t)) })
	t.Run("NotificationReservation", func(t *testing.T) { testNotifications(t, newRepo(t)) })
	t.Run("CursorPagination", func(t *testing.T) { testCursorPagination(t, newRepo(t)) })
	t.Run("DeleteOrderCascades", func(t *testing.T) { testDeleteOrder(t, newRepo(t)) })
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, func(*testing.T) Repository { return NewMemory() })
}

func newOrderRequest(ownerID string) CreateOrderRequest {
	return CreateOrderRequest{
		OwnerID:       ownerID,
		OwnerEmail:    "ana@example.pt",
		OwnerName:     "Ana",
		PaymentMethod: "payment_reference",
		Items: []models.OrderItem{
			{
				Name:         "dominio.pt",
				Category:     models.CategoryDomain,
				UnitPrice:    decimal.RequireFromString("12.50"),
				Quantity:     2,
				Duration:     1,
				DurationUnit: models.DurationYear,
				DomainName:   "dominio.pt",
			},
			{
				Name:         "Hosting Plano X",
				Category:     models.CategoryHosting,
				UnitPrice:    decimal.NewFromInt(150),
				Quantity:     1,
				Duration:     12,
				DurationUnit: models.DurationMonth,
			},
		},
	}
}

func createOrder(t *testing.T, repo Repository, ownerID string) *models.Order {
	t.Helper()
	order, err := repo.CreateOrder(context.Background(), newOrderRequest(ownerID))
	require.NoError(t, err)
	return order
}

func newReference(orderID, code string, amount decimal.Decimal) models.PaymentReference {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.PaymentReference{
		OrderID:    orderID,
		Entity:     "11249",
		Reference:  code,
		Amount:     amount,
		ValidFrom:  now,
		ValidUntil: now.Add(48 * time.Hour),
	}
}

func awaitingOrder(t *testing.T, repo Repository) (*models.Order, *models.PaymentReference) {
	t.Helper()
	order := createOrder(t, repo, "owner-1")
	ref, updated, err := repo.SavePaymentReference(context.Background(), newReference(order.ID, "123456789", order.TotalAmount))
	require.NoError(t, err)
	return updated, ref
}

func testCreateOrder(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")

	require.Equal(t, models.OrderStatusPending, order.Status)
	require.Equal(t, "EUR", order.Currency)
	require.True(t, order.TotalAmount.Equal(decimal.NewFromInt(175)), "total %s", order.TotalAmount)
	require.Len(t, order.Items, 2)
	require.Equal(t, "dominio.pt", order.Items[0].Name)
	require.True(t, order.Items[0].Subtotal.Equal(decimal.NewFromInt(25)))

	got, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.OrderNumber, got.OrderNumber)
	require.Len(t, got.Items, 2)

	_, err = repo.GetOrder(ctx, "not-a-uuid")
	require.ErrorIs(t, err, database.ErrOrderNotFound)
}

func testCreateOrderValidation(t *testing.T, repo Repository) {
	ctx := context.Background()

	_, err := repo.CreateOrder(ctx, CreateOrderRequest{OwnerID: "owner-1"})
	require.ErrorIs(t, err, apperror.Validation)

	req := newOrderRequest("owner-1")
	req.Items[0].Quantity = 0
	_, err = repo.CreateOrder(ctx, req)
	require.ErrorIs(t, err, apperror.Validation)
}

func testUpdateOrderStatus(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")

	_, err := repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusPaid)
	require.ErrorIs(t, err, apperror.Validation)

	_, err = repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusAwaitingPayment, models.OrderStatusPaid)
	require.ErrorIs(t, err, database.ErrStatusConflict)

	updated, err := repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCanceled)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCanceled, updated.Status)
	require.Greater(t, updated.Version, order.Version)
}

func testConcurrentStatusUpdates(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := models.OrderStatusCanceled
			if i%2 == 0 {
				next = models.OrderStatusRejected
			}
			_, err := repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, next)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, database.ErrStatusConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, workers-1, conflicts)
}

func testPaymentReferenceLifecycle(t *testing.T, repo Repository) {
	ctx := context.Background()
	order, ref := awaitingOrder(t, repo)
	require.Equal(t, models.OrderStatusAwaitingPayment, order.Status)
	require.Equal(t, models.PaymentReferenceValid, ref.Status)

	// a second live reference is refused
	_, _, err := repo.SavePaymentReference(ctx, newReference(order.ID, "987654321", order.TotalAmount))
	require.ErrorIs(t, err, database.ErrDuplicate)

	live, err := repo.GetLivePaymentReference(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, ref.ID, live.ID)

	pending, err := repo.ExpirePaymentReference(ctx, order.ID, ref.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, pending.Status)

	_, err = repo.GetLivePaymentReference(ctx, order.ID)
	require.ErrorIs(t, err, database.ErrPaymentReferenceNotFound)

	// the expired reference cannot be confirmed
	_, err = repo.ConfirmPayment(ctx, order.ID, ref.ID, time.Now())
	require.ErrorIs(t, err, database.ErrStatusConflict)

	reissued, awaiting, err := repo.SavePaymentReference(ctx, newReference(order.ID, "987654321", order.TotalAmount))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, awaiting.Status)

	refs, err := repo.ListPaymentReferences(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, r := range refs {
		if r.ID == ref.ID {
			require.Equal(t, reissued.ID, r.SupersededBy)
			require.Equal(t, models.PaymentReferenceExpired, r.Status)
		}
	}

	paidAt := time.Now().UTC().Truncate(time.Microsecond)
	paid, err := repo.ConfirmPayment(ctx, order.ID, reissued.ID, paidAt)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPaid, paid.Status)

	byCode, err := repo.GetPaymentReferenceByCode(ctx, order.ID, "987654321")
	require.NoError(t, err)
	require.Equal(t, models.PaymentReferencePaid, byCode.Status)
	require.NotNil(t, byCode.PaidAt)
	require.True(t, byCode.PaidAt.Equal(paidAt))

	_, err = repo.ConfirmPayment(ctx, order.ID, reissued.ID, paidAt)
	require.ErrorIs(t, err, database.ErrStatusConflict)
}

func testReferenceForAwaitingOrder(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")

	awaiting, err := repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusAwaitingPayment)
	require.NoError(t, err)
	_, err = repo.GetLivePaymentReference(ctx, order.ID)
	require.ErrorIs(t, err, database.ErrPaymentReferenceNotFound)

	ref, updated, err := repo.SavePaymentReference(ctx, newReference(order.ID, "123456789", order.TotalAmount))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAwaitingPayment, updated.Status)
	require.Equal(t, awaiting.Version, updated.Version)
	require.Equal(t, models.PaymentReferenceValid, ref.Status)

	closed, err := repo.CloseOrder(ctx, order.ID, models.OrderStatusAwaitingPayment, models.OrderStatusCanceled)
	require.NoError(t, err)
	_, _, err = repo.SavePaymentReference(ctx, newReference(closed.ID, "987654321", order.TotalAmount))
	require.ErrorIs(t, err, database.ErrStatusConflict)
}

func testCloseOrder(t *testing.T, repo Repository) {
	ctx := context.Background()
	order, ref := awaitingOrder(t, repo)

	_, err := repo.CloseOrder(ctx, order.ID, models.OrderStatusAwaitingPayment, models.OrderStatusPaid)
	require.ErrorIs(t, err, apperror.Validation)

	closed, err := repo.CloseOrder(ctx, order.ID, models.OrderStatusAwaitingPayment, models.OrderStatusRejected)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusRejected, closed.Status)

	got, err := repo.GetPaymentReferenceByCode(ctx, order.ID, ref.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentReferenceCanceled, got.Status)
}

func testInvoices(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")

	_, err := repo.GetActiveInvoice(ctx, order.ID)
	require.ErrorIs(t, err, database.ErrInvoiceNotFound)

	first, err := repo.NextInvoiceSequence(ctx)
	require.NoError(t, err)
	second, err := repo.NextInvoiceSequence(ctx)
	require.NoError(t, err)
	require.Greater(t, second, first)

	invoice, err := repo.CreateInvoice(ctx, models.Invoice{
		OrderID:       order.ID,
		InvoiceNumber: "INV-TEST-000001",
		Amount:        order.TotalAmount,
		Status:        models.InvoiceStatusIssued,
		DueDate:       time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Microsecond),
	})
	require.NoError(t, err)

	_, err = repo.CreateInvoice(ctx, models.Invoice{
		OrderID:       order.ID,
		InvoiceNumber: "INV-TEST-000002",
		Amount:        order.TotalAmount,
		Status:        models.InvoiceStatusIssued,
		DueDate:       invoice.DueDate,
	})
	require.ErrorIs(t, err, database.ErrDuplicate)

	active, err := repo.GetActiveInvoice(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.ID, active.ID)
	require.True(t, active.Amount.Equal(order.TotalAmount))
}

func testServices(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")
	item := order.Items[0]

	has, err := repo.HasActiveService(ctx, "owner-1", models.CategoryDomain)
	require.NoError(t, err)
	require.False(t, has)

	end := time.Now().AddDate(1, 0, 0).UTC().Truncate(time.Microsecond)
	svc := models.Service{
		OrderID:        order.ID,
		OrderItemID:    item.ID,
		OwnerID:        order.OwnerID,
		Name:           item.Name,
		Category:       item.Category,
		DomainName:     item.DomainName,
		Status:         models.ServiceStatusActive,
		ActivationDate: time.Now().UTC().Truncate(time.Microsecond),
		EndDate:        &end,
		AutoRenew:      true,
	}
	created, err := repo.CreateService(ctx, svc)
	require.NoError(t, err)

	_, err = repo.CreateService(ctx, svc)
	require.ErrorIs(t, err, database.ErrDuplicate)

	got, err := repo.GetServiceForItem(ctx, order.ID, item.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	_, err = repo.GetServiceForItem(ctx, order.ID, order.Items[1].ID)
	require.ErrorIs(t, err, database.ErrServiceNotFound)

	has, err = repo.HasActiveService(ctx, "owner-1", models.CategoryDomain)
	require.NoError(t, err)
	require.True(t, has)

	services, err := repo.ListServicesByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, services, 1)
}

func testNotifications(t *testing.T, repo Repository) {
	ctx := context.Background()
	order := createOrder(t, repo, "owner-1")
	key := "invoice:" + order.ID + ":INV-2026-000001"

	reserved, err := repo.ReserveNotification(ctx, key, order.ID, models.NotificationInvoice)
	require.NoError(t, err)
	require.True(t, reserved)

	reserved, err = repo.ReserveNotification(ctx, key, order.ID, models.NotificationInvoice)
	require.NoError(t, err)
	require.False(t, reserved)

	require.NoError(t, repo.ReleaseNotification(ctx, key))

	reserved, err = repo.ReserveNotification(ctx, key, order.ID, models.NotificationInvoice)
	require.NoError(t, err)
	require.True(t, reserved)
}

func testCursorPagination(t *testing.T, repo Repository) {
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		createOrder(t, repo, "owner-1")
	}
	createOrder(t, repo, "owner-2")

	cursor := ""
	pages := 0
	for {
		page, err := repo.ListOrdersCursor(ctx, "owner-1", cursor, 2)
		require.NoError(t, err)
		pages++
		for _, order := range page.Items {
			require.Equal(t, "owner-1", order.OwnerID)
			require.False(t, seen[order.ID], "order %s returned twice", order.ID)
			seen[order.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, seen, 5)
	require.Equal(t, 3, pages)

	_, err := repo.ListOrdersCursor(ctx, "owner-1", "%%%", 2)
	require.ErrorIs(t, err, ErrInvalidCursor)

	pending, err := repo.ListOrdersByStatus(ctx, models.OrderStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 6)
}

func testDeleteOrder(t *testing.T, repo Repository) {
	ctx := context.Background()
	order, ref := awaitingOrder(t, repo)
	_, err := repo.ReserveNotification(ctx, "payment_reference:"+order.ID+":"+ref.Reference, order.ID, models.NotificationPaymentReference)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteOrder(ctx, order.ID))

	_, err = repo.GetOrder(ctx, order.ID)
	require.ErrorIs(t, err, database.ErrOrderNotFound)
	_, err = repo.GetPaymentReferenceByCode(ctx, order.ID, ref.Reference)
	require.ErrorIs(t, err, database.ErrPaymentReferenceNotFound)
	require.ErrorIs(t, repo.DeleteOrder(ctx, order.ID), database.ErrOrderNotFound)
}
