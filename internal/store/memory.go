package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

// Memory is an in-process Repository that enforces the same compare-and-set
// and uniqueness rules as the Postgres schema.
type Memory struct {
	mu            sync.Mutex
	clock         func() time.Time
	orders        map[string]*models.Order
	references    map[string]*models.PaymentReference
	invoices      map[string]*models.Invoice
	services      map[string]*models.Service
	notifications map[string]string
	invoiceSeq    int64
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		clock:         clock,
		orders:        make(map[string]*models.Order),
		references:    make(map[string]*models.PaymentReference),
		invoices:      make(map[string]*models.Invoice),
		services:      make(map[string]*models.Service),
		notifications: make(map[string]string),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) now() time.Time { return m.clock().UTC() }

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return &c
}

func (m *Memory) CreateOrder(_ context.Context, req CreateOrderRequest) (*models.Order, error) {
	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	order := &models.Order{
		ID:            uuid.NewString(),
		OwnerID:       req.OwnerID,
		OwnerEmail:    req.OwnerEmail,
		OwnerName:     req.OwnerName,
		OrderNumber:   generateOrderNumber(),
		Status:        models.OrderStatusPending,
		TotalAmount:   models.TotalOf(req.Items),
		Currency:      currencyOrDefault(req.Currency),
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	for i, item := range req.Items {
		item.ID = uuid.NewString()
		item.OrderID = order.ID
		item.Position = i
		item.Category = categoryOrOther(item.Category)
		item.Subtotal = item.LineTotal()
		item.CreatedAt = now
		order.Items = append(order.Items, item)
	}

	m.orders[order.ID] = order
	return cloneOrder(order), nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, id string, expected, next models.OrderStatus) (*models.Order, error) {
	if !expected.CanTransitionTo(next) {
		return nil, illegalTransition(expected, next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.casOrderLocked(id, expected, next); err != nil {
		return nil, err
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) casOrderLocked(id string, expected, next models.OrderStatus) error {
	order, ok := m.orders[id]
	if !ok {
		return database.ErrOrderNotFound
	}
	if order.Status != expected {
		return fmt.Errorf("%w: order %s expected %s, found %s", database.ErrStatusConflict, id, expected, order.Status)
	}
	order.Status = next
	order.UpdatedAt = m.now()
	order.Version++
	return nil
}

func (m *Memory) CloseOrder(_ context.Context, id string, expected, next models.OrderStatus) (*models.Order, error) {
	if next != models.OrderStatusCanceled && next != models.OrderStatusRejected {
		return nil, apperror.NewValidation("store.CloseOrder", fmt.Sprintf("%s is not a closing status", next))
	}
	if !expected.CanTransitionTo(next) {
		return nil, illegalTransition(expected, next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.casOrderLocked(id, expected, next); err != nil {
		return nil, err
	}
	for _, ref := range m.references {
		if ref.OrderID == id && ref.Status == models.PaymentReferenceValid {
			ref.Status = models.PaymentReferenceCanceled
			ref.UpdatedAt = m.now()
		}
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) DeleteOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return database.ErrOrderNotFound
	}
	delete(m.orders, id)
	for key, ref := range m.references {
		if ref.OrderID == id {
			delete(m.references, key)
		}
	}
	for key, invoice := range m.invoices {
		if invoice.OrderID == id {
			delete(m.invoices, key)
		}
	}
	for key, svc := range m.services {
		if svc.OrderID == id {
			delete(m.services, key)
		}
	}
	for key, orderID := range m.notifications {
		if orderID == id {
			delete(m.notifications, key)
		}
	}
	return nil
}

func (m *Memory) ListOrdersCursor(_ context.Context, ownerID string, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	m.mu.Lock()
	var orders []models.Order
	for _, order := range m.orders {
		if order.OwnerID != ownerID {
			continue
		}
		if order.CreatedAt.After(cursorData.CreatedAt) {
			continue
		}
		if order.CreatedAt.Equal(cursorData.CreatedAt) && order.ID >= cursorData.ID {
			continue
		}
		c := *order
		c.Items = nil
		orders = append(orders, c)
	}
	m.mu.Unlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	if len(orders) > limit+1 {
		orders = orders[:limit+1]
	}
	return newCursorPage(orders, limit), nil
}

func (m *Memory) ListOrdersByStatus(_ context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	m.mu.Lock()
	var orders []models.Order
	for _, order := range m.orders {
		if order.Status == status {
			c := *order
			c.Items = nil
			orders = append(orders, c)
		}
	}
	m.mu.Unlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].UpdatedAt.Equal(orders[j].UpdatedAt) {
			return orders[i].UpdatedAt.Before(orders[j].UpdatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (m *Memory) GetLivePaymentReference(_ context.Context, orderID string) (*models.PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range m.references {
		if ref.OrderID == orderID && ref.Status == models.PaymentReferenceValid {
			c := *ref
			return &c, nil
		}
	}
	return nil, database.ErrPaymentReferenceNotFound
}

func (m *Memory) GetPaymentReferenceByCode(_ context.Context, orderID, reference string) (*models.PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range m.references {
		if ref.OrderID == orderID && ref.Reference == reference {
			c := *ref
			return &c, nil
		}
	}
	return nil, database.ErrPaymentReferenceNotFound
}

func (m *Memory) ListPaymentReferences(_ context.Context, orderID string) ([]models.PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []models.PaymentReference
	for _, ref := range m.references {
		if ref.OrderID == orderID {
			refs = append(refs, *ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].CreatedAt.Before(refs[j].CreatedAt) })
	return refs, nil
}

func (m *Memory) SavePaymentReference(_ context.Context, ref models.PaymentReference) (*models.PaymentReference, *models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[ref.OrderID]
	if !ok {
		return nil, nil, database.ErrOrderNotFound
	}
	for _, existing := range m.references {
		if existing.OrderID == ref.OrderID && existing.Status == models.PaymentReferenceValid {
			return nil, nil, database.ErrDuplicate
		}
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusAwaitingPayment {
		return nil, nil, fmt.Errorf("%w: order %s is %s", database.ErrStatusConflict, order.ID, order.Status)
	}

	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	now := m.now()
	for _, existing := range m.references {
		if existing.OrderID == ref.OrderID && existing.SupersededBy == "" {
			existing.SupersededBy = ref.ID
			existing.UpdatedAt = now
		}
	}

	ref.Status = models.PaymentReferenceValid
	ref.CreatedAt = now
	ref.UpdatedAt = now
	saved := ref
	m.references[ref.ID] = &saved

	if order.Status == models.OrderStatusPending {
		if err := m.casOrderLocked(order.ID, models.OrderStatusPending, models.OrderStatusAwaitingPayment); err != nil {
			return nil, nil, err
		}
	}

	out := saved
	return &out, cloneOrder(order), nil
}

func (m *Memory) ExpirePaymentReference(_ context.Context, orderID, referenceID string) (*models.Order, error) {
	return m.settleReference(orderID, referenceID, models.PaymentReferenceExpired, models.OrderStatusPending, nil)
}

func (m *Memory) ConfirmPayment(_ context.Context, orderID, referenceID string, paidAt time.Time) (*models.Order, error) {
	return m.settleReference(orderID, referenceID, models.PaymentReferencePaid, models.OrderStatusPaid, &paidAt)
}

func (m *Memory) settleReference(orderID, referenceID string, refStatus models.PaymentReferenceStatus, orderStatus models.OrderStatus, paidAt *time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.references[referenceID]
	if !ok || ref.OrderID != orderID {
		return nil, database.ErrPaymentReferenceNotFound
	}
	if ref.Status != models.PaymentReferenceValid {
		return nil, fmt.Errorf("%w: payment reference %s is no longer valid", database.ErrStatusConflict, referenceID)
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		return nil, fmt.Errorf("%w: order %s expected %s, found %s",
			database.ErrStatusConflict, orderID, models.OrderStatusAwaitingPayment, order.Status)
	}

	ref.Status = refStatus
	ref.UpdatedAt = m.now()
	if paidAt != nil {
		t := *paidAt
		ref.PaidAt = &t
	}
	if err := m.casOrderLocked(orderID, models.OrderStatusAwaitingPayment, orderStatus); err != nil {
		return nil, err
	}
	return cloneOrder(order), nil
}

func (m *Memory) GetActiveInvoice(_ context.Context, orderID string) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, invoice := range m.invoices {
		if invoice.OrderID == orderID && invoice.Status != models.InvoiceStatusCanceled {
			c := *invoice
			return &c, nil
		}
	}
	return nil, database.ErrInvoiceNotFound
}

func (m *Memory) NextInvoiceSequence(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invoiceSeq++
	return m.invoiceSeq, nil
}

func (m *Memory) CreateInvoice(_ context.Context, invoice models.Invoice) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[invoice.OrderID]; !ok {
		return nil, database.ErrOrderNotFound
	}
	for _, existing := range m.invoices {
		if existing.OrderID == invoice.OrderID && existing.Status != models.InvoiceStatusCanceled && invoice.Status != models.InvoiceStatusCanceled {
			return nil, database.ErrDuplicate
		}
		if existing.InvoiceNumber == invoice.InvoiceNumber {
			return nil, fmt.Errorf("create invoice: number %s already used", invoice.InvoiceNumber)
		}
	}

	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	now := m.now()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	m.invoices[invoice.ID] = &invoice

	c := invoice
	return &c, nil
}

func (m *Memory) GetServiceForItem(_ context.Context, orderID, itemID string) (*models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, svc := range m.services {
		if svc.OrderID == orderID && svc.OrderItemID == itemID {
			c := *svc
			return &c, nil
		}
	}
	return nil, database.ErrServiceNotFound
}

func (m *Memory) CreateService(_ context.Context, svc models.Service) (*models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[svc.OrderID]; !ok {
		return nil, database.ErrOrderNotFound
	}
	for _, existing := range m.services {
		if existing.OrderID == svc.OrderID && existing.OrderItemID == svc.OrderItemID {
			return nil, database.ErrDuplicate
		}
	}

	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := m.now()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	m.services[svc.ID] = &svc

	c := svc
	return &c, nil
}

func (m *Memory) ListServicesByOrder(_ context.Context, orderID string) ([]models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var services []models.Service
	for _, svc := range m.services {
		if svc.OrderID == orderID {
			services = append(services, *svc)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].OrderItemID < services[j].OrderItemID })
	return services, nil
}

func (m *Memory) HasActiveService(_ context.Context, ownerID string, category models.ProductCategory) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, svc := range m.services {
		if svc.OwnerID == ownerID && svc.Category == category && svc.Status == models.ServiceStatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ReserveNotification(_ context.Context, key, orderID string, _ models.NotificationKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[key]; ok {
		return false, nil
	}
	m.notifications[key] = orderID
	return true, nil
}

func (m *Memory) ReleaseNotification(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.notifications, key)
	return nil
}
