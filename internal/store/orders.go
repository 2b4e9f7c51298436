package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/safar/portal-billing/internal/apperror"
	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

type CreateOrderRequest struct {
	OwnerID       string
	OwnerEmail    string
	OwnerName     string
	Currency      string
	PaymentMethod string
	Items         []models.OrderItem
}

const orderColumns = `id, owner_id, owner_email, owner_name, order_number, status, total_amount,
	currency, payment_method, created_at, updated_at, version`

const orderItemColumns = `id, order_id, position, product_id, name, category, unit_price, quantity,
	subtotal, duration, duration_unit, domain_name, created_at`

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d", time.Now().UnixNano())
}

func validateCreateOrder(req CreateOrderRequest) error {
	if req.OwnerID == "" {
		return apperror.NewValidation("store.CreateOrder", "owner is required")
	}
	if len(req.Items) == 0 {
		return apperror.NewValidation("store.CreateOrder", "cannot create an order without items")
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return apperror.NewValidation("store.CreateOrder", fmt.Sprintf("item %q has invalid quantity", item.Name))
		}
		if item.UnitPrice.IsNegative() {
			return apperror.NewValidation("store.CreateOrder", fmt.Sprintf("item %q has a negative price", item.Name))
		}
	}
	return nil
}

// CreateOrder persists the order and all of its items in one transaction.
// The total is computed here from the frozen unit prices and never again.
func (p *Postgres) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	var order *models.Order
	orderID := uuid.NewString()
	totalAmount := models.TotalOf(req.Items)

	err := database.WithRetry(ctx, p.db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, owner_id, owner_email, owner_name, order_number, status, total_amount,
			                     currency, payment_method, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)`,
			orderID, req.OwnerID, req.OwnerEmail, req.OwnerName, generateOrderNumber(),
			models.OrderStatusPending, totalAmount, currencyOrDefault(req.Currency), req.PaymentMethod)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for i, item := range req.Items {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (id, order_id, position, product_id, name, category, unit_price, quantity,
				                          subtotal, duration, duration_unit, domain_name, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`,
				uuid.NewString(), orderID, i, item.ProductID, item.Name, categoryOrOther(item.Category),
				item.UnitPrice, item.Quantity, item.LineTotal(), item.Duration, string(item.DurationUnit), item.DomainName)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		order, err = getOrder(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("fetch created order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, p.db, id)
}

func getOrder(ctx context.Context, q database.Querier, id string) (*models.Order, error) {
	if !validID(id) {
		return nil, database.ErrOrderNotFound
	}

	order, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		item, err := scanOrderItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	order.Items = items
	return order, nil
}

// UpdateOrderStatus is a compare-and-set on orders.status. It fails with
// ErrStatusConflict when the stored status is not expected.
func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (*models.Order, error) {
	if !expected.CanTransitionTo(next) {
		return nil, illegalTransition(expected, next)
	}

	var order *models.Order
	err := database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		order, err = updateOrderStatus(ctx, tx, id, expected, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func updateOrderStatus(ctx context.Context, q database.Querier, id string, expected, next models.OrderStatus) (*models.Order, error) {
	if !validID(id) {
		return nil, database.ErrOrderNotFound
	}

	result, err := q.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2 AND status = $3`,
		next, id, expected)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var current string
		err := q.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read order status: %w", err)
		}
		return nil, fmt.Errorf("%w: order %s expected %s, found %s", database.ErrStatusConflict, id, expected, current)
	}

	return getOrder(ctx, q, id)
}

// CloseOrder moves an order to canceled or rejected and cancels any live
// payment reference in the same transaction.
func (p *Postgres) CloseOrder(ctx context.Context, id string, expected, next models.OrderStatus) (*models.Order, error) {
	if next != models.OrderStatusCanceled && next != models.OrderStatusRejected {
		return nil, apperror.NewValidation("store.CloseOrder", fmt.Sprintf("%s is not a closing status", next))
	}
	if !expected.CanTransitionTo(next) {
		return nil, illegalTransition(expected, next)
	}

	var order *models.Order
	err := database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		order, err = updateOrderStatus(ctx, tx, id, expected, next)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE payment_references
			 SET status = $1, updated_at = NOW()
			 WHERE order_id = $2 AND status = $3`,
			models.PaymentReferenceCanceled, id, models.PaymentReferenceValid)
		if err != nil {
			return fmt.Errorf("cancel payment references: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// DeleteOrder removes the order; foreign keys cascade to items, payment
// references, invoices, services and the notification log.
func (p *Postgres) DeleteOrder(ctx context.Context, id string) error {
	if !validID(id) {
		return database.ErrOrderNotFound
	}

	result, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}
	return nil
}

func (p *Postgres) ListOrdersCursor(ctx context.Context, ownerID string, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE owner_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := p.db.QueryContext(ctx, query, ownerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newCursorPage(orders, limit), nil
}

// ListOrdersByStatus returns orders in status, least recently updated first.
// Items are not loaded.
func (p *Postgres) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1
		 ORDER BY updated_at, id
		 LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

func illegalTransition(from, to models.OrderStatus) error {
	return apperror.NewValidation("store.UpdateOrderStatus", fmt.Sprintf("transition %s -> %s is not allowed", from, to))
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "EUR"
	}
	return currency
}

func categoryOrOther(category models.ProductCategory) models.ProductCategory {
	if category == "" {
		return models.CategoryOther
	}
	return category
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
