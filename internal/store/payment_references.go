package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

const paymentReferenceColumns = `id, order_id, entity, reference, amount, status, valid_from, valid_until,
	paid_at, superseded_by, created_at, updated_at`

const livePaymentReferenceIndex = "ux_payment_references_live"

// GetLivePaymentReference returns the reference still stored as valid for the
// order. Its window may have elapsed; callers evaluate EffectiveStatus.
func (p *Postgres) GetLivePaymentReference(ctx context.Context, orderID string) (*models.PaymentReference, error) {
	if !validID(orderID) {
		return nil, database.ErrPaymentReferenceNotFound
	}

	ref, err := scanPaymentReference(p.db.QueryRowContext(ctx,
		`SELECT `+paymentReferenceColumns+`
		 FROM payment_references
		 WHERE order_id = $1 AND status = $2`,
		orderID, models.PaymentReferenceValid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentReferenceNotFound
		}
		return nil, fmt.Errorf("get live payment reference: %w", err)
	}
	return ref, nil
}

func (p *Postgres) GetPaymentReferenceByCode(ctx context.Context, orderID, reference string) (*models.PaymentReference, error) {
	if !validID(orderID) {
		return nil, database.ErrPaymentReferenceNotFound
	}

	ref, err := scanPaymentReference(p.db.QueryRowContext(ctx,
		`SELECT `+paymentReferenceColumns+`
		 FROM payment_references
		 WHERE order_id = $1 AND reference = $2`,
		orderID, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentReferenceNotFound
		}
		return nil, fmt.Errorf("get payment reference: %w", err)
	}
	return ref, nil
}

func (p *Postgres) ListPaymentReferences(ctx context.Context, orderID string) ([]models.PaymentReference, error) {
	if !validID(orderID) {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+paymentReferenceColumns+`
		 FROM payment_references
		 WHERE order_id = $1
		 ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list payment references: %w", err)
	}
	defer rows.Close()

	var refs []models.PaymentReference
	for rows.Next() {
		ref, err := scanPaymentReference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment reference: %w", err)
		}
		refs = append(refs, *ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return refs, nil
}

// SavePaymentReference inserts ref as the order's live reference, marks any
// earlier references as superseded by it and moves a pending order to
// awaiting_payment, all in one transaction. An order already awaiting
// payment keeps its status. A concurrent live reference surfaces as
// ErrDuplicate; any other order status as ErrStatusConflict.
func (p *Postgres) SavePaymentReference(ctx context.Context, ref models.PaymentReference) (*models.PaymentReference, *models.Order, error) {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	ref.Status = models.PaymentReferenceValid

	var saved *models.PaymentReference
	var order *models.Order

	err := database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var status models.OrderStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, ref.OrderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if status != models.OrderStatusPending && status != models.OrderStatusAwaitingPayment {
			return fmt.Errorf("%w: order %s is %s", database.ErrStatusConflict, ref.OrderID, status)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE payment_references
			 SET superseded_by = $1, updated_at = NOW()
			 WHERE order_id = $2 AND superseded_by IS NULL`,
			ref.ID, ref.OrderID)
		if err != nil {
			return fmt.Errorf("supersede payment references: %w", err)
		}

		saved, err = scanPaymentReference(tx.QueryRowContext(ctx,
			`INSERT INTO payment_references (id, order_id, entity, reference, amount, status, valid_from, valid_until,
			                                 created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			 RETURNING `+paymentReferenceColumns,
			ref.ID, ref.OrderID, ref.Entity, ref.Reference, ref.Amount, ref.Status, ref.ValidFrom, ref.ValidUntil))
		if err != nil {
			if database.IsUniqueViolation(err, livePaymentReferenceIndex) {
				return database.ErrDuplicate
			}
			return fmt.Errorf("insert payment reference: %w", err)
		}

		if status == models.OrderStatusAwaitingPayment {
			order, err = getOrder(ctx, tx, ref.OrderID)
			return err
		}
		order, err = updateOrderStatus(ctx, tx, ref.OrderID, models.OrderStatusPending, models.OrderStatusAwaitingPayment)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return saved, order, nil
}

// ExpirePaymentReference marks a valid reference expired and returns the
// order to pending so a fresh reference can be issued.
func (p *Postgres) ExpirePaymentReference(ctx context.Context, orderID, referenceID string) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := transitionPaymentReference(ctx, tx, orderID, referenceID, models.PaymentReferenceExpired, nil); err != nil {
			return err
		}

		var err error
		order, err = updateOrderStatus(ctx, tx, orderID, models.OrderStatusAwaitingPayment, models.OrderStatusPending)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ConfirmPayment marks the reference paid and moves the order from
// awaiting_payment to paid atomically.
func (p *Postgres) ConfirmPayment(ctx context.Context, orderID, referenceID string, paidAt time.Time) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := transitionPaymentReference(ctx, tx, orderID, referenceID, models.PaymentReferencePaid, &paidAt); err != nil {
			return err
		}

		var err error
		order, err = updateOrderStatus(ctx, tx, orderID, models.OrderStatusAwaitingPayment, models.OrderStatusPaid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func transitionPaymentReference(ctx context.Context, q database.Querier, orderID, referenceID string, next models.PaymentReferenceStatus, paidAt *time.Time) error {
	if !validID(orderID) || !validID(referenceID) {
		return database.ErrPaymentReferenceNotFound
	}

	result, err := q.ExecContext(ctx,
		`UPDATE payment_references
		 SET status = $1, paid_at = COALESCE($2, paid_at), updated_at = NOW()
		 WHERE id = $3 AND order_id = $4 AND status = $5`,
		next, paidAt, referenceID, orderID, models.PaymentReferenceValid)
	if err != nil {
		return fmt.Errorf("update payment reference: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: payment reference %s is no longer valid", database.ErrStatusConflict, referenceID)
	}
	return nil
}
