package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/safar/portal-billing/internal/database"
	"github.com/safar/portal-billing/internal/models"
)

const serviceColumns = `id, order_id, order_item_id, owner_id, name, category, domain_name, status,
	activation_date, end_date, auto_renew, created_at, updated_at`

const serviceItemConstraint = "ux_services_order_item"

func (p *Postgres) GetServiceForItem(ctx context.Context, orderID, itemID string) (*models.Service, error) {
	if !validID(orderID) || !validID(itemID) {
		return nil, database.ErrServiceNotFound
	}

	svc, err := scanService(p.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+`
		 FROM services
		 WHERE order_id = $1 AND order_item_id = $2`,
		orderID, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrServiceNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// CreateService inserts svc; a second service for the same order line
// returns ErrDuplicate.
func (p *Postgres) CreateService(ctx context.Context, svc models.Service) (*models.Service, error) {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}

	created, err := scanService(p.db.QueryRowContext(ctx,
		`INSERT INTO services (id, order_id, order_item_id, owner_id, name, category, domain_name, status,
		                       activation_date, end_date, auto_renew, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		 RETURNING `+serviceColumns,
		svc.ID, svc.OrderID, svc.OrderItemID, svc.OwnerID, svc.Name, svc.Category, svc.DomainName, svc.Status,
		svc.ActivationDate, svc.EndDate, svc.AutoRenew))
	if err != nil {
		if database.IsUniqueViolation(err, serviceItemConstraint) {
			return nil, database.ErrDuplicate
		}
		return nil, fmt.Errorf("create service: %w", err)
	}
	return created, nil
}

func (p *Postgres) ListServicesByOrder(ctx context.Context, orderID string) ([]models.Service, error) {
	if !validID(orderID) {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+serviceColumns+`
		 FROM services
		 WHERE order_id = $1
		 ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, *svc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return services, nil
}

// HasActiveService reports whether the owner already holds an active service
// of category. It never mutates anything.
func (p *Postgres) HasActiveService(ctx context.Context, ownerID string, category models.ProductCategory) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM services WHERE owner_id = $1 AND category = $2 AND status = $3)`,
		ownerID, category, models.ServiceStatusActive).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active service: %w", err)
	}
	return exists, nil
}
