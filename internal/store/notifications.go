package store

import (
	"context"
	"fmt"

	"github.com/safar/portal-billing/internal/models"
)

// ReserveNotification records key and reports whether this caller won it.
// A false result means the notification was already sent or is in flight.
func (p *Postgres) ReserveNotification(ctx context.Context, key, orderID string, kind models.NotificationKind) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`INSERT INTO notification_log (dedupe_key, order_id, kind, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		key, orderID, kind)
	if err != nil {
		return false, fmt.Errorf("reserve notification: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (p *Postgres) ReleaseNotification(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM notification_log WHERE dedupe_key = $1`, key); err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}
