package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/services/broker/domain/models"
)

// SubscriptionRepository implements repositories.SubscriptionIndex against
// PostgreSQL, backed by an index on (namespace, event_type).
type SubscriptionRepository struct {
	db *database.Database
}

// NewSubscriptionRepository returns a SubscriptionRepository backed by db.
func NewSubscriptionRepository(db *database.Database) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Subscribe records a subscription idempotently: re-subscribing the same
// (namespace, eventType, nodeId) is a no-op, not an error.
func (r *SubscriptionRepository) Subscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID, workerID string) error {
	return r.db.Retry(ctx, func() error {
		_, err := r.db.DB().ExecContext(ctx, `
			INSERT INTO subscriptions (namespace, event_type, node_id, worker_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (namespace, event_type, node_id) DO UPDATE SET worker_id = EXCLUDED.worker_id
		`, namespace.String(), eventType.String(), nodeID, workerID)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		return nil
	})
}

// Unsubscribe removes a subscription. Removing an absent row is not an error.
func (r *SubscriptionRepository) Unsubscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID) error {
	return r.db.Retry(ctx, func() error {
		_, err := r.db.DB().ExecContext(ctx, `
			DELETE FROM subscriptions WHERE namespace = $1 AND event_type = $2 AND node_id = $3
		`, namespace.String(), eventType.String(), nodeID)
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		return nil
	})
}

// LookupDestinations returns the Subscription rows matching (namespace, eventType).
func (r *SubscriptionRepository) LookupDestinations(ctx context.Context, namespace models.Namespace, eventType models.EventType) ([]models.Subscription, error) {
	var out []models.Subscription
	err := r.db.Retry(ctx, func() error {
		out = nil
		rows, err := r.db.DB().QueryContext(ctx, `
			SELECT node_id, worker_id FROM subscriptions WHERE namespace = $1 AND event_type = $2
		`, namespace.String(), eventType.String())
		if err != nil {
			return fmt.Errorf("lookup destinations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			sub := models.Subscription{Namespace: namespace, EventType: eventType}
			if err := rows.Scan(&sub.NodeID, &sub.WorkerID); err != nil {
				return fmt.Errorf("scan subscription: %w", err)
			}
			out = append(out, sub)
		}
		return rows.Err()
	})
	return out, err
}

// LookupAllWorkers returns the distinct workerIds of every active node in namespace.
func (r *SubscriptionRepository) LookupAllWorkers(ctx context.Context, namespace models.Namespace) ([]string, error) {
	var out []string
	err := r.db.Retry(ctx, func() error {
		out = nil
		rows, err := r.db.DB().QueryContext(ctx, `
			SELECT worker_id FROM nodes WHERE namespace = $1 AND state = 'ACTIVE' GROUP BY worker_id
		`, namespace.String())
		if err != nil {
			return fmt.Errorf("lookup all workers: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var workerID string
			if err := rows.Scan(&workerID); err != nil {
				return fmt.Errorf("scan worker id: %w", err)
			}
			out = append(out, workerID)
		}
		return rows.Err()
	})
	return out, err
}

// RemoveForNode removes every subscription belonging to nodeID.
func (r *SubscriptionRepository) RemoveForNode(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return r.db.Retry(ctx, func() error {
		_, err := r.db.DB().ExecContext(ctx, `
			DELETE FROM subscriptions WHERE namespace = $1 AND node_id = $2
		`, namespace.String(), nodeID)
		if err != nil {
			return fmt.Errorf("remove subscriptions for node: %w", err)
		}
		return nil
	})
}
