package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/nodebus/core/services/broker/domain/models"
)

// SubscriptionIndex is the persistence interface mapping
// (namespace, eventType) -> set of (nodeId, workerId).
// The domain layer owns this interface; infrastructure implements it
// against PostgreSQL, and the application layer wraps it with a local
// TTL cache plus Redis-backed invalidation broadcast.
type SubscriptionIndex interface {
	// Subscribe records a subscription. Idempotent: calling it k times
	// for the same (namespace, eventType, nodeId) produces exactly one row.
	Subscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID, workerID string) error

	// Unsubscribe removes a subscription. Idempotent: removing an absent
	// row is not an error.
	Unsubscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID) error

	// LookupDestinations returns the Subscription rows matching
	// (namespace, eventType), for non-broadcast routing resolution.
	LookupDestinations(ctx context.Context, namespace models.Namespace, eventType models.EventType) ([]models.Subscription, error)

	// LookupAllWorkers returns the distinct workerIds of every active node
	// in namespace, for broadcast routing resolution.
	LookupAllWorkers(ctx context.Context, namespace models.Namespace) ([]string, error)

	// RemoveForNode removes every subscription belonging to nodeID. It is
	// separate from NodeRegistry.Deregister, which deletes a node's
	// subscriptions in its own transaction.
	RemoveForNode(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error
}
