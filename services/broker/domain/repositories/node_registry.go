package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/nodebus/core/services/broker/domain/models"
)

// NodeRegistry is the persistence interface for the Node aggregate.
// The domain layer owns this interface; infrastructure implements it
// against PostgreSQL.
type NodeRegistry interface {
	// Register upserts a node row keyed on (namespace, nodeId). Returns
	// domain.ErrNodeAlreadyRegistered if the row exists in a non-STOPPED state.
	Register(ctx context.Context, node *models.Node) error

	// Heartbeat updates lastHeartbeatAt and transitions REGISTERED -> ACTIVE
	// on first call. Returns domain.ErrNodeNotFound if nodeID is unknown.
	Heartbeat(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error

	// Deregister deletes the node and its subscriptions in one transaction.
	// Does not delete the node's worker queue.
	Deregister(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error

	// Stop transitions a node to STOPPED. Idempotent; does not affect
	// subscriptions or the worker queue. Returns domain.ErrNodeNotFound if
	// nodeID is unknown.
	Stop(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error

	// GetByID retrieves a single node. Returns domain.ErrNodeNotFound if absent.
	GetByID(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) (*models.Node, error)

	// ListActiveNodes returns every ACTIVE node in namespace.
	ListActiveNodes(ctx context.Context, namespace models.Namespace) ([]*models.Node, error)

	// ListStaleNodes returns ACTIVE nodes whose lastHeartbeatAt is older
	// than the caller-supplied cutoff, for the reaper's LOST-transition scan.
	ListStaleNodes(ctx context.Context, namespace models.Namespace, cutoffSeconds int) ([]*models.Node, error)

	// MarkLost transitions a node to LOST state.
	MarkLost(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error

	// CountActiveByWorkerID reports how many ACTIVE nodes remain in a given
	// worker, used by the reaper to decide whether a worker queue may be dropped.
	CountActiveByWorkerID(ctx context.Context, namespace models.Namespace, workerID string) (int, error)
}
