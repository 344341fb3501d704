// Package postgres implements the broker's domain repository interfaces
// against PostgreSQL, hand-written over database/sql rather than
// sqlc-generated, using pkg/database.WithTx for transactional operations
// and pgconn.PgError code inspection for constraint-violation translation.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/services/broker/domain"
	"github.com/nodebus/core/services/broker/domain/models"
)

// NodeRepository implements repositories.NodeRegistry against PostgreSQL.
type NodeRepository struct {
	db *database.Database
}

// NewNodeRepository returns a NodeRepository backed by db.
func NewNodeRepository(db *database.Database) *NodeRepository {
	return &NodeRepository{db: db}
}

// Register upserts a node row keyed on (namespace, node_id), rejecting a
// re-registration while the existing row is in a non-STOPPED state.
func (r *NodeRepository) Register(ctx context.Context, node *models.Node) error {
	metadata, err := json.Marshal(node.Metadata)
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}

	// ON CONFLICT's WHERE clause makes re-registering a non-STOPPED node a
	// silent no-op (0 rows affected) rather than a constraint violation, so
	// the already-registered check below is RowsAffected-based, not
	// pgconn.PgError-based.
	return r.db.Retry(ctx, func() error {
		res, err := r.db.DB().ExecContext(ctx, `
			INSERT INTO nodes (namespace, node_id, worker_id, display_name, description, metadata, serial, state, registered_at, last_heartbeat_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (namespace, node_id) DO UPDATE
				SET worker_id = EXCLUDED.worker_id,
					display_name = EXCLUDED.display_name,
					description = EXCLUDED.description,
					metadata = EXCLUDED.metadata,
					serial = EXCLUDED.serial,
					state = EXCLUDED.state,
					registered_at = EXCLUDED.registered_at,
					last_heartbeat_at = EXCLUDED.last_heartbeat_at
			WHERE nodes.state = 'STOPPED'
		`,
			node.Namespace.String(), node.NodeID, node.WorkerID, node.DisplayName, node.Description,
			metadata, node.Serial, string(node.State), node.RegisteredAt, node.LastHeartbeatAt,
		)
		if err != nil {
			return fmt.Errorf("register node: %w", err)
		}
		return requireOneRow(res, domain.ErrNodeAlreadyRegistered)
	})
}

// Heartbeat updates last_heartbeat_at and transitions REGISTERED -> ACTIVE
// on first call.
func (r *NodeRepository) Heartbeat(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return r.db.Retry(ctx, func() error {
		res, err := r.db.DB().ExecContext(ctx, `
			UPDATE nodes
			SET last_heartbeat_at = now(),
				state = CASE WHEN state = 'REGISTERED' THEN 'ACTIVE' ELSE state END
			WHERE namespace = $1 AND node_id = $2
		`, namespace.String(), nodeID)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		return requireOneRow(res, domain.ErrNodeNotFound)
	})
}

// Deregister deletes the node and its subscriptions in one transaction.
func (r *NodeRepository) Deregister(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE namespace = $1 AND node_id = $2`, namespace.String(), nodeID); err != nil {
			return fmt.Errorf("delete subscriptions: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE namespace = $1 AND node_id = $2`, namespace.String(), nodeID)
		if err != nil {
			return fmt.Errorf("delete node: %w", err)
		}
		return requireOneRow(res, domain.ErrNodeNotFound)
	})
}

// Stop transitions a node to STOPPED.
func (r *NodeRepository) Stop(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return r.db.Retry(ctx, func() error {
		res, err := r.db.DB().ExecContext(ctx, `
			UPDATE nodes SET state = 'STOPPED' WHERE namespace = $1 AND node_id = $2
		`, namespace.String(), nodeID)
		if err != nil {
			return fmt.Errorf("stop node: %w", err)
		}
		return requireOneRow(res, domain.ErrNodeNotFound)
	})
}

// GetByID retrieves a single node.
func (r *NodeRepository) GetByID(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) (*models.Node, error) {
	var node *models.Node
	err := r.db.Retry(ctx, func() error {
		row := r.db.DB().QueryRowContext(ctx, `
			SELECT node_id, worker_id, display_name, description, metadata, serial, state, registered_at, last_heartbeat_at
			FROM nodes WHERE namespace = $1 AND node_id = $2
		`, namespace.String(), nodeID)
		n, scanErr := scanNode(row, namespace)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return domain.ErrNodeNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("get node: %w", scanErr)
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ListActiveNodes returns every ACTIVE node in namespace.
func (r *NodeRepository) ListActiveNodes(ctx context.Context, namespace models.Namespace) ([]*models.Node, error) {
	return r.queryNodes(ctx, `
		SELECT node_id, worker_id, display_name, description, metadata, serial, state, registered_at, last_heartbeat_at
		FROM nodes WHERE namespace = $1 AND state = 'ACTIVE'
	`, namespace.String())
}

// ListStaleNodes returns ACTIVE nodes whose last_heartbeat_at predates
// now() - cutoffSeconds.
func (r *NodeRepository) ListStaleNodes(ctx context.Context, namespace models.Namespace, cutoffSeconds int) ([]*models.Node, error) {
	return r.queryNodes(ctx, `
		SELECT node_id, worker_id, display_name, description, metadata, serial, state, registered_at, last_heartbeat_at
		FROM nodes
		WHERE namespace = $1 AND state = 'ACTIVE' AND last_heartbeat_at < now() - make_interval(secs => $2)
	`, namespace.String(), cutoffSeconds)
}

// MarkLost transitions a node to LOST state.
func (r *NodeRepository) MarkLost(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return r.db.Retry(ctx, func() error {
		res, err := r.db.DB().ExecContext(ctx, `
			UPDATE nodes SET state = 'LOST' WHERE namespace = $1 AND node_id = $2
		`, namespace.String(), nodeID)
		if err != nil {
			return fmt.Errorf("mark lost: %w", err)
		}
		return requireOneRow(res, domain.ErrNodeNotFound)
	})
}

// CountActiveByWorkerID reports how many ACTIVE nodes remain for workerID.
func (r *NodeRepository) CountActiveByWorkerID(ctx context.Context, namespace models.Namespace, workerID string) (int, error) {
	var count int
	err := r.db.Retry(ctx, func() error {
		return r.db.DB().QueryRowContext(ctx, `
			SELECT count(*) FROM nodes WHERE namespace = $1 AND worker_id = $2 AND state = 'ACTIVE'
		`, namespace.String(), workerID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count active nodes: %w", err)
	}
	return count, nil
}

func (r *NodeRepository) queryNodes(ctx context.Context, query string, args ...any) ([]*models.Node, error) {
	var nodes []*models.Node
	err := r.db.Retry(ctx, func() error {
		nodes = nil
		rows, err := r.db.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query nodes: %w", err)
		}
		defer rows.Close()

		namespace := models.Namespace(fmt.Sprint(args[0]))
		for rows.Next() {
			node, err := scanNodeRow(rows, namespace)
			if err != nil {
				return fmt.Errorf("scan node: %w", err)
			}
			nodes = append(nodes, node)
		}
		return rows.Err()
	})
	return nodes, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner, namespace models.Namespace) (*models.Node, error) {
	return scanNodeRow(row, namespace)
}

func scanNodeRow(row rowScanner, namespace models.Namespace) (*models.Node, error) {
	var (
		n        models.Node
		metadata []byte
		state    string
	)
	n.Namespace = namespace
	if err := row.Scan(&n.NodeID, &n.WorkerID, &n.DisplayName, &n.Description, &metadata, &n.Serial, &state, &n.RegisteredAt, &n.LastHeartbeatAt); err != nil {
		return nil, err
	}
	n.State = models.NodeState(state)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal node metadata: %w", err)
		}
	}
	return &n, nil
}

func requireOneRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
