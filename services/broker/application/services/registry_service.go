package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nodebus/core/pkg/errs"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/pkg/validator"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// RegistryService orchestrates Node Registry operations.
type RegistryService struct {
	nodes repositories.NodeRegistry
	log   logger.Logger
}

// NewRegistryService returns a RegistryService wired with the given repository.
func NewRegistryService(nodes repositories.NodeRegistry, log logger.Logger) *RegistryService {
	return &RegistryService{nodes: nodes, log: log}
}

// RegisterNode upserts a node row keyed on (namespace, nodeId) and
// returns the REGISTERED aggregate. Returns a *errs.ConfigurationError if
// cfg fails struct-tag validation (missing namespace or workerId).
func (s *RegistryService) RegisterNode(ctx context.Context, cfg models.NodeConfig) (*models.Node, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, &errs.ConfigurationError{Field: "nodeConfig", Cause: err}
	}

	node := models.NewNode(cfg)
	if err := s.nodes.Register(ctx, node); err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	s.log.InfoContext(ctx, "node registered",
		"node_id", node.NodeID, "namespace", node.Namespace, "worker_id", node.WorkerID)
	return node, nil
}

// Heartbeat updates lastHeartbeatAt for nodeID, transitioning it to ACTIVE
// on first call.
func (s *RegistryService) Heartbeat(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	if err := s.nodes.Heartbeat(ctx, namespace, nodeID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Stop transitions nodeID to STOPPED.
func (s *RegistryService) Stop(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	if err := s.nodes.Stop(ctx, namespace, nodeID); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	return nil
}

// Deregister deletes nodeID and its subscriptions in one transaction.
func (s *RegistryService) Deregister(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	if err := s.nodes.Deregister(ctx, namespace, nodeID); err != nil {
		return fmt.Errorf("deregister node: %w", err)
	}
	s.log.InfoContext(ctx, "node deregistered", "node_id", nodeID, "namespace", namespace)
	return nil
}

// ListActiveNodes returns every ACTIVE node in namespace.
func (s *RegistryService) ListActiveNodes(ctx context.Context, namespace models.Namespace) ([]*models.Node, error) {
	nodes, err := s.nodes.ListActiveNodes(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	return nodes, nil
}
