package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeState is the lifecycle state of a registered Node.
type NodeState string

const (
	NodeStateRegistered NodeState = "REGISTERED"
	NodeStateActive     NodeState = "ACTIVE"
	NodeStateStopped    NodeState = "STOPPED"
	NodeStateLost       NodeState = "LOST"
)

// Node is the core aggregate for the registry bounded context: a logical
// application component that emits and/or consumes events. WorkerID
// identifies the OS process hosting it; many nodes may share one WorkerID.
type Node struct {
	NodeID          uuid.UUID
	Namespace       Namespace
	WorkerID        string
	DisplayName     string
	Description     string
	Metadata        map[string]any
	Serial          bool
	State           NodeState
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

// NodeConfig is the caller-supplied configuration for registerNode.
// DisplayName, Description and Metadata are informational only and never
// affect routing. Serial, when true, forbids the consumer loop from
// invoking this node's handlers for two different messages concurrently.
type NodeConfig struct {
	NodeID      uuid.UUID
	Namespace   Namespace `validate:"required"`
	WorkerID    string    `validate:"required"`
	DisplayName string
	Description string
	Metadata    map[string]any
	Serial      bool
}

// NewNode constructs a Node in REGISTERED state from cfg, generating a
// NodeID if the caller did not supply one.
func NewNode(cfg NodeConfig) *Node {
	id := cfg.NodeID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	return &Node{
		NodeID:          id,
		Namespace:       cfg.Namespace,
		WorkerID:        cfg.WorkerID,
		DisplayName:     cfg.DisplayName,
		Description:     cfg.Description,
		Metadata:        cfg.Metadata,
		Serial:          cfg.Serial,
		State:           NodeStateRegistered,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
}

// IsActive reports whether the node is currently serving traffic.
func (n *Node) IsActive() bool {
	return n.State == NodeStateActive
}
