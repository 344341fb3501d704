package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebus/core/services/broker/application/services"
	"github.com/nodebus/core/services/broker/domain/models"
)

// Node is a facade handle onto a registered models.Node.
// All methods operate within the namespace and worker of the System that
// created it.
type Node struct {
	sys  *System
	node *models.Node

	mu      sync.Mutex
	started bool
}

// ID returns the node's identity.
func (n *Node) ID() uuid.UUID { return n.node.NodeID }

// State reports the node's last-known lifecycle state as observed by this
// process; it does not re-read the registry.
func (n *Node) State() models.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.node.State
}

// Emit sends a new envelope to the namespace's ingress queue and returns
// its messageId. Returns the underlying error, unmodified, on database
// failure after retries.
func (n *Node) Emit(ctx context.Context, eventType models.EventType, payload json.RawMessage, broadcast bool) (string, error) {
	envelope := models.EventEnvelope{
		Namespace:      n.sys.opts.Namespace,
		EventType:      eventType,
		Payload:        payload,
		EmittedAt:      time.Now().UTC(),
		ProducerNodeID: n.node.NodeID.String(),
		Broadcast:      broadcast,
	}
	messageID, err := n.sys.queue.Send(ctx, n.sys.opts.Namespace.IngressQueue(), envelope)
	if err != nil {
		return "", fmt.Errorf("emit: %w", err)
	}
	return messageID, nil
}

// OnEvent records a persistent subscription for eventType and registers
// handler in this process's in-memory handler table.
func (n *Node) OnEvent(ctx context.Context, eventType models.EventType, handler services.Handler) error {
	if err := n.sys.subs.Subscribe(ctx, n.sys.opts.Namespace, eventType, n.node.NodeID, n.sys.opts.WorkerID); err != nil {
		return err
	}
	n.sys.handlers.On(n.node.NodeID, eventType, handler)
	return nil
}

// OffEvent is the inverse of OnEvent.
func (n *Node) OffEvent(ctx context.Context, eventType models.EventType, handler services.Handler) error {
	if err := n.sys.subs.Unsubscribe(ctx, n.sys.opts.Namespace, eventType, n.node.NodeID); err != nil {
		return err
	}
	n.sys.handlers.Off(n.node.NodeID, eventType, handler)
	return nil
}

// ScheduleTask validates and persists task, defaulting its namespace and
// producer to this node.
func (n *Node) ScheduleTask(ctx context.Context, task models.ScheduledTask) error {
	task.Namespace = n.sys.opts.Namespace
	if task.ProducerNodeID == "" {
		task.ProducerNodeID = n.node.NodeID.String()
	}
	return n.sys.scheduler.ScheduleTask(ctx, task)
}

// UnscheduleTask removes a previously scheduled task by name.
func (n *Node) UnscheduleTask(ctx context.Context, name string) error {
	return n.sys.scheduler.UnscheduleTask(ctx, n.sys.opts.Namespace, name)
}

// Start ensures the worker queue exists, marks the node ACTIVE via its
// first heartbeat, and makes it eligible to receive dispatched events in
// the System's shared Consumer Loop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	if err := n.sys.ensureWorkerQueue(ctx); err != nil {
		return fmt.Errorf("start: bootstrap worker queue: %w", err)
	}
	if err := n.sys.registry.Heartbeat(ctx, n.sys.opts.Namespace, n.node.NodeID); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	n.node.State = models.NodeStateActive
	n.sys.consumer.TrackNode(n.node)
	n.started = true
	return nil
}

// Stop signals the Consumer Loop to stop dispatching to this node and
// marks it STOPPED. Best-effort: stop never throws.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}

	n.sys.consumer.UntrackNode(n.node.NodeID)
	n.node.State = models.NodeStateStopped
	if err := n.sys.registry.Stop(ctx, n.sys.opts.Namespace, n.node.NodeID); err != nil {
		n.sys.log.WarnContext(ctx, "node stop: registry update failed", "node_id", n.node.NodeID, "error", err)
	}
	n.started = false
	return nil
}

// Deregister stops this node if still running, then permanently removes it
// and its subscriptions from the registry in one transaction. The Node
// must not be used after this call returns successfully; a subsequent
// ListActiveNodes call in this namespace will omit it.
func (n *Node) Deregister(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.sys.consumer.UntrackNode(n.node.NodeID)
		n.node.State = models.NodeStateStopped
		n.started = false
	}
	n.mu.Unlock()

	n.sys.handlers.RemoveNode(n.node.NodeID)
	if err := n.sys.registry.Deregister(ctx, n.sys.opts.Namespace, n.node.NodeID); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}

	n.sys.mu.Lock()
	delete(n.sys.nodes, n.node.NodeID)
	n.sys.mu.Unlock()
	return nil
}
