package services

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nodebus/core/services/broker/domain/models"
)

// Handler processes one event's payload for one node. ctx carries the
// restored trace context (if any was propagated from the producer) plus
// the dispatch-core's namespace/worker_id logging annotations.
type Handler func(ctx context.Context, ec models.EventContext, payload json.RawMessage) error

// HandlerDescriptor pairs a registered Handler with the node that owns it,
// so the Consumer Loop can group invocations by node and the facade can
// remove a specific registration.
type HandlerDescriptor struct {
	NodeID  uuid.UUID
	Handler Handler
}

// HandlerRegistry is a concurrent map from event-type string to an
// immutable list of handler descriptors. Readers never block writers and
// vice versa: mutation replaces the whole map via atomic swap rather than
// locking individual entries.
type HandlerRegistry struct {
	mu    sync.Mutex // serializes writers only; readers use the atomic load
	table atomic.Pointer[map[string][]HandlerDescriptor]
}

// NewHandlerRegistry returns an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{}
	empty := map[string][]HandlerDescriptor{}
	r.table.Store(&empty)
	return r
}

// On registers handler for eventType under nodeID.
func (r *HandlerRegistry) On(nodeID uuid.UUID, eventType models.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.table.Load()
	next := make(map[string][]HandlerDescriptor, len(current))
	for k, v := range current {
		next[k] = v
	}
	key := eventType.String()
	next[key] = append(append([]HandlerDescriptor{}, next[key]...), HandlerDescriptor{NodeID: nodeID, Handler: handler})
	r.table.Store(&next)
}

// Off removes handler's registration for eventType under nodeID.
// Handler identity is compared by function pointer (reflect), the
// conventional best-effort equality check for Go func values.
func (r *HandlerRegistry) Off(nodeID uuid.UUID, eventType models.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.table.Load()
	key := eventType.String()
	existing := current[key]
	if len(existing) == 0 {
		return
	}

	target := reflect.ValueOf(handler).Pointer()
	filtered := make([]HandlerDescriptor, 0, len(existing))
	for _, d := range existing {
		if d.NodeID == nodeID && reflect.ValueOf(d.Handler).Pointer() == target {
			continue
		}
		filtered = append(filtered, d)
	}

	next := make(map[string][]HandlerDescriptor, len(current))
	for k, v := range current {
		next[k] = v
	}
	if len(filtered) == 0 {
		delete(next, key)
	} else {
		next[key] = filtered
	}
	r.table.Store(&next)
}

// RemoveNode removes every handler registered by nodeID, regardless of
// event type. Called when a node stops or deregisters.
func (r *HandlerRegistry) RemoveNode(nodeID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.table.Load()
	next := make(map[string][]HandlerDescriptor, len(current))
	for eventType, descriptors := range current {
		filtered := make([]HandlerDescriptor, 0, len(descriptors))
		for _, d := range descriptors {
			if d.NodeID != nodeID {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) > 0 {
			next[eventType] = filtered
		}
	}
	r.table.Store(&next)
}

// Lookup returns the handler descriptors registered for eventType. The
// returned slice must be treated as immutable by the caller.
func (r *HandlerRegistry) Lookup(eventType models.EventType) []HandlerDescriptor {
	table := *r.table.Load()
	return table[eventType.String()]
}
