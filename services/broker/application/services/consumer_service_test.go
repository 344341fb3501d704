package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// fakeQueue is a minimal in-process QueueAdapter backed by per-queue slices, enough
// to drive the Consumer Loop without a database.
type fakeQueue struct {
	mu      sync.Mutex
	queues  map[string][]repositories.LeasedMessage
	deleted map[string][]string
	nextID  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queues: map[string][]repositories.LeasedMessage{}, deleted: map[string][]string{}}
}

func (f *fakeQueue) CreateQueue(context.Context, string) error { return nil }
func (f *fakeQueue) DropQueue(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, queue)
	return nil
}

func (f *fakeQueue) Send(ctx context.Context, queue string, envelope models.EventEnvelope) (string, error) {
	ids, err := f.SendBatch(ctx, queue, []models.EventEnvelope{envelope})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (f *fakeQueue) SendBatch(ctx context.Context, queue string, envelopes []models.EventEnvelope) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(envelopes))
	for i, e := range envelopes {
		f.nextID++
		id := uuid.New().String()
		e.MessageID = id
		f.queues[queue] = append(f.queues[queue], repositories.LeasedMessage{MessageID: id, Envelope: e})
		ids[i] = id
	}
	return ids, nil
}

func (f *fakeQueue) Read(ctx context.Context, queue string, _ int, batchSize int) ([]repositories.LeasedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.queues[queue]
	if len(msgs) > batchSize {
		msgs = msgs[:batchSize]
	}
	out := make([]repositories.LeasedMessage, len(msgs))
	copy(out, msgs)
	f.queues[queue] = f.queues[queue][len(out):]
	return out, nil
}

func (f *fakeQueue) Delete(ctx context.Context, queue string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[queue] = append(f.deleted[queue], messageID)
	return nil
}

func (f *fakeQueue) Archive(ctx context.Context, queue string, messageID string) error {
	return f.Delete(ctx, queue, messageID)
}

func (f *fakeQueue) pending(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[queue])
}

func (f *fakeQueue) deletedCount(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted[queue])
}

// fakeNodeRegistry is an in-memory NodeRegistry stub sufficient for the
// Consumer Loop's heartbeat/reaper paths.
type fakeNodeRegistry struct {
	mu            sync.Mutex
	heartbeatErr  error
	heartbeatHits int
}

func (r *fakeNodeRegistry) Register(context.Context, *models.Node) error { return nil }
func (r *fakeNodeRegistry) Heartbeat(context.Context, models.Namespace, uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatHits++
	return r.heartbeatErr
}
func (r *fakeNodeRegistry) Deregister(context.Context, models.Namespace, uuid.UUID) error { return nil }
func (r *fakeNodeRegistry) Stop(context.Context, models.Namespace, uuid.UUID) error        { return nil }
func (r *fakeNodeRegistry) GetByID(context.Context, models.Namespace, uuid.UUID) (*models.Node, error) {
	return nil, nil
}
func (r *fakeNodeRegistry) ListActiveNodes(context.Context, models.Namespace) ([]*models.Node, error) {
	return nil, nil
}
func (r *fakeNodeRegistry) ListStaleNodes(context.Context, models.Namespace, int) ([]*models.Node, error) {
	return nil, nil
}
func (r *fakeNodeRegistry) MarkLost(context.Context, models.Namespace, uuid.UUID) error { return nil }
func (r *fakeNodeRegistry) CountActiveByWorkerID(context.Context, models.Namespace, string) (int, error) {
	return 1, nil
}

func testNamespace(t *testing.T) models.Namespace {
	t.Helper()
	ns, err := models.NewNamespace("orders")
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	return ns
}

func baseConfig(t *testing.T) ConsumerConfig {
	return ConsumerConfig{
		Namespace:            testNamespace(t),
		WorkerID:             "w1",
		VisibilityTimeoutSec: 30,
		BatchSize:            10,
		MaxAttempts:          5,
		HandlerConcurrency:   4,
		IdleSleep:            5 * time.Millisecond,
		ErrorBackoff:         5 * time.Millisecond,
	}
}

func TestConsumerService_SuccessfulHandlerAcksMessage(t *testing.T) {
	queue := newFakeQueue()
	cfg := baseConfig(t)
	workerQueue := cfg.Namespace.WorkerQueue(cfg.WorkerID)

	handlers := NewHandlerRegistry()
	nodeID := uuid.New()
	var invoked int32
	var mu sync.Mutex
	handlers.On(nodeID, models.EventType("order.created"), func(ctx context.Context, ec models.EventContext, payload json.RawMessage) error {
		mu.Lock()
		invoked++
		mu.Unlock()
		return nil
	})

	cs := NewConsumerService(queue, &fakeNodeRegistry{}, nil, handlers, cfg, noopLogger())
	cs.TrackNode(&models.Node{NodeID: nodeID, State: models.NodeStateActive})

	envelope := models.EventEnvelope{Namespace: cfg.Namespace, EventType: "order.created", Payload: json.RawMessage(`{}`)}
	if _, err := queue.Send(context.Background(), workerQueue, envelope); err != nil {
		t.Fatalf("seed send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cs.Run(ctx)

	mu.Lock()
	got := invoked
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected handler invoked once, got %d", got)
	}
	if queue.deletedCount(workerQueue) != 1 {
		t.Fatalf("expected message acked, deleted count = %d", queue.deletedCount(workerQueue))
	}
}

func TestConsumerService_FailedHandlerLeavesMessageLeased(t *testing.T) {
	queue := newFakeQueue()
	cfg := baseConfig(t)
	workerQueue := cfg.Namespace.WorkerQueue(cfg.WorkerID)

	handlers := NewHandlerRegistry()
	nodeID := uuid.New()
	handlers.On(nodeID, models.EventType("order.created"), func(ctx context.Context, ec models.EventContext, payload json.RawMessage) error {
		return errHandlerFailed
	})

	cs := NewConsumerService(queue, &fakeNodeRegistry{}, nil, handlers, cfg, noopLogger())
	cs.TrackNode(&models.Node{NodeID: nodeID, State: models.NodeStateActive})

	envelope := models.EventEnvelope{Namespace: cfg.Namespace, EventType: "order.created", Payload: json.RawMessage(`{}`)}
	if _, err := queue.Send(context.Background(), workerQueue, envelope); err != nil {
		t.Fatalf("seed send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	cs.Run(ctx)

	if queue.deletedCount(workerQueue) != 0 {
		t.Fatalf("expected message left un-acked, deleted count = %d", queue.deletedCount(workerQueue))
	}
}

func TestConsumerService_RedeliveryLimitDeadLetters(t *testing.T) {
	queue := newFakeQueue()
	cfg := baseConfig(t)
	cfg.MaxAttempts = 5
	workerQueue := cfg.Namespace.WorkerQueue(cfg.WorkerID)

	handlers := NewHandlerRegistry()
	cs := NewConsumerService(queue, &fakeNodeRegistry{}, nil, handlers, cfg, noopLogger())

	envelope := models.EventEnvelope{Namespace: cfg.Namespace, EventType: "order.created", Payload: json.RawMessage(`{}`)}
	queue.mu.Lock()
	queue.queues[workerQueue] = append(queue.queues[workerQueue], repositories.LeasedMessage{
		MessageID: "redelivered-message", RedeliveryCount: 5, Envelope: envelope,
	})
	queue.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	cs.Run(ctx)

	if queue.deletedCount(workerQueue) != 1 {
		t.Fatalf("expected original message acked after dead-lettering, got %d", queue.deletedCount(workerQueue))
	}
	if queue.pending(cfg.Namespace.DLQQueue()) != 1 {
		t.Fatalf("expected one dead letter, got %d", queue.pending(cfg.Namespace.DLQQueue()))
	}
}

func TestConsumerService_HeartbeatLoopCallsRegistry(t *testing.T) {
	queue := newFakeQueue()
	cfg := baseConfig(t)
	cfg.HeartbeatInterval = 10 * time.Millisecond

	registry := &fakeNodeRegistry{}
	handlers := NewHandlerRegistry()
	cs := NewConsumerService(queue, registry, nil, handlers, cfg, noopLogger())
	cs.TrackNode(&models.Node{NodeID: uuid.New(), State: models.NodeStateActive})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cs.Run(ctx)

	registry.mu.Lock()
	hits := registry.heartbeatHits
	registry.mu.Unlock()
	if hits == 0 {
		t.Fatal("expected at least one heartbeat call")
	}
}

var errHandlerFailed = &testHandlerError{"handler failure"}

type testHandlerError struct{ msg string }

func (e *testHandlerError) Error() string { return e.msg }
