package facade

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nodebus/core/pkg/config"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/domain"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

func testLogger() logger.Logger {
	return logger.New(&config.Config{LogLevel: "error"})
}

// fakeQueue is a minimal in-process QueueAdapter shared by every test in
// this file; real delivery ordering doesn't matter, only that sends land
// in the right named queue and reads drain it.
type fakeQueue struct {
	mu     sync.Mutex
	queues map[string][]repositories.LeasedMessage
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queues: map[string][]repositories.LeasedMessage{}}
}

func (f *fakeQueue) CreateQueue(_ context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[queue]; !ok {
		f.queues[queue] = nil
	}
	return nil
}
func (f *fakeQueue) DropQueue(context.Context, string) error { return nil }

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

func (f *fakeQueue) Delete(context.Context, string, string) error  { return nil }
func (f *fakeQueue) Archive(context.Context, string, string) error { return nil }

type fakeNodeRegistry struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*models.Node
}

func newFakeNodeRegistry() *fakeNodeRegistry {
	return &fakeNodeRegistry{nodes: map[uuid.UUID]*models.Node{}}
}

func (r *fakeNodeRegistry) Register(ctx context.Context, node *models.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.NodeID] = node
	return nil
}

func (r *fakeNodeRegistry) Heartbeat(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return domain.ErrNodeNotFound
	}
	n.LastHeartbeatAt = time.Now().UTC()
	if n.State == models.NodeStateRegistered {
		n.State = models.NodeStateActive
	}
	return nil
}

func (r *fakeNodeRegistry) Deregister(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
	return nil
}

func (r *fakeNodeRegistry) Stop(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return domain.ErrNodeNotFound
	}
	n.State = models.NodeStateStopped
	return nil
}

func (r *fakeNodeRegistry) GetByID(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) (*models.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, domain.ErrNodeNotFound
	}
	return n, nil
}

func (r *fakeNodeRegistry) ListActiveNodes(ctx context.Context, namespace models.Namespace) ([]*models.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Node
	for _, n := range r.nodes {
		if n.Namespace == namespace && n.State == models.NodeStateActive {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeNodeRegistry) ListStaleNodes(ctx context.Context, namespace models.Namespace, cutoffSeconds int) ([]*models.Node, error) {
	return nil, nil
}

func (r *fakeNodeRegistry) MarkLost(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return nil
}

func (r *fakeNodeRegistry) CountActiveByWorkerID(ctx context.Context, namespace models.Namespace, workerID string) (int, error) {
	return 1, nil
}

type fakeSubscriptionIndex struct {
	mu   sync.Mutex
	subs []models.Subscription
}

func newFakeSubscriptionIndex() *fakeSubscriptionIndex {
	return &fakeSubscriptionIndex{}
}

func (s *fakeSubscriptionIndex) Subscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, models.Subscription{Namespace: namespace, EventType: eventType, NodeID: nodeID, WorkerID: workerID})
	return nil
}

func (s *fakeSubscriptionIndex) Unsubscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.subs[:0]
	for _, sub := range s.subs {
		if sub.Namespace == namespace && sub.EventType == eventType && sub.NodeID == nodeID {
			continue
		}
		filtered = append(filtered, sub)
	}
	s.subs = filtered
	return nil
}

func (s *fakeSubscriptionIndex) LookupDestinations(ctx context.Context, namespace models.Namespace, eventType models.EventType) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Namespace == namespace && sub.EventType == eventType {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeSubscriptionIndex) LookupAllWorkers(ctx context.Context, namespace models.Namespace) ([]string, error) {
	return nil, nil
}

func (s *fakeSubscriptionIndex) RemoveForNode(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	return nil
}

type fakeScheduleStore struct{}

func (f *fakeScheduleStore) Create(context.Context, *models.ScheduledTask) error { return nil }
func (f *fakeScheduleStore) Delete(context.Context, models.Namespace, string) error {
	return nil
}
func (f *fakeScheduleStore) Get(context.Context, models.Namespace, string) (*models.ScheduledTask, error) {
	return nil, domain.ErrScheduleNotFound
}
func (f *fakeScheduleStore) List(context.Context, models.Namespace) ([]*models.ScheduledTask, error) {
	return nil, nil
}

func testDeps() (Dependencies, *fakeQueue) {
	queue := newFakeQueue()
	return Dependencies{
		Queue:         queue,
		Nodes:         newFakeNodeRegistry(),
		Subscriptions: newFakeSubscriptionIndex(),
		Schedules:     &fakeScheduleStore{},
	}, queue
}

func testNamespace(t *testing.T) models.Namespace {
	t.Helper()
	ns, err := models.NewNamespace("orders")
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	return ns
}

func TestConnect_BootstrapsIngressAndDLQQueues(t *testing.T) {
	deps, queue := testDeps()
	ns := testNamespace(t)
	sys, err := Connect(context.Background(), deps, Options{Namespace: ns, WorkerID: "w1"}, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sys.Close(context.Background())

	queue.mu.Lock()
	_, hasIngress := queue.queues[ns.IngressQueue()]
	_, hasDLQ := queue.queues[ns.DLQQueue()]
	queue.mu.Unlock()
	if !hasIngress || !hasDLQ {
		t.Fatalf("expected both ingress and dlq queues bootstrapped, got ingress=%v dlq=%v", hasIngress, hasDLQ)
	}
}

func TestSystem_EndToEnd_EmitRoutesToSubscribedHandler(t *testing.T) {
	deps, _ := testDeps()
	ns := testNamespace(t)
	sys, err := Connect(context.Background(), deps, Options{
		Namespace: ns, WorkerID: "w1", RunRouter: true,
		IdleSleepMs: 5, ErrorBackoffMs: 5,
	}, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sys.Close(context.Background())

	node, err := sys.RegisterNode(context.Background(), models.NodeConfig{})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	received := make(chan string, 1)
	handler := func(ctx context.Context, ec models.EventContext, payload json.RawMessage) error {
		received <- string(payload)
		return nil
	}
	if err := node.OnEvent(context.Background(), "order.created", handler); err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := node.Emit(context.Background(), "order.created", json.RawMessage(`"hello"`), false); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case payload := <-received:
		if payload != `"hello"` {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}
}

func TestNode_Deregister_RemovesNodeFromActiveList(t *testing.T) {
	deps, _ := testDeps()
	ns := testNamespace(t)
	sys, err := Connect(context.Background(), deps, Options{Namespace: ns, WorkerID: "w1"}, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sys.Close(context.Background())

	node, err := sys.RegisterNode(context.Background(), models.NodeConfig{})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	active, err := sys.ListActiveNodes(context.Background())
	if err != nil {
		t.Fatalf("ListActiveNodes: %v", err)
	}
	if len(active) != 1 || active[0].NodeID != node.ID() {
		t.Fatalf("expected node %s to be active, got %v", node.ID(), active)
	}

	if err := node.Deregister(context.Background()); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	active, err = sys.ListActiveNodes(context.Background())
	if err != nil {
		t.Fatalf("ListActiveNodes: %v", err)
	}
	for _, n := range active {
		if n.NodeID == node.ID() {
			t.Fatalf("expected node %s to be omitted after deregister, still active: %v", node.ID(), active)
		}
	}
}
