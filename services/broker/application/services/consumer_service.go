package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// ConsumerConfig holds the tunables for the Consumer Loop and its
// heartbeat/reaper sub-tasks.
type ConsumerConfig struct {
	Namespace            models.Namespace
	WorkerID             string
	VisibilityTimeoutSec int
	BatchSize            int
	MaxAttempts          int
	HandlerConcurrency   int
	DedupCapacity        int
	// HandlerTimeout bounds a single handler invocation. Zero defaults to
	// (VisibilityTimeoutSec - 5) seconds in NewConsumerService, so an
	// overrunning handler is cancelled and its message redelivers on the
	// visibility timeout instead of holding a HandlerConcurrency slot forever.
	HandlerTimeout time.Duration
	IdleSleep      time.Duration
	ErrorBackoff         time.Duration
	HeartbeatInterval    time.Duration
	StopGracePeriod      time.Duration

	// ReaperInterval/ReaperLeaseTTL/ReaperGracePeriod are only consulted
	// when a non-nil AdvisoryLocker is passed to NewConsumerService.
	ReaperInterval    time.Duration
	ReaperLeaseTTL    int
	ReaperGracePeriod time.Duration
}

// ConsumerService runs the per-worker Consumer Loop: lease envelopes from
// this worker's queue, dispatch to every locally-registered
// handler for the envelope's eventType, ack on success, leave for
// redelivery on failure, and dead-letter once redeliveryCount reaches
// MaxAttempts. It also owns the worker's heartbeat timer and, when wired
// with an AdvisoryLocker, the cross-process reaper.
type ConsumerService struct {
	queue    repositories.QueueAdapter
	nodes    repositories.NodeRegistry
	locker   repositories.AdvisoryLocker
	handlers *HandlerRegistry
	cfg      ConsumerConfig
	log      logger.Logger
	dedup    *dedupCache

	mu         sync.RWMutex
	localNodes map[uuid.UUID]*models.Node

	serialLocks sync.Map // uuid.UUID -> *sync.Mutex

	reaperMu       sync.Mutex
	graceDeadlines map[string]time.Time // workerID -> earliest time its queue may be dropped
}

// NewConsumerService returns a ConsumerService. locker may be nil to
// disable the reaper sub-task entirely (another process in the
// deployment is expected to run it).
func NewConsumerService(queue repositories.QueueAdapter, nodes repositories.NodeRegistry, locker repositories.AdvisoryLocker, handlers *HandlerRegistry, cfg ConsumerConfig, log logger.Logger) *ConsumerService {
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 30 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		timeoutSec := cfg.VisibilityTimeoutSec - 5
		if timeoutSec < 1 {
			timeoutSec = cfg.VisibilityTimeoutSec
		}
		cfg.HandlerTimeout = time.Duration(timeoutSec) * time.Second
	}
	return &ConsumerService{
		queue:          queue,
		nodes:          nodes,
		locker:         locker,
		handlers:       handlers,
		cfg:            cfg,
		log:            log,
		dedup:          newDedupCache(cfg.DedupCapacity),
		localNodes:     make(map[uuid.UUID]*models.Node),
		graceDeadlines: make(map[string]time.Time),
	}
}

// TrackNode registers node as hosted by this worker process, making it
// eligible to receive dispatched events and heartbeats once ACTIVE.
func (c *ConsumerService) TrackNode(node *models.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localNodes[node.NodeID] = node
}

// UntrackNode removes a node from this worker's local set, e.g. on stop
// or deregister.
func (c *ConsumerService) UntrackNode(nodeID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.localNodes, nodeID)
	c.serialLocks.Delete(nodeID)
}

// Run blocks, consuming this worker's queue and running its heartbeat and
// (if wired) reaper sub-tasks, until ctx is cancelled. In-flight handler
// invocations are given up to cfg.StopGracePeriod to finish before Run
// returns; messages belonging to abandoned handlers redeliver on their
// visibility timeout.
func (c *ConsumerService) Run(ctx context.Context) {
	ctx = logger.WithNamespace(ctx, c.cfg.Namespace.String())
	ctx = logger.WithWorkerID(ctx, c.cfg.WorkerID)

	var wg sync.WaitGroup
	var inFlight sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeLoop(ctx, &inFlight)
	}()

	if c.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeatLoop(ctx)
		}()
	}

	if c.locker != nil && c.cfg.ReaperInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reaperLoop(ctx)
		}()
	}

	wg.Wait()

	done := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.StopGracePeriod):
		c.log.WarnContext(ctx, "consumer: stop grace period elapsed, abandoning in-flight handlers")
	}
}

func (c *ConsumerService) consumeLoop(ctx context.Context, inFlight *sync.WaitGroup) {
	queue := c.cfg.Namespace.WorkerQueue(c.cfg.WorkerID)
	sem := make(chan struct{}, maxInt(c.cfg.HandlerConcurrency, 1))

	for {
		select {
		case <-ctx.Done():
			c.log.InfoContext(ctx, "consumer: stopping", "queue", queue)
			return
		default:
		}

		leased, err := c.queue.Read(ctx, queue, c.cfg.VisibilityTimeoutSec, c.cfg.BatchSize)
		if err != nil {
			c.log.ErrorContext(ctx, "consumer: read failed", "queue", queue, "error", err)
			sleep(ctx, c.cfg.ErrorBackoff)
			continue
		}

		if len(leased) == 0 {
			sleep(ctx, c.cfg.IdleSleep)
			continue
		}

		for _, msg := range leased {
			msg := msg
			sem <- struct{}{}
			inFlight.Add(1)
			go func() {
				defer func() { <-sem; inFlight.Done() }()
				c.handleMessage(ctx, queue, msg)
			}()
		}
	}
}

func (c *ConsumerService) handleMessage(ctx context.Context, queue string, msg repositories.LeasedMessage) {
	tracer := otel.Tracer("nodebus.core.consumer")
	ctx, span := tracer.Start(ctx, "consumer.dispatch")
	defer span.End()

	if c.dedup.Seen(msg.MessageID) {
		c.ack(ctx, queue, msg.MessageID)
		return
	}

	if c.cfg.MaxAttempts > 0 && msg.RedeliveryCount >= c.cfg.MaxAttempts {
		c.log.ErrorContext(ctx, "consumer: redelivery limit reached, moving to dlq",
			"message_id", msg.MessageID, "redelivery_count", msg.RedeliveryCount)
		c.deadLetter(ctx, queue, msg, "redelivery limit reached")
		c.ack(ctx, queue, msg.MessageID)
		return
	}

	envelope := msg.Envelope
	handlerCtx := extractTraceContext(ctx, envelope)
	ec := models.EventContext{
		MessageID:       msg.MessageID,
		RedeliveryCount: msg.RedeliveryCount,
		EmittedAt:       envelope.EmittedAt,
		ProducerNodeID:  envelope.ProducerNodeID,
		Namespace:       envelope.Namespace,
	}

	targets := c.handlers.Lookup(envelope.EventType)
	var lastErr error
	dispatched := false

	for _, d := range targets {
		node := c.activeLocalNode(d.NodeID)
		if node == nil {
			continue
		}
		dispatched = true

		invoke := func() error {
			timeoutCtx, cancel := context.WithTimeout(handlerCtx, c.cfg.HandlerTimeout)
			defer cancel()
			return d.Handler(timeoutCtx, ec, envelope.Payload)
		}
		var err error
		if node.Serial {
			lock := c.serialLockFor(d.NodeID)
			lock.Lock()
			err = invoke()
			lock.Unlock()
		} else {
			err = invoke()
		}
		if err != nil {
			lastErr = err
			c.log.ErrorContext(ctx, "consumer: handler failed",
				"message_id", msg.MessageID, "event_type", envelope.EventType.String(),
				"node_id", d.NodeID, "redelivery_count", msg.RedeliveryCount, "error", err)
		}
	}

	if !dispatched {
		// No locally-active node has a handler for this event type; treat
		// as delivered rather than looping forever on a message nothing
		// here can consume.
		c.ack(ctx, queue, msg.MessageID)
		return
	}

	if lastErr != nil {
		return // leave leased; redeliver on visibility timeout
	}

	c.dedup.Add(msg.MessageID)
	c.ack(ctx, queue, msg.MessageID)
}

func (c *ConsumerService) ack(ctx context.Context, queue, messageID string) {
	if err := c.queue.Delete(ctx, queue, messageID); err != nil {
		c.log.WarnContext(ctx, "consumer: delete failed (message may already be gone)",
			"message_id", messageID, "error", err)
	}
}

func (c *ConsumerService) deadLetter(ctx context.Context, originQueue string, msg repositories.LeasedMessage, lastError string) {
	dl := models.DeadLetter{
		OriginQueue:  originQueue,
		Envelope:     msg.Envelope,
		LastError:    lastError,
		FailedAt:     time.Now().UTC(),
		AttemptCount: msg.RedeliveryCount,
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		c.log.ErrorContext(ctx, "consumer: marshal dead letter failed", "error", err)
		return
	}
	dlqEnvelope := models.EventEnvelope{
		Namespace: c.cfg.Namespace,
		EventType: msg.Envelope.EventType,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	if _, err := c.queue.Send(ctx, c.cfg.Namespace.DLQQueue(), dlqEnvelope); err != nil {
		c.log.ErrorContext(ctx, "consumer: dead letter send failed", "error", err)
	}
}

func (c *ConsumerService) activeLocalNode(nodeID uuid.UUID) *models.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.localNodes[nodeID]
	if !ok || !node.IsActive() {
		return nil
	}
	return node
}

func (c *ConsumerService) serialLockFor(nodeID uuid.UUID) *sync.Mutex {
	actual, _ := c.serialLocks.LoadOrStore(nodeID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (c *ConsumerService) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			ids := make([]uuid.UUID, 0, len(c.localNodes))
			for id, n := range c.localNodes {
				if n.IsActive() {
					ids = append(ids, id)
				}
			}
			c.mu.RUnlock()

			for _, id := range ids {
				if err := c.nodes.Heartbeat(ctx, c.cfg.Namespace, id); err != nil {
					c.log.WarnContext(ctx, "consumer: heartbeat failed", "node_id", id, "error", err)
				}
			}
		}
	}
}

// advisoryLockKey derives a stable lock key for the namespace's reaper
// election. Namespaces are ASCII and length-bounded (models.NewNamespace),
// so a simple polynomial hash is sufficient and deterministic across
// processes without needing to agree on a shared integer out of band.
func advisoryLockKey(namespace models.Namespace) int64 {
	var h int64 = -3750763034362895579 // FNV offset basis 14695981039346656037, as a two's-complement int64
	for _, b := range []byte(namespace.String()) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (c *ConsumerService) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReaperInterval)
	defer ticker.Stop()

	key := advisoryLockKey(c.cfg.Namespace)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reaperTick(ctx, key)
		}
	}
}

func (c *ConsumerService) reaperTick(ctx context.Context, lockKey int64) {
	acquired, err := c.locker.TryLock(ctx, lockKey)
	if err != nil {
		c.log.WarnContext(ctx, "reaper: advisory lock attempt failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := c.locker.Unlock(ctx, lockKey); err != nil {
			c.log.WarnContext(ctx, "reaper: advisory unlock failed", "error", err)
		}
	}()

	cutoff := c.cfg.ReaperLeaseTTL
	if cutoff <= 0 {
		cutoff = 60
	}

	stale, err := c.nodes.ListStaleNodes(ctx, c.cfg.Namespace, cutoff)
	if err != nil {
		c.log.WarnContext(ctx, "reaper: list stale nodes failed", "error", err)
		return
	}

	for _, n := range stale {
		if err := c.nodes.MarkLost(ctx, c.cfg.Namespace, n.NodeID); err != nil {
			c.log.WarnContext(ctx, "reaper: mark lost failed", "node_id", n.NodeID, "error", err)
			continue
		}
		c.log.InfoContext(ctx, "reaper: node marked lost", "node_id", n.NodeID, "worker_id", n.WorkerID)
		c.scheduleGraceDrop(ctx, n.WorkerID)
	}

	c.sweepGraceDrops(ctx)
}

// scheduleGraceDrop records the earliest time workerID's queue may be
// dropped, if it isn't already scheduled. A worker regaining an active
// node before the deadline cancels the drop in sweepGraceDrops.
func (c *ConsumerService) scheduleGraceDrop(ctx context.Context, workerID string) {
	if c.cfg.ReaperGracePeriod <= 0 {
		return
	}
	count, err := c.nodes.CountActiveByWorkerID(ctx, c.cfg.Namespace, workerID)
	if err != nil || count > 0 {
		return
	}
	c.reaperMu.Lock()
	defer c.reaperMu.Unlock()
	if _, exists := c.graceDeadlines[workerID]; !exists {
		c.graceDeadlines[workerID] = time.Now().Add(c.cfg.ReaperGracePeriod)
	}
}

func (c *ConsumerService) sweepGraceDrops(ctx context.Context) {
	c.reaperMu.Lock()
	due := make([]string, 0, len(c.graceDeadlines))
	now := time.Now()
	for workerID, deadline := range c.graceDeadlines {
		if !now.Before(deadline) {
			due = append(due, workerID)
		}
	}
	c.reaperMu.Unlock()

	for _, workerID := range due {
		count, err := c.nodes.CountActiveByWorkerID(ctx, c.cfg.Namespace, workerID)
		c.reaperMu.Lock()
		if err != nil {
			c.reaperMu.Unlock()
			continue
		}
		if count > 0 {
			delete(c.graceDeadlines, workerID) // worker came back; cancel the drop
			c.reaperMu.Unlock()
			continue
		}
		delete(c.graceDeadlines, workerID)
		c.reaperMu.Unlock()

		queue := c.cfg.Namespace.WorkerQueue(workerID)
		if err := c.queue.DropQueue(ctx, queue); err != nil {
			c.log.WarnContext(ctx, "reaper: grace-window queue drop failed", "queue", queue, "error", err)
		} else {
			c.log.InfoContext(ctx, "reaper: grace-window queue dropped", "queue", queue)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
