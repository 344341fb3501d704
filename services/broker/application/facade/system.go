// Package facade exposes the broker's public entry point:
// System.connect/registerNode/close and the Node methods a host process
// uses to emit, subscribe to, schedule, start and stop events. It wires
// together the application-layer services without knowing anything about
// Postgres, pgmq or pg_cron — those belong to the infrastructure layer a
// process assembles into a facade.Dependencies value before calling Connect.
package facade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/application/services"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// Options configures a System.
type Options struct {
	Namespace models.Namespace
	// Application is an informational tag recorded on registered nodes.
	Application string
	// WorkerID identifies the OS process hosting this System. Every node
	// it registers shares this WorkerID and, in turn, one worker queue.
	WorkerID string

	VisibilityTimeoutSec     int
	BatchSize                int
	MaxAttempts              int
	HandlerConcurrency       int
	LeaseTTLSeconds          int
	HeartbeatIntervalSeconds int
	ReaperGraceSeconds       int
	IdleSleepMs              int
	ErrorBackoffMs           int
	DedupCapacity            int
	// HandlerTimeoutSec bounds a single handler invocation. Zero defaults
	// to (VisibilityTimeoutSec - 5) seconds.
	HandlerTimeoutSec int

	// RunRouter starts this process's Router loop fanning out the
	// namespace's ingress queue. Typically true only in a dedicated
	// router process, not in every worker.
	RunRouter bool
	// RunReaper makes this process a candidate for the Consumer Loop's
	// reaper election. Requires Dependencies.Locker.
	RunReaper bool
}

func applyDefaults(o Options) Options {
	if o.VisibilityTimeoutSec <= 0 {
		o.VisibilityTimeoutSec = 30
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HandlerConcurrency <= 0 {
		o.HandlerConcurrency = o.BatchSize
	}
	if o.LeaseTTLSeconds <= 0 {
		o.LeaseTTLSeconds = 60
	}
	if o.HeartbeatIntervalSeconds <= 0 {
		o.HeartbeatIntervalSeconds = 15
	}
	if o.ReaperGraceSeconds <= 0 {
		o.ReaperGraceSeconds = 300
	}
	if o.IdleSleepMs <= 0 {
		o.IdleSleepMs = 1000
	}
	if o.ErrorBackoffMs <= 0 {
		o.ErrorBackoffMs = 2000
	}
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = 4096
	}
	return o
}

// Dependencies bundles the infrastructure-layer implementations a System
// is wired with. Assembling concrete Postgres/pgmq/pg_cron-backed
// instances is a cmd/ concern, not the facade's.
type Dependencies struct {
	Queue         repositories.QueueAdapter
	Nodes         repositories.NodeRegistry
	Subscriptions repositories.SubscriptionIndex
	Schedules     repositories.ScheduleStore
	// Locker enables the reaper when Options.RunReaper is also true.
	Locker repositories.AdvisoryLocker
	// Redis enables cross-instance subscription-cache invalidation.
	// Nil disables the broadcast; the local TTL cache still expires.
	Redis *redis.Client
}

// System is the root of the broker's public facade.
type System struct {
	opts Options
	log  logger.Logger

	queue     repositories.QueueAdapter
	registry  *services.RegistryService
	subs      *services.SubscriptionService
	scheduler *services.SchedulerService
	handlers  *services.HandlerRegistry
	consumer  *services.ConsumerService
	router    *services.RouterService

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	nodes map[uuid.UUID]*Node

	workerQueueMu    sync.Mutex
	workerQueueReady bool
}

// Connect bootstraps the namespace's ingress and DLQ queues, wires the
// application-layer services, and starts this process's background loops
// (subscription-cache invalidation listener always; Router and reaper
// candidacy per Options). It does not start any node's handlers — call
// Node.Start for that.
func Connect(ctx context.Context, deps Dependencies, opts Options, log logger.Logger) (*System, error) {
	opts = applyDefaults(opts)

	if err := deps.Queue.CreateQueue(ctx, opts.Namespace.IngressQueue()); err != nil {
		return nil, fmt.Errorf("connect: bootstrap ingress queue: %w", err)
	}
	if err := deps.Queue.CreateQueue(ctx, opts.Namespace.DLQQueue()); err != nil {
		return nil, fmt.Errorf("connect: bootstrap dlq queue: %w", err)
	}

	subs := services.NewSubscriptionService(deps.Subscriptions, deps.Redis, log, time.Second)
	handlers := services.NewHandlerRegistry()

	consumerCfg := services.ConsumerConfig{
		Namespace:            opts.Namespace,
		WorkerID:             opts.WorkerID,
		VisibilityTimeoutSec: opts.VisibilityTimeoutSec,
		BatchSize:            opts.BatchSize,
		MaxAttempts:          opts.MaxAttempts,
		HandlerConcurrency:   opts.HandlerConcurrency,
		DedupCapacity:        opts.DedupCapacity,
		HandlerTimeout:       time.Duration(opts.HandlerTimeoutSec) * time.Second,
		IdleSleep:            time.Duration(opts.IdleSleepMs) * time.Millisecond,
		ErrorBackoff:         time.Duration(opts.ErrorBackoffMs) * time.Millisecond,
		HeartbeatInterval:    time.Duration(opts.HeartbeatIntervalSeconds) * time.Second,
		ReaperLeaseTTL:       opts.LeaseTTLSeconds,
		ReaperGracePeriod:    time.Duration(opts.ReaperGraceSeconds) * time.Second,
	}

	var locker repositories.AdvisoryLocker
	if opts.RunReaper && deps.Locker != nil {
		locker = deps.Locker
		consumerCfg.ReaperInterval = time.Duration(opts.LeaseTTLSeconds) * time.Second / 2
		if consumerCfg.ReaperInterval <= 0 {
			consumerCfg.ReaperInterval = 15 * time.Second
		}
	}

	consumer := services.NewConsumerService(deps.Queue, deps.Nodes, locker, handlers, consumerCfg, log)

	sys := &System{
		opts:      opts,
		log:       log,
		queue:     deps.Queue,
		registry:  services.NewRegistryService(deps.Nodes, log),
		subs:      subs,
		scheduler: services.NewSchedulerService(deps.Schedules, log),
		handlers:  handlers,
		consumer:  consumer,
		nodes:     make(map[uuid.UUID]*Node),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sys.cancel = cancel

	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		subs.StartInvalidationListener(runCtx)
	}()

	if opts.RunRouter {
		routerCfg := services.RouterConfig{
			Namespace:            opts.Namespace,
			VisibilityTimeoutSec: opts.VisibilityTimeoutSec,
			BatchSize:            opts.BatchSize,
			IdleSleep:            consumerCfg.IdleSleep,
			ErrorBackoff:         consumerCfg.ErrorBackoff,
		}
		sys.router = services.NewRouterService(deps.Queue, subs, routerCfg, log)
		sys.wg.Add(1)
		go func() {
			defer sys.wg.Done()
			sys.router.Run(runCtx)
		}()
	}

	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		consumer.Run(runCtx)
	}()

	return sys, nil
}

// RegisterNode upserts a Node in the namespace this System was connected
// to, pinning its WorkerID to this process's, and returns a facade handle
// for it.
func (s *System) RegisterNode(ctx context.Context, cfg models.NodeConfig) (*Node, error) {
	cfg.Namespace = s.opts.Namespace
	cfg.WorkerID = s.opts.WorkerID
	if s.opts.Application != "" {
		if cfg.Metadata == nil {
			cfg.Metadata = make(map[string]any, 1)
		}
		if _, ok := cfg.Metadata["application"]; !ok {
			cfg.Metadata["application"] = s.opts.Application
		}
	}

	node, err := s.registry.RegisterNode(ctx, cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{sys: s, node: node}
	s.mu.Lock()
	s.nodes[node.NodeID] = n
	s.mu.Unlock()
	return n, nil
}

// ListActiveNodes returns every ACTIVE node in this System's namespace, as
// currently recorded by the registry.
func (s *System) ListActiveNodes(ctx context.Context) ([]*models.Node, error) {
	return s.registry.ListActiveNodes(ctx, s.opts.Namespace)
}

// ensureWorkerQueue creates this System's worker queue on first use,
// shared by every node it registers.
func (s *System) ensureWorkerQueue(ctx context.Context) error {
	s.workerQueueMu.Lock()
	defer s.workerQueueMu.Unlock()
	if s.workerQueueReady {
		return nil
	}
	if err := s.queue.CreateQueue(ctx, s.opts.Namespace.WorkerQueue(s.opts.WorkerID)); err != nil {
		return err
	}
	s.workerQueueReady = true
	return nil
}

// Close stops every locally-registered node, then this System's
// background loops, giving in-flight work up to each loop's own grace
// period. Best-effort: close never throws.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	for _, n := range nodes {
		_ = n.Stop(ctx)
	}

	s.cancel()
	s.wg.Wait()
	return nil
}
