package services

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nodebus/core/pkg/errs"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/domain/models"
	domainservices "github.com/nodebus/core/services/broker/domain/services"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// RouterConfig holds the Router loop's tunables.
type RouterConfig struct {
	Namespace            models.Namespace
	VisibilityTimeoutSec int
	BatchSize            int
	IdleSleep            time.Duration
	ErrorBackoff         time.Duration
}

// RouterService runs the Router loop: lease envelopes from
// the namespace's ingress queue, resolve the destination worker set, fan
// out, then delete the ingress message. Safe to run as multiple
// concurrent instances — the ingress queue's leasing is mutually
// exclusive per message.
type RouterService struct {
	queue repositories.QueueAdapter
	subs  *SubscriptionService
	cfg   RouterConfig
	log   logger.Logger
}

// NewRouterService returns a RouterService wired with the given queue
// adapter and subscription index.
func NewRouterService(queue repositories.QueueAdapter, subs *SubscriptionService, cfg RouterConfig, log logger.Logger) *RouterService {
	return &RouterService{queue: queue, subs: subs, cfg: cfg, log: log}
}

// Run blocks, fanning out ingress envelopes until ctx is cancelled.
func (r *RouterService) Run(ctx context.Context) {
	ingress := r.cfg.Namespace.IngressQueue()
	ctx = logger.WithNamespace(ctx, r.cfg.Namespace.String())

	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "router: stopping")
			return
		default:
		}

		leased, err := r.queue.Read(ctx, ingress, r.cfg.VisibilityTimeoutSec, r.cfg.BatchSize)
		if err != nil {
			r.log.ErrorContext(ctx, "router: read failed", "queue", ingress, "error", err)
			sleep(ctx, r.cfg.ErrorBackoff)
			continue
		}

		if len(leased) == 0 {
			sleep(ctx, r.cfg.IdleSleep)
			continue
		}

		for _, msg := range leased {
			r.fanOut(ctx, ingress, msg)
		}
	}
}

func (r *RouterService) fanOut(ctx context.Context, ingress string, msg repositories.LeasedMessage) {
	tracer := otel.Tracer("nodebus.core.router")
	ctx, span := tracer.Start(ctx, "router.fanout")
	defer span.End()

	envelope := msg.Envelope
	if envelope.Namespace == "" || envelope.EventType == "" {
		r.log.ErrorContext(ctx, "router: invariant violation, routing to dlq",
			"message_id", msg.MessageID,
			"error", (&errs.InvariantViolation{Reason: "envelope missing namespace or eventType"}).Error(),
		)
		r.deadLetter(ctx, ingress, msg, "invariant violation: missing namespace or eventType", 1)
		r.ackIngress(ctx, ingress, msg.MessageID)
		return
	}

	envelope = injectTraceContext(ctx, envelope)

	destWorkers, err := r.resolveDestinations(ctx, envelope)
	if err != nil {
		r.log.ErrorContext(ctx, "router: routing resolution failed", "message_id", msg.MessageID, "error", err)
		return // leave leased; redeliver on visibility timeout
	}

	if len(destWorkers) == 0 {
		r.log.InfoContext(ctx, "router: no destinations, treating as delivered",
			"message_id", msg.MessageID, "event_type", envelope.EventType, "broadcast", envelope.Broadcast)
		r.ackIngress(ctx, ingress, msg.MessageID)
		return
	}

	for _, workerID := range destWorkers {
		queue := r.cfg.Namespace.WorkerQueue(workerID)
		if _, err := r.queue.SendBatch(ctx, queue, []models.EventEnvelope{envelope}); err != nil {
			r.log.ErrorContext(ctx, "router: fan-out send failed, leaving ingress message for redelivery",
				"message_id", msg.MessageID, "worker_id", workerID, "error", err)
			return // abort: at-least-once via retained ingress lease expiry
		}
	}

	r.ackIngress(ctx, ingress, msg.MessageID)
}

func (r *RouterService) resolveDestinations(ctx context.Context, envelope models.EventEnvelope) ([]string, error) {
	if envelope.Broadcast {
		workers, err := r.subs.LookupAllWorkers(ctx, envelope.Namespace)
		if err != nil {
			return nil, err
		}
		return domainservices.ResolveDestinations(envelope, nil, workers), nil
	}

	subs, err := r.subs.LookupDestinations(ctx, envelope.Namespace, envelope.EventType)
	if err != nil {
		return nil, err
	}
	return domainservices.ResolveDestinations(envelope, subs, nil), nil
}

func (r *RouterService) ackIngress(ctx context.Context, ingress, messageID string) {
	if err := r.queue.Delete(ctx, ingress, messageID); err != nil {
		r.log.WarnContext(ctx, "router: ingress delete failed (message may already be gone)",
			"message_id", messageID, "error", err)
	}
}

// deadLetter best-effort-sends a DeadLetter record to the namespace DLQ.
// Duplicate entries for the same messageId are acceptable: this call never
// blocks the caller's own error handling on its own failure.
func (r *RouterService) deadLetter(ctx context.Context, originQueue string, msg repositories.LeasedMessage, lastError string, attemptCount int) {
	dl := models.DeadLetter{
		OriginQueue:  originQueue,
		Envelope:     msg.Envelope,
		LastError:    lastError,
		FailedAt:     time.Now().UTC(),
		AttemptCount: attemptCount,
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		r.log.ErrorContext(ctx, "router: marshal dead letter failed", "error", err)
		return
	}
	dlqEnvelope := models.EventEnvelope{
		Namespace: r.cfg.Namespace,
		EventType: msg.Envelope.EventType,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	if _, err := r.queue.Send(ctx, r.cfg.Namespace.DLQQueue(), dlqEnvelope); err != nil {
		r.log.ErrorContext(ctx, "router: dead letter send failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// injectTraceContext carries the active span's trace context across the
// ingress -> worker-queue hop by writing the propagator's carrier keys
// into the envelope's Extra bag, the JSON-payload equivalent of carrying
// trace context in message metadata.
func injectTraceContext(ctx context.Context, envelope models.EventEnvelope) models.EventEnvelope {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	out := envelope
	for k, v := range carrier {
		encoded, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out = out.WithExtra(k, encoded)
	}
	return out
}

// extractTraceContext restores a trace context previously injected by
// injectTraceContext, for use by the Consumer Loop when it picks an
// envelope off a worker queue.
func extractTraceContext(ctx context.Context, envelope models.EventEnvelope) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range envelope.Extra {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		carrier.Set(k, s)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
