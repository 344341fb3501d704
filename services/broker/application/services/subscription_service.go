package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// invalidationChannel is the Redis pub/sub channel every SubscriptionService
// instance in a deployment listens on to invalidate its local TTL cache the
// instant any instance subscribes or unsubscribes, instead of waiting out
// the TTL.
const invalidationChannel = "broker.subscriptions.invalidate"

type invalidationMessage struct {
	Namespace string `json:"namespace"`
	EventType string `json:"eventType"`
}

type cacheEntry struct {
	destinations []models.Subscription
	workers      []string
	expiresAt    time.Time
}

// SubscriptionService wraps a SubscriptionIndex repository with a
// per-process TTL cache (default 1s) and, when a Redis client is supplied,
// a pub/sub invalidation broadcast so multiple Router instances stay
// coherent without waiting for the TTL to lapse.
type SubscriptionService struct {
	repo  repositories.SubscriptionIndex
	redis *redis.Client
	log   logger.Logger
	ttl   time.Duration

	mu          sync.RWMutex
	destCache   map[string]cacheEntry
	workerCache map[string]cacheEntry
}

// NewSubscriptionService returns a SubscriptionService wired with repo and
// an optional Redis client. A nil redisClient disables cross-instance
// invalidation; the local cache still expires after ttl.
func NewSubscriptionService(repo repositories.SubscriptionIndex, redisClient *redis.Client, log logger.Logger, ttl time.Duration) *SubscriptionService {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &SubscriptionService{
		repo:        repo,
		redis:       redisClient,
		log:         log,
		ttl:         ttl,
		destCache:   make(map[string]cacheEntry),
		workerCache: make(map[string]cacheEntry),
	}
}

// StartInvalidationListener blocks, processing invalidation broadcasts
// from other instances, until ctx is cancelled. No-ops if no Redis client
// was supplied. Intended to run in its own goroutine.
func (s *SubscriptionService) StartInvalidationListener(ctx context.Context) {
	if s.redis == nil {
		return
	}
	sub := s.redis.Subscribe(ctx, invalidationChannel)
	defer sub.Close() //nolint:errcheck

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				s.log.WarnContext(ctx, "subscription cache: malformed invalidation message", "error", err)
				continue
			}
			s.invalidateLocal(inv.Namespace, inv.EventType)
		}
	}
}

// Subscribe records a subscription and invalidates the cache for
// (namespace, eventType) locally and, when Redis is wired, across every
// other instance.
func (s *SubscriptionService) Subscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID, workerID string) error {
	if err := s.repo.Subscribe(ctx, namespace, eventType, nodeID, workerID); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.broadcastInvalidation(ctx, namespace.String(), eventType.String())
	return nil
}

// Unsubscribe removes a subscription and invalidates the cache.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, namespace models.Namespace, eventType models.EventType, nodeID uuid.UUID) error {
	if err := s.repo.Unsubscribe(ctx, namespace, eventType, nodeID); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	s.broadcastInvalidation(ctx, namespace.String(), eventType.String())
	return nil
}

// LookupDestinations returns the Subscription rows matching (namespace,
// eventType), serving from the local cache when fresh.
func (s *SubscriptionService) LookupDestinations(ctx context.Context, namespace models.Namespace, eventType models.EventType) ([]models.Subscription, error) {
	key := destCacheKey(namespace.String(), eventType.String())

	s.mu.RLock()
	entry, ok := s.destCache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.destinations, nil
	}

	subs, err := s.repo.LookupDestinations(ctx, namespace, eventType)
	if err != nil {
		return nil, fmt.Errorf("lookup destinations: %w", err)
	}

	s.mu.Lock()
	s.destCache[key] = cacheEntry{destinations: subs, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return subs, nil
}

// LookupAllWorkers returns the distinct workerIds of every active node in
// namespace, serving from the local cache when fresh.
func (s *SubscriptionService) LookupAllWorkers(ctx context.Context, namespace models.Namespace) ([]string, error) {
	key := namespace.String()

	s.mu.RLock()
	entry, ok := s.workerCache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.workers, nil
	}

	workers, err := s.repo.LookupAllWorkers(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("lookup all workers: %w", err)
	}

	s.mu.Lock()
	s.workerCache[key] = cacheEntry{workers: workers, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return workers, nil
}

// RemoveForNode removes every subscription belonging to nodeID and
// invalidates the namespace's broadcast cache (a node leaving may change
// the active-worker set).
func (s *SubscriptionService) RemoveForNode(ctx context.Context, namespace models.Namespace, nodeID uuid.UUID) error {
	if err := s.repo.RemoveForNode(ctx, namespace, nodeID); err != nil {
		return fmt.Errorf("remove subscriptions for node: %w", err)
	}
	s.broadcastInvalidation(ctx, namespace.String(), "")
	return nil
}

func (s *SubscriptionService) broadcastInvalidation(ctx context.Context, namespace, eventType string) {
	s.invalidateLocal(namespace, eventType)

	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(invalidationMessage{Namespace: namespace, EventType: eventType})
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, invalidationChannel, payload).Err(); err != nil {
		s.log.WarnContext(ctx, "subscription cache: invalidation broadcast failed", "error", err)
	}
}

func (s *SubscriptionService) invalidateLocal(namespace, eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventType == "" {
		// Node-level change: broadcast destination set for the namespace
		// may have changed; clear everything scoped to it.
		delete(s.workerCache, namespace)
		for k := range s.destCache {
			if hasNamespacePrefix(k, namespace) {
				delete(s.destCache, k)
			}
		}
		return
	}
	delete(s.destCache, destCacheKey(namespace, eventType))
}

func destCacheKey(namespace, eventType string) string {
	return namespace + "\x00" + eventType
}

func hasNamespacePrefix(key, namespace string) bool {
	prefix := namespace + "\x00"
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}
