// Package services contains stateless domain services for the broker
// bounded context. Domain services enforce routing and scheduling rules
// that operate purely on domain types and have zero external
// dependencies beyond stdlib and the domain layer.
package services

import "github.com/nodebus/core/services/broker/domain/models"

// ResolveDestinations computes the de-duplicated set of worker queues an
// envelope must fan out to:
//
//   - broadcast envelopes route to every worker hosting an active node in
//     the envelope's namespace, regardless of subscriptions;
//   - non-broadcast envelopes route to the worker of each distinct
//     subscription matching (namespace, eventType).
//
// subscribers must already be filtered to the envelope's (namespace,
// eventType); activeWorkerIDs must already be filtered to the envelope's
// namespace. Both filters are the caller's (application layer's)
// responsibility since they require a repository lookup this pure
// function must not perform.
func ResolveDestinations(envelope models.EventEnvelope, subscribers []models.Subscription, activeWorkerIDs []string) []string {
	seen := make(map[string]struct{})
	var dest []string

	add := func(workerID string) {
		if workerID == "" {
			return
		}
		if _, ok := seen[workerID]; ok {
			return
		}
		seen[workerID] = struct{}{}
		dest = append(dest, workerID)
	}

	if envelope.Broadcast {
		for _, w := range activeWorkerIDs {
			add(w)
		}
		return dest
	}

	for _, s := range subscribers {
		add(s.WorkerID)
	}
	return dest
}
