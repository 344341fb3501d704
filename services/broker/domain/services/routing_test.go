package services

import (
	"testing"

	"github.com/nodebus/core/services/broker/domain/models"
)

func envelope(broadcast bool) models.EventEnvelope {
	ns, _ := models.NewNamespace("t1")
	et, _ := models.NewEventType("x")
	return models.EventEnvelope{Namespace: ns, EventType: et, Broadcast: broadcast}
}

func TestResolveDestinations_NonBroadcast_DeduplicatesByWorkerID(t *testing.T) {
	subs := []models.Subscription{
		{WorkerID: "w1"},
		{WorkerID: "w2"},
		{WorkerID: "w1"}, // two nodes in the same worker subscribed to the same event
	}
	dest := ResolveDestinations(envelope(false), subs, []string{"w1", "w2", "w3"})
	if len(dest) != 2 {
		t.Fatalf("expected 2 destinations, got %d: %v", len(dest), dest)
	}
}

func TestResolveDestinations_NonBroadcast_EmptySubscribers(t *testing.T) {
	dest := ResolveDestinations(envelope(false), nil, []string{"w1", "w2"})
	if len(dest) != 0 {
		t.Fatalf("expected empty destination set, got %v", dest)
	}
}

func TestResolveDestinations_Broadcast_IgnoresSubscriptions(t *testing.T) {
	subs := []models.Subscription{{WorkerID: "w1"}}
	dest := ResolveDestinations(envelope(true), subs, []string{"w1", "w2", "w3"})
	if len(dest) != 3 {
		t.Fatalf("expected 3 destinations (all active workers), got %d: %v", len(dest), dest)
	}
}

func TestResolveDestinations_Broadcast_EmptyActiveWorkers(t *testing.T) {
	dest := ResolveDestinations(envelope(true), nil, nil)
	if len(dest) != 0 {
		t.Fatalf("expected empty destination set, got %v", dest)
	}
}

func TestResolveDestinations_IgnoresEmptyWorkerID(t *testing.T) {
	subs := []models.Subscription{{WorkerID: ""}, {WorkerID: "w1"}}
	dest := ResolveDestinations(envelope(false), subs, nil)
	if len(dest) != 1 || dest[0] != "w1" {
		t.Fatalf("expected [w1], got %v", dest)
	}
}
