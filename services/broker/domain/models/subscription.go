package models

import "github.com/google/uuid"

// Subscription records that a node wants to receive events of EventType
// within Namespace. Unique on (Namespace, EventType, NodeID).
type Subscription struct {
	Namespace Namespace
	EventType EventType
	NodeID    uuid.UUID
	WorkerID  string
}
