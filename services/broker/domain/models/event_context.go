package models

import "time"

// EventContext is the metadata a handler receives alongside an envelope's
// payload. It never includes the payload itself — handlers receive that
// as a separate argument so the core never has to reason about payload
// shape.
type EventContext struct {
	MessageID       string
	RedeliveryCount int
	EmittedAt       time.Time
	ProducerNodeID  string
	Namespace       Namespace
}
