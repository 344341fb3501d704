package models

import (
	"encoding/json"
	"time"
)

// knownEnvelopeFields are the JSON keys EventEnvelope decodes into named
// struct fields. Anything else round-trips through Extra untouched.
var knownEnvelopeFields = map[string]struct{}{
	"namespace":       {},
	"eventType":       {},
	"payload":         {},
	"emittedAt":       {},
	"producerNodeId":  {},
	"broadcast":       {},
	"messageId":       {},
	"redeliveryCount": {},
	"causationId":     {},
}

// EventEnvelope is the serialized event record carried by every queue.
// messageId and redeliveryCount are populated by the Queue Adapter on
// read, never by the producer. Extra preserves unknown JSON fields byte
// for byte across fan-out — including injected OTel trace-context keys —
// so routing never has to know about every field a future producer adds.
type EventEnvelope struct {
	Namespace       Namespace
	EventType       EventType
	Payload         json.RawMessage
	EmittedAt       time.Time
	ProducerNodeID  string
	Broadcast       bool
	MessageID       string
	RedeliveryCount int
	CausationID     string

	// Extra carries any JSON field not named above, preserved verbatim.
	Extra map[string]json.RawMessage
}

type envelopeWire struct {
	Namespace       string          `json:"namespace"`
	EventType       string          `json:"eventType"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	EmittedAt       time.Time       `json:"emittedAt"`
	ProducerNodeID  string          `json:"producerNodeId,omitempty"`
	Broadcast       bool            `json:"broadcast,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	RedeliveryCount int             `json:"redeliveryCount,omitempty"`
	CausationID     string          `json:"causationId,omitempty"`
}

// MarshalJSON serializes the envelope, merging Extra's unknown fields
// alongside the named ones.
func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	wire := envelopeWire{
		Namespace:       e.Namespace.String(),
		EventType:       e.EventType.String(),
		Payload:         e.Payload,
		EmittedAt:       e.EmittedAt,
		ProducerNodeID:  e.ProducerNodeID,
		Broadcast:       e.Broadcast,
		MessageID:       e.MessageID,
		RedeliveryCount: e.RedeliveryCount,
		CausationID:     e.CausationID,
	}
	base, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, known := knownEnvelopeFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses the envelope, collecting any field not named in
// envelopeWire into Extra so it survives a later re-marshal unchanged.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if _, known := knownEnvelopeFields[k]; known {
			continue
		}
		extra[k] = v
	}

	e.Namespace = Namespace(wire.Namespace)
	e.EventType = EventType(wire.EventType)
	e.Payload = wire.Payload
	e.EmittedAt = wire.EmittedAt
	e.ProducerNodeID = wire.ProducerNodeID
	e.Broadcast = wire.Broadcast
	e.MessageID = wire.MessageID
	e.RedeliveryCount = wire.RedeliveryCount
	e.CausationID = wire.CausationID
	e.Extra = extra
	return nil
}

// WithExtra returns a shallow copy of e with key=value set in Extra,
// leaving e untouched. Used by the telemetry layer to inject a trace
// carrier without mutating the caller's envelope.
func (e EventEnvelope) WithExtra(key string, value json.RawMessage) EventEnvelope {
	out := e
	out.Extra = make(map[string]json.RawMessage, len(e.Extra)+1)
	for k, v := range e.Extra {
		out.Extra[k] = v
	}
	out.Extra[key] = value
	return out
}
