package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_RoundTrip_PreservesUnknownFields(t *testing.T) {
	original := []byte(`{
		"namespace": "acme",
		"eventType": "order.created",
		"payload": {"orderId": "o-1"},
		"emittedAt": "2026-07-30T12:00:00Z",
		"producerNodeId": "node-1",
		"broadcast": false,
		"messageId": "msg-1",
		"redeliveryCount": 0,
		"traceparent": "00-abc-def-01"
	}`)

	var env EventEnvelope
	if err := json.Unmarshal(original, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := env.Extra["traceparent"]; !ok {
		t.Fatal("expected traceparent to be preserved in Extra")
	}

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unmarshal round-tripped: %v", err)
	}
	if _, ok := roundTripped["traceparent"]; !ok {
		t.Error("expected traceparent to survive round-trip")
	}
	var eventType string
	_ = json.Unmarshal(roundTripped["eventType"], &eventType)
	if eventType != "order.created" {
		t.Errorf("eventType = %q, want %q", eventType, "order.created")
	}
}

func TestEnvelope_PayloadBytePreserved(t *testing.T) {
	ns, _ := NewNamespace("acme")
	et, _ := NewEventType("x")
	env := EventEnvelope{
		Namespace: ns,
		EventType: et,
		Payload:   json.RawMessage(`{"n":1}`),
		EmittedAt: time.Now().UTC(),
	}
	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded EventEnvelope
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded.Payload) != `{"n":1}` {
		t.Errorf("payload = %s, want %s", decoded.Payload, `{"n":1}`)
	}
}

func TestEnvelope_WithExtra_DoesNotMutateOriginal(t *testing.T) {
	env := EventEnvelope{Extra: map[string]json.RawMessage{"a": json.RawMessage(`1`)}}
	out := env.WithExtra("b", json.RawMessage(`2`))

	if _, ok := env.Extra["b"]; ok {
		t.Error("expected original envelope's Extra to be untouched")
	}
	if _, ok := out.Extra["a"]; !ok {
		t.Error("expected new envelope to retain original Extra entries")
	}
	if _, ok := out.Extra["b"]; !ok {
		t.Error("expected new envelope to carry the added entry")
	}
}
