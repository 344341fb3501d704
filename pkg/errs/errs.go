// Package errs defines the typed error kinds the broker core raises and
// the shared bounded-exponential-backoff helper its retry loops use.
package errs

import (
	"errors"
	"fmt"
)

// ConfigurationError indicates a fatal startup misconfiguration: an
// invalid DSN, a missing namespace, a malformed cron expression. Surfaced
// directly to the caller of Connect; never retried.
type ConfigurationError struct {
	Field string
	Cause error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// TransientDatabaseError wraps a connection loss, deadlock, or
// serialization failure. pkg/database.Retry classifies such failures with
// its own IsTransient check and returns the driver error itself, not this
// type.
type TransientDatabaseError struct {
	Op    string
	Cause error
}

func (e *TransientDatabaseError) Error() string {
	return fmt.Sprintf("transient database error during %s: %v", e.Op, e.Cause)
}

func (e *TransientDatabaseError) Unwrap() error { return e.Cause }

// Retryable always reports true — every TransientDatabaseError is, by
// definition, worth retrying under bounded backoff.
func (e *TransientDatabaseError) Retryable() bool { return true }

// QueueOperationError wraps a queue-adapter failure other than "already
// deleted" / "already acked", which callers swallow before this type is
// ever constructed.
type QueueOperationError struct {
	Op    string
	Queue string
	Cause error
}

func (e *QueueOperationError) Error() string {
	return fmt.Sprintf("queue operation %s on %s failed: %v", e.Op, e.Queue, e.Cause)
}

func (e *QueueOperationError) Unwrap() error { return e.Cause }

// HandlerError wraps a failure returned by user handler code. Never
// fatal to a loop; carries the envelope coordinates needed for logging
// and DLQ bookkeeping.
type HandlerError struct {
	MessageID       string
	EventType       string
	RedeliveryCount int
	Cause           error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for message %s (event_type=%s, redelivery_count=%d): %v",
		e.MessageID, e.EventType, e.RedeliveryCount, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// RoutingError indicates no subscribers matched an envelope. Not an
// error condition in practice — callers ack and continue — but modeled
// as a distinct type so routing-resolution code can express "empty
// destination set" without an error value meaning failure.
type RoutingError struct {
	Namespace string
	EventType string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no subscribers for namespace=%s event_type=%s", e.Namespace, e.EventType)
}

// InvariantViolation indicates a structurally malformed envelope, e.g.
// one lacking namespace or eventType. Logged and routed directly to the
// DLQ without a retry cycle.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Reason)
}

// IsRetryable reports whether err should be retried under bounded
// backoff rather than surfaced or routed to the DLQ immediately.
func IsRetryable(err error) bool {
	var tde *TransientDatabaseError
	if errors.As(err, &tde) {
		return tde.Retryable()
	}
	return false
}
