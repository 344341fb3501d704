package errs_test

import (
	"errors"
	"testing"

	"github.com/nodebus/core/pkg/errs"
)

func TestTransientDatabaseError_Retryable(t *testing.T) {
	e := &errs.TransientDatabaseError{Op: "query", Cause: errors.New("conn reset")}
	if !e.Retryable() {
		t.Error("expected TransientDatabaseError to be retryable")
	}
	if !errs.IsRetryable(e) {
		t.Error("expected IsRetryable(TransientDatabaseError) to be true")
	}
}

func TestIsRetryable_OtherKinds(t *testing.T) {
	cases := []error{
		&errs.ConfigurationError{Field: "DatabaseURL", Cause: errors.New("empty")},
		&errs.QueueOperationError{Op: "read", Queue: "ingress.default", Cause: errors.New("boom")},
		&errs.HandlerError{MessageID: "1", EventType: "x", Cause: errors.New("boom")},
		&errs.RoutingError{Namespace: "default", EventType: "x"},
		&errs.InvariantViolation{Reason: "missing namespace"},
	}
	for _, err := range cases {
		if errs.IsRetryable(err) {
			t.Errorf("expected %T to not be retryable", err)
		}
	}
}

func TestHandlerError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	e := &errs.HandlerError{MessageID: "1", EventType: "x", RedeliveryCount: 2, Cause: cause}
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestRoutingError_Message(t *testing.T) {
	e := &errs.RoutingError{Namespace: "t1", EventType: "y"}
	want := "no subscribers for namespace=t1 event_type=y"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}
}
