package models

import (
	"fmt"
	"regexp"
)

// Namespace is a value object representing the tenancy boundary that scopes
// every queue name and registry row. Encapsulates validation rules: 1–64
// characters, lowercase alphanumeric plus underscore/hyphen.
type Namespace string

const maxNamespaceLength = 64

var namespacePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NewNamespace constructs a valid Namespace or returns an error if
// constraints are violated.
func NewNamespace(s string) (Namespace, error) {
	if len(s) < 1 {
		return "", fmt.Errorf("namespace must be at least 1 character")
	}
	if len(s) > maxNamespaceLength {
		return "", fmt.Errorf("namespace must not exceed %d characters", maxNamespaceLength)
	}
	if !namespacePattern.MatchString(s) {
		return "", fmt.Errorf("namespace must match [a-z0-9_-]+")
	}
	return Namespace(s), nil
}

// String returns the underlying string value.
func (n Namespace) String() string {
	return string(n)
}

// IngressQueue returns the per-namespace ingress queue name.
func (n Namespace) IngressQueue() string {
	return "ingress." + string(n)
}

// DLQQueue returns the per-namespace dead-letter queue name.
func (n Namespace) DLQQueue() string {
	return "dlq." + string(n)
}

// WorkerQueue returns the per-worker queue name for workerID in this namespace.
func (n Namespace) WorkerQueue(workerID string) string {
	return "worker." + string(n) + "." + workerID
}
