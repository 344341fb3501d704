package domain

import "errors"

// Sentinel errors for the broker domain. Use errors.Is() to check these.
var (
	// ErrNodeNotFound indicates the requested node does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeAlreadyRegistered indicates a node with the same (namespace, nodeId) already exists.
	ErrNodeAlreadyRegistered = errors.New("node already registered")

	// ErrScheduleNotFound indicates the named schedule does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrScheduleAlreadyExists indicates a schedule with the same (namespace, name) already exists.
	ErrScheduleAlreadyExists = errors.New("schedule already exists")

	// ErrSubscriptionNotFound indicates no matching subscription row exists.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
