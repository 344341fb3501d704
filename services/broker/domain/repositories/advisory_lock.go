package repositories

import "context"

// AdvisoryLocker wraps a Postgres session-level advisory lock, used by the
// node-liveness reaper to elect exactly one runner per namespace across
// however many router/worker processes are live.
type AdvisoryLocker interface {
	// TryLock attempts to acquire the advisory lock keyed by key without
	// blocking. Returns false if another session already holds it.
	TryLock(ctx context.Context, key int64) (bool, error)

	// Unlock releases a lock previously acquired by TryLock on this
	// connection. Safe to call even if the lock was never held.
	Unlock(ctx context.Context, key int64) error
}
