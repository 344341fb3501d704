package postgres

import (
	"context"
	"fmt"

	"github.com/nodebus/core/pkg/database"
)

// AdvisoryLock implements repositories.AdvisoryLocker on top of Postgres
// session-level advisory locks (pg_try_advisory_lock/pg_advisory_unlock).
// Session-level locks are tied to the connection that acquired them, but
// TryLock and Unlock both go through db.DB()'s pooled *sql.DB like every
// other repository here, so a lock acquired on one pooled connection may
// be unlocked from a different one; see Unlock's doc comment.
type AdvisoryLock struct {
	db *database.Database
}

// NewAdvisoryLock returns an AdvisoryLock backed by db.
func NewAdvisoryLock(db *database.Database) *AdvisoryLock {
	return &AdvisoryLock{db: db}
}

// TryLock attempts to acquire the advisory lock keyed by key without
// blocking.
func (l *AdvisoryLock) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := l.db.Retry(ctx, func() error {
		return l.db.DB().QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	})
	if err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	return acquired, nil
}

// Unlock releases a lock previously acquired by TryLock.
//
// Because *sql.DB pools connections, this call may run on a different
// physical connection than the one that acquired the lock; Postgres
// advisory locks are connection-scoped, so an unlock issued from a
// different connection is a silent no-op rather than an error. Callers
// relying on a released lock should confirm via a subsequent TryLock.
func (l *AdvisoryLock) Unlock(ctx context.Context, key int64) error {
	err := l.db.Retry(ctx, func() error {
		_, err := l.db.DB().ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
