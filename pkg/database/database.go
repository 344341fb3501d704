// Package database wraps a pgx-backed *sql.DB connection pool with the
// transaction helper and health check every persistence-layer repository
// in this module builds on.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nodebus/core/pkg/errs"
	"github.com/nodebus/core/pkg/logger"
)

// Database wraps a *sql.DB connection pool opened against the pgx stdlib driver.
type Database struct {
	db  *sql.DB
	log logger.Logger
}

// NewPool opens a connection pool against dbURL and verifies connectivity.
// Pool limits are tuned for a long-lived router or consumer process, not a
// short-lived CLI invocation.
func NewPool(ctx context.Context, dbURL string, log logger.Logger) (*Database, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Database{db: db, log: log}, nil
}

// DB returns the underlying *sql.DB for sqlc-style generated query structs
// or ad-hoc statements that don't need a transaction.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Ping satisfies httpx.HealthChecker.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back otherwise. A panic inside fn is rolled back and re-panicked.
// The whole attempt — begin, fn, commit — is retried under Retry, so a
// serialization failure or deadlock re-executes fn against a fresh
// transaction rather than surfacing to the caller.
func (d *Database) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.Retry(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("tx failed: %w (rollback also failed: %v)", err, rbErr)
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// IsTransient reports whether err indicates a retryable database failure —
// a dropped connection, serialization failure, or deadlock — as opposed to
// a permanent constraint violation or not-found result.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"08000", // connection_exception
			"08003", // connection_does_not_exist
			"08006": // connection_failure
			return true
		}
	}
	return false
}

// Retry runs fn under the module's default backoff policy, retrying only
// while fn's error is IsTransient; a permanent error (not-found, constraint
// violation, validation failure) returns immediately on first attempt.
func (d *Database) Retry(ctx context.Context, fn func() error) error {
	backoff := errs.DefaultBackoff()
	var final error
	_ = backoff.Retry(ctx, func() error {
		final = fn()
		if final != nil && IsTransient(final) {
			return final
		}
		return nil
	})
	return final
}
