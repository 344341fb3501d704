package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
)

func TestNewPool_InvalidURL(t *testing.T) {
	_, err := NewPool(context.Background(), "not-a-valid-url", nil)
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

// Integration tests — skipped unless CORE_DATABASE_URL is set.
func TestDatabaseIntegration(t *testing.T) {
	dbURL := os.Getenv("CORE_DATABASE_URL")
	if dbURL == "" {
		t.Skip("CORE_DATABASE_URL not set; skipping integration tests")
	}

	t.Run("NewPool_Success", func(t *testing.T) {
		d, err := NewPool(context.Background(), dbURL, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer d.Close() //nolint:errcheck
	})

	t.Run("Ping_Success", func(t *testing.T) {
		d, err := NewPool(context.Background(), dbURL, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer d.Close() //nolint:errcheck

		if err := d.Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})

	t.Run("WithTx_CommitsOnSuccess", func(t *testing.T) {
		d, err := NewPool(context.Background(), dbURL, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer d.Close() //nolint:errcheck

		err = d.WithTx(context.Background(), func(tx *sql.Tx) error {
			_, err := tx.Exec("SELECT 1")
			return err
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
	})

	t.Run("WithTx_RollsBackOnError", func(t *testing.T) {
		d, err := NewPool(context.Background(), dbURL, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer d.Close() //nolint:errcheck

		sentinel := sql.ErrTxDone
		err = d.WithTx(context.Background(), func(tx *sql.Tx) error {
			return sentinel
		})
		if err != sentinel {
			t.Fatalf("expected sentinel error, got %v", err)
		}
	})

	t.Run("Close_Idempotent", func(t *testing.T) {
		d, err := NewPool(context.Background(), dbURL, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := d.Close(); err != nil {
			t.Fatalf("first Close failed: %v", err)
		}
		if err := d.Close(); err != nil {
			t.Fatalf("second Close failed: %v", err)
		}
	})
}
