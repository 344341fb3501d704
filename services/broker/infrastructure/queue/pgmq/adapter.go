// Package pgmq implements repositories.QueueAdapter against the pgmq
// Postgres extension (create/drop_queue/send/send_batch/read/delete/archive)
// via hand-written SQL over database/sql, routed through pkg/database.Database
// the same way every other repository in this module reaches Postgres.
package pgmq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
)

// Adapter implements repositories.QueueAdapter against the pgmq extension.
type Adapter struct {
	db *database.Database
}

// NewAdapter returns an Adapter backed by db. The pgmq extension must
// already be enabled (done by the schema bootstrap migration).
func NewAdapter(db *database.Database) *Adapter {
	return &Adapter{db: db}
}

// CreateQueue is idempotent: pgmq.create is a no-op if the queue
// already exists.
func (a *Adapter) CreateQueue(ctx context.Context, queue string) error {
	err := a.db.Retry(ctx, func() error {
		_, err := a.db.DB().ExecContext(ctx, `SELECT pgmq.create($1)`, queue)
		return err
	})
	if err != nil {
		return fmt.Errorf("create queue %s: %w", queue, err)
	}
	return nil
}

// DropQueue removes a queue and all its messages.
func (a *Adapter) DropQueue(ctx context.Context, queue string) error {
	err := a.db.Retry(ctx, func() error {
		_, err := a.db.DB().ExecContext(ctx, `SELECT pgmq.drop_queue($1)`, queue)
		return err
	})
	if err != nil {
		return fmt.Errorf("drop queue %s: %w", queue, err)
	}
	return nil
}

// Send enqueues a single envelope and returns its pgmq message id.
func (a *Adapter) Send(ctx context.Context, queue string, envelope models.EventEnvelope) (string, error) {
	ids, err := a.SendBatch(ctx, queue, []models.EventEnvelope{envelope})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SendBatch enqueues every envelope via pgmq.send_batch in a single round-trip.
func (a *Adapter) SendBatch(ctx context.Context, queue string, envelopes []models.EventEnvelope) ([]string, error) {
	if len(envelopes) == 0 {
		return nil, nil
	}

	payloads := make([]json.RawMessage, len(envelopes))
	for i, e := range envelopes {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		payloads[i] = b
	}
	batch, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope batch: %w", err)
	}

	var ids []string
	err = a.db.Retry(ctx, func() error {
		ids = nil
		rows, err := a.db.DB().QueryContext(ctx, `
			SELECT msg_id FROM pgmq.send_batch($1, $2::jsonb[])
		`, queue, batch)
		if err != nil {
			return fmt.Errorf("send batch to %s: %w", queue, err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan msg_id: %w", err)
			}
			ids = append(ids, fmt.Sprint(id))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(ids) != len(envelopes) {
		return nil, fmt.Errorf("send batch to %s: expected %d message ids, got %d", queue, len(envelopes), len(ids))
	}
	return ids, nil
}

// Read leases up to batchSize visible messages from queue for
// visibilityTimeoutSec, via pgmq.read.
func (a *Adapter) Read(ctx context.Context, queue string, visibilityTimeoutSec, batchSize int) ([]repositories.LeasedMessage, error) {
	var leased []repositories.LeasedMessage
	err := a.db.Retry(ctx, func() error {
		leased = nil
		rows, err := a.db.DB().QueryContext(ctx, `
			SELECT msg_id, read_ct, vt, message FROM pgmq.read($1, $2, $3)
		`, queue, visibilityTimeoutSec, batchSize)
		if err != nil {
			return fmt.Errorf("read %s: %w", queue, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				msgID     int64
				readCt    int
				visibleAt sql.NullTime
				raw       []byte
			)
			if err := rows.Scan(&msgID, &readCt, &visibleAt, &raw); err != nil {
				return fmt.Errorf("scan leased message: %w", err)
			}

			var envelope models.EventEnvelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return fmt.Errorf("unmarshal envelope: %w", err)
			}
			messageID := fmt.Sprint(msgID)
			envelope.MessageID = messageID
			// read_ct counts this read itself, so the redelivery count
			// (prior attempts) is one less than read_ct.
			envelope.RedeliveryCount = readCt - 1
			if envelope.RedeliveryCount < 0 {
				envelope.RedeliveryCount = 0
			}

			var visibleAtUnix int64
			if visibleAt.Valid {
				visibleAtUnix = visibleAt.Time.Unix()
			}

			leased = append(leased, repositories.LeasedMessage{
				MessageID:       messageID,
				RedeliveryCount: envelope.RedeliveryCount,
				VisibleAt:       visibleAtUnix,
				Envelope:        envelope,
			})
		}
		return rows.Err()
	})
	return leased, err
}

// Delete acks a message. Deleting an already-deleted id is pgmq's own
// no-op, so callers never have to treat a duplicate ack as a failure.
func (a *Adapter) Delete(ctx context.Context, queue string, messageID string) error {
	err := a.db.Retry(ctx, func() error {
		_, err := a.db.DB().ExecContext(ctx, `SELECT pgmq.delete($1, $2::bigint)`, queue, messageID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message %s from %s: %w", messageID, queue, err)
	}
	return nil
}

// Archive moves a message to pgmq's archive table instead of deleting it outright.
func (a *Adapter) Archive(ctx context.Context, queue string, messageID string) error {
	err := a.db.Retry(ctx, func() error {
		_, err := a.db.DB().ExecContext(ctx, `SELECT pgmq.archive($1, $2::bigint)`, queue, messageID)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive message %s from %s: %w", messageID, queue, err)
	}
	return nil
}
