package repositories

import (
	"context"

	"github.com/nodebus/core/services/broker/domain/models"
)

// LeasedMessage is one envelope returned by QueueAdapter.Read: a visible
// message made temporarily invisible to other readers for visibilityTimeoutSec.
type LeasedMessage struct {
	MessageID       string
	RedeliveryCount int
	VisibleAt       int64 // unix seconds the lease expires and the message becomes re-visible
	Envelope        models.EventEnvelope
}

// QueueAdapter wraps the six queueing operations the broker requires over the
// underlying Postgres queue extension. All operations are idempotent on
// the "already exists / already deleted" axis: deleting a message another
// process already acked must not be treated as failure.
type QueueAdapter interface {
	CreateQueue(ctx context.Context, queue string) error
	DropQueue(ctx context.Context, queue string) error

	Send(ctx context.Context, queue string, envelope models.EventEnvelope) (messageID string, err error)
	SendBatch(ctx context.Context, queue string, envelopes []models.EventEnvelope) (messageIDs []string, err error)

	Read(ctx context.Context, queue string, visibilityTimeoutSec, batchSize int) ([]LeasedMessage, error)

	Delete(ctx context.Context, queue string, messageID string) error
	Archive(ctx context.Context, queue string, messageID string) error
}
