package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/services/broker/domain"
	"github.com/nodebus/core/services/broker/domain/models"
)

// ScheduleRepository implements repositories.ScheduleStore against
// PostgreSQL and the pg_cron extension: every persisted schedule gets a
// matching cron.schedule job whose command sends the envelope directly
// into the namespace's ingress queue via pgmq.send.
type ScheduleRepository struct {
	db *database.Database
}

// NewScheduleRepository returns a ScheduleRepository backed by db.
func NewScheduleRepository(db *database.Database) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// jobName derives the pg_cron job name for a schedule, unique per
// (namespace, name) the same way the schedules table's primary key is.
func jobName(namespace models.Namespace, name string) string {
	return fmt.Sprintf("broker_%s_%s", namespace.String(), name)
}

// Create persists task and registers its cron job in the same transaction.
func (r *ScheduleRepository) Create(ctx context.Context, task *models.ScheduledTask) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedules (namespace, name, cron_expression, event_type, payload, producer_node_id, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, task.Namespace.String(), task.Name, task.CronExpression, task.EventType.String(), []byte(task.Payload), task.ProducerNodeID, task.Enabled)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domain.ErrScheduleAlreadyExists
			}
			return fmt.Errorf("insert schedule: %w", err)
		}

		// The job body re-reads the schedule row by name at fire time
		// rather than embedding the payload literally, so editing a
		// schedule's payload never requires re-registering its cron job.
		command := fmt.Sprintf(`
			SELECT pgmq.send(
				'%s',
				jsonb_build_object(
					'namespace', s.namespace,
					'eventType', s.event_type,
					'payload', s.payload,
					'emittedAt', now(),
					'producerNodeId', s.producer_node_id,
					'broadcast', false
				)
			)
			FROM schedules s
			WHERE s.namespace = %s AND s.name = %s AND s.enabled
		`, task.Namespace.IngressQueue(), quoteLiteral(task.Namespace.String()), quoteLiteral(task.Name))

		if _, err := tx.ExecContext(ctx, `SELECT cron.schedule($1, $2, $3)`, jobName(task.Namespace, task.Name), task.CronExpression, command); err != nil {
			return fmt.Errorf("register cron job: %w", err)
		}
		return nil
	})
}

// Delete removes task and unregisters its cron job.
func (r *ScheduleRepository) Delete(ctx context.Context, namespace models.Namespace, name string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE namespace = $1 AND name = $2`, namespace.String(), name)
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		if err := requireOneRow(res, domain.ErrScheduleNotFound); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT cron.unschedule($1)`, jobName(namespace, name)); err != nil {
			return fmt.Errorf("unregister cron job: %w", err)
		}
		return nil
	})
}

// Get retrieves a single schedule.
func (r *ScheduleRepository) Get(ctx context.Context, namespace models.Namespace, name string) (*models.ScheduledTask, error) {
	task := models.ScheduledTask{Namespace: namespace, Name: name}
	err := r.db.Retry(ctx, func() error {
		row := r.db.DB().QueryRowContext(ctx, `
			SELECT cron_expression, event_type, payload, producer_node_id, enabled
			FROM schedules WHERE namespace = $1 AND name = $2
		`, namespace.String(), name)

		var eventType string
		var payload []byte
		if err := row.Scan(&task.CronExpression, &eventType, &payload, &task.ProducerNodeID, &task.Enabled); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrScheduleNotFound
			}
			return fmt.Errorf("get schedule: %w", err)
		}
		task.EventType = models.EventType(eventType)
		task.Payload = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns every schedule registered in namespace.
func (r *ScheduleRepository) List(ctx context.Context, namespace models.Namespace) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	err := r.db.Retry(ctx, func() error {
		out = nil
		rows, err := r.db.DB().QueryContext(ctx, `
			SELECT name, cron_expression, event_type, payload, producer_node_id, enabled
			FROM schedules WHERE namespace = $1
		`, namespace.String())
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			task := models.ScheduledTask{Namespace: namespace}
			var eventType string
			var payload []byte
			if err := rows.Scan(&task.Name, &task.CronExpression, &eventType, &payload, &task.ProducerNodeID, &task.Enabled); err != nil {
				return fmt.Errorf("scan schedule: %w", err)
			}
			task.EventType = models.EventType(eventType)
			task.Payload = payload
			out = append(out, &task)
		}
		return rows.Err()
	})
	return out, err
}

// quoteLiteral escapes s as a single-quoted SQL string literal for
// embedding inside the cron job body text, which pg_cron executes as a
// standalone statement outside the parameterized query protocol.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
