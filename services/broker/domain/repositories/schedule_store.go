package repositories

import (
	"context"

	"github.com/nodebus/core/services/broker/domain/models"
)

// ScheduleStore is the persistence interface for ScheduledTask rows.
// Implementations are also responsible for the corresponding
// cron.schedule/cron.unschedule SQL against the external cron extension.
type ScheduleStore interface {
	// Create persists task and registers its cron job. Returns
	// domain.ErrScheduleAlreadyExists if (namespace, name) exists.
	Create(ctx context.Context, task *models.ScheduledTask) error

	// Delete removes task and unregisters its cron job. Returns
	// domain.ErrScheduleNotFound if absent.
	Delete(ctx context.Context, namespace models.Namespace, name string) error

	// Get retrieves a single schedule. Returns domain.ErrScheduleNotFound if absent.
	Get(ctx context.Context, namespace models.Namespace, name string) (*models.ScheduledTask, error)

	// List returns every schedule registered in namespace.
	List(ctx context.Context, namespace models.Namespace) ([]*models.ScheduledTask, error)
}
