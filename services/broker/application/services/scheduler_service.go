package services

import (
	"context"
	"fmt"

	"github.com/nodebus/core/pkg/errs"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/pkg/validator"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/domain/repositories"
	domainservices "github.com/nodebus/core/services/broker/domain/services"
)

// SchedulerService is the application-layer half of the Scheduler Bridge:
// it validates cron expressions locally before handing a schedule to the
// ScheduleStore, which owns the cron.schedule/unschedule SQL against the
// external cron extension.
type SchedulerService struct {
	store repositories.ScheduleStore
	log   logger.Logger
}

// NewSchedulerService returns a SchedulerService wired with store.
func NewSchedulerService(store repositories.ScheduleStore, log logger.Logger) *SchedulerService {
	return &SchedulerService{store: store, log: log}
}

// ScheduleTask validates task's cron expression and persists it, assigning
// the synthetic "scheduler" producer when the caller didn't supply one.
// Returns a *errs.ConfigurationError if the cron expression is malformed.
func (s *SchedulerService) ScheduleTask(ctx context.Context, task models.ScheduledTask) error {
	if err := validator.Validate(task); err != nil {
		return &errs.ConfigurationError{Field: "scheduledTask", Cause: err}
	}
	if err := domainservices.ValidateCronExpression(task.CronExpression); err != nil {
		return &errs.ConfigurationError{Field: "cronExpression", Cause: err}
	}
	if task.ProducerNodeID == "" {
		task.ProducerNodeID = models.SyntheticSchedulerProducer
	}
	task.Enabled = true

	if err := s.store.Create(ctx, &task); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	s.log.InfoContext(ctx, "scheduler: task scheduled",
		"namespace", task.Namespace.String(), "name", task.Name, "cron", task.CronExpression)
	return nil
}

// UnscheduleTask removes a previously scheduled task and its cron job.
func (s *SchedulerService) UnscheduleTask(ctx context.Context, namespace models.Namespace, name string) error {
	if err := s.store.Delete(ctx, namespace, name); err != nil {
		return fmt.Errorf("unschedule task: %w", err)
	}
	s.log.InfoContext(ctx, "scheduler: task unscheduled", "namespace", namespace.String(), "name", name)
	return nil
}

// ListTasks returns every schedule registered in namespace.
func (s *SchedulerService) ListTasks(ctx context.Context, namespace models.Namespace) ([]*models.ScheduledTask, error) {
	tasks, err := s.store.List(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}
