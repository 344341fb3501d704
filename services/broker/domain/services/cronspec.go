package services

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser validates the standard 5-field cron form (minute hour
// day-of-month month day-of-week). Execution itself always happens in
// the cron extension — this parser exists only to reject malformed
// expressions before they reach the database as a ConfigurationError.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCronExpression reports a non-nil error if expr is not a valid
// standard 5-field cron expression. Behavior of extended forms (seconds
// field, @every, predefined schedules) is intentionally rejected here
// even though some cron extensions accept them, since spec requires the
// standard 5-field form.
func ValidateCronExpression(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
