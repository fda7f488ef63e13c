package model

import "fmt"

// ValidationError reports a rejected field on a schedule or recurrence rule.
// Handlers map it to a 400; the scheduling core treats the affected rule as
// invalid and clears next_run_at without disabling the schedule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
