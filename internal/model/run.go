package model

import "time"

// RunStatus is the lifecycle state of a schedule run.
// Transitions are monotonic: pending → running → success|failure.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// Terminal reports whether the status is an end state
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailure
}

// CanTransition reports whether moving from s to next is a legal step
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next.Terminal()
	case RunRunning:
		return next.Terminal()
	}
	return false
}

// ScheduleRun is the append-only audit record of one dispatch's execution.
// Runs survive deletion of their schedule; schedule_id is an indexed
// reference, not an enforced foreign key.
type ScheduleRun struct {
	ID           string         `json:"id" bson:"_id,omitempty"`
	ScheduleID   string         `json:"schedule_id" bson:"schedule_id"`
	DispatchID   string         `json:"dispatch_id" bson:"dispatch_id"`
	Status       RunStatus      `json:"status" bson:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Result       map[string]any `json:"result,omitempty" bson:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
}

// RunListItem is the summary shape used in run list responses
type RunListItem struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id"`
	DispatchID   string     `json:"dispatch_id"`
	Status       RunStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ToListItem converts a run to its list summary
func (r *ScheduleRun) ToListItem() RunListItem {
	item := RunListItem{
		ID:           r.ID,
		ScheduleID:   r.ScheduleID,
		DispatchID:   r.DispatchID,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
	}
	if r.StartedAt != nil && r.CompletedAt != nil {
		item.DurationMs = r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	}
	return item
}
