package model

import "time"

// DispatchStatus is the queue state of a durable dispatch record
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchClaimed   DispatchStatus = "claimed"
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
	DispatchCanceled  DispatchStatus = "canceled"
)

// Finished reports whether the dispatch will never execute again
func (s DispatchStatus) Finished() bool {
	return s == DispatchCompleted || s == DispatchFailed || s == DispatchCanceled
}

// Dispatch is one durable unit of "execute this action at this time".
// The dispatcher polls for due pending rows, claims them atomically, and
// the claim holder is the only worker allowed to execute the dispatch.
// Attempts persists across restarts so the retry budget is honored even
// when the process dies mid-retry; a claim older than the lease TTL is
// released back to pending by the next tick.
type Dispatch struct {
	ID         string         `json:"id" bson:"_id,omitempty"`
	ScheduleID string         `json:"schedule_id" bson:"schedule_id"`
	RunID      string         `json:"run_id" bson:"run_id"`
	TaskType   TaskType       `json:"task_type" bson:"task_type"`
	TaskParams map[string]any `json:"task_params,omitempty" bson:"task_params,omitempty"`
	RunAt      time.Time      `json:"run_at" bson:"run_at"`
	Status     DispatchStatus `json:"status" bson:"status"`
	Attempts   int            `json:"attempts" bson:"attempts"`
	// Manual marks a trigger-now dispatch. Manual dispatches never chain
	// the next occurrence; only the scheduled one does.
	Manual    bool       `json:"manual,omitempty" bson:"manual,omitempty"`
	ClaimedBy string     `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}
