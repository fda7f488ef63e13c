package store

import (
	"context"
	"time"

	"github.com/qdeck/warden/internal/model"
)

// ScheduleFilter narrows ListSchedules. A non-positive limit means no limit.
type ScheduleFilter struct {
	Enabled  *bool
	TaskType model.TaskType
	Offset   int
	Limit    int
}

// RunFilter narrows ListRuns. A non-positive limit means no limit.
type RunFilter struct {
	ScheduleID string
	Status     model.RunStatus
	Offset     int
	Limit      int
}

// Store persists schedules, their run history and the dispatch queue.
// Implementations exist for memory, Postgres, SQLite and MongoDB; all of
// them order lists newest-created first and report totals before paging.
//
// Dispatch rows are the durable timers: a schedule's next firing exists as
// a pending dispatch row, so it survives process restarts. Claiming must be
// atomic per row so concurrent dispatchers never execute the same dispatch
// twice while a claim lease is live.
type Store interface {
	// Schedules.
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	UpdateSchedule(ctx context.Context, s *model.Schedule) error
	// DeleteSchedule removes the schedule only. Run history is retained
	// and orphaned rows are tolerated; pending dispatches are canceled by
	// the caller, not here.
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]*model.Schedule, int, error)
	SetNextRun(ctx context.Context, id string, at *time.Time) error
	SetLastRun(ctx context.Context, id string, at time.Time, status model.RunStatus) error

	// Runs. A run row is born when the dispatcher begins an attempt, never
	// at enqueue time, so canceled dispatches leave no trace in history.
	// CreateRun inserts the pending row and is a no-op when it already
	// exists (retry attempts reuse the row from the first attempt).
	CreateRun(ctx context.Context, r *model.ScheduleRun) error
	GetRun(ctx context.Context, id string) (*model.ScheduleRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*model.ScheduleRun, int, error)
	MarkRunRunning(ctx context.Context, runID string, at time.Time) error
	// CompleteRun writes the single terminal record for a run. The status
	// must be terminal; retries never pass through here.
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, result map[string]any, errMsg string, at time.Time) error

	// Dispatch queue.
	// EnqueueDispatch durably records intent to execute at d.RunAt.
	EnqueueDispatch(ctx context.Context, d *model.Dispatch) error
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	// ClaimDueDispatches atomically marks up to limit due pending dispatches
	// as claimed by owner and returns them.
	ClaimDueDispatches(ctx context.Context, now time.Time, owner string, limit int) ([]*model.Dispatch, error)
	// RescheduleDispatch returns a claimed dispatch to pending with a new
	// run_at and attempt count. Used for the fixed retry backoff.
	RescheduleDispatch(ctx context.Context, id string, runAt time.Time, attempts int) error
	CompleteDispatch(ctx context.Context, id string, status model.DispatchStatus) error
	// CancelPendingDispatches cancels a schedule's future intent: pending
	// scheduled dispatches that have not started attempting. Manual
	// dispatches are kept (an accepted trigger-now still executes), and a
	// pending dispatch with attempts > 0 is a run waiting out its retry
	// backoff, which must reach a terminal state through the dispatcher,
	// not be silently dropped. Reports how many were canceled.
	CancelPendingDispatches(ctx context.Context, scheduleID string) (int, error)
	// ReleaseStaleClaims returns dispatches claimed before olderThan to
	// pending so work stranded by a crashed dispatcher is picked up again.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)
	CountPendingDispatches(ctx context.Context) (int, error)

	// Retention.
	DeleteFinishedDispatchesBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
