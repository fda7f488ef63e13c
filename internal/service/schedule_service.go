package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qdeck/warden/internal/dispatch"
	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/recurrence"
	"github.com/qdeck/warden/internal/store"
)

// ScheduleService handles schedule management and keeps the dispatch queue
// in sync with every mutation: each enabled recurring schedule owns exactly
// one pending scheduled dispatch for its next occurrence.
type ScheduleService struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher

	// locks serializes mutations per schedule id so a concurrent update and
	// toggle cannot interleave their next_run_at recomputes. Operations on
	// different schedules stay independent.
	locks sync.Map
}

// NewScheduleService creates a new schedule service
func NewScheduleService(st store.Store, d *dispatch.Dispatcher) *ScheduleService {
	return &ScheduleService{
		store:      st,
		dispatcher: d,
	}
}

func (s *ScheduleService) lockFor(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create persists a new schedule and enqueues its first occurrence. A rule
// that cannot be parsed does not reject the schedule: it is stored dormant
// with next_run_at null and the parse message surfaced on the response.
func (s *ScheduleService) Create(ctx context.Context, sched *model.Schedule) (*model.Schedule, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.LastRunAt = nil
	sched.LastRunStatus = ""
	s.computeNext(sched, now)

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	if err := s.resyncQueue(ctx, sched); err != nil {
		slog.Warn("Schedule created but enqueue failed", "schedule_id", sched.ID, "error", err)
	}
	return sched, nil
}

// Get retrieves a schedule by id
func (s *ScheduleService) Get(ctx context.Context, id string) (*model.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.annotateRule(sched)
	return sched, nil
}

// List retrieves schedules with their human-readable recurrence labels
func (s *ScheduleService) List(ctx context.Context, f store.ScheduleFilter) ([]model.ScheduleListItem, int, error) {
	scheds, total, err := s.store.ListSchedules(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	items := make([]model.ScheduleListItem, len(scheds))
	for i, sched := range scheds {
		items[i] = sched.ToListItem(recurrence.Describe(sched.RecurrenceRule))
	}
	return items, total, nil
}

// Update applies a partial update. When the rule, timezone or enabled flag
// changes, next_run_at is recomputed in the same mutation and the standing
// scheduled dispatch is replaced to match. A task type or params change
// keeps next_run_at but still replaces the standing dispatch, which carries
// a snapshot of the task taken at enqueue time.
func (s *ScheduleService) Update(ctx context.Context, id string, upd *model.ScheduleUpdate) (*model.Schedule, error) {
	if upd.Empty() {
		return nil, model.ErrNoFields
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	schedulingChanged, taskChanged := upd.Apply(sched)
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sched.UpdatedAt = now
	if schedulingChanged {
		s.computeNext(sched, now)
	} else {
		s.annotateRule(sched)
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	if schedulingChanged || taskChanged {
		if err := s.resyncQueue(ctx, sched); err != nil {
			slog.Warn("Schedule updated but queue resync failed", "schedule_id", id, "error", err)
		}
	}
	return sched, nil
}

// Toggle flips the enabled flag. Disabling clears next_run_at and cancels
// the queued dispatch; enabling recomputes the next occurrence from now.
func (s *ScheduleService) Toggle(ctx context.Context, id string, enabled bool) (*model.Schedule, error) {
	return s.Update(ctx, id, &model.ScheduleUpdate{Enabled: &enabled})
}

// Delete removes the schedule after canceling its queued work. Run history
// is retained. Deregistration is best effort and never blocks the delete:
// a row that slips through stays pointed at a schedule that no longer
// exists, and the dispatcher discards it when it finds nothing to load.
// An in-flight attempt is likewise allowed to finish and write its
// terminal run.
func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return err
	}
	if _, err := s.dispatcher.Deregister(ctx, id); err != nil {
		slog.Warn("Schedule deleted but deregister failed", "schedule_id", id, "error", err)
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.locks.Delete(id)
	return nil
}

// TriggerNow enqueues an immediate manual dispatch, bypassing the
// schedule's recurrence and enabled flag. Optional params override the
// stored task params for this dispatch only.
func (s *ScheduleService) TriggerNow(ctx context.Context, id string, paramsOverride map[string]any) (*model.Dispatch, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if paramsOverride != nil {
		if err := model.ValidateTaskParams(sched.TaskType, paramsOverride); err != nil {
			return nil, err
		}
		override := *sched
		override.TaskParams = paramsOverride
		sched = &override
	}
	return s.dispatcher.TriggerNow(ctx, sched)
}

// RecalculateNextRun recomputes next_run_at from now and replaces the
// queued dispatch to match. Unlike the best-effort resync on update, a
// failure here is reported: this is the explicit repair operation.
func (s *ScheduleService) RecalculateNextRun(ctx context.Context, id string) (*model.Schedule, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return s.recalculateLocked(ctx, id)
}

// RecalculateAll resyncs next_run_at and the queued dispatch of every
// schedule that has a recurrence rule; rule-less schedules are skipped and
// not counted. Called at boot before the dispatcher starts, and periodically
// by the janitor, so schedules stranded by a crash or downtime resume with
// the next occurrence after now; missed occurrences are skipped, never
// backfilled. Per-schedule failures are logged and do not stop the sweep.
func (s *ScheduleService) RecalculateAll(ctx context.Context) (int, error) {
	scheds, _, err := s.store.ListSchedules(ctx, store.ScheduleFilter{})
	if err != nil {
		return 0, err
	}

	recalculated := 0
	for _, sched := range scheds {
		if !sched.Recurs() {
			continue
		}
		mu := s.lockFor(sched.ID)
		mu.Lock()
		_, err := s.recalculateLocked(ctx, sched.ID)
		mu.Unlock()
		if err != nil {
			slog.Warn("Failed to recalculate schedule", "schedule_id", sched.ID, "error", err)
			continue
		}
		recalculated++
	}
	return recalculated, nil
}

// GetRun retrieves a single run record
func (s *ScheduleService) GetRun(ctx context.Context, id string) (*model.ScheduleRun, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns retrieves run history. Runs outlive their schedule, so no
// schedule existence check: history of a deleted schedule stays queryable.
func (s *ScheduleService) ListRuns(ctx context.Context, f store.RunFilter) ([]model.RunListItem, int, error) {
	runs, total, err := s.store.ListRuns(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	items := make([]model.RunListItem, len(runs))
	for i, run := range runs {
		items[i] = run.ToListItem()
	}
	return items, total, nil
}

// Preview expands a candidate rule into its upcoming occurrences without
// persisting anything.
func (s *ScheduleService) Preview(ctx context.Context, rule, tz string, count int) ([]time.Time, error) {
	if count <= 0 {
		count = 5
	}
	if count > 50 {
		count = 50
	}
	return recurrence.NextOccurrences(rule, time.Now().UTC(), tz, count)
}

func (s *ScheduleService) recalculateLocked(ctx context.Context, id string) (*model.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	s.computeNext(sched, time.Now().UTC())
	if err := s.store.SetNextRun(ctx, id, sched.NextRunAt); err != nil {
		return nil, err
	}
	if err := s.resyncQueue(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// computeNext fills NextRunAt and RecurrenceError from the current rule,
// timezone and enabled flag. A rule that cannot be parsed leaves the
// schedule enabled but dormant: next_run_at null, message surfaced.
func (s *ScheduleService) computeNext(sched *model.Schedule, after time.Time) {
	sched.RecurrenceError = ""
	sched.NextRunAt = nil
	if !sched.Enabled || !sched.Recurs() {
		return
	}

	next, err := recurrence.Next(sched.RecurrenceRule, after, sched.Timezone)
	if err != nil {
		sched.RecurrenceError = ruleMessage(err)
		return
	}
	// nil when a finite rule is exhausted.
	sched.NextRunAt = next
}

// resyncQueue replaces the standing scheduled dispatch so that exactly one
// pending scheduled dispatch exists for sched.NextRunAt, or none when it
// is null. Manual and mid-retry dispatches are untouched.
func (s *ScheduleService) resyncQueue(ctx context.Context, sched *model.Schedule) error {
	if _, err := s.dispatcher.Deregister(ctx, sched.ID); err != nil {
		return fmt.Errorf("cancel pending dispatches: %w", err)
	}
	if sched.NextRunAt == nil {
		return nil
	}
	if _, err := s.dispatcher.Enqueue(ctx, sched, *sched.NextRunAt); err != nil {
		return fmt.Errorf("enqueue next occurrence: %w", err)
	}
	return nil
}

// annotateRule surfaces a stored-but-invalid rule on read paths.
func (s *ScheduleService) annotateRule(sched *model.Schedule) {
	if !sched.Recurs() {
		return
	}
	if err := recurrence.Validate(sched.RecurrenceRule, sched.Timezone); err != nil {
		sched.RecurrenceError = ruleMessage(err)
	}
}

func ruleMessage(err error) string {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return err.Error()
}
