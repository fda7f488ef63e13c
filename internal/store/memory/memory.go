// Package memory provides an in-memory Store used by tests and by
// single-process deployments that can afford to lose the queue on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/store"
)

// Store keeps everything in maps guarded by a single RWMutex. All reads
// return copies so callers can never mutate shared state through a result.
type Store struct {
	mu         sync.RWMutex
	schedules  map[string]*model.Schedule
	runs       map[string]*model.ScheduleRun
	dispatches map[string]*model.Dispatch
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		schedules:  make(map[string]*model.Schedule),
		runs:       make(map[string]*model.ScheduleRun),
		dispatches: make(map[string]*model.Dispatch),
	}
}

func (s *Store) CreateSchedule(_ context.Context, sched *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; ok {
		return fmt.Errorf("store: schedule %s already exists", sched.ID)
	}
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSchedule(sched), nil
}

func (s *Store) UpdateSchedule(_ context.Context, sched *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return store.ErrNotFound
	}
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.schedules, id)
	// Runs are kept on purpose: history outlives the schedule.
	return nil
}

func (s *Store) ListSchedules(_ context.Context, f store.ScheduleFilter) ([]*model.Schedule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if f.Enabled != nil && sched.Enabled != *f.Enabled {
			continue
		}
		if f.TaskType != "" && sched.TaskType != f.TaskType {
			continue
		}
		matched = append(matched, sched)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	matched = pageSchedules(matched, f.Offset, f.Limit)

	out := make([]*model.Schedule, 0, len(matched))
	for _, sched := range matched {
		out = append(out, cloneSchedule(sched))
	}
	return out, total, nil
}

func (s *Store) SetNextRun(_ context.Context, id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	sched.NextRunAt = cloneTime(at)
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetLastRun(_ context.Context, id string, at time.Time, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	sched.LastRunAt = &at
	sched.LastRunStatus = status
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateRun(_ context.Context, r *model.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		// Retry attempts reuse the row created by the first attempt.
		return nil
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*model.ScheduleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, f store.RunFilter) ([]*model.ScheduleRun, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.ScheduleRun, 0, len(s.runs))
	for _, r := range s.runs {
		if f.ScheduleID != "" && r.ScheduleID != f.ScheduleID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	matched = pageRuns(matched, f.Offset, f.Limit)

	out := make([]*model.ScheduleRun, 0, len(matched))
	for _, r := range matched {
		out = append(out, cloneRun(r))
	}
	return out, total, nil
}

func (s *Store) MarkRunRunning(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != model.RunPending {
		// Already running (retry after crash) or already terminal.
		return nil
	}
	r.Status = model.RunRunning
	r.StartedAt = &at
	return nil
}

func (s *Store) CompleteRun(_ context.Context, runID string, status model.RunStatus, result map[string]any, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("store: %s is not a terminal run status", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status.Terminal() {
		// The terminal record is written exactly once.
		return nil
	}
	r.Status = status
	r.Result = cloneMap(result)
	r.ErrorMessage = errMsg
	r.CompletedAt = &at
	return nil
}

func (s *Store) EnqueueDispatch(_ context.Context, d *model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dispatches[d.ID]; ok {
		return fmt.Errorf("store: dispatch %s already exists", d.ID)
	}
	s.dispatches[d.ID] = cloneDispatch(d)
	return nil
}

func (s *Store) GetDispatch(_ context.Context, id string) (*model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.dispatches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDispatch(d), nil
}

func (s *Store) ClaimDueDispatches(_ context.Context, now time.Time, owner string, limit int) ([]*model.Dispatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*model.Dispatch, 0)
	for _, d := range s.dispatches {
		if d.Status == model.DispatchPending && !d.RunAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].RunAt.Before(due[j].RunAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*model.Dispatch, 0, len(due))
	for _, d := range due {
		d.Status = model.DispatchClaimed
		d.ClaimedBy = owner
		claimedAt := now
		d.ClaimedAt = &claimedAt
		d.UpdatedAt = now
		claimed = append(claimed, cloneDispatch(d))
	}
	return claimed, nil
}

func (s *Store) RescheduleDispatch(_ context.Context, id string, runAt time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = model.DispatchPending
	d.RunAt = runAt
	d.Attempts = attempts
	d.ClaimedBy = ""
	d.ClaimedAt = nil
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CompleteDispatch(_ context.Context, id string, status model.DispatchStatus) error {
	if !status.Finished() {
		return fmt.Errorf("store: %s is not a finished dispatch status", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	d.ClaimedBy = ""
	d.ClaimedAt = nil
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CancelPendingDispatches(_ context.Context, scheduleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := time.Now().UTC()
	for _, d := range s.dispatches {
		if d.ScheduleID == scheduleID && d.Status == model.DispatchPending && !d.Manual && d.Attempts == 0 {
			d.Status = model.DispatchCanceled
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleaseStaleClaims(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := time.Now().UTC()
	for _, d := range s.dispatches {
		if d.Status == model.DispatchClaimed && d.ClaimedAt != nil && d.ClaimedAt.Before(olderThan) {
			d.Status = model.DispatchPending
			d.ClaimedBy = ""
			d.ClaimedAt = nil
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) CountPendingDispatches(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.dispatches {
		if d.Status == model.DispatchPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteFinishedDispatchesBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.dispatches {
		if d.Status.Finished() && d.UpdatedAt.Before(cutoff) {
			delete(s.dispatches, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.runs {
		if r.Status != model.RunRunning && r.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close(context.Context) error { return nil }

func pageSchedules(items []*model.Schedule, offset, limit int) []*model.Schedule {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func pageRuns(items []*model.ScheduleRun, offset, limit int) []*model.ScheduleRun {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneSchedule(s *model.Schedule) *model.Schedule {
	c := *s
	c.TaskParams = cloneMap(s.TaskParams)
	c.NextRunAt = cloneTime(s.NextRunAt)
	c.LastRunAt = cloneTime(s.LastRunAt)
	return &c
}

func cloneRun(r *model.ScheduleRun) *model.ScheduleRun {
	c := *r
	c.Result = cloneMap(r.Result)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

func cloneDispatch(d *model.Dispatch) *model.Dispatch {
	c := *d
	c.TaskParams = cloneMap(d.TaskParams)
	c.ClaimedAt = cloneTime(d.ClaimedAt)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
