// Package dispatch drives schedule execution. The dispatcher polls the
// store for due dispatch records, claims them atomically so exactly one
// worker executes each, runs the action through the runner registry, and
// chains the next occurrence for recurring schedules.
//
// Durability lives in the store, not in process memory: a dispatch row is
// the timer, so enqueued work survives restarts and a crashed worker's
// claim is released after its lease expires.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/recurrence"
	"github.com/qdeck/warden/internal/runner"
	"github.com/qdeck/warden/internal/store"
)

// ErrStopped is returned by enqueue operations after Stop. Callers surface
// it as a queue-unavailable condition.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

const (
	DefaultTickInterval = 1 * time.Second
	DefaultClaimLimit   = 10
	DefaultConcurrency  = 4
	DefaultRetryLimit   = 3
	DefaultRetryDelay   = 60 * time.Second
	DefaultClaimTTL     = 5 * time.Minute
)

// Config tunes the dispatcher loop. Zero values fall back to the defaults
// above; RetryLimit counts retries after the first attempt.
type Config struct {
	TickInterval time.Duration
	ClaimLimit   int
	Concurrency  int
	RetryLimit   int
	RetryDelay   time.Duration
	ClaimTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = DefaultClaimLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	return c
}

// Dispatcher owns the execution loop. Create with New, then Start once;
// Stop drains in-flight work before returning.
type Dispatcher struct {
	cfg      Config
	store    store.Store
	registry *runner.Registry
	owner    string

	ticker    *time.Ticker
	wake      chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	semaphore chan struct{}

	mu      sync.Mutex
	stopped bool
}

// New creates a dispatcher. The owner identity (hostname, UUID fallback)
// tags claims so stale ones can be traced to the worker that held them.
func New(cfg Config, st store.Store, reg *runner.Registry) *Dispatcher {
	cfg = cfg.withDefaults()

	owner, err := os.Hostname()
	if err != nil {
		owner = uuid.NewString()
		slog.Warn("Failed to get hostname, using UUID as dispatcher owner", "owner", owner)
	}

	return &Dispatcher{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		owner:     owner,
		wake:      make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		semaphore: make(chan struct{}, cfg.Concurrency),
	}
}

// Owner returns the claim identity of this dispatcher.
func (d *Dispatcher) Owner() string { return d.owner }

// Start begins the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("Starting dispatcher",
		"owner", d.owner,
		"tick_interval", d.cfg.TickInterval,
		"concurrency", d.cfg.Concurrency,
		"retry_limit", d.cfg.RetryLimit,
		"retry_delay", d.cfg.RetryDelay,
	)

	d.ticker = time.NewTicker(d.cfg.TickInterval)
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop shuts the loop down and waits for in-flight executions until ctx
// expires. Safe to call more than once.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	slog.Info("Stopping dispatcher", "owner", d.owner)

	close(d.stopChan)
	if d.ticker != nil {
		d.ticker.Stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("All in-flight dispatches completed")
	case <-ctx.Done():
		slog.Warn("Timeout waiting for in-flight dispatches to complete")
	}

	slog.Info("Dispatcher stopped", "owner", d.owner)
}

// Enqueue durably records intent to execute the schedule's task at runAt.
// It returns once the record is written; execution happens on the loop.
func (d *Dispatcher) Enqueue(ctx context.Context, sched *model.Schedule, runAt time.Time) (*model.Dispatch, error) {
	return d.enqueue(ctx, sched, runAt, false)
}

// TriggerNow enqueues an immediate manual dispatch. Manual dispatches do
// not touch next_run_at and never chain a next occurrence.
func (d *Dispatcher) TriggerNow(ctx context.Context, sched *model.Schedule) (*model.Dispatch, error) {
	return d.enqueue(ctx, sched, time.Now().UTC(), true)
}

// Deregister cancels the schedule's pending scheduled dispatches. Safe to
// call while an attempt for the same schedule is in flight: the attempt
// completes and writes its terminal record, it just will not chain.
func (d *Dispatcher) Deregister(ctx context.Context, scheduleID string) (int, error) {
	n, err := d.store.CancelPendingDispatches(ctx, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("dispatch: deregister schedule %s: %w", scheduleID, err)
	}
	if n > 0 {
		slog.Info("Deregistered schedule from dispatcher", "schedule_id", scheduleID, "canceled", n)
	}
	return n, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, sched *model.Schedule, runAt time.Time, manual bool) (*model.Dispatch, error) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	now := time.Now().UTC()
	disp := &model.Dispatch{
		ID:         uuid.NewString(),
		ScheduleID: sched.ID,
		RunID:      uuid.NewString(),
		TaskType:   sched.TaskType,
		TaskParams: sched.TaskParams,
		RunAt:      runAt.UTC(),
		Status:     model.DispatchPending,
		Manual:     manual,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.EnqueueDispatch(ctx, disp); err != nil {
		return nil, fmt.Errorf("dispatch: enqueue: %w", err)
	}

	slog.Debug("Enqueued dispatch",
		"dispatch_id", disp.ID,
		"schedule_id", disp.ScheduleID,
		"task_type", disp.TaskType,
		"run_at", disp.RunAt.Format(time.RFC3339),
		"manual", manual,
	)

	d.kick()
	return disp, nil
}

// kick nudges the loop so due work is picked up without waiting out a tick.
func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	d.tick(ctx)

	for {
		select {
		case <-d.ticker.C:
			d.tick(ctx)
		case <-d.wake:
			d.tick(ctx)
		case <-d.stopChan:
			return
		case <-ctx.Done():
			slog.Info("Dispatcher context done", "owner", d.owner)
			return
		}
	}
}

// tick releases expired claims, claims due dispatches and hands them to
// workers. One failed store call skips the tick, never kills the loop.
func (d *Dispatcher) tick(ctx context.Context) {
	now := time.Now().UTC()

	if released, err := d.store.ReleaseStaleClaims(ctx, now.Add(-d.cfg.ClaimTTL)); err != nil {
		slog.Error("Failed to release stale claims", "error", err)
	} else if released > 0 {
		slog.Warn("Released stale dispatch claims", "count", released)
	}

	claimed, err := d.store.ClaimDueDispatches(ctx, now, d.owner, d.cfg.ClaimLimit)
	if err != nil {
		slog.Error("Failed to claim due dispatches", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	slog.Debug("Claimed due dispatches", "owner", d.owner, "count", len(claimed))

	for _, disp := range claimed {
		// A scheduled dispatch only runs while its schedule still exists
		// and is enabled. A row that outlived a delete or disable (the
		// cancel raced the claim, or failed outright) is settled here
		// instead of executing. Manual dispatches bypass the enabled flag.
		if !disp.Manual {
			sched, err := d.store.GetSchedule(ctx, disp.ScheduleID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				slog.Info("Discarding dispatch for deleted schedule", "dispatch_id", disp.ID, "schedule_id", disp.ScheduleID)
				d.cancel(disp)
				continue
			case err != nil:
				slog.Error("Failed to load schedule for claimed dispatch", "dispatch_id", disp.ID, "error", err)
				d.release(disp)
				continue
			case !sched.Enabled:
				slog.Info("Discarding dispatch for disabled schedule", "dispatch_id", disp.ID, "schedule_id", disp.ScheduleID)
				d.cancel(disp)
				continue
			}
		}

		run := &model.ScheduleRun{
			ID:         disp.RunID,
			ScheduleID: disp.ScheduleID,
			DispatchID: disp.ID,
			Status:     model.RunPending,
			CreatedAt:  now,
		}
		if err := d.store.CreateRun(ctx, run); err != nil {
			slog.Error("Failed to create run record", "dispatch_id", disp.ID, "run_id", disp.RunID, "error", err)
			d.release(disp)
			continue
		}

		d.wg.Add(1)
		go d.execute(ctx, disp)
	}
}

// execute runs one claimed dispatch through a single attempt.
func (d *Dispatcher) execute(ctx context.Context, disp *model.Dispatch) {
	defer d.wg.Done()

	select {
	case d.semaphore <- struct{}{}:
		defer func() { <-d.semaphore }()
	case <-d.stopChan:
		d.release(disp)
		return
	case <-ctx.Done():
		d.release(disp)
		return
	}

	started := time.Now().UTC()
	if err := d.store.MarkRunRunning(ctx, disp.RunID, started); err != nil {
		slog.Error("Failed to mark run running", "run_id", disp.RunID, "error", err)
		d.release(disp)
		return
	}

	attempt := disp.Attempts + 1
	slog.Info("Executing dispatch",
		"dispatch_id", disp.ID,
		"schedule_id", disp.ScheduleID,
		"task_type", disp.TaskType,
		"attempt", attempt,
		"max_attempts", d.maxAttempts(),
		"manual", disp.Manual,
	)

	rnr, err := d.registry.Lookup(disp.TaskType)
	if err != nil {
		// No runner will appear mid-flight; retrying cannot help.
		slog.Error("No runner for dispatch", "dispatch_id", disp.ID, "task_type", disp.TaskType, "error", err)
		d.finish(disp, model.RunFailure, nil, err.Error())
		return
	}

	// A failed attempt may still carry a result (captured output and the
	// like); it is persisted if this attempt settles the run.
	result, err := rnr.Run(ctx, runner.Task{
		Type:       disp.TaskType,
		Params:     disp.TaskParams,
		ScheduleID: disp.ScheduleID,
		RunID:      disp.RunID,
	})
	if err == nil {
		slog.Info("Dispatch succeeded", "dispatch_id", disp.ID, "schedule_id", disp.ScheduleID, "attempt", attempt)
		d.finish(disp, model.RunSuccess, result, "")
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; it does not count against the
		// budget and the run row stays running for the next incarnation.
		slog.Warn("Dispatch interrupted by shutdown", "dispatch_id", disp.ID, "schedule_id", disp.ScheduleID)
		d.release(disp)
		return
	}

	if attempt < d.maxAttempts() {
		retryAt := time.Now().UTC().Add(d.cfg.RetryDelay)
		slog.Warn("Dispatch attempt failed, retry scheduled",
			"dispatch_id", disp.ID,
			"schedule_id", disp.ScheduleID,
			"attempt", attempt,
			"retry_at", retryAt.Format(time.RFC3339),
			"error", err,
		)
		if rerr := d.store.RescheduleDispatch(context.Background(), disp.ID, retryAt, attempt); rerr != nil {
			slog.Error("Failed to schedule retry", "dispatch_id", disp.ID, "error", rerr)
		}
		// The run row stays running between attempts.
		return
	}

	slog.Error("Dispatch failed after exhausting retries",
		"dispatch_id", disp.ID,
		"schedule_id", disp.ScheduleID,
		"attempts", attempt,
		"error", err,
	)
	d.finish(disp, model.RunFailure, result, err.Error())
}

// finish writes the terminal run record, settles the dispatch row, updates
// the schedule's last-run cache and chains the next occurrence. Terminal
// writes use a fresh context so they land even during shutdown.
func (d *Dispatcher) finish(disp *model.Dispatch, status model.RunStatus, result runner.Result, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if err := d.store.CompleteRun(ctx, disp.RunID, status, map[string]any(result), errMsg, now); err != nil {
		slog.Error("Failed to write terminal run record", "run_id", disp.RunID, "error", err)
	}

	dispStatus := model.DispatchCompleted
	if status == model.RunFailure {
		dispStatus = model.DispatchFailed
	}
	if err := d.store.CompleteDispatch(ctx, disp.ID, dispStatus); err != nil {
		slog.Error("Failed to settle dispatch", "dispatch_id", disp.ID, "error", err)
	}

	// last_run_at is the attempt start, not the completion time.
	lastAt := now
	if run, err := d.store.GetRun(ctx, disp.RunID); err == nil && run.StartedAt != nil {
		lastAt = *run.StartedAt
	}
	if err := d.store.SetLastRun(ctx, disp.ScheduleID, lastAt, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to update schedule last run", "schedule_id", disp.ScheduleID, "error", err)
	}

	if !disp.Manual {
		d.chainNext(ctx, disp.ScheduleID)
	}
}

// chainNext re-enqueues the next occurrence after a scheduled dispatch
// reaches a terminal state. A failed run does not break the chain. The
// schedule is re-read first so a delete, disable or rule change that
// happened while the run was in flight wins, and re-checked after the
// enqueue so a change that landed mid-chain wins too.
func (d *Dispatcher) chainNext(ctx context.Context, scheduleID string) {
	sched, err := d.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("Failed to load schedule for re-enqueue", "schedule_id", scheduleID, "error", err)
		return
	}

	// One replant covers a single overlapping mutation; anything still
	// churning after that is left to the periodic recalculation sweep.
	for i := 0; i < 2; i++ {
		d.plantNext(ctx, sched)

		latest, err := d.store.GetSchedule(ctx, scheduleID)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while we were planting: the row we enqueued is stray.
			if _, cerr := d.store.CancelPendingDispatches(ctx, scheduleID); cerr != nil {
				slog.Error("Failed to cancel dispatches of deleted schedule", "schedule_id", scheduleID, "error", cerr)
			}
			return
		}
		if err != nil {
			slog.Error("Failed to re-check schedule after chaining", "schedule_id", scheduleID, "error", err)
			return
		}
		if latest.Enabled == sched.Enabled &&
			latest.RecurrenceRule == sched.RecurrenceRule &&
			latest.Timezone == sched.Timezone {
			return
		}
		sched = latest
	}
	slog.Warn("Schedule kept changing while chaining, leaving repair to the recalculation sweep", "schedule_id", scheduleID)
}

// plantNext makes the standing queue entry agree with the given schedule
// snapshot: one pending scheduled dispatch at the next occurrence for an
// enabled recurring schedule, none otherwise.
func (d *Dispatcher) plantNext(ctx context.Context, sched *model.Schedule) {
	var next *time.Time
	if sched.Enabled && sched.Recurs() {
		var err error
		next, err = recurrence.Next(sched.RecurrenceRule, time.Now().UTC(), sched.Timezone)
		if err != nil {
			slog.Warn("Stored recurrence rule no longer expands", "schedule_id", sched.ID, "error", err)
			next = nil
		}
	}

	// An update racing this run may have enqueued its own dispatch; keep
	// at most one pending scheduled dispatch per schedule.
	if n, err := d.store.CancelPendingDispatches(ctx, sched.ID); err != nil {
		slog.Error("Failed to cancel superseded dispatches", "schedule_id", sched.ID, "error", err)
	} else if n > 0 {
		slog.Debug("Canceled superseded pending dispatches", "schedule_id", sched.ID, "count", n)
	}

	if next == nil {
		if err := d.store.SetNextRun(ctx, sched.ID, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to clear next run time", "schedule_id", sched.ID, "error", err)
		}
		return
	}

	if _, err := d.enqueue(ctx, sched, *next, false); err != nil {
		slog.Error("Failed to enqueue next occurrence", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := d.store.SetNextRun(ctx, sched.ID, next); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to update next run time", "schedule_id", sched.ID, "error", err)
	}

	slog.Info("Chained next occurrence", "schedule_id", sched.ID, "run_at", next.Format(time.RFC3339))
}

// cancel settles a claimed dispatch that must not run.
func (d *Dispatcher) cancel(disp *model.Dispatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.CompleteDispatch(ctx, disp.ID, model.DispatchCanceled); err != nil {
		slog.Error("Failed to cancel claimed dispatch", "dispatch_id", disp.ID, "error", err)
	}
}

// release returns a claimed dispatch to pending untouched.
func (d *Dispatcher) release(disp *model.Dispatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.RescheduleDispatch(ctx, disp.ID, disp.RunAt, disp.Attempts); err != nil {
		slog.Error("Failed to release claimed dispatch", "dispatch_id", disp.ID, "error", err)
	}
}

func (d *Dispatcher) maxAttempts() int {
	return d.cfg.RetryLimit + 1
}
