package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/recurrence"
	"github.com/qdeck/warden/internal/runner"
	"github.com/qdeck/warden/internal/store"
	"github.com/qdeck/warden/internal/store/memory"
)

// stubRunner counts calls and fails the first `failures` of them.
type stubRunner struct {
	mu       sync.Mutex
	calls    int
	failures int
	delay    time.Duration
}

func (s *stubRunner) Run(_ context.Context, task runner.Task) (runner.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if n <= s.failures {
		res := runner.Result{"success": false, "stderr": "gateway unreachable"}
		return res, &runner.ExecutionError{TaskType: task.Type, Err: errors.New("gateway unreachable")}
	}
	return runner.Result{"success": true, "stdout": "ok"}, nil
}

func (s *stubRunner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		TickInterval: 10 * time.Millisecond,
		ClaimLimit:   10,
		Concurrency:  4,
		RetryLimit:   3,
		RetryDelay:   25 * time.Millisecond,
		ClaimTTL:     time.Minute,
	}
}

func testSchedule(t *testing.T, st store.Store) *model.Schedule {
	t.Helper()
	now := time.Now().UTC()
	sched := &model.Schedule{
		ID:             uuid.NewString(),
		Name:           "nightly pull",
		TaskType:       model.TaskDownloadConfig,
		TaskParams:     map[string]any{"target": "all"},
		RecurrenceRule: "FREQ=DAILY",
		Timezone:       "UTC",
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sched
}

func startDispatcher(t *testing.T, cfg Config, st store.Store, reg *runner.Registry) *Dispatcher {
	t.Helper()
	d := New(cfg, st, reg)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func TestDispatcherExecutesDueDispatchOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := startDispatcher(t, testConfig(), st, reg)

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, "run to succeed", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunSuccess
	})

	if got := stub.count(); got != 1 {
		t.Errorf("runner invoked %d times, want exactly 1", got)
	}

	run, err := st.GetRun(ctx, disp.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Errorf("run missing timestamps: started=%v completed=%v", run.StartedAt, run.CompletedAt)
	}
	if run.Result["stdout"] != "ok" {
		t.Errorf("run result = %v, want runner output", run.Result)
	}
	if run.ErrorMessage != "" {
		t.Errorf("run error = %q, want empty", run.ErrorMessage)
	}

	settled, err := st.GetDispatch(ctx, disp.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if settled.Status != model.DispatchCompleted {
		t.Errorf("dispatch status = %s, want completed", settled.Status)
	}

	// The schedule's denormalized cache points at the attempt start and the
	// next occurrence is chained.
	waitFor(t, time.Second, "schedule last run cache", func() bool {
		got, err := st.GetSchedule(ctx, sched.ID)
		return err == nil && got.LastRunStatus == model.RunSuccess && got.NextRunAt != nil
	})
	got, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(*run.StartedAt) {
		t.Errorf("last_run_at = %v, want attempt start %v", got.LastRunAt, run.StartedAt)
	}
	wantNext, err := recurrence.Next(sched.RecurrenceRule, time.Now().UTC(), sched.Timezone)
	if err != nil {
		t.Fatalf("recurrence.Next: %v", err)
	}
	if !got.NextRunAt.Equal(*wantNext) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, wantNext)
	}
	pending, err := st.CountPendingDispatches(ctx)
	if err != nil {
		t.Fatalf("CountPendingDispatches: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending dispatches = %d, want the chained occurrence", pending)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{failures: 2}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := startDispatcher(t, testConfig(), st, reg)

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, "run to succeed after retries", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunSuccess
	})

	if got := stub.count(); got != 3 {
		t.Errorf("runner invoked %d times, want 3 (two failures, one success)", got)
	}
	run, err := st.GetRun(ctx, disp.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.ErrorMessage != "" {
		t.Errorf("successful run kept error %q", run.ErrorMessage)
	}
	settled, err := st.GetDispatch(ctx, disp.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if settled.Status != model.DispatchCompleted || settled.Attempts != 2 {
		t.Errorf("dispatch = %s with %d recorded attempts, want completed/2", settled.Status, settled.Attempts)
	}
}

func TestDispatcherFailsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{failures: 100}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := startDispatcher(t, testConfig(), st, reg)

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "run to fail terminally", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunFailure
	})

	// 1 initial + 3 retries.
	if got := stub.count(); got != 4 {
		t.Errorf("runner invoked %d times, want 4", got)
	}
	run, err := st.GetRun(ctx, disp.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !strings.Contains(run.ErrorMessage, "gateway unreachable") {
		t.Errorf("error message %q missing cause", run.ErrorMessage)
	}
	// The last attempt's captured output lands on the run record.
	if ok, _ := run.Result["success"].(bool); ok {
		t.Errorf("run result success = %v, want false", run.Result["success"])
	}
	if run.Result["stderr"] != "gateway unreachable" {
		t.Errorf("run result = %v, want the attempt's stderr", run.Result)
	}
	settled, err := st.GetDispatch(ctx, disp.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if settled.Status != model.DispatchFailed {
		t.Errorf("dispatch status = %s, want failed", settled.Status)
	}

	// Failure never breaks the recurrence: the next occurrence still fires.
	waitFor(t, time.Second, "next occurrence chained after failure", func() bool {
		got, err := st.GetSchedule(ctx, sched.ID)
		if err != nil || got.NextRunAt == nil || got.LastRunStatus != model.RunFailure {
			return false
		}
		n, err := st.CountPendingDispatches(ctx)
		return err == nil && n == 1
	})
}

func TestDispatcherManualTriggerDoesNotChain(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := startDispatcher(t, testConfig(), st, reg)

	disp, err := d.TriggerNow(ctx, sched)
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if !disp.Manual {
		t.Error("TriggerNow dispatch not marked manual")
	}

	waitFor(t, 3*time.Second, "manual run to succeed", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunSuccess
	})

	// Give a wrong chain a moment to show up before asserting it did not.
	time.Sleep(50 * time.Millisecond)
	n, err := st.CountPendingDispatches(ctx)
	if err != nil {
		t.Fatalf("CountPendingDispatches: %v", err)
	}
	if n != 0 {
		t.Errorf("pending dispatches = %d, want 0 after a manual run", n)
	}
	got, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.NextRunAt != nil {
		t.Errorf("next_run_at = %v, want untouched nil", got.NextRunAt)
	}
	if got.LastRunStatus != model.RunSuccess {
		t.Errorf("last_run_status = %s, manual runs still update the cache", got.LastRunStatus)
	}
}

func TestDispatcherDisabledMidFlightDoesNotChain(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{delay: 80 * time.Millisecond}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := startDispatcher(t, testConfig(), st, reg)

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, "attempt to start", func() bool {
		return stub.count() > 0
	})

	// Disable while the attempt is running, the way a toggle-off does.
	sched.Enabled = false
	if err := st.UpdateSchedule(ctx, sched); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if _, err := d.Deregister(ctx, sched.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	// The in-flight attempt still completes and writes its terminal record.
	waitFor(t, 2*time.Second, "in-flight run to finish", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunSuccess
	})

	time.Sleep(50 * time.Millisecond)
	n, err := st.CountPendingDispatches(ctx)
	if err != nil {
		t.Fatalf("CountPendingDispatches: %v", err)
	}
	if n != 0 {
		t.Errorf("pending dispatches = %d, want 0 after mid-flight disable", n)
	}
}

// gateStore blocks one schedule read, chosen by how many reads to let
// through first, so a concurrent mutation can land inside a
// read-then-write window.
type gateStore struct {
	store.Store
	mu      sync.Mutex
	armed   bool
	skip    int
	entered chan struct{}
	release chan struct{}
}

func newGateStore(inner store.Store) *gateStore {
	return &gateStore{
		Store:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateStore) arm(skip int) {
	g.mu.Lock()
	g.armed = true
	g.skip = skip
	g.mu.Unlock()
}

func (g *gateStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	sched, err := g.Store.GetSchedule(ctx, id)
	g.mu.Lock()
	fire := false
	if g.armed {
		if g.skip > 0 {
			g.skip--
		} else {
			fire = true
			g.armed = false
		}
	}
	g.mu.Unlock()
	if fire {
		close(g.entered)
		<-g.release
	}
	return sched, err
}

func TestDispatcherToggleDuringChainWins(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	gate := newGateStore(st)
	sched := testSchedule(t, gate)

	stub := &stubRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)
	d := startDispatcher(t, testConfig(), gate, reg)

	// Hold the chain step on its stale enabled snapshot so the disable
	// below lands entirely inside the read-then-enqueue window. The first
	// schedule read is the claim-time check; the second is the chain's.
	gate.arm(1)
	if _, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-gate.entered

	got, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	got.Enabled = false
	got.NextRunAt = nil
	if err := st.UpdateSchedule(ctx, got); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if _, err := st.CancelPendingDispatches(ctx, sched.ID); err != nil {
		t.Fatalf("CancelPendingDispatches: %v", err)
	}
	close(gate.release)

	waitFor(t, 2*time.Second, "stray occurrence to be repaired", func() bool {
		n, err := st.CountPendingDispatches(ctx)
		if err != nil || n != 0 {
			return false
		}
		latest, err := st.GetSchedule(ctx, sched.ID)
		return err == nil && latest.NextRunAt == nil
	})

	latest, err := st.GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if latest.Enabled {
		t.Error("schedule re-enabled by the chain, want it to stay disabled")
	}
}

func TestDispatcherDeletedMidFlightTolerated(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{delay: 80 * time.Millisecond}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := startDispatcher(t, testConfig(), st, reg)

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, "attempt to start", func() bool {
		return stub.count() > 0
	})

	if err := st.DeleteSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}

	// The orphaned run still reaches its terminal state.
	waitFor(t, 2*time.Second, "orphaned run to finish", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunSuccess
	})

	n, err := st.CountPendingDispatches(ctx)
	if err != nil {
		t.Fatalf("CountPendingDispatches: %v", err)
	}
	if n != 0 {
		t.Errorf("pending dispatches = %d, want 0 for a deleted schedule", n)
	}
}

func TestDispatcherUnknownTaskFailsWithoutRetries(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	// Nothing registered at all.
	d := startDispatcher(t, testConfig(), st, runner.NewRegistry())

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, "run to fail", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunFailure
	})

	run, err := st.GetRun(ctx, disp.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !strings.Contains(run.ErrorMessage, "no runner registered") {
		t.Errorf("error message %q should name the missing runner", run.ErrorMessage)
	}
	settled, err := st.GetDispatch(ctx, disp.ID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if settled.Status != model.DispatchFailed || settled.Attempts != 0 {
		t.Errorf("dispatch = %s/%d attempts, want failed without burning retries", settled.Status, settled.Attempts)
	}
}

func TestDispatcherPicksUpPersistedDispatch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	// A pending row left behind by a previous process.
	disp := pendingRow(sched)
	if err := st.EnqueueDispatch(ctx, disp); err != nil {
		t.Fatalf("EnqueueDispatch: %v", err)
	}

	stub := &stubRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)
	startDispatcher(t, testConfig(), st, reg)

	waitFor(t, 3*time.Second, "persisted dispatch to execute", func() bool {
		run, err := st.GetRun(ctx, disp.RunID)
		return err == nil && run.Status == model.RunSuccess
	})
	if got := stub.count(); got != 1 {
		t.Errorf("runner invoked %d times, want 1", got)
	}
}

func pendingRow(sched *model.Schedule) *model.Dispatch {
	now := time.Now().UTC()
	return &model.Dispatch{
		ID:         uuid.NewString(),
		ScheduleID: sched.ID,
		RunID:      uuid.NewString(),
		TaskType:   sched.TaskType,
		TaskParams: sched.TaskParams,
		RunAt:      now.Add(-time.Minute),
		Status:     model.DispatchPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestDispatcherDiscardsOrphanedDispatch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	// A due row whose cancel was missed; the schedule itself is gone.
	disp := pendingRow(sched)
	if err := st.EnqueueDispatch(ctx, disp); err != nil {
		t.Fatalf("EnqueueDispatch: %v", err)
	}
	if err := st.DeleteSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}

	stub := &stubRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)
	startDispatcher(t, testConfig(), st, reg)

	waitFor(t, 2*time.Second, "orphaned dispatch to be discarded", func() bool {
		got, err := st.GetDispatch(ctx, disp.ID)
		return err == nil && got.Status == model.DispatchCanceled
	})
	if got := stub.count(); got != 0 {
		t.Errorf("runner invoked %d times for a deleted schedule, want 0", got)
	}
	if _, err := st.GetRun(ctx, disp.RunID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRun err = %v, want no run record for a discarded dispatch", err)
	}
}

func TestDispatcherDiscardsDisabledScheduleDispatch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	sched.Enabled = false
	if err := st.UpdateSchedule(ctx, sched); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	disp := pendingRow(sched)
	if err := st.EnqueueDispatch(ctx, disp); err != nil {
		t.Fatalf("EnqueueDispatch: %v", err)
	}

	stub := &stubRunner{}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)
	startDispatcher(t, testConfig(), st, reg)

	waitFor(t, 2*time.Second, "disabled schedule's dispatch to be discarded", func() bool {
		got, err := st.GetDispatch(ctx, disp.ID)
		return err == nil && got.Status == model.DispatchCanceled
	})
	if got := stub.count(); got != 0 {
		t.Errorf("runner invoked %d times for a disabled schedule, want 0", got)
	}
}

func TestDispatcherStopDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	stub := &stubRunner{delay: 100 * time.Millisecond}
	reg := runner.NewRegistry()
	reg.Register(model.TaskDownloadConfig, stub)

	d := New(testConfig(), st, reg)
	d.Start(context.Background())

	disp, err := d.Enqueue(ctx, sched, time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, "attempt to start", func() bool {
		return stub.count() > 0
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Stop(stopCtx)

	run, err := st.GetRun(ctx, disp.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.RunSuccess {
		t.Errorf("run status after drain = %s, want success", run.Status)
	}
}

func TestDispatcherEnqueueAfterStop(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := testSchedule(t, st)

	d := New(testConfig(), st, runner.NewRegistry())
	d.Start(context.Background())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Stop(stopCtx)
	// Stop twice is a no-op.
	d.Stop(stopCtx)

	if _, err := d.Enqueue(ctx, sched, time.Now()); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after stop = %v, want ErrStopped", err)
	}
	if _, err := d.TriggerNow(ctx, sched); !errors.Is(err, ErrStopped) {
		t.Errorf("TriggerNow after stop = %v, want ErrStopped", err)
	}
}
