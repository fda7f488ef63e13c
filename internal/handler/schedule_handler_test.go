package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qdeck/warden/internal/dispatch"
	"github.com/qdeck/warden/internal/gateway"
	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/recurrence"
	"github.com/qdeck/warden/internal/runner"
	"github.com/qdeck/warden/internal/service"
	"github.com/qdeck/warden/internal/store/memory"
	"github.com/qdeck/warden/pkg/middleware"
)

// testEnv wires the full router over the memory store with an idle
// dispatcher: enqueues write through to the store without executing, so
// responses can be asserted without background noise.
type testEnv struct {
	handler    http.Handler
	store      *memory.Store
	dispatcher *dispatch.Dispatcher
	registry   *runner.Registry
	gatewayDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New()
	reg := runner.NewRegistry()
	d := dispatch.New(dispatch.Config{}, st, reg)
	svc := service.NewScheduleService(st, d)
	dir := t.TempDir()
	gw := gateway.New(dir, reg)

	rt := NewRouter(
		NewScheduleHandler(svc),
		NewRunHandler(svc),
		NewGatewayHandler(gw),
		NewHealthHandler(st, "test"),
		middleware.CORSConfig{
			AllowedOrigins: "*",
			AllowedMethods: "GET, POST, PUT, DELETE, OPTIONS",
			AllowedHeaders: "*",
		},
	)
	return &testEnv{
		handler:    rt.Handler(),
		store:      st,
		dispatcher: d,
		registry:   reg,
		gatewayDir: dir,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAs(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) createSchedule(t *testing.T, name string) *model.Schedule {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":            name,
		"task_type":       "download_config",
		"recurrence_rule": "FREQ=DAILY;INTERVAL=1",
		"timezone":        "UTC",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create schedule: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sched model.Schedule
	decodeAs(t, rec, &sched)
	return &sched
}

func TestCreateSchedule(t *testing.T) {
	env := newTestEnv(t)

	sched := env.createSchedule(t, "nightly config pull")
	if sched.ID == "" {
		t.Error("response has no id")
	}
	if !sched.Enabled {
		t.Error("enabled should default to true when omitted")
	}
	if sched.NextRunAt == nil {
		t.Error("next_run_at not computed on create")
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"task_type": "download_config"}},
		{"unknown task type", map[string]any{"name": "x", "task_type": "reboot_universe"}},
		{"change_status without status param", map[string]any{"name": "x", "task_type": "change_status"}},
		{"bad timezone", map[string]any{"name": "x", "task_type": "download_config", "timezone": "Mars/Olympus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/schedules", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
			}
			var resp ErrorResponse
			decodeAs(t, rec, &resp)
			if resp.Message == "" {
				t.Error("400 response carries no message")
			}
		})
	}
}

func TestGetSchedule(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "weekly topology")

	rec := env.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got model.Schedule
	decodeAs(t, rec, &got)
	if got.ID != created.ID || got.Name != "weekly topology" {
		t.Errorf("got %+v, want the created schedule", got)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/schedules/does-not-exist", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestUpdateSchedule(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "before")

	rec := env.do(t, http.MethodPut, "/api/v1/schedules/"+created.ID, map[string]any{
		"name":        "after",
		"description": "renamed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got model.Schedule
	decodeAs(t, rec, &got)
	if got.Name != "after" || got.Description != "renamed" {
		t.Errorf("update not applied: %+v", got)
	}

	// An update with no fields at all is rejected.
	if rec := env.do(t, http.MethodPut, "/api/v1/schedules/"+created.ID, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty update: status = %d, want 400", rec.Code)
	}
}

func TestToggleFlipsWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "flippable")

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/toggle", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got model.Schedule
	decodeAs(t, rec, &got)
	if got.Enabled {
		t.Error("first toggle should disable")
	}
	if got.NextRunAt != nil {
		t.Error("disabling should clear next_run_at")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/toggle", nil)
	decodeAs(t, rec, &got)
	if !got.Enabled {
		t.Error("second toggle should re-enable")
	}
	if got.NextRunAt == nil {
		t.Error("enabling should recompute next_run_at")
	}
}

func TestToggleExplicitValue(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "explicit")

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/toggle", map[string]any{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got model.Schedule
	decodeAs(t, rec, &got)
	if got.Enabled {
		t.Error("explicit enabled=false not applied")
	}
}

func TestDeleteSchedule(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "doomed")

	if rec := env.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("double delete: status = %d, want 404", rec.Code)
	}
}

func TestTriggerSchedule(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "manual run")

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/trigger", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	var resp TriggerResponse
	decodeAs(t, rec, &resp)
	if resp.DispatchID == "" || resp.RunID == "" {
		t.Errorf("trigger response missing ids: %+v", resp)
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}
}

func TestTriggerWhenQueueStopped(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "too late")

	env.dispatcher.Stop(context.Background())

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/trigger", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body %s", rec.Code, rec.Body.String())
	}
}

func TestListSchedules(t *testing.T) {
	env := newTestEnv(t)
	a := env.createSchedule(t, "a")
	env.createSchedule(t, "b")
	env.createSchedule(t, "c")

	// Disable one so the enabled filter has something to exclude.
	if rec := env.do(t, http.MethodPost, "/api/v1/schedules/"+a.ID+"/toggle", nil); rec.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d", rec.Code)
	}

	var resp ScheduleListResponse
	rec := env.do(t, http.MethodGet, "/api/v1/schedules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	decodeAs(t, rec, &resp)
	if resp.Total != 3 || len(resp.Results) != 3 {
		t.Errorf("total = %d len = %d, want 3/3", resp.Total, len(resp.Results))
	}
	if resp.Results[0].RecurrenceLabel == "" {
		t.Error("list items should carry a recurrence label")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/schedules?enabled=true", nil)
	decodeAs(t, rec, &resp)
	if resp.Total != 2 {
		t.Errorf("enabled filter: total = %d, want 2", resp.Total)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/schedules?page=2&limit=2", nil)
	decodeAs(t, rec, &resp)
	if resp.Page != 2 || resp.Limit != 2 {
		t.Errorf("page = %d limit = %d, want 2/2", resp.Page, resp.Limit)
	}
	if resp.Total != 3 || len(resp.Results) != 1 {
		t.Errorf("second page: total = %d len = %d, want 3/1", resp.Total, len(resp.Results))
	}
}

func TestRecalculateEndpoints(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "recalc me")

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/recalculate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recalculate: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var single struct {
		NextRunAt *time.Time `json:"next_run_at"`
	}
	decodeAs(t, rec, &single)
	if single.NextRunAt == nil {
		t.Error("recalculate response has no next_run_at")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/schedules/recalculate-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recalculate-all: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var all struct {
		Recalculated int `json:"recalculated"`
	}
	decodeAs(t, rec, &all)
	if all.Recalculated != 1 {
		t.Errorf("recalculated = %d, want 1", all.Recalculated)
	}
}

// seedRun inserts a finished run directly so history endpoints have
// something to return without executing anything.
func seedRun(t *testing.T, st *memory.Store, scheduleID, runID string) {
	t.Helper()
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	if err := st.CreateRun(ctx, &model.ScheduleRun{
		ID:         runID,
		ScheduleID: scheduleID,
		DispatchID: "disp-" + runID,
		Status:     model.RunPending,
		CreatedAt:  started,
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.MarkRunRunning(ctx, runID, started); err != nil {
		t.Fatalf("MarkRunRunning: %v", err)
	}
	if err := st.CompleteRun(ctx, runID, model.RunSuccess, map[string]any{"ok": true}, "", started.Add(2*time.Second)); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
}

func TestScheduleRunsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/v1/schedules/ghost/runs", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("runs of unknown schedule: status = %d, want 404", rec.Code)
	}

	created := env.createSchedule(t, "with history")
	seedRun(t, env.store, created.ID, "run-1")

	rec := env.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID+"/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp RunListResponse
	decodeAs(t, rec, &resp)
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("total = %d len = %d, want 1/1", resp.Total, len(resp.Results))
	}
	run := resp.Results[0]
	if run.ID != "run-1" || run.Status != model.RunSuccess {
		t.Errorf("run = %+v, want run-1 success", run)
	}
	if run.DurationMs <= 0 {
		t.Errorf("duration_ms = %d, want > 0", run.DurationMs)
	}
}

func TestFlatRunEndpoints(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "short lived")
	seedRun(t, env.store, created.ID, "run-9")

	// History survives schedule deletion on the flat listing.
	if rec := env.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/runs?schedule_id="+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list runs: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp RunListResponse
	decodeAs(t, rec, &resp)
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs/run-9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var run model.ScheduleRun
	decodeAs(t, rec, &run)
	if run.ID != "run-9" || run.Result["ok"] != true {
		t.Errorf("run = %+v, want run-9 with result", run)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/runs/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d, want 404", rec.Code)
	}
}

func TestPreviewRule(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/preview", map[string]any{
		"rule":     "FREQ=DAILY;INTERVAL=1",
		"timezone": "UTC",
		"count":    3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp PreviewResponse
	decodeAs(t, rec, &resp)
	if !resp.Valid {
		t.Fatalf("valid = false, error %q", resp.Error)
	}
	if len(resp.Occurrences) != 3 {
		t.Errorf("occurrences = %d, want 3", len(resp.Occurrences))
	}
	if resp.Description == "" {
		t.Error("description empty")
	}
	for i := 1; i < len(resp.Occurrences); i++ {
		if !resp.Occurrences[i].After(resp.Occurrences[i-1]) {
			t.Errorf("occurrences out of order: %v", resp.Occurrences)
		}
	}
}

func TestPreviewInvalidRuleIsNormalOutcome(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/schedules/preview", map[string]any{
		"rule":     "FREQ=SOMETIMES",
		"timezone": "UTC",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for an invalid rule, body %s", rec.Code, rec.Body.String())
	}
	var resp PreviewResponse
	decodeAs(t, rec, &resp)
	if resp.Valid {
		t.Error("valid = true for a bogus rule")
	}
	if resp.Error == "" {
		t.Error("invalid rule should carry the reason")
	}
	if len(resp.Occurrences) != 0 {
		t.Errorf("occurrences = %v, want none", resp.Occurrences)
	}
}

func TestPresets(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/schedules/presets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var presets []recurrence.Preset
	decodeAs(t, rec, &presets)
	if len(presets) == 0 {
		t.Fatal("no presets returned")
	}
	for _, p := range presets {
		if p.Label == "" || p.Rule == "" {
			t.Errorf("incomplete preset %+v", p)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d", rec.Code)
	}
	var health HealthResponse
	decodeAs(t, rec, &health)
	if health.Status != "healthy" || health.Storage != "connected" {
		t.Errorf("health = %+v", health)
	}
	if health.Version != "test" {
		t.Errorf("version = %q, want test", health.Version)
	}

	rec = env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: status = %d", rec.Code)
	}
	var ready ReadyResponse
	decodeAs(t, rec, &ready)
	if !ready.Ready {
		t.Error("ready = false with a healthy store")
	}
}

func TestRoutingRejections(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSchedule(t, "routing")

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"patch collection", http.MethodPatch, "/api/v1/schedules", http.StatusMethodNotAllowed},
		{"get trigger", http.MethodGet, "/api/v1/schedules/" + created.ID + "/trigger", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodPost, "/api/v1/schedules/" + created.ID + "/reboot", http.StatusNotFound},
		{"delete run", http.MethodDelete, "/api/v1/runs/run-1", http.StatusMethodNotAllowed},
		{"nested run path", http.MethodGet, "/api/v1/runs/run-1/extra", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, nil)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/schedules", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "caller-supplied" {
		t.Errorf("X-Request-ID = %q, want the caller's id echoed", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodOptions, "/api/v1/schedules", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight response missing CORS headers")
	}
}
