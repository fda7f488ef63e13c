package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/recurrence"
	"github.com/qdeck/warden/internal/service"
	"github.com/qdeck/warden/internal/store"
)

// ScheduleHandler handles schedule CRUD and the scheduling operations
// hanging off a single schedule.
type ScheduleHandler struct {
	service *service.ScheduleService
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(svc *service.ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{service: svc}
}

// CreateScheduleRequest is the create payload. Enabled defaults to true
// when omitted.
type CreateScheduleRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	TaskType       model.TaskType `json:"task_type"`
	TaskParams     map[string]any `json:"task_params"`
	RecurrenceRule string         `json:"recurrence_rule"`
	Timezone       string         `json:"timezone"`
	Enabled        *bool          `json:"enabled"`
	CreatedBy      string         `json:"created_by"`
}

// ScheduleListResponse is the paginated list envelope
type ScheduleListResponse struct {
	Total   int                      `json:"total"`
	Page    int                      `json:"page"`
	Limit   int                      `json:"limit"`
	Results []model.ScheduleListItem `json:"results"`
}

// RunListResponse is the paginated run history envelope
type RunListResponse struct {
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	Limit   int                 `json:"limit"`
	Results []model.RunListItem `json:"results"`
}

// TriggerResponse acknowledges an accepted manual trigger
type TriggerResponse struct {
	DispatchID string `json:"dispatch_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Create handles POST /api/v1/schedules
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sched := &model.Schedule{
		Name:           req.Name,
		Description:    req.Description,
		TaskType:       req.TaskType,
		TaskParams:     req.TaskParams,
		RecurrenceRule: req.RecurrenceRule,
		Timezone:       req.Timezone,
		Enabled:        req.Enabled == nil || *req.Enabled,
		CreatedBy:      req.CreatedBy,
	}

	created, err := h.service.Create(r.Context(), sched)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// List handles GET /api/v1/schedules
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	offset, limit, page := pagination(r, 20, 100)
	filter := store.ScheduleFilter{
		Enabled:  parseQueryBool(r, "enabled"),
		TaskType: model.TaskType(r.URL.Query().Get("task_type")),
		Offset:   offset,
		Limit:    limit,
	}

	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: items,
	})
}

// Get handles GET /api/v1/schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request, id string) {
	sched, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Update handles PUT /api/v1/schedules/{id}
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request, id string) {
	var upd model.ScheduleUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sched, err := h.service.Update(r.Context(), id, &upd)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Delete handles DELETE /api/v1/schedules/{id}
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "schedule deleted, run history retained"})
}

// Toggle handles POST /api/v1/schedules/{id}/toggle. A body with {enabled}
// sets the flag explicitly; an empty body flips the current state.
func (h *ScheduleHandler) Toggle(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	// An empty body is a plain flip request.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	enabled := false
	if req.Enabled != nil {
		enabled = *req.Enabled
	} else {
		current, err := h.service.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		enabled = !current.Enabled
	}

	sched, err := h.service.Toggle(r.Context(), id, enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Trigger handles POST /api/v1/schedules/{id}/trigger. The response is an
// acknowledgement that the dispatch was durably queued, not an execution
// result: callers watch the run via the history endpoints.
func (h *ScheduleHandler) Trigger(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		TaskParams map[string]any `json:"task_params"`
	}
	// The body is optional; params override only this dispatch when given.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	disp, err := h.service.TriggerNow(r.Context(), id, req.TaskParams)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{
		DispatchID: disp.ID,
		RunID:      disp.RunID,
		Status:     "queued",
		Message:    "schedule triggered",
	})
}

// Recalculate handles POST /api/v1/schedules/{id}/recalculate
func (h *ScheduleHandler) Recalculate(w http.ResponseWriter, r *http.Request, id string) {
	sched, err := h.service.RecalculateNextRun(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "next run time recalculated",
		"next_run_at": sched.NextRunAt,
	})
}

// RecalculateAll handles POST /api/v1/schedules/recalculate-all
func (h *ScheduleHandler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RecalculateAll(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "next run times recalculated",
		"recalculated": n,
	})
}

// ListRuns handles GET /api/v1/schedules/{id}/runs. Unlike the flat runs
// listing, the nested route 404s for a schedule that no longer exists.
func (h *ScheduleHandler) ListRuns(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.service.Get(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	offset, limit, page := pagination(r, 20, 100)
	items, total, err := h.service.ListRuns(r.Context(), store.RunFilter{
		ScheduleID: id,
		Status:     model.RunStatus(r.URL.Query().Get("status")),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: items,
	})
}

// PreviewRequest is a candidate rule to expand
type PreviewRequest struct {
	Rule     string `json:"rule"`
	Timezone string `json:"timezone"`
	Count    int    `json:"count"`
}

// PreviewResponse reports the expansion. An invalid rule is a normal
// preview outcome (valid=false with the reason), not an error status: the
// endpoint exists so the UI can validate before saving.
type PreviewResponse struct {
	Rule        string      `json:"rule"`
	Timezone    string      `json:"timezone"`
	Valid       bool        `json:"valid"`
	Error       string      `json:"error,omitempty"`
	Description string      `json:"description"`
	Occurrences []time.Time `json:"occurrences"`
}

// Preview handles POST /api/v1/schedules/preview
func (h *ScheduleHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp := PreviewResponse{
		Rule:        req.Rule,
		Timezone:    req.Timezone,
		Description: recurrence.Describe(req.Rule),
		Occurrences: []time.Time{},
	}

	occs, err := h.service.Preview(r.Context(), req.Rule, req.Timezone, req.Count)
	if err != nil {
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			writeServiceError(w, err)
			return
		}
		resp.Error = verr.Message
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Valid = true
	resp.Occurrences = append(resp.Occurrences, occs...)
	writeJSON(w, http.StatusOK, resp)
}

// Presets handles GET /api/v1/schedules/presets
func (h *ScheduleHandler) Presets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, recurrence.Presets())
}
