package handler

import (
	"net/http"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/service"
	"github.com/qdeck/warden/internal/store"
)

// RunHandler handles run history queries across schedules. Runs outlive
// their schedule, so these routes answer for orphaned history too.
type RunHandler struct {
	service *service.ScheduleService
}

// NewRunHandler creates a new run handler
func NewRunHandler(svc *service.ScheduleService) *RunHandler {
	return &RunHandler{service: svc}
}

// List handles GET /api/v1/runs
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	offset, limit, page := pagination(r, 20, 100)
	filter := store.RunFilter{
		ScheduleID: r.URL.Query().Get("schedule_id"),
		Status:     model.RunStatus(r.URL.Query().Get("status")),
		Offset:     offset,
		Limit:      limit,
	}

	items, total, err := h.service.ListRuns(r.Context(), filter)
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

// Get handles GET /api/v1/runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request, id string) {
	run, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
