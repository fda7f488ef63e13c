package handler

import (
	"net/http"
	"time"

	"github.com/qdeck/warden/internal/store"
)

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	store     store.Store
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(st store.Store, version string) *HealthHandler {
	return &HealthHandler{
		store:     st,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Timestamp       string `json:"timestamp"`
	Storage         string `json:"storage"`
	PendingDispatch int    `json:"pending_dispatches"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Storage string `json:"storage"`
}

// Health returns the service health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
	}

	// Queue depth is informational; a count failure does not flip health.
	pending := 0
	if storageStatus == "connected" {
		if n, err := h.store.CountPendingDispatches(r.Context()); err == nil {
			pending = n
		}
	}

	response := HealthResponse{
		Status:          "healthy",
		Version:         h.version,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Storage:         storageStatus,
		PendingDispatch: pending,
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
	}

	writeJSON(w, http.StatusOK, response)
}

// Ready returns the service readiness status
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := true
	storageStatus := "connected"

	if err := h.store.Ping(r.Context()); err != nil {
		ready = false
		storageStatus = "disconnected"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Ready:   ready,
		Storage: storageStatus,
	}

	writeJSON(w, statusCode, response)
}
