package handler

import (
	"net/http"
	"strings"

	"github.com/qdeck/warden/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	scheduleHandler *ScheduleHandler
	runHandler      *RunHandler
	gatewayHandler  *GatewayHandler
	healthHandler   *HealthHandler
	corsConfig      middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	scheduleHandler *ScheduleHandler,
	runHandler *RunHandler,
	gatewayHandler *GatewayHandler,
	healthHandler *HealthHandler,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		scheduleHandler: scheduleHandler,
		runHandler:      runHandler,
		gatewayHandler:  gatewayHandler,
		healthHandler:   healthHandler,
		corsConfig:      corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints (no middleware)
	mux.HandleFunc("/health", rt.healthHandler.Health)
	mux.HandleFunc("/ready", rt.healthHandler.Ready)

	// Schedule endpoints
	mux.HandleFunc("/api/v1/schedules", rt.handleSchedules)
	mux.HandleFunc("/api/v1/schedules/", rt.handleSchedulesWithID)

	// Run endpoints
	mux.HandleFunc("/api/v1/runs", rt.runHandler.List)
	mux.HandleFunc("/api/v1/runs/", rt.handleRunsWithID)

	// Gateway file endpoints
	mux.HandleFunc("/api/v1/gateway/config", rt.handleGatewayConfig)
	mux.HandleFunc("/api/v1/gateway/config/validate", rt.handleGatewayValidate)
	mux.HandleFunc("/api/v1/gateway/topology", rt.gatewayHandler.GetTopology)
	mux.HandleFunc("/api/v1/gateway/topology/image", rt.gatewayHandler.GetTopologyImage)
	mux.HandleFunc("/api/v1/gateway/topology/request", rt.handleTopologyRequest)
	mux.HandleFunc("/api/v1/gateway/device-status", rt.handleDeviceStatus)
	mux.HandleFunc("/api/v1/gateway/environment", rt.gatewayHandler.GetEnvironment)
	mux.HandleFunc("/api/v1/gateway/refresh", rt.handleGatewayRefresh)

	// Apply middleware (CORS first to handle preflight requests)
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)

	return handler
}

// handleSchedules routes schedule collection endpoints
func (rt *Router) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.scheduleHandler.List(w, r)
	case http.MethodPost:
		rt.scheduleHandler.Create(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSchedulesWithID routes schedule individual endpoints and the
// collection-level actions that live under the same prefix.
func (rt *Router) handleSchedulesWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/schedules/")

	// Collection-level actions come before id routing so a schedule named
	// "preview" can never shadow them.
	switch path {
	case "recalculate-all":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.RecalculateAll(w, r)
		return
	case "preview":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.Preview(w, r)
		return
	case "presets":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.Presets(w, r)
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			rt.scheduleHandler.Get(w, r, id)
		case http.MethodPut:
			rt.scheduleHandler.Update(w, r, id)
		case http.MethodDelete:
			rt.scheduleHandler.Delete(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch action {
	case "toggle":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.Toggle(w, r, id)
	case "trigger":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.Trigger(w, r, id)
	case "recalculate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.Recalculate(w, r, id)
	case "runs":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.scheduleHandler.ListRuns(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

// handleRunsWithID routes run individual endpoints
func (rt *Router) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.runHandler.Get(w, r, id)
}

// handleGatewayConfig routes the device config editor endpoints
func (rt *Router) handleGatewayConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.gatewayHandler.GetConfig(w, r)
	case http.MethodPut:
		rt.gatewayHandler.PutConfig(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (rt *Router) handleGatewayValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.gatewayHandler.ValidateConfig(w, r)
}

// handleTopologyRequest routes the topology request file endpoints
func (rt *Router) handleTopologyRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.gatewayHandler.GetTopologyRequest(w, r)
	case http.MethodPost:
		rt.gatewayHandler.PutTopologyRequest(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleDeviceStatus routes the device status endpoints
func (rt *Router) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.gatewayHandler.GetDeviceStatus(w, r)
	case http.MethodPut:
		rt.gatewayHandler.PutDeviceStatus(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (rt *Router) handleGatewayRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.gatewayHandler.Refresh(w, r)
}
