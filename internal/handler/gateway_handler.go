package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qdeck/warden/internal/gateway"
	"github.com/qdeck/warden/internal/model"
)

// GatewayHandler exposes the device gateway state files: the config.yaml
// editor, topology artifacts, the device status file and the environment
// report.
type GatewayHandler struct {
	gateway *gateway.Gateway
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(gw *gateway.Gateway) *GatewayHandler {
	return &GatewayHandler{gateway: gw}
}

// FileContent wraps raw file text in both directions
type FileContent struct {
	Content string `json:"content"`
}

func decodeContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req FileContent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return "", false
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return "", false
	}
	return req.Content, true
}

// GetConfig handles GET /api/v1/gateway/config
func (h *GatewayHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	content, err := h.gateway.ReadConfig()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FileContent{Content: content})
}

// PutConfig handles PUT /api/v1/gateway/config
func (h *GatewayHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}
	if err := h.gateway.WriteConfig(content); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "config updated, previous version backed up"})
}

// ValidateConfig handles POST /api/v1/gateway/config/validate. Like rule
// preview, an invalid document is a normal outcome, not an error status.
func (h *GatewayHandler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}

	resp := map[string]any{"valid": true}
	if err := gateway.ValidateConfig(content); err != nil {
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			writeServiceError(w, err)
			return
		}
		resp["valid"] = false
		resp["error"] = verr.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTopology handles GET /api/v1/gateway/topology
func (h *GatewayHandler) GetTopology(w http.ResponseWriter, r *http.Request) {
	content, err := h.gateway.ReadTopology()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FileContent{Content: content})
}

// GetTopologyImage handles GET /api/v1/gateway/topology/image
func (h *GatewayHandler) GetTopologyImage(w http.ResponseWriter, r *http.Request) {
	path, err := h.gateway.TopologyImagePath()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

// GetTopologyRequest handles GET /api/v1/gateway/topology/request
func (h *GatewayHandler) GetTopologyRequest(w http.ResponseWriter, r *http.Request) {
	content, err := h.gateway.ReadTopologyRequest()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FileContent{Content: content})
}

// PutTopologyRequest handles POST /api/v1/gateway/topology/request
func (h *GatewayHandler) PutTopologyRequest(w http.ResponseWriter, r *http.Request) {
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}
	if err := h.gateway.WriteTopologyRequest(content); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "topology request updated"})
}

// DeviceStatusResponse reports the device status file
type DeviceStatusResponse struct {
	Status  model.DeviceStatus `json:"status"`
	Message string             `json:"message,omitempty"`
}

// GetDeviceStatus handles GET /api/v1/gateway/device-status
func (h *GatewayHandler) GetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.gateway.DeviceStatus()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := DeviceStatusResponse{Status: status}
	if status == "" {
		resp.Message = "device status not set"
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutDeviceStatus handles PUT /api/v1/gateway/device-status
func (h *GatewayHandler) PutDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.DeviceStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.gateway.SetDeviceStatus(req.Status); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeviceStatusResponse{
		Status:  req.Status,
		Message: "device status updated",
	})
}

// GetEnvironment handles GET /api/v1/gateway/environment
func (h *GatewayHandler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := h.gateway.Environment()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// Refresh handles POST /api/v1/gateway/refresh. The actions run
// synchronously; the response carries the combined outcome.
func (h *GatewayHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.gateway.Refresh(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
