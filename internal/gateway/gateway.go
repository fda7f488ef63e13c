// Package gateway exposes the device gateway's state directory: the
// config.yaml the maintenance scripts read, the generated topology
// artifacts, and the device status file. Schedules mutate this state
// asynchronously through the dispatcher; this package is the synchronous
// surface operators use to inspect and edit it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"github.com/qdeck/warden/internal/model"
	"github.com/qdeck/warden/internal/runner"
)

// ErrNotFound is returned when a gateway file does not exist yet, e.g. the
// topology before its first generation run.
var ErrNotFound = errors.New("gateway: file not found")

// File names inside the gateway state directory. The maintenance scripts
// write these; the names are part of the contract with them.
const (
	configFile          = "config.yaml"
	topologyFile        = "device_topology.json"
	topologyImageFile   = "device_topology.png"
	topologyRequestFile = "device_topology_request.json"
	deviceStatusFile    = "device_status"
	backupSuffix        = ".backup"
)

// Gateway operates on the state directory at root. The runner registry is
// used by Refresh to execute the same actions scheduled maintenance runs.
type Gateway struct {
	root     string
	registry *runner.Registry
}

func New(root string, reg *runner.Registry) *Gateway {
	return &Gateway{root: root, registry: reg}
}

func (g *Gateway) path(name string) string {
	return filepath.Join(g.root, name)
}

func (g *Gateway) readFile(name string) (string, error) {
	data, err := os.ReadFile(g.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("gateway: read %s: %w", name, err)
	}
	return string(data), nil
}

// writeFile replaces name, keeping the previous content in name.backup.
// The backup is written before the file is touched so a failed write never
// costs the old version.
func (g *Gateway) writeFile(name, content string) error {
	path := g.path(name)
	if old, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+backupSuffix, old, 0o644); err != nil {
			return fmt.Errorf("gateway: back up %s: %w", name, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gateway: read %s for backup: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("gateway: write %s: %w", name, err)
	}
	return nil
}

// ReadConfig returns the raw config.yaml content.
func (g *Gateway) ReadConfig() (string, error) {
	return g.readFile(configFile)
}

// ValidateConfig checks that content parses as a YAML mapping. It never
// touches the file.
func ValidateConfig(content string) error {
	var v any
	if err := yaml.Unmarshal([]byte(content), &v); err != nil {
		return &model.ValidationError{Field: "content", Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if _, ok := normalizeYAML(v).(map[string]any); !ok {
		return &model.ValidationError{Field: "content", Message: "config must be a YAML mapping"}
	}
	return nil
}

// WriteConfig validates and replaces config.yaml, backing up the previous
// version. The directory is created on first write.
func (g *Gateway) WriteConfig(content string) error {
	if err := ValidateConfig(content); err != nil {
		return err
	}
	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return fmt.Errorf("gateway: create state dir: %w", err)
	}
	return g.writeFile(configFile, content)
}

// ReadTopology returns the generated device topology JSON.
func (g *Gateway) ReadTopology() (string, error) {
	return g.readFile(topologyFile)
}

// TopologyImagePath returns the path of the generated topology PNG for
// serving, or ErrNotFound before the first generation run.
func (g *Gateway) TopologyImagePath() (string, error) {
	path := g.path(topologyImageFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, topologyImageFile)
	} else if err != nil {
		return "", fmt.Errorf("gateway: stat %s: %w", topologyImageFile, err)
	}
	return path, nil
}

// ReadTopologyRequest returns the request JSON consumed by the next
// topology generation run.
func (g *Gateway) ReadTopologyRequest() (string, error) {
	return g.readFile(topologyRequestFile)
}

// WriteTopologyRequest validates and replaces the topology request file.
func (g *Gateway) WriteTopologyRequest(content string) error {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return &model.ValidationError{Field: "content", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return fmt.Errorf("gateway: create state dir: %w", err)
	}
	return g.writeFile(topologyRequestFile, content)
}

// DeviceStatus reads the device status file. An absent file means the
// status was never set, which is reported as empty with no error.
func (g *Gateway) DeviceStatus() (model.DeviceStatus, error) {
	content, err := g.readFile(deviceStatusFile)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return model.DeviceStatus(strings.TrimSpace(content)), nil
}

// SetDeviceStatus writes the device status file. The change_status scripts
// write the same file, so manual writes and scheduled runs stay coherent.
func (g *Gateway) SetDeviceStatus(status model.DeviceStatus) error {
	if !status.Valid() {
		return &model.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("status must be one of %q, %q, %q", model.DeviceActive, model.DeviceInactive, model.DeviceMaintenance),
		}
	}
	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return fmt.Errorf("gateway: create state dir: %w", err)
	}
	if err := os.WriteFile(g.path(deviceStatusFile), []byte(string(status)+"\n"), 0o644); err != nil {
		return fmt.Errorf("gateway: write %s: %w", deviceStatusFile, err)
	}
	return nil
}

// RefreshStep reports one action of a refresh.
type RefreshStep struct {
	Task   model.TaskType `json:"task"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RefreshResult is the combined outcome of a manual gateway refresh.
type RefreshResult struct {
	Success bool          `json:"success"`
	Steps   []RefreshStep `json:"steps"`
	Message string        `json:"message"`
}

// Refresh downloads the device configuration and regenerates the topology,
// synchronously and in that order. A failed download stops the sequence;
// the topology is never regenerated from stale config. Action failures are
// reported in the result, not as an error: only a wiring problem (missing
// runner) errors out.
func (g *Gateway) Refresh(ctx context.Context) (*RefreshResult, error) {
	result := &RefreshResult{}

	for _, taskType := range []model.TaskType{model.TaskDownloadConfig, model.TaskGenerateTopology} {
		rnr, err := g.registry.Lookup(taskType)
		if err != nil {
			return nil, fmt.Errorf("gateway: refresh: %w", err)
		}

		res, err := rnr.Run(ctx, runner.Task{Type: taskType})
		step := RefreshStep{Task: taskType, Output: resultOutput(res)}
		if err != nil {
			step.Error = err.Error()
			result.Steps = append(result.Steps, step)
			result.Message = fmt.Sprintf("refresh failed at %s", taskType)
			return result, nil
		}
		result.Steps = append(result.Steps, step)
	}

	result.Success = true
	result.Message = "configuration downloaded and topology regenerated"
	return result, nil
}

// resultOutput flattens a runner result's captured streams for the step
// report, stderr after stdout.
func resultOutput(res runner.Result) string {
	if res == nil {
		return ""
	}
	out, _ := res["stdout"].(string)
	if errOut, _ := res["stderr"].(string); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}
