package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/qdeck/warden/internal/model"
)

const (
	defaultTaskTimeout = 10 * time.Minute
	maxCapturedOutput  = 4096
)

// Shell executes maintenance actions as scripts from a fixed directory.
// One script per task type; change_status picks its script from the status
// parameter so each target status stays an auditable file on disk:
//
//	download_config.sh
//	generate_topology.sh
//	change_status_<status>.sh
type Shell struct {
	dir        string
	gatewayURL string
	timeout    time.Duration
}

var _ Runner = (*Shell)(nil)

// NewShell creates a shell runner over dir. gatewayURL is exported to the
// scripts; a non-positive timeout falls back to 10 minutes.
func NewShell(dir, gatewayURL string, timeout time.Duration) *Shell {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &Shell{dir: dir, gatewayURL: gatewayURL, timeout: timeout}
}

func (s *Shell) Run(ctx context.Context, task Task) (Result, error) {
	script, err := s.scriptFor(task)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, script)
	if _, err := os.Stat(path); err != nil {
		return nil, &ExecutionError{TaskType: task.Type, Err: fmt.Errorf("script %s not found", script)}
	}

	params, err := json.Marshal(task.Params)
	if err != nil {
		return nil, &ExecutionError{TaskType: task.Type, Err: fmt.Errorf("encode params: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", path)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(),
		"GATEWAY_API_URL="+s.gatewayURL,
		"WARDEN_SCHEDULE_ID="+task.ScheduleID,
		"WARDEN_RUN_ID="+task.RunID,
		"WARDEN_TASK_PARAMS="+string(params),
	)

	slog.Debug("Executing task script",
		"script", script,
		"task_type", task.Type,
		"schedule_id", task.ScheduleID,
		"run_id", task.RunID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started)

	result := Result{
		"script":      script,
		"success":     err == nil,
		"stdout":      tail(stdout.Bytes()),
		"stderr":      tail(stderr.Bytes()),
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", s.timeout)
		}
		reason := tail(stderr.Bytes())
		if reason == "" {
			reason = tail(stdout.Bytes())
		}
		return result, &ExecutionError{
			TaskType: task.Type,
			Err:      err,
			Output:   reason,
		}
	}

	return result, nil
}

func (s *Shell) scriptFor(task Task) (string, error) {
	switch task.Type {
	case model.TaskDownloadConfig:
		return "download_config.sh", nil
	case model.TaskGenerateTopology:
		return "generate_topology.sh", nil
	case model.TaskChangeStatus:
		status, _ := task.Params["status"].(string)
		if !model.DeviceStatus(status).Valid() {
			return "", &ExecutionError{TaskType: task.Type, Err: fmt.Errorf("invalid status param %q", status)}
		}
		return "change_status_" + status + ".sh", nil
	}
	return "", &ExecutionError{TaskType: task.Type, Err: fmt.Errorf("no script for task type")}
}

// tail keeps the end of a captured stream, where the failure reason
// usually is.
func tail(output []byte) string {
	out := strings.TrimSpace(string(output))
	if len(out) > maxCapturedOutput {
		out = out[len(out)-maxCapturedOutput:]
	}
	return out
}
