package model

import "fmt"

// TaskType identifies the maintenance action a schedule executes
type TaskType string

const (
	TaskDownloadConfig   TaskType = "download_config"
	TaskGenerateTopology TaskType = "generate_topology"
	TaskChangeStatus     TaskType = "change_status"
)

// TaskTypes lists every known task type in presentation order
func TaskTypes() []TaskType {
	return []TaskType{TaskDownloadConfig, TaskGenerateTopology, TaskChangeStatus}
}

// Valid reports whether the task type is one of the known actions
func (t TaskType) Valid() bool {
	switch t {
	case TaskDownloadConfig, TaskGenerateTopology, TaskChangeStatus:
		return true
	}
	return false
}

// DeviceStatus is the operational state a change_status task moves the device into
type DeviceStatus string

const (
	DeviceActive      DeviceStatus = "active"
	DeviceInactive    DeviceStatus = "inactive"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Valid reports whether the device status is one of the known states
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceActive, DeviceInactive, DeviceMaintenance:
		return true
	}
	return false
}

// ValidateTaskParams checks the params a task type requires.
// Params are otherwise opaque and passed through to the runner untouched.
func ValidateTaskParams(taskType TaskType, params map[string]any) error {
	if !taskType.Valid() {
		return &ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", taskType)}
	}

	if taskType == TaskChangeStatus {
		raw, ok := params["status"]
		if !ok {
			return &ValidationError{Field: "task_params.status", Message: "change_status requires a status param"}
		}
		status, ok := raw.(string)
		if !ok || !DeviceStatus(status).Valid() {
			return &ValidationError{
				Field:   "task_params.status",
				Message: fmt.Sprintf("status must be one of %q, %q, %q", DeviceActive, DeviceInactive, DeviceMaintenance),
			}
		}
	}

	return nil
}
