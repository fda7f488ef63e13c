package model

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Schedule represents a recurring or one-off maintenance schedule for the
// device gateway. next_run_at is non-null only while the schedule is enabled
// and carries a valid, non-empty recurrence rule.
type Schedule struct {
	ID             string         `json:"id" bson:"_id,omitempty"`
	Name           string         `json:"name" bson:"name"`
	Description    string         `json:"description,omitempty" bson:"description,omitempty"`
	TaskType       TaskType       `json:"task_type" bson:"task_type"`
	TaskParams     map[string]any `json:"task_params,omitempty" bson:"task_params,omitempty"`
	RecurrenceRule string         `json:"recurrence_rule,omitempty" bson:"recurrence_rule,omitempty"`
	Timezone       string         `json:"timezone" bson:"timezone"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty" bson:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty" bson:"last_run_at,omitempty"`
	LastRunStatus  RunStatus      `json:"last_run_status,omitempty" bson:"last_run_status,omitempty"`
	Enabled        bool           `json:"enabled" bson:"enabled"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" bson:"updated_at"`
	CreatedBy      string         `json:"created_by,omitempty" bson:"created_by,omitempty"`

	// RecurrenceError carries the rule validation message when the stored
	// rule cannot be expanded. It is computed per response, never persisted:
	// the schedule stays enabled but dormant until the rule is corrected.
	RecurrenceError string `json:"recurrence_error,omitempty" bson:"-"`
}

// Validate checks the static fields of a schedule and applies defaults.
// Recurrence rule syntax is validated separately by the recurrence engine.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(s.Name) > 255 {
		return &ValidationError{Field: "name", Message: "name must be 255 characters or less"}
	}

	if err := ValidateTaskParams(s.TaskType, s.TaskParams); err != nil {
		return err
	}

	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return &ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", s.Timezone)}
	}

	return nil
}

// Recurs reports whether the schedule carries a recurrence rule at all.
// A schedule without one is one-shot: it only ever runs via trigger-now.
func (s *Schedule) Recurs() bool {
	return s.RecurrenceRule != ""
}

// ScheduleUpdate is a partial update: nil fields are left unchanged.
type ScheduleUpdate struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	TaskType       *TaskType       `json:"task_type,omitempty"`
	TaskParams     *map[string]any `json:"task_params,omitempty"`
	RecurrenceRule *string         `json:"recurrence_rule,omitempty"`
	Timezone       *string         `json:"timezone,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
}

// Apply copies the provided fields onto the schedule. schedulingChanged
// reports a change to the rule, timezone or enabled flag, which forces a
// next_run_at recompute in the same mutation. taskChanged reports a change
// to the task type or params, which invalidates the snapshot carried by any
// queued dispatch.
func (u *ScheduleUpdate) Apply(s *Schedule) (schedulingChanged, taskChanged bool) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Description != nil {
		s.Description = *u.Description
	}
	if u.TaskType != nil && *u.TaskType != s.TaskType {
		s.TaskType = *u.TaskType
		taskChanged = true
	}
	if u.TaskParams != nil && !reflect.DeepEqual(*u.TaskParams, s.TaskParams) {
		s.TaskParams = *u.TaskParams
		taskChanged = true
	}
	if u.RecurrenceRule != nil && *u.RecurrenceRule != s.RecurrenceRule {
		s.RecurrenceRule = *u.RecurrenceRule
		schedulingChanged = true
	}
	if u.Timezone != nil && *u.Timezone != s.Timezone {
		s.Timezone = *u.Timezone
		schedulingChanged = true
	}
	if u.Enabled != nil && *u.Enabled != s.Enabled {
		s.Enabled = *u.Enabled
		schedulingChanged = true
	}
	return schedulingChanged, taskChanged
}

// Empty reports whether the update touches nothing
func (u *ScheduleUpdate) Empty() bool {
	return u.Name == nil && u.Description == nil && u.TaskType == nil &&
		u.TaskParams == nil && u.RecurrenceRule == nil && u.Timezone == nil && u.Enabled == nil
}

// ErrNoFields is returned when an update request carries no fields at all
var ErrNoFields = errors.New("update contains no fields")

// ScheduleListItem is the summary shape used in list responses
type ScheduleListItem struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	TaskType        TaskType   `json:"task_type"`
	RecurrenceRule  string     `json:"recurrence_rule,omitempty"`
	RecurrenceLabel string     `json:"recurrence_label"`
	Timezone        string     `json:"timezone"`
	Enabled         bool       `json:"enabled"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   RunStatus  `json:"last_run_status,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CreatedBy       string     `json:"created_by,omitempty"`
}

// ToListItem converts a schedule to its list summary. The recurrence label
// is computed by the caller (it lives with the recurrence engine).
func (s *Schedule) ToListItem(recurrenceLabel string) ScheduleListItem {
	return ScheduleListItem{
		ID:              s.ID,
		Name:            s.Name,
		Description:     s.Description,
		TaskType:        s.TaskType,
		RecurrenceRule:  s.RecurrenceRule,
		RecurrenceLabel: recurrenceLabel,
		Timezone:        s.Timezone,
		Enabled:         s.Enabled,
		NextRunAt:       s.NextRunAt,
		LastRunAt:       s.LastRunAt,
		LastRunStatus:   s.LastRunStatus,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		CreatedBy:       s.CreatedBy,
	}
}
