// Package runner defines the contract between the dispatcher and the
// actions it executes. The dispatcher resolves a task type through the
// Registry and never knows how an action is carried out.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qdeck/warden/internal/model"
)

// Task is one unit of work handed to a runner. Params were validated when
// the schedule was written; runners may still reject them.
type Task struct {
	Type       model.TaskType
	Params     map[string]any
	ScheduleID string
	RunID      string
}

// Result is the structured output of an action attempt. It is persisted
// verbatim on the run record when the attempt settles the run.
type Result map[string]any

// Runner executes one task. Implementations must honor ctx cancellation;
// a canceled task counts as a failed attempt. A failed attempt may still
// return a Result describing what the action produced before it failed.
type Runner interface {
	Run(ctx context.Context, task Task) (Result, error)
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, task Task) (Result, error)

func (f Func) Run(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}

// ExecutionError reports a failed action attempt. The dispatcher treats it
// as retryable within the attempt budget.
type ExecutionError struct {
	TaskType model.TaskType
	Err      error
	Output   string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("runner: %s failed: %v", e.TaskType, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrNotRegistered is returned when no runner handles a task type. This is
// a deployment problem, not a transient one, so the dispatcher fails the
// run without burning retries on it.
var ErrNotRegistered = errors.New("runner: no runner registered")

// Registry maps task types to runners. Registration happens at startup;
// lookups happen on every dispatch.
type Registry struct {
	mu      sync.RWMutex
	runners map[model.TaskType]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[model.TaskType]Runner)}
}

func (g *Registry) Register(taskType model.TaskType, r Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[taskType] = r
}

func (g *Registry) Lookup(taskType model.TaskType) (Runner, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.runners[taskType]
	if !ok {
		return nil, fmt.Errorf("%w for task type %q", ErrNotRegistered, taskType)
	}
	return r, nil
}
