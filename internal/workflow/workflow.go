// Package workflow provides a dependency DAG of named steps, each step
// backed by one queued task.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/agentq/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found among steps.
var ErrCycleDetected = errors.New("circular dependency detected")

// DuplicateStepError is returned when a step name is registered twice.
type DuplicateStepError struct {
	Name string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate workflow step %q", e.Name)
}

// UnknownStepError is returned when an operation names a step that was
// never added, or a dependency references one.
type UnknownStepError struct {
	Name string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown workflow step %q", e.Name)
}

// StepState tracks a step through its workflow lifecycle.
type StepState string

const (
	// StepStatePending means the step has not been submitted yet; it may
	// still be waiting on dependencies.
	StepStatePending StepState = "pending"
	// StepStateSubmitted means the step's backing task has been enqueued.
	StepStateSubmitted StepState = "submitted"
	// StepStateCompleted means the caller confirmed the step finished.
	StepStateCompleted StepState = "completed"
)

// Step is a named node in a workflow DAG. Steps have no lifecycle outside
// the workflow that owns them.
type Step struct {
	// Agent is the agent that executes this step's task.
	Agent string
	// Method is the handler method for this step's task.
	Method string
	// Data is the opaque payload for this step's task.
	Data json.RawMessage
	// Priority for the backing task.
	Priority models.Priority
	// MaxRetries for the backing task.
	MaxRetries int
	// DependsOn lists step names that must complete before this step.
	DependsOn []string

	state  StepState
	taskID string
}

// Workflow is an in-memory DAG of named steps with dependency edges.
type Workflow struct {
	name string

	mu    sync.RWMutex
	steps map[string]*Step
	// order preserves insertion order so ready-step listings are stable.
	order []string
}

// New creates a new empty workflow.
func New(name string) *Workflow {
	return &Workflow{
		name:  name,
		steps: make(map[string]*Step),
	}
}

// Name returns the workflow name.
func (w *Workflow) Name() string {
	return w.name
}

// AddStep registers a step under a unique name. Duplicate names and cycles
// are build-time configuration errors and fail fast. Dependencies may
// reference steps that have not been added yet; Validate catches names that
// never materialize.
func (w *Workflow) AddStep(name string, step *Step) error {
	if name == "" {
		return fmt.Errorf("workflow step name is required")
	}
	if step.Agent == "" || step.Method == "" {
		return fmt.Errorf("workflow step %q: agent and method are required", name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.steps[name]; exists {
		return &DuplicateStepError{Name: name}
	}
	for _, dep := range step.DependsOn {
		if dep == name {
			return fmt.Errorf("workflow step %q depends on itself: %w", name, ErrCycleDetected)
		}
	}

	step.state = StepStatePending
	w.steps[name] = step
	w.order = append(w.order, name)

	if w.hasCycleLocked() {
		delete(w.steps, name)
		w.order = w.order[:len(w.order)-1]
		return fmt.Errorf("adding step %q: %w", name, ErrCycleDetected)
	}
	return nil
}

// Validate checks that every dependency references a known step and that
// the graph is acyclic. Call it before execution begins.
func (w *Workflow) Validate() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for name, step := range w.steps {
		for _, dep := range step.DependsOn {
			if _, exists := w.steps[dep]; !exists {
				return fmt.Errorf("step %q depends on %w", name, &UnknownStepError{Name: dep})
			}
		}
	}
	if w.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked detects cycles with three-color depth-first search.
// Caller must hold the lock. Dependencies on unknown steps are skipped;
// Validate reports those separately.
func (w *Workflow) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(w.steps))

	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = 1
		for _, dep := range w.steps[name].DependsOn {
			if _, exists := w.steps[dep]; !exists {
				continue
			}
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[name] = 2
		return false
	}

	for name := range w.steps {
		if colors[name] == 0 {
			if visit(name) {
				return true
			}
		}
	}
	return false
}

// ReadySteps returns the names of steps whose dependencies have all been
// completed and which have not been submitted or completed themselves.
// Names appear in insertion order.
func (w *Workflow) ReadySteps() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var ready []string
	for _, name := range w.order {
		step := w.steps[name]
		if step.state != StepStatePending {
			continue
		}

		blocked := false
		for _, dep := range step.DependsOn {
			depStep, exists := w.steps[dep]
			if !exists || depStep.state != StepStateCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, name)
		}
	}
	return ready
}

// MarkSubmitted records that the step's backing task was enqueued.
func (w *Workflow) MarkSubmitted(name, taskID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	step, exists := w.steps[name]
	if !exists {
		return &UnknownStepError{Name: name}
	}
	step.state = StepStateSubmitted
	step.taskID = taskID
	return nil
}

// MarkCompleted transitions a step to completed. Subsequent ReadySteps
// calls may newly include its dependents.
func (w *Workflow) MarkCompleted(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	step, exists := w.steps[name]
	if !exists {
		return &UnknownStepError{Name: name}
	}
	step.state = StepStateCompleted
	return nil
}

// State returns the lifecycle state of a step.
func (w *Workflow) State(name string) (StepState, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	step, exists := w.steps[name]
	if !exists {
		return "", &UnknownStepError{Name: name}
	}
	return step.state, nil
}

// TaskID returns the backing task ID recorded for a submitted step.
// Empty until MarkSubmitted.
func (w *Workflow) TaskID(name string) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	step, exists := w.steps[name]
	if !exists {
		return "", &UnknownStepError{Name: name}
	}
	return step.taskID, nil
}

// Step returns the step registered under name, or nil if absent.
func (w *Workflow) Step(name string) *Step {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.steps[name]
}

// Steps returns all step names in insertion order.
func (w *Workflow) Steps() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.order...)
}

// Completed returns true once every step has been marked completed.
func (w *Workflow) Completed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, step := range w.steps {
		if step.state != StepStateCompleted {
			return false
		}
	}
	return true
}

// Size returns the number of steps in the workflow.
func (w *Workflow) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.steps)
}
