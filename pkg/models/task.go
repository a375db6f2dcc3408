// Package models defines the shared entities of the task queue.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxRetries is the retry budget applied when a caller does not
// choose one explicitly.
const DefaultMaxRetries = 3

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be claimed.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusProcessing indicates a worker has claimed the task.
	TaskStatusProcessing TaskStatus = "processing"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before being claimed.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transition is possible from this status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Priority biases claim order among one agent's pending tasks.
// Higher values are claimed first.
type Priority int

const (
	// PriorityLow is for background work that can wait.
	PriorityLow Priority = 0
	// PriorityNormal is the default priority.
	PriorityNormal Priority = 1
	// PriorityHigh is for work that should jump ahead of normal tasks.
	PriorityHigh Priority = 2
	// PriorityUrgent is for work that must run as soon as a worker is free.
	PriorityUrgent Priority = 3
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Task is one unit of schedulable work: a method call against a named agent
// with an opaque payload. The queue never interprets Data or Result.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// TargetAgent is the name of the agent that should execute this task.
	TargetAgent string `json:"target_agent"`
	// Method is the handler method to invoke on the target agent.
	Method string `json:"method"`
	// Data is the opaque payload passed to the handler.
	Data json.RawMessage `json:"data,omitempty"`
	// SourceAgent records where the task came from, for provenance only.
	SourceAgent string `json:"source_agent,omitempty"`
	// Priority biases claim order within the target agent's pending set.
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state of the task.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of times this task has been requeued after failure.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the maximum number of requeues before the task fails permanently.
	MaxRetries int `json:"max_retries"`
	// ErrorMessage holds the most recent failure message, if any.
	ErrorMessage string `json:"error_message,omitempty"`
	// Result is the opaque handler result, set only on completion.
	Result json.RawMessage `json:"result,omitempty"`
	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
