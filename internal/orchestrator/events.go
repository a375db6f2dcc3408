// Package orchestrator coordinates agents, workers, and workflows over the
// durable task queue.
package orchestrator

import (
	"log"
	"sync"
)

// EventType represents the kind of lifecycle event being reported.
type EventType string

const (
	// EventTaskSubmitted indicates a task was enqueued.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskStarted indicates a worker claimed the task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates the task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates the task failed permanently.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetrying indicates the task failed and was requeued.
	EventTaskRetrying EventType = "task_retrying"
)

// ProgressCallback observes task lifecycle events. Callbacks run
// synchronously on the worker that produced the event; slow callbacks slow
// that worker down, misbehaving callbacks are contained.
type ProgressCallback func(event EventType, message string, data map[string]any)

// callbackBus fans lifecycle events out to registered callbacks.
// A panicking callback is logged and discarded; observer misbehavior must
// never interrupt task processing.
type callbackBus struct {
	mu        sync.RWMutex
	callbacks []ProgressCallback
}

func newCallbackBus() *callbackBus {
	return &callbackBus{}
}

func (b *callbackBus) Add(fn ProgressCallback) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

func (b *callbackBus) Emit(event EventType, message string, data map[string]any) {
	b.mu.RLock()
	callbacks := append([]ProgressCallback(nil), b.callbacks...)
	b.mu.RUnlock()

	for _, fn := range callbacks {
		b.invoke(fn, event, message, data)
	}
}

func (b *callbackBus) invoke(fn ProgressCallback, event EventType, message string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] progress callback panicked on %s: %v", event, r)
		}
	}()
	fn(event, message, data)
}
