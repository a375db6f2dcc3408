package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/agentq/internal/queue"
	"github.com/ShayCichocki/agentq/internal/workflow"
	"github.com/ShayCichocki/agentq/pkg/models"
)

// Orchestrator ties the agent registry, the worker pool, and the durable
// queue together. Submissions are persisted immediately; registered agents
// pick them up once StartProcessing is running.
type Orchestrator struct {
	queue    *queue.Manager
	registry *AgentRegistry
	bus      *callbackBus

	workerCount  int
	pollInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Stats is a point-in-time snapshot of queue depth and registrations.
type Stats struct {
	Overall          map[models.TaskStatus]int            `json:"overall"`
	ByAgent          map[string]map[models.TaskStatus]int `json:"by_agent"`
	RegisteredAgents []string                             `json:"registered_agents"`
}

// New creates an Orchestrator on top of a queue manager.
func New(q *queue.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:        q,
		registry:     NewAgentRegistry(),
		bus:          newCallbackBus(),
		workerCount:  defaultWorkerCount,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterAgent binds a name to its method table. Re-registering a name
// replaces the previous handler; in-flight tasks finish on the old one.
func (o *Orchestrator) RegisterAgent(name string, handler Handler) error {
	return o.registry.Register(name, handler)
}

// AddProgressCallback subscribes a callback to lifecycle events. Callbacks
// run synchronously on the emitting goroutine and cannot be removed.
func (o *Orchestrator) AddProgressCallback(cb ProgressCallback) {
	o.bus.Add(cb)
}

// SubmitTask persists a task and emits a submission event. Tasks for
// agents that have not registered yet are accepted; a registered agent
// without the requested method is rejected up front.
func (o *Orchestrator) SubmitTask(spec queue.TaskSpec) (string, error) {
	if err := o.registry.CheckMethod(spec.TargetAgent, spec.Method); err != nil {
		return "", err
	}
	id, err := o.queue.Add(spec)
	if err != nil {
		return "", err
	}
	o.bus.Emit(EventTaskSubmitted, fmt.Sprintf("task %s: %s.%s submitted", id, spec.TargetAgent, spec.Method), map[string]any{
		"task_id": id,
		"agent":   spec.TargetAgent,
		"method":  spec.Method,
	})
	return id, nil
}

// SubmitBatch persists one task per payload in a single transaction,
// sharing the base spec's routing and priority. IDs come back in payload
// order.
func (o *Orchestrator) SubmitBatch(base queue.TaskSpec, payloads []json.RawMessage) ([]string, error) {
	if err := o.registry.CheckMethod(base.TargetAgent, base.Method); err != nil {
		return nil, err
	}
	ids, err := o.queue.AddBatch(base, payloads)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		o.bus.Emit(EventTaskSubmitted, fmt.Sprintf("task %s: %s.%s submitted", id, base.TargetAgent, base.Method), map[string]any{
			"task_id":     id,
			"agent":       base.TargetAgent,
			"method":      base.Method,
			"batch_index": i,
			"batch_size":  len(ids),
		})
	}
	return ids, nil
}

// StartProcessing launches the worker pool. Calling it while already
// running is an error; call StopProcessing first.
func (o *Orchestrator) StartProcessing(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("orchestrator already processing")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	for i := 0; i < o.workerCount; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			o.runWorker(ctx, id)
		}(i)
	}
	log.Printf("[orchestrator] started %d workers", o.workerCount)
	return nil
}

// StopProcessing stops the pool and waits for in-flight tasks to finish.
// Safe to call when not running.
func (o *Orchestrator) StopProcessing() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.running = false
	o.mu.Unlock()

	o.wg.Wait()
	log.Printf("[orchestrator] workers stopped")
}

// WaitForCompletion polls until every listed task reaches a terminal
// status, the timeout elapses, or ctx is cancelled. It always returns the
// latest snapshot of whatever tasks it found; IDs that do not exist are
// simply absent from the map.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, taskIDs []string, timeout time.Duration) map[string]*models.Task {
	deadline := time.Now().Add(timeout)
	snapshot := make(map[string]*models.Task, len(taskIDs))

	for {
		allDone := true
		for _, id := range taskIDs {
			task, err := o.queue.Get(id)
			if err != nil {
				log.Printf("[orchestrator] poll task %s: %v", id, err)
				allDone = false
				continue
			}
			if task == nil {
				continue
			}
			snapshot[id] = task
			if !task.Status.IsTerminal() {
				allDone = false
			}
		}
		if allDone || time.Now().After(deadline) {
			return snapshot
		}
		select {
		case <-ctx.Done():
			return snapshot
		case <-time.After(o.pollInterval):
		}
	}
}

// CreateWorkflow returns an empty named workflow ready for AddStep calls.
func (o *Orchestrator) CreateWorkflow(name string) *workflow.Workflow {
	return workflow.New(name)
}

// ExecuteWorkflow runs a workflow to completion: validate, then repeatedly
// submit every ready step and wait for the submitted batch. A failed or
// cancelled step aborts the run with an error naming the step.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name(), err)
	}

	source := "workflow:" + wf.Name()
	for !wf.Completed() {
		ready := wf.ReadySteps()
		if len(ready) == 0 {
			// Validation rules this out, but guard against a stuck loop.
			return fmt.Errorf("workflow %s: no runnable steps remain", wf.Name())
		}

		batch := make(map[string]string, len(ready)) // task ID -> step name
		ids := make([]string, 0, len(ready))
		for _, name := range ready {
			step := wf.Step(name)
			if step == nil {
				return fmt.Errorf("workflow %s: lost step %q", wf.Name(), name)
			}
			id, err := o.SubmitTask(queue.TaskSpec{
				TargetAgent: step.Agent,
				Method:      step.Method,
				Data:        step.Data,
				SourceAgent: source,
				Priority:    step.Priority,
				MaxRetries:  step.MaxRetries,
			})
			if err != nil {
				return fmt.Errorf("workflow %s: submit step %s: %w", wf.Name(), name, err)
			}
			if err := wf.MarkSubmitted(name, id); err != nil {
				return fmt.Errorf("workflow %s: %w", wf.Name(), err)
			}
			batch[id] = name
			ids = append(ids, id)
		}

		results := o.WaitForCompletion(ctx, ids, 24*time.Hour)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.Name(), err)
		}
		for id, name := range batch {
			task, ok := results[id]
			if !ok || !task.Status.IsTerminal() {
				return fmt.Errorf("workflow %s: step %s did not finish", wf.Name(), name)
			}
			if task.Status != models.TaskStatusCompleted {
				return fmt.Errorf("workflow %s: step %s %s: %s", wf.Name(), name, task.Status, task.ErrorMessage)
			}
			if err := wf.MarkCompleted(name); err != nil {
				return fmt.Errorf("workflow %s: %w", wf.Name(), err)
			}
		}
	}
	return nil
}

// Stats reports overall queue counts, per-registered-agent counts, and the
// registered agent names.
func (o *Orchestrator) Stats() (*Stats, error) {
	overall, err := o.queue.Stats("")
	if err != nil {
		return nil, err
	}
	agents := o.registry.Names()
	byAgent := make(map[string]map[models.TaskStatus]int, len(agents))
	for _, agent := range agents {
		counts, err := o.queue.Stats(agent)
		if err != nil {
			return nil, err
		}
		byAgent[agent] = counts
	}
	return &Stats{Overall: overall, ByAgent: byAgent, RegisteredAgents: agents}, nil
}
