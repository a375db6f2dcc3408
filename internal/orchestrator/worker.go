package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/agentq/pkg/models"
)

// runWorker polls the queue for every registered agent until ctx is
// cancelled. Each claimed task is dispatched through the registry; after a
// full pass with no work the worker sleeps for the poll interval.
func (o *Orchestrator) runWorker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed := false
		for _, agent := range o.registry.Names() {
			if ctx.Err() != nil {
				return
			}
			task, err := o.queue.ClaimNext(agent)
			if err != nil {
				log.Printf("[orchestrator] worker %d: claim for %s: %v", id, agent, err)
				continue
			}
			if task == nil {
				continue
			}
			claimed = true
			o.processTask(ctx, task)
		}

		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.pollInterval):
			}
		}
	}
}

// processTask runs a claimed task through its handler and records the
// outcome. Handler panics are converted to retryable failures so one bad
// payload cannot take down the pool.
func (o *Orchestrator) processTask(ctx context.Context, task *models.Task) {
	o.bus.Emit(EventTaskStarted, fmt.Sprintf("task %s: %s.%s started", task.ID, task.TargetAgent, task.Method), map[string]any{
		"task_id": task.ID,
		"agent":   task.TargetAgent,
		"method":  task.Method,
	})

	result, err := o.dispatch(ctx, task)
	if err == nil {
		if cErr := o.queue.Complete(task.ID, result); cErr != nil {
			log.Printf("[orchestrator] complete task %s: %v", task.ID, cErr)
			return
		}
		o.bus.Emit(EventTaskCompleted, fmt.Sprintf("task %s completed", task.ID), map[string]any{
			"task_id": task.ID,
			"agent":   task.TargetAgent,
			"method":  task.Method,
		})
		return
	}

	retry := !IsPermanent(err)
	requeued, fErr := o.queue.Fail(task.ID, err.Error(), retry)
	if fErr != nil {
		log.Printf("[orchestrator] fail task %s: %v", task.ID, fErr)
		return
	}
	if requeued {
		o.bus.Emit(EventTaskRetrying, fmt.Sprintf("task %s failed, retrying: %v", task.ID, err), map[string]any{
			"task_id": task.ID,
			"agent":   task.TargetAgent,
			"method":  task.Method,
			"error":   err.Error(),
		})
		return
	}
	o.bus.Emit(EventTaskFailed, fmt.Sprintf("task %s failed: %v", task.ID, err), map[string]any{
		"task_id": task.ID,
		"agent":   task.TargetAgent,
		"method":  task.Method,
		"error":   err.Error(),
	})
}

// dispatch resolves and invokes the handler, catching panics.
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task) (result []byte, err error) {
	fn, rErr := o.registry.Resolve(task.TargetAgent, task.Method)
	if rErr != nil {
		// A registered agent without this method can never succeed.
		return nil, Permanent(rErr)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] handler panic on task %s (%s.%s): %v", task.ID, task.TargetAgent, task.Method, r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, task.Data)
}
