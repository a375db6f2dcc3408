package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/agentq/internal/queue"
	"github.com/ShayCichocki/agentq/internal/state"
	"github.com/ShayCichocki/agentq/internal/workflow"
	"github.com/ShayCichocki/agentq/pkg/models"
)

// setupOrchestrator wires an Orchestrator over a temp database with a fast
// poll interval so tests finish quickly.
func setupOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *queue.Manager) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	q := queue.NewManager(db)
	opts = append([]Option{WithPollInterval(10 * time.Millisecond), WithWorkerCount(2)}, opts...)
	return New(q, opts...), q
}

// eventRecorder collects emitted events for assertion.
type eventRecorder struct {
	mu     sync.Mutex
	events []EventType
}

func (r *eventRecorder) callback(event EventType, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(event EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestSubmitTask_EagerMethodCheck(t *testing.T) {
	o, _ := setupOrchestrator(t)
	if err := o.RegisterAgent("worker", Handler{"run": echoHandler}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	// Registered agent, unknown method: rejected before persisting.
	_, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "worker", Method: "fly"})
	var unknownMethod *UnknownMethodError
	if !errors.As(err, &unknownMethod) {
		t.Fatalf("SubmitTask error = %v, want UnknownMethodError", err)
	}

	// Unregistered agent: accepted and persisted.
	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "later", Method: "anything"})
	if err != nil {
		t.Fatalf("SubmitTask for unregistered agent failed: %v", err)
	}
	if id == "" {
		t.Fatal("SubmitTask returned empty ID")
	}
}

func TestSubmitTask_EmitsEvent(t *testing.T) {
	o, _ := setupOrchestrator(t)
	rec := &eventRecorder{}
	o.AddProgressCallback(rec.callback)

	if _, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "worker", Method: "run"}); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if rec.count(EventTaskSubmitted) != 1 {
		t.Errorf("submitted events = %d, want 1", rec.count(EventTaskSubmitted))
	}
}

func TestSubmitBatch(t *testing.T) {
	o, _ := setupOrchestrator(t)
	rec := &eventRecorder{}
	o.AddProgressCallback(rec.callback)

	payloads := []json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
		json.RawMessage(`{"n":3}`),
	}
	ids, err := o.SubmitBatch(queue.TaskSpec{TargetAgent: "worker", Method: "run"}, payloads)
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("SubmitBatch returned %d IDs, want 3", len(ids))
	}
	if rec.count(EventTaskSubmitted) != 3 {
		t.Errorf("submitted events = %d, want 3", rec.count(EventTaskSubmitted))
	}
}

func TestProcessing_CompletesTask(t *testing.T) {
	o, q := setupOrchestrator(t)
	rec := &eventRecorder{}
	o.AddProgressCallback(rec.callback)

	if err := o.RegisterAgent("doubler", Handler{
		"double": func(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
			var in struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(data, &in); err != nil {
				return nil, Permanent(err)
			}
			return json.RawMessage(fmt.Sprintf(`{"n":%d}`, in.N*2)), nil
		},
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	id, err := o.SubmitTask(queue.TaskSpec{
		TargetAgent: "doubler",
		Method:      "double",
		Data:        json.RawMessage(`{"n":21}`),
	})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	task, ok := results[id]
	if !ok {
		t.Fatal("task missing from WaitForCompletion result")
	}
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("task status = %s, want completed (error: %s)", task.Status, task.ErrorMessage)
	}
	if string(task.Result) != `{"n":42}` {
		t.Errorf("task result = %s, want {\"n\":42}", task.Result)
	}
	if rec.count(EventTaskStarted) != 1 || rec.count(EventTaskCompleted) != 1 {
		t.Errorf("started=%d completed=%d, want 1/1", rec.count(EventTaskStarted), rec.count(EventTaskCompleted))
	}

	// Persisted state agrees with the snapshot.
	stored, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != models.TaskStatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
}

func TestProcessing_RetriesThenSucceeds(t *testing.T) {
	o, _ := setupOrchestrator(t)
	rec := &eventRecorder{}
	o.AddProgressCallback(rec.callback)

	var mu sync.Mutex
	attempts := 0
	if err := o.RegisterAgent("flaky", Handler{
		"work": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return json.RawMessage(`"ok"`), nil
		},
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "flaky", Method: "work", MaxRetries: 5})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 10*time.Second)
	task := results[id]
	if task == nil || task.Status != models.TaskStatusCompleted {
		t.Fatalf("task = %+v, want completed", task)
	}
	if task.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", task.RetryCount)
	}
	if rec.count(EventTaskRetrying) != 2 {
		t.Errorf("retrying events = %d, want 2", rec.count(EventTaskRetrying))
	}
}

func TestProcessing_PermanentErrorSkipsRetry(t *testing.T) {
	o, _ := setupOrchestrator(t)
	rec := &eventRecorder{}
	o.AddProgressCallback(rec.callback)

	if err := o.RegisterAgent("strict", Handler{
		"work": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, Permanent(errors.New("malformed input"))
		},
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "strict", Method: "work", MaxRetries: 5})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	task := results[id]
	if task == nil || task.Status != models.TaskStatusFailed {
		t.Fatalf("task = %+v, want failed", task)
	}
	if task.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for permanent failure", task.RetryCount)
	}
	if rec.count(EventTaskRetrying) != 0 {
		t.Errorf("retrying events = %d, want 0", rec.count(EventTaskRetrying))
	}
	if rec.count(EventTaskFailed) != 1 {
		t.Errorf("failed events = %d, want 1", rec.count(EventTaskFailed))
	}
}

func TestProcessing_RetriesExhausted(t *testing.T) {
	o, _ := setupOrchestrator(t)

	if err := o.RegisterAgent("broken", Handler{
		"work": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("always fails")
		},
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "broken", Method: "work", MaxRetries: 2})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 10*time.Second)
	task := results[id]
	if task == nil || task.Status != models.TaskStatusFailed {
		t.Fatalf("task = %+v, want failed", task)
	}
	if task.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", task.RetryCount)
	}
	if task.ErrorMessage != "always fails" {
		t.Errorf("error message = %q", task.ErrorMessage)
	}
}

func TestProcessing_HandlerPanicIsRetryable(t *testing.T) {
	o, _ := setupOrchestrator(t)

	var mu sync.Mutex
	attempts := 0
	if err := o.RegisterAgent("panicky", Handler{
		"work": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				panic("boom")
			}
			return json.RawMessage(`"recovered"`), nil
		},
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "panicky", Method: "work", MaxRetries: 3})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 10*time.Second)
	task := results[id]
	if task == nil || task.Status != models.TaskStatusCompleted {
		t.Fatalf("task = %+v, want completed after panic retry", task)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
}

func TestProcessing_UnknownMethodFailsPermanently(t *testing.T) {
	o, q := setupOrchestrator(t)

	// Enqueue directly so the eager submission check is bypassed, then
	// register the agent without the method.
	id, err := q.Add(queue.TaskSpec{TargetAgent: "worker", Method: "vanish", MaxRetries: 5})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := o.RegisterAgent("worker", Handler{"run": echoHandler}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	task := results[id]
	if task == nil || task.Status != models.TaskStatusFailed {
		t.Fatalf("task = %+v, want failed without retries", task)
	}
	if task.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", task.RetryCount)
	}
}

func TestProcessing_PanickingCallbackDoesNotKillWorker(t *testing.T) {
	o, _ := setupOrchestrator(t)

	o.AddProgressCallback(func(EventType, string, map[string]any) {
		panic("observer bug")
	})
	rec := &eventRecorder{}
	o.AddProgressCallback(rec.callback)

	if err := o.RegisterAgent("worker", Handler{"run": echoHandler}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "worker", Method: "run", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	results := o.WaitForCompletion(context.Background(), []string{id}, 5*time.Second)
	task := results[id]
	if task == nil || task.Status != models.TaskStatusCompleted {
		t.Fatalf("task = %+v, want completed despite panicking callback", task)
	}
	if rec.count(EventTaskCompleted) != 1 {
		t.Errorf("later callbacks should still fire, completed events = %d", rec.count(EventTaskCompleted))
	}
}

func TestStartProcessing_Twice(t *testing.T) {
	o, _ := setupOrchestrator(t)

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if err := o.StartProcessing(context.Background()); err == nil {
		t.Error("second StartProcessing should fail while running")
	}
	o.StopProcessing()

	// Restart after stop is allowed.
	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	o.StopProcessing()

	// Stopping when idle is a no-op.
	o.StopProcessing()
}

func TestWaitForCompletion_Timeout(t *testing.T) {
	o, _ := setupOrchestrator(t)

	// No workers running, so the task never finishes.
	id, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "worker", Method: "run"})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	start := time.Now()
	results := o.WaitForCompletion(context.Background(), []string{id, "no-such-task"}, 50*time.Millisecond)
	if time.Since(start) > 2*time.Second {
		t.Error("WaitForCompletion did not respect the timeout")
	}

	task, ok := results[id]
	if !ok {
		t.Fatal("pending task should still be in the snapshot")
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("task status = %s, want pending", task.Status)
	}
	if _, ok := results["no-such-task"]; ok {
		t.Error("unknown IDs must be absent from the snapshot")
	}
}

func TestExecuteWorkflow(t *testing.T) {
	o, _ := setupOrchestrator(t)

	var mu sync.Mutex
	var runOrder []string
	record := func(name string) HandlerFunc {
		return func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			runOrder = append(runOrder, name)
			return nil, nil
		}
	}
	if err := o.RegisterAgent("builder", Handler{
		"fetch":   record("fetch"),
		"compile": record("compile"),
		"link":    record("link"),
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	wf := o.CreateWorkflow("build")
	mustAddStep(t, wf, "fetch", &workflow.Step{Agent: "builder", Method: "fetch"})
	mustAddStep(t, wf, "compile", &workflow.Step{Agent: "builder", Method: "compile", DependsOn: []string{"fetch"}})
	mustAddStep(t, wf, "link", &workflow.Step{Agent: "builder", Method: "link", DependsOn: []string{"compile"}})

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	if err := o.ExecuteWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	if !wf.Completed() {
		t.Error("workflow should be completed")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"fetch", "compile", "link"}
	if len(runOrder) != len(want) {
		t.Fatalf("run order = %v, want %v", runOrder, want)
	}
	for i := range want {
		if runOrder[i] != want[i] {
			t.Errorf("run order = %v, want %v", runOrder, want)
			break
		}
	}
}

func TestExecuteWorkflow_StepFailureAborts(t *testing.T) {
	o, _ := setupOrchestrator(t)

	var mu sync.Mutex
	ran := map[string]bool{}
	if err := o.RegisterAgent("builder", Handler{
		"ok": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
		"bad": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, Permanent(errors.New("cannot proceed"))
		},
		"after": func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			ran["after"] = true
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	wf := o.CreateWorkflow("doomed")
	mustAddStep(t, wf, "first", &workflow.Step{Agent: "builder", Method: "ok"})
	mustAddStep(t, wf, "middle", &workflow.Step{Agent: "builder", Method: "bad", DependsOn: []string{"first"}})
	mustAddStep(t, wf, "last", &workflow.Step{Agent: "builder", Method: "after", DependsOn: []string{"middle"}})

	if err := o.StartProcessing(context.Background()); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	defer o.StopProcessing()

	err := o.ExecuteWorkflow(context.Background(), wf)
	if err == nil {
		t.Fatal("ExecuteWorkflow should fail when a step fails")
	}

	mu.Lock()
	defer mu.Unlock()
	if ran["after"] {
		t.Error("dependents of a failed step must not run")
	}
}

func TestExecuteWorkflow_ValidatesFirst(t *testing.T) {
	o, _ := setupOrchestrator(t)

	wf := o.CreateWorkflow("broken")
	mustAddStep(t, wf, "only", &workflow.Step{Agent: "a", Method: "m", DependsOn: []string{"missing"}})

	err := o.ExecuteWorkflow(context.Background(), wf)
	var unknownStep *workflow.UnknownStepError
	if !errors.As(err, &unknownStep) {
		t.Errorf("ExecuteWorkflow error = %v, want UnknownStepError", err)
	}
}

func TestStats(t *testing.T) {
	o, _ := setupOrchestrator(t)

	if err := o.RegisterAgent("worker", Handler{"run": echoHandler}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	if _, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "worker", Method: "run"}); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if _, err := o.SubmitTask(queue.TaskSpec{TargetAgent: "other", Method: "x"}); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	stats, err := o.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Overall[models.TaskStatusPending] != 2 {
		t.Errorf("overall pending = %d, want 2", stats.Overall[models.TaskStatusPending])
	}
	if stats.ByAgent["worker"][models.TaskStatusPending] != 1 {
		t.Errorf("worker pending = %d, want 1", stats.ByAgent["worker"][models.TaskStatusPending])
	}
	if len(stats.RegisteredAgents) != 1 || stats.RegisteredAgents[0] != "worker" {
		t.Errorf("registered agents = %v, want [worker]", stats.RegisteredAgents)
	}
}

func mustAddStep(t *testing.T, wf *workflow.Workflow, name string, step *workflow.Step) {
	t.Helper()
	if err := wf.AddStep(name, step); err != nil {
		t.Fatalf("AddStep(%s) failed: %v", name, err)
	}
}
