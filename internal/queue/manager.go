// Package queue implements the durable task queue over the SQLite store.
// The Manager is the sole point of mutation for the task table; every
// operation is atomic with respect to concurrent callers.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/agentq/internal/state"
	"github.com/ShayCichocki/agentq/pkg/models"
)

// TaskSpec describes a task to be enqueued.
type TaskSpec struct {
	// TargetAgent is the agent that should execute the task.
	TargetAgent string
	// Method is the handler method to invoke.
	Method string
	// Data is the opaque payload handed to the handler.
	Data json.RawMessage
	// SourceAgent records provenance; optional.
	SourceAgent string
	// Priority biases claim order. Zero value is PriorityLow; most callers
	// want models.PriorityNormal.
	Priority models.Priority
	// MaxRetries is the number of requeues allowed after failures.
	MaxRetries int
}

// Manager provides atomic CRUD operations over the task store.
type Manager struct {
	db *state.DB
}

// NewManager creates a Manager over an opened, migrated database.
func NewManager(db *state.DB) *Manager {
	return &Manager{db: db}
}

// taskColumns is the column list every task query selects, in scan order.
const taskColumns = `id, target_agent, method, data, source_agent, priority, status,
	retry_count, max_retries, error_message, result, created_at, completed_at`

// Add inserts one pending task and returns its ID.
func (m *Manager) Add(spec TaskSpec) (string, error) {
	if err := validateSpec(&spec); err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err := m.db.Exec(`
		INSERT INTO tasks (id, target_agent, method, data, source_agent, priority, status,
			retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, spec.TargetAgent, spec.Method, nullableText(spec.Data), spec.SourceAgent,
		int(spec.Priority), string(models.TaskStatusPending), spec.MaxRetries,
		state.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("add task: %w", err)
	}
	return id, nil
}

// AddBatch inserts one pending task per payload in a single transaction.
// All tasks share the base spec's agent, method, priority, and retry budget.
// Returned IDs match the payload order.
func (m *Manager) AddBatch(base TaskSpec, payloads []json.RawMessage) ([]string, error) {
	if err := validateSpec(&base); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	ids := make([]string, len(payloads))
	createdAt := state.FormatTime(time.Now())

	err := m.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO tasks (id, target_agent, method, data, source_agent, priority, status,
				retry_count, max_retries, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for i, data := range payloads {
			ids[i] = uuid.New().String()
			_, err := stmt.Exec(ids[i], base.TargetAgent, base.Method, nullableText(data),
				base.SourceAgent, int(base.Priority), string(models.TaskStatusPending),
				base.MaxRetries, createdAt)
			if err != nil {
				return fmt.Errorf("insert batch task %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimNext atomically claims the highest-priority pending task for the
// given agent, transitions it to processing, and returns it. Ties within a
// priority are broken by insertion order (FIFO). Returns nil when no
// pending task exists for the agent.
//
// The select and the status flip happen in one transaction with a
// conditional update, so no two callers can ever claim the same task.
func (m *Manager) ClaimNext(targetAgent string) (*models.Task, error) {
	var claimed *models.Task

	err := m.db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id FROM tasks
			WHERE target_agent = ? AND status = ?
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT 1
		`, targetAgent, string(models.TaskStatusPending))

		var id string
		err := row.Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next task: %w", err)
		}

		res, err := tx.Exec(`
			UPDATE tasks SET status = ? WHERE id = ? AND status = ?
		`, string(models.TaskStatusProcessing), id, string(models.TaskStatusPending))
		if err != nil {
			return fmt.Errorf("claim task %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim task %s: %w", id, err)
		}
		if affected == 0 {
			// Another writer took it between select and update.
			return nil
		}

		claimed, err = getTaskTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks a task completed and stores its result.
// Completing a task that is already in a terminal status is a no-op, not an
// error: callers may deliver completion signals more than once.
func (m *Manager) Complete(taskID string, result json.RawMessage) error {
	return m.db.Transaction(func(tx *sql.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &TaskNotFoundError{TaskID: taskID}
		}
		if task.Status.IsTerminal() {
			return nil
		}

		_, err = tx.Exec(`
			UPDATE tasks SET status = ?, result = ?, completed_at = ? WHERE id = ?
		`, string(models.TaskStatusCompleted), nullableText(result),
			state.FormatTime(time.Now()), taskID)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", taskID, err)
		}
		return nil
	})
}

// Fail records a failure for a task. When retry is true and the task still
// has retry budget, it is requeued as pending with retry_count incremented;
// otherwise it becomes permanently failed. Whether a failure is retryable
// is the caller's decision, never inferred here.
//
// Failing a task already in a terminal status is a no-op. The returned bool
// reports whether the task was requeued.
func (m *Manager) Fail(taskID, errorMessage string, retry bool) (bool, error) {
	requeued := false

	err := m.db.Transaction(func(tx *sql.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &TaskNotFoundError{TaskID: taskID}
		}
		if task.Status.IsTerminal() {
			return nil
		}

		if retry && task.RetryCount < task.MaxRetries {
			_, err = tx.Exec(`
				UPDATE tasks SET status = ?, retry_count = retry_count + 1, error_message = ?
				WHERE id = ?
			`, string(models.TaskStatusPending), errorMessage, taskID)
			if err != nil {
				return fmt.Errorf("requeue task %s: %w", taskID, err)
			}
			requeued = true
			return nil
		}

		_, err = tx.Exec(`
			UPDATE tasks SET status = ?, error_message = ?, completed_at = ? WHERE id = ?
		`, string(models.TaskStatusFailed), errorMessage, state.FormatTime(time.Now()), taskID)
		if err != nil {
			return fmt.Errorf("fail task %s: %w", taskID, err)
		}
		return nil
	})
	return requeued, err
}

// Get retrieves a task by ID. Returns nil if the task does not exist.
func (m *Manager) Get(taskID string) (*models.Task, error) {
	row := m.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// Stats returns the number of tasks per status. When targetAgent is
// non-empty the counts are scoped to that agent, otherwise they are global.
// Every status appears in the map, zero-valued if absent.
func (m *Manager) Stats(targetAgent string) (map[models.TaskStatus]int, error) {
	var rows *sql.Rows
	var err error

	if targetAgent != "" {
		rows, err = m.db.Query(`
			SELECT status, COUNT(*) FROM tasks WHERE target_agent = ? GROUP BY status
		`, targetAgent)
	} else {
		rows, err = m.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	}
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[models.TaskStatus]int{
		models.TaskStatusPending:    0,
		models.TaskStatusProcessing: 0,
		models.TaskStatusCompleted:  0,
		models.TaskStatusFailed:     0,
		models.TaskStatusCancelled:  0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[models.TaskStatus(status)] = count
	}
	return stats, rows.Err()
}

// Cleanup deletes terminal tasks whose completed_at is older than the given
// age. Pending and processing tasks are never touched regardless of age.
// Returns the number of tasks deleted.
func (m *Manager) Cleanup(olderThan time.Duration) (int64, error) {
	cutoff := state.FormatTime(time.Now().Add(-olderThan))

	res, err := m.db.Exec(`
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at <= ?
	`, string(models.TaskStatusCompleted), string(models.TaskStatusFailed),
		string(models.TaskStatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	return res.RowsAffected()
}

// CancelPending transitions pending tasks to cancelled. When targetAgent is
// non-empty only that agent's tasks are affected. Processing and terminal
// tasks are left alone: an in-flight task always runs to completion or
// failure. Returns the number of tasks cancelled.
func (m *Manager) CancelPending(targetAgent string) (int64, error) {
	now := state.FormatTime(time.Now())

	var res sql.Result
	var err error
	if targetAgent != "" {
		res, err = m.db.Exec(`
			UPDATE tasks SET status = ?, completed_at = ?
			WHERE status = ? AND target_agent = ?
		`, string(models.TaskStatusCancelled), now, string(models.TaskStatusPending), targetAgent)
	} else {
		res, err = m.db.Exec(`
			UPDATE tasks SET status = ?, completed_at = ? WHERE status = ?
		`, string(models.TaskStatusCancelled), now, string(models.TaskStatusPending))
	}
	if err != nil {
		return 0, fmt.Errorf("cancel tasks: %w", err)
	}
	return res.RowsAffected()
}

// RecoverStale resets every processing task back to pending. It exists for
// operators restarting after a crash that left claimed tasks behind; it is
// never invoked automatically, since requeued tasks will run their handlers
// again. Returns the number of tasks reset.
func (m *Manager) RecoverStale() (int64, error) {
	res, err := m.db.Exec(`
		UPDATE tasks SET status = ? WHERE status = ?
	`, string(models.TaskStatusPending), string(models.TaskStatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// validateSpec applies defaults and rejects malformed specs.
func validateSpec(spec *TaskSpec) error {
	if spec.TargetAgent == "" {
		return fmt.Errorf("task spec: target agent is required")
	}
	if spec.Method == "" {
		return fmt.Errorf("task spec: method is required")
	}
	if !spec.Priority.Valid() {
		return fmt.Errorf("task spec: invalid priority %d", int(spec.Priority))
	}
	if spec.MaxRetries < 0 {
		return fmt.Errorf("task spec: max retries must be >= 0")
	}
	return nil
}

// nullableText stores empty payloads as NULL rather than empty strings.
func nullableText(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// scanner abstracts *sql.Row and *sql.Rows for task scanning.
type scanner interface {
	Scan(dest ...any) error
}

// scanTask scans one task row in taskColumns order.
func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var data, sourceAgent, errorMessage, result, completedAt sql.NullString
	var priority int
	var createdAt string

	err := row.Scan(&t.ID, &t.TargetAgent, &t.Method, &data, &sourceAgent, &priority,
		&t.Status, &t.RetryCount, &t.MaxRetries, &errorMessage, &result, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		t.Data = json.RawMessage(data.String)
	}
	if sourceAgent.Valid {
		t.SourceAgent = sourceAgent.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = errorMessage.String
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Priority = models.Priority(priority)
	t.CreatedAt, _ = state.ParseTime(createdAt)
	t.CompletedAt = state.ParseNullableTime(completedAt)
	return &t, nil
}

// getTaskTx loads a task inside a transaction. Returns nil if absent.
func getTaskTx(tx *sql.Tx, taskID string) (*models.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}
