package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agentq/pkg/models"
)

var statusAgent string

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show queue statistics or a single task",
	Long: `Display queue depth by status, or the full record of one task.

Examples:
  agentq status                     # Whole-queue statistics
  agentq status --agent scorer      # Statistics for one agent
  agentq status 6b4ee0c2-...        # One task in detail`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAgent, "agent", "", "Scope statistics to one agent")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, q, _, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return showTask(q, args[0])
	}

	stats, err := q.Stats(statusAgent)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	scope := "all agents"
	if statusAgent != "" {
		scope = statusAgent
	}
	fmt.Printf("Queue status (%s):\n", scope)

	order := []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusProcessing,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	}
	for _, status := range order {
		fmt.Printf("  %-12s %d\n", statusColor(status).Sprint(status), stats[status])
	}
	return nil
}

func showTask(q taskGetter, taskID string) error {
	task, err := q.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	fmt.Printf("Task %s\n", task.ID)
	fmt.Printf("  Agent:    %s.%s\n", task.TargetAgent, task.Method)
	fmt.Printf("  Status:   %s\n", statusColor(task.Status).Sprint(task.Status))
	fmt.Printf("  Priority: %s\n", task.Priority)
	if task.SourceAgent != "" {
		fmt.Printf("  Source:   %s\n", task.SourceAgent)
	}
	fmt.Printf("  Retries:  %d/%d\n", task.RetryCount, task.MaxRetries)
	fmt.Printf("  Created:  %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	if task.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", task.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if len(task.Data) > 0 {
		fmt.Printf("  Data:     %s\n", task.Data)
	}
	if len(task.Result) > 0 {
		fmt.Printf("  Result:   %s\n", task.Result)
	}
	if task.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", color.RedString(task.ErrorMessage))
	}
	return nil
}

// taskGetter lets showTask be tested without a real database.
type taskGetter interface {
	Get(taskID string) (*models.Task, error)
}

func statusColor(status models.TaskStatus) *color.Color {
	switch status {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusProcessing:
		return color.New(color.FgCyan)
	case models.TaskStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}
