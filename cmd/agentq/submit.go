package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agentq/internal/queue"
	"github.com/ShayCichocki/agentq/pkg/models"
)

var (
	submitPriority   string
	submitMaxRetries int
	submitSource     string
	submitDataFile   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <agent> <method> [json-data]",
	Short: "Enqueue a task for an agent",
	Long: `Submit a task to the queue. The task stays pending until a worker
process claims it for the target agent.

Data can be given inline as a JSON argument or read from a file with
--data-file. Omitting both submits a task with no payload.

Examples:
  agentq submit scorer score '{"doc_id": 42}'
  agentq submit indexer rebuild --priority high
  agentq submit mailer send --data-file ./message.json --max-retries 1`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "", "Task priority: low, normal, high, urgent")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", models.DefaultMaxRetries, "Retry budget for transient failures")
	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "Source agent recorded on the task")
	submitCmd.Flags().StringVar(&submitDataFile, "data-file", "", "Read the JSON payload from a file")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	priority, err := models.ParsePriority(submitPriority)
	if err != nil {
		return err
	}

	var data json.RawMessage
	switch {
	case submitDataFile != "":
		if len(args) == 3 {
			return fmt.Errorf("give inline data or --data-file, not both")
		}
		content, err := os.ReadFile(submitDataFile)
		if err != nil {
			return fmt.Errorf("read data file: %w", err)
		}
		data = content
	case len(args) == 3:
		data = json.RawMessage(args[2])
	}
	if data != nil && !json.Valid(data) {
		return fmt.Errorf("task data is not valid JSON")
	}

	db, q, _, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := q.Add(queue.TaskSpec{
		TargetAgent: args[0],
		Method:      args[1],
		Data:        data,
		SourceAgent: submitSource,
		Priority:    priority,
		MaxRetries:  submitMaxRetries,
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	fmt.Printf("%s Task %s queued for %s.%s (priority %s)\n",
		color.GreenString("✓"), id, args[0], args[1], priority)
	return nil
}
