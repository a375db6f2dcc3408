package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agentq/internal/queue"
	"github.com/ShayCichocki/agentq/internal/workflow"
)

var workflowSource string

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Work with workflow definition files",
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a workflow file for missing dependencies and cycles",
	Long: `Parse a workflow definition and report its steps in dependency order
without submitting anything.

Example:
  agentq workflow validate nightly.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowValidate,
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Enqueue the steps of a workflow file that have no dependencies",
	Long: `Parse a workflow definition and enqueue its root steps, the ones with
no dependencies. Dependent steps are not submitted; they need a running
worker process driving the workflow to completion.

Example:
  agentq workflow submit nightly.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowSubmit,
}

func init() {
	workflowSubmitCmd.Flags().StringVar(&workflowSource, "source", "", "Source agent recorded on the tasks (default workflow:<name>)")
	workflowCmd.AddCommand(workflowValidateCmd)
	workflowCmd.AddCommand(workflowSubmitCmd)
	rootCmd.AddCommand(workflowCmd)
}

func runWorkflowValidate(cmd *cobra.Command, args []string) error {
	wf, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s Workflow %q is valid (%d steps)\n", color.GreenString("✓"), wf.Name(), wf.Size())
	for _, name := range wf.Steps() {
		step := wf.Step(name)
		if len(step.DependsOn) == 0 {
			fmt.Printf("  %s → %s.%s\n", name, step.Agent, step.Method)
		} else {
			fmt.Printf("  %s → %s.%s (after %v)\n", name, step.Agent, step.Method, step.DependsOn)
		}
	}
	return nil
}

func runWorkflowSubmit(cmd *cobra.Command, args []string) error {
	wf, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}

	db, q, _, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	source := workflowSource
	if source == "" {
		source = "workflow:" + wf.Name()
	}

	ready := wf.ReadySteps()
	for _, name := range ready {
		step := wf.Step(name)
		id, err := q.Add(queue.TaskSpec{
			TargetAgent: step.Agent,
			Method:      step.Method,
			Data:        step.Data,
			SourceAgent: source,
			Priority:    step.Priority,
			MaxRetries:  step.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("submit step %s: %w", name, err)
		}
		fmt.Printf("%s Step %s queued as task %s\n", color.GreenString("✓"), name, id)
	}
	if len(ready) < wf.Size() {
		fmt.Printf("%d dependent step(s) not submitted\n", wf.Size()-len(ready))
	}
	return nil
}
