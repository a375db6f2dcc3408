package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cancelAgent string

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel pending tasks",
	Long: `Cancel tasks that have not been claimed yet. Tasks already being
processed run to completion; cancellation never preempts a worker.

Examples:
  agentq cancel                  # Cancel every pending task
  agentq cancel --agent scorer   # Cancel pending tasks for one agent`,
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelAgent, "agent", "", "Only cancel tasks targeted at this agent")
}

func runCancel(cmd *cobra.Command, args []string) error {
	db, q, _, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := q.CancelPending(cancelAgent)
	if err != nil {
		return fmt.Errorf("cancel tasks: %w", err)
	}

	if n == 0 {
		fmt.Println("No pending tasks to cancel.")
		return nil
	}
	fmt.Printf("%s Cancelled %d pending task(s)\n", color.YellowString("✓"), n)
	return nil
}
