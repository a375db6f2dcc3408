package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished tasks",
	Long: `Delete completed, failed, and cancelled tasks whose finish time is
older than the retention window. Pending and processing tasks are never
touched.

The default window comes from queue.cleanup_age in the config file.

Examples:
  agentq cleanup                  # Use the configured retention
  agentq cleanup --older-than 24h # Keep only the last day`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Retention window (for example 24h, 30m)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	db, q, cfg, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	olderThan := cleanupOlderThan
	if olderThan == 0 {
		olderThan = cfg.Queue.CleanupAge
	}

	n, err := q.Cleanup(olderThan)
	if err != nil {
		return fmt.Errorf("cleanup tasks: %w", err)
	}

	if n == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	fmt.Printf("%s Removed %d finished task(s) older than %s\n", color.GreenString("✓"), n, olderThan)
	return nil
}
