package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue tasks stranded by a crashed worker",
	Long: `Move every task stuck in the processing state back to pending so
workers can claim it again. Recovery does not consume retry budget.

Run this only when no worker process is alive; recovering tasks that are
genuinely in flight will execute them twice.`,
	RunE: runRecover,
}

func runRecover(cmd *cobra.Command, args []string) error {
	db, q, _, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := q.RecoverStale()
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	if n == 0 {
		fmt.Println("No stranded tasks found.")
		return nil
	}
	fmt.Printf("%s Requeued %d stranded task(s)\n", color.GreenString("✓"), n)
	return nil
}
