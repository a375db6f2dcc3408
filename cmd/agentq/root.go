package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agentq/internal/config"
	"github.com/ShayCichocki/agentq/internal/queue"
	"github.com/ShayCichocki/agentq/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "agentq",
	Short: "Durable task queue for agent pipelines",
	Long: `Agentq maintains a persistent, prioritized task queue shared by a set
of named agents. Producers submit tasks, workers claim and execute them,
and every state transition survives process restarts.

Core capabilities:
- Priority-then-FIFO task dispatch with atomic claims
- Automatic retry with per-task budgets
- Dependency-ordered workflows built from queued tasks
- Drop-folder ingestion for file-based producers`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveDBPath picks the database location: explicit config first, then a
// project-local .agentq directory, then the user-level default.
func resolveDBPath(cfg *config.Config) string {
	if cfg.Database.Path != "" {
		return cfg.Database.Path
	}
	cwd, err := os.Getwd()
	if err == nil {
		projectPath := state.ProjectDBPath(cwd)
		if _, err := os.Stat(projectPath); err == nil {
			return projectPath
		}
	}
	return state.DefaultDBPath()
}

// openQueue loads config, opens the database, and returns a ready manager.
// The caller closes the returned DB.
func openQueue() (*state.DB, *queue.Manager, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := state.Open(resolveDBPath(cfg))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, queue.NewManager(db), cfg, nil
}
