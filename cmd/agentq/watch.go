package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/agentq/internal/ingest"
	"github.com/ShayCichocki/agentq/internal/queue"
)

var watchDir string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a drop folder and enqueue task files",
	Long: `Run the drop-folder ingester. Files matching *.task.yaml, *.task.yml
or *.task.json are parsed, enqueued, and moved into done/; files that
cannot be parsed or submitted are moved into failed/.

The watched directory comes from ingest.dir in the config, or --dir.

Example task file:
  agent: scorer
  method: score
  priority: high
  data:
    doc_id: 42

Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Directory to watch (overrides config)")
}

// queueSubmitter adapts the queue manager to the ingest submitter interface.
type queueSubmitter struct {
	q *queue.Manager
}

func (s *queueSubmitter) SubmitTask(spec queue.TaskSpec) (string, error) {
	return s.q.Add(spec)
}

func runWatch(cmd *cobra.Command, args []string) error {
	db, q, cfg, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	dir := watchDir
	if dir == "" {
		dir = cfg.Ingest.Dir
	}
	if dir == "" {
		return fmt.Errorf("no ingest directory configured; set ingest.dir or pass --dir")
	}

	watcher, err := ingest.NewWatcher(dir, &queueSubmitter{q: q})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Close()

	log.Printf("[ingest] watching %s", dir)

	// Periodic sweep catches drops the event stream missed.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sigs:
			fmt.Println("\nStopping.")
			return nil
		case <-ticker.C:
			if err := watcher.Sweep(); err != nil {
				log.Printf("[ingest] sweep: %v", err)
			}
		}
	}
}
