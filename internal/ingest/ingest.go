// Package ingest watches a drop folder for task files and enqueues them.
// Producers write a small YAML or JSON description into the folder; the
// watcher submits it and moves the file to done/ or failed/.
package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/agentq/internal/queue"
	"github.com/ShayCichocki/agentq/pkg/models"
)

// TaskSubmitter enqueues a task described by a drop file.
type TaskSubmitter interface {
	SubmitTask(spec queue.TaskSpec) (string, error)
}

// taskFile is the on-disk format. YAML is a superset of JSON, so .json
// drops parse through the same decoder.
type taskFile struct {
	Agent      string         `yaml:"agent"`
	Method     string         `yaml:"method"`
	Priority   string         `yaml:"priority"`
	MaxRetries *int           `yaml:"max_retries"`
	Source     string         `yaml:"source"`
	Data       map[string]any `yaml:"data"`
}

// ParseTaskFile converts drop-file contents into a task spec.
func ParseTaskFile(content []byte) (queue.TaskSpec, error) {
	var doc taskFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return queue.TaskSpec{}, fmt.Errorf("parsing task file: %w", err)
	}
	if doc.Agent == "" {
		return queue.TaskSpec{}, fmt.Errorf("task file: agent is required")
	}
	if doc.Method == "" {
		return queue.TaskSpec{}, fmt.Errorf("task file: method is required")
	}

	priority, err := models.ParsePriority(doc.Priority)
	if err != nil {
		return queue.TaskSpec{}, fmt.Errorf("task file: %w", err)
	}

	maxRetries := models.DefaultMaxRetries
	if doc.MaxRetries != nil {
		maxRetries = *doc.MaxRetries
	}

	var data json.RawMessage
	if doc.Data != nil {
		data, err = json.Marshal(doc.Data)
		if err != nil {
			return queue.TaskSpec{}, fmt.Errorf("task file: encoding data: %w", err)
		}
	}

	source := doc.Source
	if source == "" {
		source = "ingest"
	}

	return queue.TaskSpec{
		TargetAgent: doc.Agent,
		Method:      doc.Method,
		Data:        data,
		SourceAgent: source,
		Priority:    priority,
		MaxRetries:  maxRetries,
	}, nil
}

// Watcher ingests task files from a directory. Processed files are moved
// into done/ or failed/ so the drop folder only ever holds pending work.
type Watcher struct {
	dir       string
	submitter TaskSubmitter

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu sync.Mutex // serializes file processing
}

// NewWatcher prepares a watcher over dir, creating the folder layout.
func NewWatcher(dir string, submitter TaskSubmitter) (*Watcher, error) {
	for _, d := range []string{dir, filepath.Join(dir, "done"), filepath.Join(dir, "failed")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating ingest directory: %w", err)
		}
	}
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		done:      make(chan struct{}),
	}, nil
}

// Start sweeps files already present, then watches for new drops until
// Close is called.
func (w *Watcher) Start() error {
	if err := w.Sweep(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !isTaskFile(event.Name) {
				continue
			}
			w.processFile(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[ingest] watcher error: %v", err)
		}
	}
}

// Sweep processes every task file currently in the drop folder. It is also
// the polling fallback when events are missed.
func (w *Watcher) Sweep() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading ingest directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTaskFile(entry.Name()) {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) processFile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		// Already moved by a previous event for the same file.
		if os.IsNotExist(err) {
			return
		}
		log.Printf("[ingest] read %s: %v", path, err)
		return
	}

	spec, err := ParseTaskFile(content)
	if err != nil {
		log.Printf("[ingest] %s rejected: %v", filepath.Base(path), err)
		w.moveTo(path, "failed")
		return
	}

	id, err := w.submitter.SubmitTask(spec)
	if err != nil {
		log.Printf("[ingest] %s rejected: %v", filepath.Base(path), err)
		w.moveTo(path, "failed")
		return
	}

	log.Printf("[ingest] %s enqueued as task %s", filepath.Base(path), id)
	w.moveTo(path, "done")
}

func (w *Watcher) moveTo(path, subdir string) {
	dest := filepath.Join(w.dir, subdir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Printf("[ingest] move %s to %s: %v", path, subdir, err)
	}
}

// Close stops the watcher and waits for in-flight processing.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}

// isTaskFile reports whether a path looks like a droppable task file.
func isTaskFile(path string) bool {
	name := filepath.Base(path)
	for _, suffix := range []string{".task.yaml", ".task.yml", ".task.json"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
