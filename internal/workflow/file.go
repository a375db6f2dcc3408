package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/agentq/pkg/models"
)

// fileDoc is the YAML shape of a workflow definition file.
type fileDoc struct {
	Name  string    `yaml:"name"`
	Steps []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Name       string         `yaml:"name"`
	Agent      string         `yaml:"agent"`
	Method     string         `yaml:"method"`
	Priority   string         `yaml:"priority"`
	MaxRetries *int           `yaml:"max_retries"`
	Data       map[string]any `yaml:"data"`
	DependsOn  []string       `yaml:"depends_on"`
}

// Parse builds a validated workflow from a YAML definition document.
//
//	name: nightly-report
//	steps:
//	  - name: fetch
//	    agent: scraper
//	    method: fetch
//	    priority: high
//	    data:
//	      source: feeds
//	  - name: render
//	    agent: renderer
//	    method: render
//	    depends_on: [fetch]
func Parse(doc []byte) (*Workflow, error) {
	var f fileDoc
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("parse workflow: name is required")
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("parse workflow %q: no steps", f.Name)
	}

	w := New(f.Name)
	for _, s := range f.Steps {
		priority, err := models.ParsePriority(s.Priority)
		if err != nil {
			return nil, fmt.Errorf("workflow %q step %q: %w", f.Name, s.Name, err)
		}

		var data json.RawMessage
		if s.Data != nil {
			data, err = json.Marshal(s.Data)
			if err != nil {
				return nil, fmt.Errorf("workflow %q step %q: encode data: %w", f.Name, s.Name, err)
			}
		}

		maxRetries := models.DefaultMaxRetries
		if s.MaxRetries != nil {
			maxRetries = *s.MaxRetries
		}

		step := &Step{
			Agent:      s.Agent,
			Method:     s.Method,
			Data:       data,
			Priority:   priority,
			MaxRetries: maxRetries,
			DependsOn:  s.DependsOn,
		}
		if err := w.AddStep(s.Name, step); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", f.Name, err)
		}
	}

	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", f.Name, err)
	}
	return w, nil
}

// LoadFile reads and parses a workflow definition file.
func LoadFile(path string) (*Workflow, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(doc)
}
