package orchestrator

import "time"

const (
	defaultWorkerCount  = 3
	defaultPollInterval = 500 * time.Millisecond
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkerCount sets the number of concurrent worker goroutines started
// by StartProcessing. Values below 1 are ignored.
func WithWorkerCount(n int) Option {
	return func(o *Orchestrator) {
		if n >= 1 {
			o.workerCount = n
		}
	}
}

// WithPollInterval sets how long idle workers sleep between queue sweeps.
// Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}
