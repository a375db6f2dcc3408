package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc executes one named method against a task payload.
// Returning a PermanentError marks the failure non-retryable; any other
// error is treated as transient and retried within the task's budget.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

// Handler is an agent's command table: every method it answers to, bound at
// registration time. Unknown methods fail fast at submission or dispatch
// instead of being discovered mid-flight.
type Handler map[string]HandlerFunc

// UnknownAgentError is returned when dispatching to an agent that was never
// registered.
type UnknownAgentError struct {
	Agent string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("no agent registered as %q", e.Agent)
}

// UnknownMethodError is returned when a registered agent has no handler for
// the requested method.
type UnknownMethodError struct {
	Agent  string
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("agent %q has no method %q", e.Agent, e.Method)
}

// AgentRegistry maps agent names to their handlers.
// It provides thread-safe registration and method resolution.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Handler
}

// NewAgentRegistry creates an empty AgentRegistry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Handler)}
}

// Register associates a name with a handler. Registering the same name
// twice replaces the prior handler.
func (r *AgentRegistry) Register(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if len(handler) == 0 {
		return fmt.Errorf("agent %q: handler has no methods", name)
	}
	for method, fn := range handler {
		if method == "" {
			return fmt.Errorf("agent %q: empty method name", name)
		}
		if fn == nil {
			return fmt.Errorf("agent %q: method %q has nil handler", name, method)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Copy so later mutation of the caller's map can't bypass validation.
	table := make(Handler, len(handler))
	for method, fn := range handler {
		table[method] = fn
	}
	r.agents[name] = table
	return nil
}

// Resolve returns the handler function for an agent method.
func (r *AgentRegistry) Resolve(agent, method string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.agents[agent]
	if !ok {
		return nil, &UnknownAgentError{Agent: agent}
	}
	fn, ok := table[method]
	if !ok {
		return nil, &UnknownMethodError{Agent: agent, Method: method}
	}
	return fn, nil
}

// CheckMethod validates a submission eagerly: it fails only when the agent
// is registered but lacks the method. Submissions for agents that have not
// registered yet are allowed; workers only poll registered agents.
func (r *AgentRegistry) CheckMethod(agent, method string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.agents[agent]
	if !ok {
		return nil
	}
	if _, ok := table[method]; !ok {
		return &UnknownMethodError{Agent: agent, Method: method}
	}
	return nil
}

// Names returns all registered agent names, sorted for deterministic
// polling order.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
