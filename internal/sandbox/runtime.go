// Package sandbox executes untrusted task code against a constrained API
// surface. Runtimes are registered by id; the task's runtimeId selects one.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Adapter is the bridge a runtime uses to reach back into the gateway:
// tool invocations go through the dispatcher, output lines become events.
type Adapter interface {
	InvokeTool(ctx context.Context, callID, toolPath string, input map[string]any) (any, error)
	EmitOutput(ctx context.Context, stream, line string)
}

// Execution is one sandboxed run request.
type Execution struct {
	TaskID    string
	Code      string
	TimeoutMs int
}

// Result is what a runtime reports back. Err carries the failure (including
// sentinel-prefixed denials surfaced through thrown exceptions); TimedOut is
// set when the timeout budget expired.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

// Runtime executes code. Implementations must honor the timeout and must
// not outlive Execute.
type Runtime interface {
	Execute(ctx context.Context, exec Execution, adapter Adapter) Result
}

// Registry maps runtime ids to runtimes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds a runtime under an id, replacing any previous registration.
func (r *Registry) Register(id string, rt Runtime) {
	r.mu.Lock()
	r.runtimes[id] = rt
	r.mu.Unlock()
}

// Get returns the runtime for an id.
func (r *Registry) Get(id string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime %q (available: %v)", id, r.idsLocked())
	}
	return rt, nil
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
