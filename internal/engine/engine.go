package engine

import (
	"context"
	"fmt"

	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/task"
)

// Engine is the ordered set of named Runners a caller submits Tasks to,
// sharing a single event bus.
type Engine struct {
	bus     *event.Bus
	order   []string
	runners map[string]*Runner
}

// New constructs an empty Engine over bus.
func New(bus *event.Bus) *Engine {
	return &Engine{bus: bus, runners: make(map[string]*Runner)}
}

// Bus returns the Engine's shared event bus.
func (e *Engine) Bus() *event.Bus {
	return e.bus
}

// AddRunner registers a Runner under name, preserving registration order.
func (e *Engine) AddRunner(name string, r *Runner) {
	if _, exists := e.runners[name]; !exists {
		e.order = append(e.order, name)
	}
	e.runners[name] = r
}

// Names returns the runner names in registration order.
func (e *Engine) Names() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Submit routes t to the named runner. Submitting to an unregistered
// runner name is a programmer error, not a recoverable condition — it
// panics rather than returning an error, matching spec.md's explicit
// panic/fatal requirement for this case.
func (e *Engine) Submit(ctx context.Context, runnerName string, t *task.Task) <-chan Result {
	r, ok := e.runners[runnerName]
	if !ok {
		panic(fmt.Sprintf("engine: no runner registered under name %q", runnerName))
	}
	return r.Submit(ctx, t)
}

// Close releases every registered Runner's pool.
func (e *Engine) Close() {
	for _, name := range e.order {
		e.runners[name].Release()
	}
}
