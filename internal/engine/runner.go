// Package engine hosts the named Runners a caller submits Tasks to: one
// Runner per configured backend, each pairing that backend with a bounded
// concurrency pool and a name generator (see DESIGN.md).
package engine

import (
	"context"
	"errors"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/crankshaft/internal/backend"
	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	crlog "github.com/cuemby/crankshaft/internal/log"
	"github.com/cuemby/crankshaft/internal/metrics"
	"github.com/cuemby/crankshaft/internal/namegen"
	"github.com/cuemby/crankshaft/internal/task"
)

// Result is what a Submit's one-shot result channel carries.
type Result struct {
	ID       event.TaskID
	Statuses []exitstatus.ExitStatus
	Err      error
}

// Runner pairs a Backend with admission control: an ants.Pool caps how
// many goroutines run concurrently, and a buffered-channel permit on top
// lets Submit race acquisition against the caller's context — ants.Pool
// itself is submit-and-forget and cannot be asked to cancel a blocked
// admission (spec.md §4.9/§5).
type Runner struct {
	name     string
	backend  backend.Backend
	bus      *event.Bus
	pool     *ants.Pool
	permits  chan struct{}
	names    *namegen.Generator
	log      zerolog.Logger
}

// NewRunner constructs a Runner with the given concurrency cap.
func NewRunner(name string, b backend.Backend, bus *event.Bus, maxTasks int) (*Runner, error) {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	pool, err := ants.NewPool(maxTasks)
	if err != nil {
		return nil, err
	}
	return &Runner{
		name:    name,
		backend: b,
		bus:     bus,
		pool:    pool,
		permits: make(chan struct{}, maxTasks),
		names:   namegen.New(namegen.DefaultBufferSize),
		log:     crlog.WithBackend(name),
	}, nil
}

// Release frees the Runner's pool.
func (r *Runner) Release() {
	r.pool.Release()
}

// Submit assigns a display name to t and returns at once with a one-shot
// channel that receives exactly one Result. A goroutine acquires a permit
// (racing ctx cancellation) and then runs the backend in the pool.
func (r *Runner) Submit(ctx context.Context, t *task.Task) <-chan Result {
	resultCh := make(chan Result, 1)
	id := event.NextTaskID()

	if t.Name == "" {
		t.Name = r.names.Next()
	}

	go r.admit(ctx, id, t, resultCh)
	return resultCh
}

// admit waits for a permit, runs t on the backend through the pool and
// sends the single Result on resultCh.
func (r *Runner) admit(ctx context.Context, id event.TaskID, t *task.Task, resultCh chan<- Result) {
	waitTimer := metrics.NewTimer()
	select {
	case r.permits <- struct{}{}:
		waitTimer.ObserveDurationVec(metrics.PermitWaitDuration, r.name)
	case <-ctx.Done():
		resultCh <- Result{ID: id, Err: backend.ErrCanceled}
		return
	}
	metrics.PermitsInUse.WithLabelValues(r.name).Inc()
	metrics.TasksInFlight.WithLabelValues(r.name).Inc()

	submitErr := r.pool.Submit(func() {
		defer func() {
			<-r.permits
			metrics.PermitsInUse.WithLabelValues(r.name).Dec()
			metrics.TasksInFlight.WithLabelValues(r.name).Dec()
		}()
		statuses, err := r.backend.Run(ctx, r.bus, id, t)
		metrics.TasksCompletedTotal.WithLabelValues(r.name, outcomeLabel(err)).Inc()
		resultCh <- Result{ID: id, Statuses: statuses, Err: err}
	})
	if submitErr != nil {
		<-r.permits
		metrics.PermitsInUse.WithLabelValues(r.name).Dec()
		metrics.TasksInFlight.WithLabelValues(r.name).Dec()
		resultCh <- Result{ID: id, Err: submitErr}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, backend.ErrCanceled):
		return "canceled"
	case errors.Is(err, backend.ErrPreempted):
		return "preempted"
	default:
		return "failed"
	}
}
