// Package swarm implements the container swarm-style backend (spec.md
// §4.5): instead of directly attaching to a container, each execution is
// dispatched and then polled across a finite state machine until it
// starts running, at which point logs are attached and the backend
// blocks on the task's exit.
//
// Grounded on original_source/crankshaft-docker/src/service.rs (FSM
// states, two-tier poll intervals, attach-after-start, wait-with-
// inspect-fallback), adapted from bollard's Docker Engine API service
// polling onto containerd's task lifecycle: containerd has no separate
// "service" resource, so the PENDING/STARTING tier here models the
// window between container creation and the task actually running,
// which is where a real swarm-style scheduler would still be placing
// the work.
package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/rs/zerolog"

	backendpkg "github.com/cuemby/crankshaft/internal/backend"
	"github.com/cuemby/crankshaft/internal/backend/container"
	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	crlog "github.com/cuemby/crankshaft/internal/log"
	"github.com/cuemby/crankshaft/internal/task"
)

// state is a position in the FSM described in spec.md §4.5.
type state int

const (
	stateNew state = iota
	statePending
	stateStarting
	stateRunning
	stateComplete
	stateFailed
)

const (
	// prePollInterval is the cadence used for the first status check
	// after a task is started, before it has had any chance to appear
	// running.
	prePollInterval = 100 * time.Millisecond
	// steadyPollInterval is the cadence used once a task has missed its
	// first appearance check, as if placement were still pending.
	steadyPollInterval = 1 * time.Second
)

// Config configures a swarm Backend (reuses the Docker config shape from
// spec.md §6). Cleanup removes each container after it exits; the zero
// value (false) leaves it in place.
type Config struct {
	Name        string
	SocketPath  string
	Cleanup     bool
	ForceRemove bool
}

// Backend is the container swarm-style backend.
type Backend struct {
	name string
	rt   *container.Runtime
	cfg  Config
	log  zerolog.Logger
}

// New constructs a swarm Backend.
func New(cfg Config) (*Backend, error) {
	rt, err := container.NewRuntime(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "swarm"
	}
	return &Backend{name: name, rt: rt, cfg: cfg, log: crlog.WithBackend(name)}, nil
}

// DefaultName implements backend.Backend.
func (b *Backend) DefaultName() string { return b.name }

// Run implements backend.Backend.
func (b *Backend) Run(ctx context.Context, bus *event.Bus, id event.TaskID, t *task.Task) ([]exitstatus.ExitStatus, error) {
	name := t.Name
	if name == "" {
		name = fmt.Sprintf("crankshaft-swarm-%d", id)
	}
	event.Emit(bus, event.NewCreated(id, name, ""))

	statuses := make([]exitstatus.ExitStatus, 0, len(t.Executions))
	started := false

	for i, ex := range t.Executions {
		select {
		case <-ctx.Done():
			event.Emit(bus, event.NewCanceled(id))
			return nil, backendpkg.ErrCanceled
		default:
		}

		status, err := b.runOne(ctx, bus, id, i, ex, &started)
		if err != nil {
			if ctx.Err() != nil {
				event.Emit(bus, event.NewCanceled(id))
				return nil, backendpkg.ErrCanceled
			}
			event.Emit(bus, event.NewFailed(id, err.Error()))
			return nil, backendpkg.Other("swarm execution failed", err)
		}
		statuses = append(statuses, status)
	}

	event.Emit(bus, event.NewCompleted(id, statuses))
	return statuses, nil
}

// runOne drives one execution through the FSM: create the container,
// start its task with discarded IO, poll task.Status across the two
// interval tiers until it is observed Running, attach real stdout/stderr
// only at that point, then wait for exit with an inspect fallback if the
// wait channel's result is unusable.
func (b *Backend) runOne(ctx context.Context, bus *event.Bus, id event.TaskID, index int, ex task.Execution, started *bool) (exitstatus.ExitStatus, error) {
	image := ex.Image
	if err := b.rt.EnsureImage(ctx, image); err != nil {
		return 0, err
	}

	containerID := fmt.Sprintf("crankshaft-swarm-%d-%d", id, index)
	args := append([]string{ex.Program}, ex.Args...)
	spec := container.ContainerSpec{
		ID:    containerID,
		Image: image,
		Args:  args,
		Env:   ex.EnvBlock(),
	}

	c, err := b.rt.Create(ctx, spec)
	if err != nil {
		return 0, err
	}
	event.Emit(bus, event.NewContainerCreated(id, containerID))

	defer func() {
		if b.cfg.Cleanup {
			if err := b.rt.Remove(context.Background(), c); err != nil {
				b.log.Warn().Err(err).Str("container", containerID).Msg("cleanup failed")
			}
		}
	}()

	cdTask, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return 0, fmt.Errorf("swarm: create task: %w", err)
	}

	statusC, err := cdTask.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("swarm: wait: %w", err)
	}

	if err := cdTask.Start(ctx); err != nil {
		return 0, fmt.Errorf("swarm: start: %w", err)
	}

	if _, err := b.pollUntilRunning(ctx, cdTask); err != nil {
		_ = b.rt.Kill(context.Background(), c, b.cfg.ForceRemove)
		return 0, err
	}

	if !*started {
		event.Emit(bus, event.NewStarted(id))
		*started = true
	}

	stdoutW := &chunkWriter{bus: bus, id: id, stderr: false}
	stderrW := &chunkWriter{bus: bus, id: id, stderr: true}
	if _, err := c.Task(ctx, cio.NewAttach(cio.WithStreams(nil, stdoutW, stderrW))); err != nil {
		b.log.Warn().Err(err).Str("container", containerID).Msg("attach logs after running failed")
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			inspect, inspectErr := cdTask.Status(ctx)
			if inspectErr != nil {
				return 0, fmt.Errorf("swarm: resolve exit status: %w", err)
			}
			code = inspect.ExitStatus
		}
		result := exitstatus.FromCode(int64(code))
		event.Emit(bus, event.NewContainerExited(id, containerID, result))
		return result, nil
	case <-ctx.Done():
		_ = b.rt.Kill(context.Background(), c, b.cfg.ForceRemove)
		return 0, ctx.Err()
	}
}

// pollUntilRunning polls a just-started task's status at prePollInterval
// and then, if it hasn't appeared running yet, at steadyPollInterval
// until it reaches Running or a terminal state outright.
func (b *Backend) pollUntilRunning(ctx context.Context, cdTask containerd.Task) (state, error) {
	interval := prePollInterval
	st := statePending

	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}

		status, err := cdTask.Status(ctx)
		if err != nil {
			return st, fmt.Errorf("swarm: poll status: %w", err)
		}

		switch status.Status {
		case containerd.Running:
			return stateRunning, nil
		case containerd.Stopped:
			if status.ExitStatus == 0 {
				return stateComplete, nil
			}
			return stateFailed, nil
		default:
			st = statePending
			interval = steadyPollInterval
		}
	}
}

type chunkWriter struct {
	bus    *event.Bus
	id     event.TaskID
	stderr bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	if w.stderr {
		event.Emit(w.bus, event.NewStderr(w.id, cp))
	} else {
		event.Emit(w.bus, event.NewStdout(w.id, cp))
	}
	return len(p), nil
}
