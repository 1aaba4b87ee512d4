// Package remote implements the remote-HTTP (TES-shaped) backend: tasks
// run on a collaborator service reachable over HTTP rather than locally,
// discovered and awaited through a shared internal/monitor.Monitor
// instead of one poll loop per task. Grounded on
// original_source/crankshaft-engine/.../backend/tes.rs (see DESIGN.md).
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	backendpkg "github.com/cuemby/crankshaft/internal/backend"
	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	crlog "github.com/cuemby/crankshaft/internal/log"
	"github.com/cuemby/crankshaft/internal/monitor"
	"github.com/cuemby/crankshaft/internal/task"
	"github.com/cuemby/crankshaft/internal/tesclient"
)

// Config configures the remote-HTTP backend (spec.md §6 TES kind). The
// retry budget itself lives on the tesclient.Client (HTTPClientConfig.
// Retries): every remote call, including cancellation, shares the same
// capped-exponential policy (spec.md §4.7/§5).
type Config struct {
	Name           string
	URL            string
	BearerToken    string
	MaxConcurrency int           // default 10
	Interval       time.Duration // monitor poll interval, default 1s
}

// Backend drives task execution through a tesclient.Client and a shared
// Monitor.
type Backend struct {
	name   string
	client tesclient.Client
	mon    *monitor.Monitor
	sem    chan struct{}
	log    zerolog.Logger
}

// New constructs a remote Backend. client is normally
// tesclient.NewHTTPClient(...); accepting the interface here lets tests
// substitute a fake.
func New(cfg Config, client tesclient.Client, bus *event.Bus) *Backend {
	name := cfg.Name
	if name == "" {
		name = "remote"
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency == 0 {
		maxConcurrency = 10
	}
	return &Backend{
		name:   name,
		client: client,
		mon:    monitor.New(name, client, cfg.Interval, bus),
		sem:    make(chan struct{}, maxConcurrency),
		log:    crlog.WithBackend(name),
	}
}

// Stop halts the backend's shared monitor loop.
func (b *Backend) Stop() {
	b.mon.Stop()
}

// DefaultName implements backend.Backend.
func (b *Backend) DefaultName() string {
	return b.name
}

// Run implements backend.Backend. Every execution in t maps onto one
// TES executor, so the remote service produces one exit status per
// execution (spec.md §3, §4.7).
func (b *Backend) Run(ctx context.Context, bus *event.Bus, id event.TaskID, t *task.Task) ([]exitstatus.ExitStatus, error) {
	if len(t.Executions) == 0 {
		return nil, backendpkg.Other("remote backend requires at least one execution", nil)
	}

	name := t.Name
	if name == "" {
		name = fmt.Sprintf("crankshaft-remote-%d", id)
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, backendpkg.ErrCanceled
	}
	defer func() { <-b.sem }()

	tag, completion := b.mon.AddTask(id, name)

	// Cancellation races task creation: if ctx is already done before the
	// create call lands, no event is ever emitted for id (spec.md §8
	// scenario 4).
	select {
	case <-ctx.Done():
		return nil, backendpkg.ErrCanceled
	default:
	}

	req := tesclient.CreateTaskRequest{
		Name:      name,
		Tags:      map[string]string{monitor.TagKey: tag},
		Executors: executors(t.Executions),
	}

	remoteID, err := b.client.CreateTask(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backendpkg.ErrCanceled
		}
		event.Emit(bus, event.NewCreated(id, name, ""))
		event.Emit(bus, event.NewFailed(id, err.Error()))
		return nil, backendpkg.Other("create remote task", err)
	}

	event.Emit(bus, event.NewCreated(id, name, remoteID))
	b.mon.AssociateRemoteID(id, remoteID)
	defer b.mon.RemoveTask(remoteID)

	select {
	case <-ctx.Done():
		b.cancelRemote(remoteID)
		event.Emit(bus, event.NewCanceled(id))
		return nil, backendpkg.ErrCanceled
	case err := <-completion:
		if err != nil {
			event.Emit(bus, event.NewFailed(id, err.Error()))
			return nil, backendpkg.Other("monitor remote task", err)
		}
	}

	return b.resolveTerminal(ctx, bus, id, remoteID)
}

// cancelRemote asks the remote service to cancel. The client already
// retries transient failures under its own capped-exponential policy;
// this never returns an error since the caller has already committed to
// a TaskCanceled outcome.
func (b *Backend) cancelRemote(remoteID string) {
	_ = b.client.CancelTask(context.Background(), remoteID)
}

// resolveTerminal fetches the full task record and classifies its last
// log entry into the matching terminal event (spec.md §4.7).
func (b *Backend) resolveTerminal(ctx context.Context, bus *event.Bus, id event.TaskID, remoteID string) ([]exitstatus.ExitStatus, error) {
	rt, err := b.client.GetTask(ctx, remoteID)
	if err != nil {
		event.Emit(bus, event.NewFailed(id, err.Error()))
		return nil, backendpkg.Other("fetch completed remote task", err)
	}

	switch rt.State {
	case tesclient.StateComplete, tesclient.StateExecutorError:
		statuses := make([]exitstatus.ExitStatus, 0, 1)
		if len(rt.Logs) > 0 {
			last := rt.Logs[len(rt.Logs)-1]
			for _, exLog := range last.Executors {
				statuses = append(statuses, exitstatus.FromCode(int64(exLog.ExitCode)))
			}
		}
		if len(statuses) == 0 {
			statuses = append(statuses, exitstatus.FromCode(1))
		}
		event.Emit(bus, event.NewCompleted(id, statuses))
		return statuses, nil

	case tesclient.StateSystemError:
		msg := "remote task reported a system error"
		if len(rt.Logs) > 0 {
			last := rt.Logs[len(rt.Logs)-1]
			if len(last.SystemLogs) > 0 {
				msg = strings.Join(last.SystemLogs, "\n")
			}
		}
		event.Emit(bus, event.NewFailed(id, msg))
		return nil, backendpkg.Other(msg, nil)

	case tesclient.StateCanceled:
		event.Emit(bus, event.NewCanceled(id))
		return nil, backendpkg.ErrCanceled

	case tesclient.StatePreempted:
		event.Emit(bus, event.NewPreempted(id))
		return nil, backendpkg.ErrPreempted

	default:
		msg := "not in a completed state"
		event.Emit(bus, event.NewFailed(id, msg))
		return nil, backendpkg.Other(msg, nil)
	}
}

// executors maps a task's executions onto TES executors in order, so
// the remote service's per-executor exit-status log lines back up
// 1:1 with executions.
func executors(executions []task.Execution) []tesclient.Executor {
	out := make([]tesclient.Executor, len(executions))
	for i, ex := range executions {
		e := tesclient.Executor{
			Image:   ex.Image,
			Command: append([]string{ex.Program}, ex.Args...),
			WorkDir: ex.WorkDir,
			Stdin:   ex.Stdin,
			Stdout:  ex.Stdout,
			Stderr:  ex.Stderr,
		}
		if len(ex.Env) > 0 {
			e.Env = make(map[string]string, len(ex.Env))
			for _, kv := range ex.Env {
				e.Env[kv.Key] = kv.Value
			}
		}
		out[i] = e
	}
	return out
}
