package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	backendpkg "github.com/cuemby/crankshaft/internal/backend"
	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	crlog "github.com/cuemby/crankshaft/internal/log"
	"github.com/cuemby/crankshaft/internal/task"
)

// Config configures a Backend instance (spec.md §6 Docker kind).
type Config struct {
	Name        string
	SocketPath  string
	Cleanup     bool // remove each container after it exits; the zero value (false) leaves it in place
	ForceRemove bool
}

// Backend is the single-host container backend (spec.md §4.4).
type Backend struct {
	name    string
	rt      *Runtime
	cleanup bool
	force   bool
	log     zerolog.Logger
}

// New constructs a container Backend against a containerd runtime.
func New(cfg Config) (*Backend, error) {
	rt, err := NewRuntime(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "container"
	}
	return &Backend{
		name:    name,
		rt:      rt,
		cleanup: cfg.Cleanup,
		force:   cfg.ForceRemove,
		log:     crlog.WithBackend(name),
	}, nil
}

// DefaultName implements backend.Backend.
func (b *Backend) DefaultName() string { return b.name }

// Run implements backend.Backend. See SPEC_FULL.md §4.4 for the full
// per-execution flow (ensure image -> build -> attach -> start -> drain
// -> wait -> cleanup) and the exact event-emission points.
func (b *Backend) Run(ctx context.Context, bus *event.Bus, id event.TaskID, t *task.Task) ([]exitstatus.ExitStatus, error) {
	name := t.Name
	if name == "" {
		name = fmt.Sprintf("crankshaft-%d", id)
	}
	event.Emit(bus, event.NewCreated(id, name, ""))

	statuses := make([]exitstatus.ExitStatus, 0, len(t.Executions))
	started := false

	mounts, cleanupInputs, err := b.materializeInputs(t.Inputs)
	defer cleanupInputs()
	if err != nil {
		event.Emit(bus, event.NewFailed(id, err.Error()))
		return nil, backendpkg.Other("materialize inputs", err)
	}
	mounts = append(mounts, b.volumeMounts(t.Volumes)...)

	for i, ex := range t.Executions {
		select {
		case <-ctx.Done():
			event.Emit(bus, event.NewCanceled(id))
			return nil, backendpkg.ErrCanceled
		default:
		}

		status, err := b.runOne(ctx, bus, id, i, ex, t, mounts, &started)
		if err != nil {
			if ctx.Err() != nil {
				event.Emit(bus, event.NewCanceled(id))
				return nil, backendpkg.ErrCanceled
			}
			event.Emit(bus, event.NewFailed(id, err.Error()))
			return nil, backendpkg.Other("execution failed", err)
		}
		statuses = append(statuses, status)
	}

	event.Emit(bus, event.NewCompleted(id, statuses))
	return statuses, nil
}

func (b *Backend) runOne(ctx context.Context, bus *event.Bus, id event.TaskID, index int, ex task.Execution, t *task.Task, mounts []specs.Mount, started *bool) (exitstatus.ExitStatus, error) {
	image := normalizeImage(ex.Image)
	if err := b.rt.EnsureImage(ctx, image); err != nil {
		return 0, err
	}

	containerID := fmt.Sprintf("crankshaft-%d-%d", id, index)
	args := append([]string{ex.Program}, ex.Args...)

	spec := ContainerSpec{
		ID:      containerID,
		Image:   image,
		Args:    args,
		Env:     ex.EnvBlock(),
		WorkDir: ex.WorkDir,
		Mounts:  mounts,
	}
	if t.Resources != nil {
		if t.Resources.CPU != nil {
			v := float64(*t.Resources.CPU)
			spec.CPU = &v
		}
		if t.Resources.RAM != nil {
			v := int64(*t.Resources.RAM * 1024)
			spec.RAMMB = &v
		}
	}

	c, err := b.rt.Create(ctx, spec)
	if err != nil {
		return 0, err
	}
	event.Emit(bus, event.NewContainerCreated(id, containerID))
	defer func() {
		if b.cleanup {
			if err := b.rt.Remove(context.Background(), c); err != nil {
				b.log.Warn().Err(err).Str("container", containerID).Msg("cleanup failed")
			}
		}
	}()

	stdoutBuf := &eventWriter{bus: bus, id: id, stderr: false}
	stderrBuf := &eventWriter{bus: bus, id: id, stderr: true}

	if !*started {
		event.Emit(bus, event.NewStarted(id))
		*started = true
	}

	result, err := b.rt.StartAndWait(ctx, c, stdoutBuf, stderrBuf)
	if err != nil {
		if ctx.Err() != nil {
			_ = b.rt.Kill(context.Background(), c, true)
		}
		return 0, err
	}

	status := exitstatus.FromCode(int64(result.ExitCode))
	event.Emit(bus, event.NewContainerExited(id, containerID, status))
	return status, nil
}

// eventWriter adapts an io.Writer onto TaskStdout/TaskStderr events:
// bytes are emitted as they're flushed by the container I/O pipe rather
// than accumulated and emitted once at the end (see DESIGN.md).
type eventWriter struct {
	bus    *event.Bus
	id     event.TaskID
	stderr bool
}

func (w *eventWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	if w.stderr {
		event.Emit(w.bus, event.NewStderr(w.id, cp))
	} else {
		event.Emit(w.bus, event.NewStdout(w.id, cp))
	}
	return len(p), nil
}

var _ io.Writer = (*eventWriter)(nil)

func normalizeImage(ref string) string {
	if ref == "" {
		return ref
	}
	if !strings.Contains(ref, ":") {
		return ref + ":latest"
	}
	return ref
}

// materializeInputs resolves each Input's Contents to a host temp file
// (or, for ContentsPath, uses the host path directly) and returns the
// bind mounts to attach at each Input's guest path. containerd has no
// "upload bytes into a stopped container" API the way the Docker Engine
// API does, so the idiomatic containerd equivalent is a host-side bind
// mount — this is a deliberate adaptation from the original's in-memory
// tar upload.
func (b *Backend) materializeInputs(inputs []task.Input) ([]specs.Mount, func(), error) {
	var mounts []specs.Mount
	var tempFiles []string
	cleanup := func() {
		for _, f := range tempFiles {
			_ = os.RemoveAll(f)
		}
	}

	for _, in := range inputs {
		hostPath := in.Contents.Path
		if in.Contents.Kind != task.ContentsPath {
			f, err := os.CreateTemp("", "crankshaft-input-*")
			if err != nil {
				return nil, cleanup, fmt.Errorf("create temp input: %w", err)
			}
			rc, err := in.Contents.Fetch()
			if err != nil {
				f.Close()
				return nil, cleanup, fmt.Errorf("fetch input %s: %w", in.Path, err)
			}
			if _, err := io.Copy(f, rc); err != nil {
				rc.Close()
				f.Close()
				return nil, cleanup, fmt.Errorf("write input %s: %w", in.Path, err)
			}
			rc.Close()
			f.Close()
			hostPath = f.Name()
			tempFiles = append(tempFiles, hostPath)
		}

		opts := []string{"bind"}
		if in.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      hostPath,
			Destination: in.Path,
			Type:        "bind",
			Options:     opts,
		})
	}
	return mounts, cleanup, nil
}

// volumeMounts gives each shared volume path a fresh writable temp host
// directory, per spec.md §4.4 step 2.
func (b *Backend) volumeMounts(volumes []string) []specs.Mount {
	var mounts []specs.Mount
	for _, v := range volumes {
		dir, err := os.MkdirTemp("", "crankshaft-volume-*")
		if err != nil {
			b.log.Warn().Err(err).Str("volume", v).Msg("failed to create volume dir")
			continue
		}
		mounts = append(mounts, specs.Mount{
			Source:      dir,
			Destination: v,
			Type:        "bind",
			Options:     []string{"bind", "rw"},
		})
	}
	return mounts
}
