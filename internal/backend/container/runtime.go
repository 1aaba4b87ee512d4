// Package container implements the single-host container backend: for
// each execution in a task, ensure the image, build the container (with
// input/volume mounts and resource limits), attach its stdio streams
// before starting it, run it to completion, and clean up.
//
// Wraps a containerd client with the namespace/pull/create/start/stop/delete
// lifecycle calls needed here,
// generalized from Warren's long-lived service container to crankshaft's
// one-shot-per-execution model; StartAndWait drains the container's
// stdout/stderr into the caller's writers.
package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultNamespace is the containerd namespace crankshaft operates in.
const DefaultNamespace = "crankshaft"

// DefaultSocketPath is the default containerd socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Runtime wraps a containerd client with the operations the container
// backend needs.
type Runtime struct {
	client    *containerd.Client
	namespace string
}

// NewRuntime dials containerd at socketPath (DefaultSocketPath if empty).
func NewRuntime(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("container: connect to containerd: %w", err)
	}
	return &Runtime{client: client, namespace: DefaultNamespace}, nil
}

// Close closes the underlying containerd client.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// EnsureImage pulls imageRef if it isn't already present locally. A
// reference without a tag is given ":latest" by the caller before this
// is invoked (see backend.go's normalizeImage).
func (r *Runtime) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.GetImage(ctx, imageRef); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("container: pull image %s: %w", imageRef, err)
	}
	return nil
}

// ContainerSpec describes the container to build for one execution.
type ContainerSpec struct {
	ID      string
	Image   string
	Args    []string
	Env     []string
	WorkDir string
	Mounts  []specs.Mount
	CPU     *float64 // cores
	RAMMB   *int64
}

// Create builds a containerd container (not yet started) from spec.
func (r *Runtime) Create(ctx context.Context, spec ContainerSpec) (containerd.Container, error) {
	ctx = r.ctx(ctx)
	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("container: get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Args...))
	}
	if spec.WorkDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkDir))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}
	if spec.CPU != nil && *spec.CPU > 0 {
		shares := uint64(*spec.CPU * 1024)
		quota := int64(*spec.CPU * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.RAMMB != nil && *spec.RAMMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(*spec.RAMMB)*1024*1024))
	}

	c, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("container: create: %w", err)
	}
	return c, nil
}

// RunResult carries the outcome of StartAndWait.
type RunResult struct {
	ExitCode uint32
}

// StartAndWait attaches stdout/stderr (so no early output is lost — this
// must happen before Start, a tested property per SPEC_FULL.md §9),
// starts the container's task, and blocks until it exits, falling back
// to an explicit Status() inspection if the wait channel resolves
// without a usable exit status.
func (r *Runtime) StartAndWait(ctx context.Context, c containerd.Container, stdout, stderr io.Writer) (RunResult, error) {
	ctx = r.ctx(ctx)

	task, err := c.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return RunResult{}, fmt.Errorf("container: create task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("container: wait: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return RunResult{}, fmt.Errorf("container: start: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			st, inspectErr := task.Status(ctx)
			if inspectErr != nil {
				return RunResult{}, fmt.Errorf("container: resolve exit status: %w", err)
			}
			return RunResult{ExitCode: st.ExitStatus}, nil
		}
		return RunResult{ExitCode: code}, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Kill stops and deletes a container's task: SIGTERM, then SIGKILL if
// force is set and the task has not exited within 10 seconds, then task
// deletion. A container with no task is a no-op. Errors along the way
// are ignored; Kill always returns nil.
func (r *Runtime) Kill(ctx context.Context, c containerd.Container, force bool) error {
	ctx = r.ctx(ctx)
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = task.Kill(stopCtx, 15) // SIGTERM
	statusC, err := task.Wait(stopCtx)
	if err == nil {
		select {
		case <-statusC:
		case <-stopCtx.Done():
			if force {
				_ = task.Kill(ctx, 9) // SIGKILL
			}
		}
	}
	_, _ = task.Delete(ctx)
	return nil
}

// Remove deletes the container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, c containerd.Container) error {
	ctx = r.ctx(ctx)
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("container: delete: %w", err)
	}
	return nil
}
