package generic

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	backendpkg "github.com/cuemby/crankshaft/internal/backend"
	"github.com/cuemby/crankshaft/internal/driver"
	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	crlog "github.com/cuemby/crankshaft/internal/log"
	"github.com/cuemby/crankshaft/internal/task"
)

// Config configures a generic Backend (spec.md §6 Generic kind).
type Config struct {
	Name             string
	Submit           string
	Monitor          string
	Kill             string
	JobIDRegex       string // optional
	MonitorFrequency time.Duration // default 5s
	Attributes       map[string]string
	NewDriver        func() (driver.Driver, error)
}

// Backend is the generic shell-driven backend.
type Backend struct {
	cfg        Config
	jobIDRegex *regexp.Regexp
	log        zerolog.Logger
}

// New constructs a generic Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.NewDriver == nil {
		return nil, fmt.Errorf("generic: NewDriver factory is required")
	}
	if cfg.MonitorFrequency == 0 {
		cfg.MonitorFrequency = 5 * time.Second
	}
	var re *regexp.Regexp
	if cfg.JobIDRegex != "" {
		compiled, err := regexp.Compile(cfg.JobIDRegex)
		if err != nil {
			return nil, fmt.Errorf("generic: compile job-id-regex: %w", err)
		}
		re = compiled
	}
	name := cfg.Name
	if name == "" {
		name = "generic"
	}
	return &Backend{cfg: cfg, jobIDRegex: re, log: crlog.WithBackend(name)}, nil
}

// DefaultName implements backend.Backend.
func (b *Backend) DefaultName() string {
	if b.cfg.Name != "" {
		return b.cfg.Name
	}
	return "generic"
}

// Run implements backend.Backend.
func (b *Backend) Run(ctx context.Context, bus *event.Bus, id event.TaskID, t *task.Task) ([]exitstatus.ExitStatus, error) {
	name := t.Name
	if name == "" {
		name = fmt.Sprintf("crankshaft-generic-%d", id)
	}
	event.Emit(bus, event.NewCreated(id, name, ""))

	d, err := b.cfg.NewDriver()
	if err != nil {
		event.Emit(bus, event.NewFailed(id, err.Error()))
		return nil, backendpkg.Other("acquire driver", err)
	}
	defer d.Close()

	statuses := make([]exitstatus.ExitStatus, 0, len(t.Executions))
	started := false
	var jobID string

	for _, ex := range t.Executions {
		select {
		case <-ctx.Done():
			b.killCurrent(context.Background(), d, jobID)
			event.Emit(bus, event.NewCanceled(id))
			return nil, backendpkg.ErrCanceled
		default:
		}

		if !started {
			event.Emit(bus, event.NewStarted(id))
			started = true
		}

		status, newJobID, err := b.runExecution(ctx, d, ex, t)
		jobID = newJobID
		if err != nil {
			if ctx.Err() != nil {
				b.killCurrent(context.Background(), d, jobID)
				event.Emit(bus, event.NewCanceled(id))
				return nil, backendpkg.ErrCanceled
			}
			event.Emit(bus, event.NewFailed(id, err.Error()))
			return nil, err
		}
		statuses = append(statuses, status)
	}

	event.Emit(bus, event.NewCompleted(id, statuses))
	return statuses, nil
}

func (b *Backend) killCurrent(ctx context.Context, d driver.Driver, jobID string) {
	if b.cfg.Kill == "" || jobID == "" {
		return
	}
	table := map[string]string{"job_id": jobID}
	rendered, err := resolve(b.cfg.Kill, table, b.cfg.Attributes)
	if err != nil {
		return
	}
	_, _ = d.Run(ctx, rendered)
}

func (b *Backend) baseTable(ex task.Execution, t *task.Task) map[string]string {
	table := map[string]string{
		"command": shellJoin(append([]string{ex.Program}, ex.Args...)),
	}
	if ex.WorkDir != "" {
		table["cwd"] = ex.WorkDir
	}
	if t.Resources != nil {
		for k, v := range t.Resources.ToSubstitutions() {
			table[k] = v
		}
	}
	return table
}

// runExecution drives one execution's submit -> (optional monitor loop)
// flow, per spec.md §4.6.
func (b *Backend) runExecution(ctx context.Context, d driver.Driver, ex task.Execution, t *task.Task) (exitstatus.ExitStatus, string, error) {
	table := b.baseTable(ex, t)

	submitCmd, err := resolve(b.cfg.Submit, table, b.cfg.Attributes)
	if err != nil {
		return 0, "", err
	}
	submitOut, err := d.Run(ctx, submitCmd)
	if err != nil {
		return 0, "", backendpkg.Other("run submit", err)
	}

	if b.jobIDRegex == nil {
		return exitstatus.FromCode(int64(submitOut.ExitCode)), "", nil
	}

	matches := b.jobIDRegex.FindStringSubmatch(submitOut.Stdout)
	if len(matches) < 2 {
		return 0, "", backendpkg.Other(
			fmt.Sprintf("job-id-regex did not match submit output: %q", submitOut.Stdout), nil)
	}
	jobID := matches[1]
	table["job_id"] = jobID

	for {
		select {
		case <-ctx.Done():
			return 0, jobID, ctx.Err()
		default:
		}

		monitorCmd, err := resolve(b.cfg.Monitor, table, b.cfg.Attributes)
		if err != nil {
			return 0, jobID, err
		}
		monitorOut, err := d.Run(ctx, monitorCmd)
		if err != nil {
			return 0, jobID, backendpkg.Other("run monitor", err)
		}
		if monitorOut.ExitCode != 0 {
			return exitstatus.FromCode(int64(monitorOut.ExitCode)), jobID, nil
		}

		select {
		case <-ctx.Done():
			return 0, jobID, ctx.Err()
		case <-time.After(b.cfg.MonitorFrequency):
		}
	}
}

func shellJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if strings.ContainsAny(p, " \t\"'$") {
			quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
		} else {
			quoted[i] = p
		}
	}
	return strings.Join(quoted, " ")
}
