package generic

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/crankshaft/internal/driver"
	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/task"
)

func newTestTask(t *testing.T, program string, args ...string) *task.Task {
	t.Helper()
	tk, err := task.New([]task.Execution{{Program: program, Args: args}})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return tk
}

func TestGenericSubmitWithJobIDRegex(t *testing.T) {
	cfg := Config{
		Submit:           "echo Job <123> submitted",
		JobIDRegex:       `Job <(\d+)>.*`,
		Monitor:          "test ~{job_id} = 123 && exit 1",
		MonitorFrequency: time.Millisecond,
		NewDriver:        func() (driver.Driver, error) { return driver.NewLocal(driver.Sh), nil },
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tk := newTestTask(t, "true")
	id := event.NextTaskID()

	statuses, err := b.Run(context.Background(), nil, id, tk)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 exit status, got %d", len(statuses))
	}
	if statuses[0].Code() != 1 {
		t.Errorf("expected exit code 1 from monitor, got %d", statuses[0].Code())
	}
}

func TestGenericSubstitutionFailure(t *testing.T) {
	cfg := Config{
		Submit:    "run ~{unknown}",
		NewDriver: func() (driver.Driver, error) { return driver.NewLocal(driver.Sh), nil },
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tk := newTestTask(t, "true")
	id := event.NextTaskID()

	_, err = b.Run(context.Background(), nil, id, tk)
	if err == nil {
		t.Fatal("expected unresolved-substitution error")
	}
	const want = "unresolved substitutions in command: run ~{unknown}"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("expected error to contain %q, got %q", want, got)
	}
}
