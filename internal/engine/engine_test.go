package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	"github.com/cuemby/crankshaft/internal/task"
)

// blockingBackend holds every call until released, counting the peak
// number of concurrent Run calls observed.
type blockingBackend struct {
	release  chan struct{}
	inFlight int32
	peak     int32
}

func (b *blockingBackend) DefaultName() string { return "blocking" }

func (b *blockingBackend) Run(ctx context.Context, bus *event.Bus, id event.TaskID, t *task.Task) ([]exitstatus.ExitStatus, error) {
	n := atomic.AddInt32(&b.inFlight, 1)
	for {
		old := atomic.LoadInt32(&b.peak)
		if n <= old || atomic.CompareAndSwapInt32(&b.peak, old, n) {
			break
		}
	}
	<-b.release
	atomic.AddInt32(&b.inFlight, -1)
	return []exitstatus.ExitStatus{exitstatus.FromCode(0)}, nil
}

func TestRunnerNeverExceedsConcurrencyCap(t *testing.T) {
	const cap = 3
	const submitted = 10

	bb := &blockingBackend{release: make(chan struct{})}
	r, err := NewRunner("blocking", bb, nil, cap)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Release()

	tk, err := task.New([]task.Execution{{Program: "true", Args: []string{"true"}}})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	results := make([]<-chan Result, submitted)
	for i := 0; i < submitted; i++ {
		results[i] = r.Submit(context.Background(), tk)
	}

	time.Sleep(100 * time.Millisecond)
	if peak := atomic.LoadInt32(&bb.peak); peak > cap {
		t.Errorf("observed %d concurrent runs, want <= %d", peak, cap)
	}

	close(bb.release)
	for _, ch := range results {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Errorf("unexpected error: %v", res.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("result never delivered")
		}
	}
}

func TestEngineSubmitToUnknownRunnerPanics(t *testing.T) {
	e := New(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown runner name")
		}
	}()
	tk, _ := task.New([]task.Execution{{Program: "true", Args: []string{"true"}}})
	e.Submit(context.Background(), "does-not-exist", tk)
}
