package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/task"
	"github.com/cuemby/crankshaft/internal/tesclient"
)

// fakeClient is an in-memory tesclient.Client for exercising the backend
// and monitor without a real TES service.
type fakeClient struct {
	mu        sync.Mutex
	tasks     map[string]*tesclient.RemoteTask
	nextID    int
	createErr error
	listErr   error
	listCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{tasks: make(map[string]*tesclient.RemoteTask)}
}

func (f *fakeClient) CreateTask(ctx context.Context, req tesclient.CreateTaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := string(rune('a' + f.nextID))
	f.tasks[id] = &tesclient.RemoteTask{ID: id, State: tesclient.StateQueued, Tags: req.Tags}
	return id, nil
}

func (f *fakeClient) GetTask(ctx context.Context, id string) (*tesclient.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.tasks[id]
	if !ok {
		return nil, context.Canceled
	}
	cp := *rt
	return &cp, nil
}

func (f *fakeClient) CancelTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.tasks[id]; ok {
		rt.State = tesclient.StateCanceled
	}
	return nil
}

func (f *fakeClient) ListTasks(ctx context.Context, tagKey, tagValue string, pageSize int, pageToken string) (*tesclient.ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []tesclient.RemoteTask
	for _, rt := range f.tasks {
		if rt.Tags[tagKey] == tagValue {
			out = append(out, *rt)
		}
	}
	return &tesclient.ListPage{Tasks: out}, nil
}

func (f *fakeClient) setState(id string, state tesclient.TaskState, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt := f.tasks[id]
	rt.State = state
	if state.Terminal() {
		rt.Logs = []tesclient.TaskLog{{Executors: []tesclient.ExecutorLog{{ExitCode: exitCode}}}}
	}
}

func newTestTask(t *testing.T) *task.Task {
	t.Helper()
	tk, err := task.New([]task.Execution{{Image: "alpine", Program: "/bin/true", Args: []string{"true"}}})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return tk
}

func TestRemoteRunCompletesOnTerminalState(t *testing.T) {
	client := newFakeClient()
	b := New(Config{Interval: 5 * time.Millisecond}, client, nil)
	defer b.Stop()

	tk := newTestTask(t)
	id := event.NextTaskID()

	done := make(chan struct{})
	var statuses []struct{}
	go func() {
		defer close(done)
		_, err := b.Run(context.Background(), nil, id, tk)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		_ = statuses
	}()

	// Wait for the task to appear in the fake service, then complete it.
	deadline := time.After(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.tasks)
		client.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never created remotely")
		case <-time.After(time.Millisecond):
		}
	}

	client.mu.Lock()
	var id0 string
	for k := range client.tasks {
		id0 = k
	}
	client.mu.Unlock()
	client.setState(id0, tesclient.StateComplete, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after remote task completed")
	}
}

func TestRemoteRunCancellationBeforeCreateEmitsNoEvents(t *testing.T) {
	client := newFakeClient()
	bus := event.NewBus()
	defer bus.Stop()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	b := New(Config{Interval: 5 * time.Millisecond}, client, bus)
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tk := newTestTask(t)
	id := event.NextTaskID()

	_, err := b.Run(ctx, bus, id, tk)
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no events for canceled-before-create task, got %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
