package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/tesclient"
)

type fakeClient struct {
	mu        sync.Mutex
	tasks     map[string]tesclient.RemoteTask
	listCalls int
	listErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{tasks: make(map[string]tesclient.RemoteTask)}
}

func (f *fakeClient) CreateTask(ctx context.Context, req tesclient.CreateTaskRequest) (string, error) {
	return "", fmt.Errorf("not used")
}

func (f *fakeClient) GetTask(ctx context.Context, id string) (*tesclient.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt := f.tasks[id]
	return &rt, nil
}

func (f *fakeClient) CancelTask(ctx context.Context, id string) error { return nil }

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
			out = append(out, rt)
		}
	}
	return &tesclient.ListPage{Tasks: out}, nil
}

func (f *fakeClient) setTask(rt tesclient.RemoteTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[rt.ID] = rt
}

// TestMonitorBatchesManyTasksIntoOnePollPerTick verifies that 50
// concurrently-registered tasks produce exactly one ListTasks call per
// tick, not one per task (spec.md §8 scenario 6).
func TestMonitorBatchesManyTasksIntoOnePollPerTick(t *testing.T) {
	client := newFakeClient()
	m := New("test", client, 20*time.Millisecond, nil)
	defer m.Stop()

	const n = 50
	for i := 0; i < n; i++ {
		id := event.NextTaskID()
		tag, completion := m.AddTask(id, fmt.Sprintf("task-%d", i))
		remoteID := fmt.Sprintf("remote-%d", i)
		m.AssociateRemoteID(id, remoteID)
		client.setTask(tesclient.RemoteTask{
			ID:    remoteID,
			State: tesclient.StateRunning,
			Tags:  map[string]string{TagKey: tag},
		})
		go func(c <-chan error) { <-c }(completion)
	}

	time.Sleep(60 * time.Millisecond)

	client.mu.Lock()
	calls := client.listCalls
	client.mu.Unlock()

	// Over ~3 ticks at 20ms we expect a small, bounded number of list
	// calls — never anywhere near one-per-task (50).
	if calls == 0 {
		t.Fatal("expected at least one poll")
	}
	if calls >= n {
		t.Errorf("expected batched polling, got %d list calls for %d tasks", calls, n)
	}
}

func TestMonitorDeliversCompletionOnTerminalState(t *testing.T) {
	client := newFakeClient()
	m := New("test", client, 10*time.Millisecond, nil)
	defer m.Stop()

	id := event.NextTaskID()
	tag, completion := m.AddTask(id, "task")
	client.setTask(tesclient.RemoteTask{
		ID:    "r1",
		State: tesclient.StateComplete,
		Tags:  map[string]string{TagKey: tag},
	})
	m.AssociateRemoteID(id, "r1")

	select {
	case err := <-completion:
		if err != nil {
			t.Errorf("expected nil completion error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestMonitorDrainsAllOnListFailure(t *testing.T) {
	client := newFakeClient()
	client.listErr = fmt.Errorf("service unavailable")
	m := New("test", client, 10*time.Millisecond, nil)
	defer m.Stop()

	id1 := event.NextTaskID()
	_, c1 := m.AddTask(id1, "a")
	id2 := event.NextTaskID()
	_, c2 := m.AddTask(id2, "b")

	for _, c := range []<-chan error{c1, c2} {
		select {
		case err := <-c:
			if err == nil {
				t.Error("expected listing failure to be delivered as an error")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("completion never delivered after list failure")
		}
	}
}
