// Package monitor implements the remote-HTTP backend's shared batched
// task-state poller (spec.md §4.8): one background loop, shared by every
// concurrent task on a backend, lists all in-flight tasks by a single
// group tag instead of polling each task individually. Grounded on
// original_source/crankshaft-engine/.../backend/tes.rs's embedded
// Monitor/State (the canonical, most evolved snapshot — see DESIGN.md).
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/metrics"
	"github.com/cuemby/crankshaft/internal/tesclient"
)

// TagKey is the task-tags key the monitor groups on.
const TagKey = "crankshaft-task-group"

// MaxPageSize bounds ListTasks pagination; the monitor requests
// MaxPageSize-1 per call, per spec.md §4.8.
const MaxPageSize = 256

// DefaultInterval is the polling tick when unconfigured.
const DefaultInterval = 1 * time.Second

type registration struct {
	name       string
	completion chan error
}

// Monitor is one backend instance's shared polling loop.
type Monitor struct {
	name     string
	client   tesclient.Client
	interval time.Duration
	bus      *event.Bus

	mu          sync.Mutex
	tag         string
	byCrankshaft map[event.TaskID]*registration
	byRemote     map[string]event.TaskID
	running      map[event.TaskID]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor and starts its polling loop.
func New(name string, client tesclient.Client, interval time.Duration, bus *event.Bus) *Monitor {
	if interval == 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		name:         name,
		client:       client,
		interval:     interval,
		bus:          bus,
		byCrankshaft: make(map[event.TaskID]*registration),
		byRemote:     make(map[string]event.TaskID),
		running:      make(map[event.TaskID]bool),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go m.loop()
	return m
}

// Stop halts the polling loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// AddTask registers a task awaiting a remote id, minting a fresh group
// tag if this is the first registration since the map last emptied, and
// returns the tag to attach to the remote task's create request.
func (m *Monitor) AddTask(id event.TaskID, name string) (tag string, completion <-chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byCrankshaft) == 0 {
		m.tag = fmt.Sprintf("%s-%d-%s", m.name, time.Now().Unix(), uuid.NewString())
		m.running = make(map[event.TaskID]bool)
	}
	ch := make(chan error, 1)
	m.byCrankshaft[id] = &registration{name: name, completion: ch}
	return m.tag, ch
}

// AssociateRemoteID links a freshly created remote task id to its
// crankshaft-side registration, called once the create call returns.
func (m *Monitor) AssociateRemoteID(id event.TaskID, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRemote[remoteID] = id
}

// RemoveTask tears down a task's registration unconditionally, called
// from the backend's per-task teardown regardless of outcome.
func (m *Monitor) RemoveTask(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRemote[remoteID]; ok {
		delete(m.byRemote, remoteID)
		delete(m.byCrankshaft, id)
		delete(m.running, id)
	}
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	m.mu.Lock()
	if len(m.byCrankshaft) == 0 {
		m.mu.Unlock()
		return
	}
	tag := m.tag
	tracked := len(m.byCrankshaft)
	m.mu.Unlock()
	metrics.MonitorTasksTracked.WithLabelValues(m.name).Set(float64(tracked))

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MonitorPollLatency, m.name)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pageToken := ""
	var pages []*tesclient.ListPage
	for {
		page, err := m.client.ListTasks(ctx, TagKey, tag, MaxPageSize-1, pageToken)
		if err != nil {
			m.drainWithError(fmt.Errorf("monitor: list tasks: %w", err))
			return
		}
		pages = append(pages, page)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	for _, page := range pages {
		for _, rt := range page.Tasks {
			m.observe(rt)
		}
	}
}

func (m *Monitor) observe(rt tesclient.RemoteTask) {
	m.mu.Lock()
	id, ok := m.byRemote[rt.ID]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch {
	case rt.State == tesclient.StateRunning || rt.State == tesclient.StatePaused:
		if !m.running[id] {
			m.running[id] = true
			m.mu.Unlock()
			event.Emit(m.bus, event.NewStarted(id))
			return
		}
		m.mu.Unlock()
	case rt.State.Terminal():
		reg := m.byCrankshaft[id]
		delete(m.byRemote, rt.ID)
		delete(m.byCrankshaft, id)
		delete(m.running, id)
		m.mu.Unlock()
		if reg != nil {
			reg.completion <- nil
		}
	default:
		m.mu.Unlock()
	}
}

// drainWithError delivers err to every pending completion sender and
// clears all state; a new tag is minted on the next AddTask, per
// spec.md §4.8's error policy.
func (m *Monitor) drainWithError(err error) {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.byCrankshaft))
	for _, reg := range m.byCrankshaft {
		regs = append(regs, reg)
	}
	m.byCrankshaft = make(map[event.TaskID]*registration)
	m.byRemote = make(map[string]event.TaskID)
	m.running = make(map[event.TaskID]bool)
	m.mu.Unlock()

	for _, reg := range regs {
		reg.completion <- err
	}
}
