// Package event defines the typed lifecycle events backends emit and the
// process-wide id counter that names the tasks those events describe.
package event

import (
	"sync/atomic"

	"github.com/cuemby/crankshaft/internal/exitstatus"
)

// TaskID uniquely identifies a task for the lifetime of the process.
type TaskID uint64

var nextID uint64

// NextTaskID returns the next id in the process-wide monotonic sequence.
// Ids are never reused and never wrap in practice.
func NextTaskID() TaskID {
	return TaskID(atomic.AddUint64(&nextID, 1))
}

// Kind discriminates the Event variants.
type Kind int

const (
	TaskCreated Kind = iota
	TaskStarted
	TaskContainerCreated
	TaskContainerExited
	TaskCompleted
	TaskFailed
	TaskCanceled
	TaskPreempted
	TaskStdout
	TaskStderr
)

func (k Kind) String() string {
	switch k {
	case TaskCreated:
		return "TaskCreated"
	case TaskStarted:
		return "TaskStarted"
	case TaskContainerCreated:
		return "TaskContainerCreated"
	case TaskContainerExited:
		return "TaskContainerExited"
	case TaskCompleted:
		return "TaskCompleted"
	case TaskFailed:
		return "TaskFailed"
	case TaskCanceled:
		return "TaskCanceled"
	case TaskPreempted:
		return "TaskPreempted"
	case TaskStdout:
		return "TaskStdout"
	case TaskStderr:
		return "TaskStderr"
	default:
		return "Unknown"
	}
}

// Terminal reports whether this kind is one of the four terminal
// classifications a task id sees exactly once.
func (k Kind) Terminal() bool {
	switch k {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskPreempted:
		return true
	default:
		return false
	}
}

// Event is a single tagged record in a task's lifecycle. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	ID TaskID

	// TaskCreated
	Name     string
	RemoteID string

	// TaskContainerCreated / TaskContainerExited
	Container string
	Status    exitstatus.ExitStatus

	// TaskCompleted
	ExitStatuses []exitstatus.ExitStatus

	// TaskFailed
	Message string

	// TaskStdout / TaskStderr
	Bytes []byte
}

// NewCreated builds a TaskCreated event.
func NewCreated(id TaskID, name, remoteID string) Event {
	return Event{Kind: TaskCreated, ID: id, Name: name, RemoteID: remoteID}
}

// NewStarted builds a TaskStarted event.
func NewStarted(id TaskID) Event {
	return Event{Kind: TaskStarted, ID: id}
}

// NewContainerCreated builds a TaskContainerCreated event.
func NewContainerCreated(id TaskID, container string) Event {
	return Event{Kind: TaskContainerCreated, ID: id, Container: container}
}

// NewContainerExited builds a TaskContainerExited event.
func NewContainerExited(id TaskID, container string, status exitstatus.ExitStatus) Event {
	return Event{Kind: TaskContainerExited, ID: id, Container: container, Status: status}
}

// NewCompleted builds a TaskCompleted event. statuses must be non-empty.
func NewCompleted(id TaskID, statuses []exitstatus.ExitStatus) Event {
	return Event{Kind: TaskCompleted, ID: id, ExitStatuses: statuses}
}

// NewFailed builds a TaskFailed event.
func NewFailed(id TaskID, message string) Event {
	return Event{Kind: TaskFailed, ID: id, Message: message}
}

// NewCanceled builds a TaskCanceled event.
func NewCanceled(id TaskID) Event {
	return Event{Kind: TaskCanceled, ID: id}
}

// NewPreempted builds a TaskPreempted event.
func NewPreempted(id TaskID) Event {
	return Event{Kind: TaskPreempted, ID: id}
}

// NewStdout builds a TaskStdout chunk event.
func NewStdout(id TaskID, b []byte) Event {
	return Event{Kind: TaskStdout, ID: id, Bytes: b}
}

// NewStderr builds a TaskStderr chunk event.
func NewStderr(id TaskID, b []byte) Event {
	return Event{Kind: TaskStderr, ID: id, Bytes: b}
}
