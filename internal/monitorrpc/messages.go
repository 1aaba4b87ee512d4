package monitorrpc

import "github.com/cuemby/crankshaft/internal/event"

// EventMessage is the wire shape of one event.Event, flattened for JSON
// transport across the codec in codec.go.
type EventMessage struct {
	Kind         string   `json:"kind"`
	ID           uint64   `json:"id"`
	Name         string   `json:"name,omitempty"`
	RemoteID     string   `json:"remote_id,omitempty"`
	Container    string   `json:"container,omitempty"`
	Status       int64    `json:"status,omitempty"`
	ExitStatuses []int64  `json:"exit_statuses,omitempty"`
	Message      string   `json:"message,omitempty"`
	Bytes        []byte   `json:"bytes,omitempty"`
}

func toMessage(ev event.Event) EventMessage {
	msg := EventMessage{
		Kind:      ev.Kind.String(),
		ID:        uint64(ev.ID),
		Name:      ev.Name,
		RemoteID:  ev.RemoteID,
		Container: ev.Container,
		Status:    int64(ev.Status),
		Message:   ev.Message,
		Bytes:     ev.Bytes,
	}
	if len(ev.ExitStatuses) > 0 {
		msg.ExitStatuses = make([]int64, len(ev.ExitStatuses))
		for i, s := range ev.ExitStatuses {
			msg.ExitStatuses[i] = int64(s)
		}
	}
	return msg
}

// SubscribeEventsRequest carries no filtering parameters: every
// subscriber sees the whole bus, matching spec.md §4.1's "process-wide"
// broadcast contract.
type SubscribeEventsRequest struct{}

// GetServiceStateRequest is empty; GetServiceState always returns the
// full current snapshot.
type GetServiceStateRequest struct{}

// TaskState is one task's full ordered event history, the
// re-synchronization unit a Lagged(n) subscriber fetches.
type TaskState struct {
	ID     uint64         `json:"id"`
	Name   string         `json:"name"`
	Events []EventMessage `json:"events"`
}

// GetServiceStateResponse is a snapshot of every task the monitor
// currently tracks (created, not yet terminal).
type GetServiceStateResponse struct {
	Tasks []TaskState `json:"tasks"`
}
