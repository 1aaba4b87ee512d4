// Package backend defines the uniform launch contract every execution
// backend implements, and the three terminal error classifications a
// backend's Run may signal.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/crankshaft/internal/event"
	"github.com/cuemby/crankshaft/internal/exitstatus"
	"github.com/cuemby/crankshaft/internal/task"
)

// ErrCanceled is returned (optionally wrapped) when a Run was aborted by
// its cancellation context rather than failing on its own.
var ErrCanceled = errors.New("backend: task canceled")

// ErrPreempted is returned when a remote collaborator reported
// preemption rather than any local failure.
var ErrPreempted = errors.New("backend: task preempted")

// OtherError wraps any backend failure that is neither cancellation nor
// preemption: daemon errors, unpullable images, unresolvable template
// substitutions, and the like. Task-level failure (a non-zero exit
// status) is never represented this way — it is the success path,
// carrying a non-zero code in ExitStatus.
type OtherError struct {
	Message string
	Cause   error
}

func (e *OtherError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *OtherError) Unwrap() error { return e.Cause }

// Other constructs an OtherError.
func Other(message string, cause error) error {
	return &OtherError{Message: message, Cause: cause}
}

// Backend is the uniform contract every execution runtime implements.
type Backend interface {
	// DefaultName identifies the backend kind for logging and naming.
	DefaultName() string

	// Run executes every Execution in t in order and returns one
	// exit status per execution on success. The backend is
	// responsible for emitting TaskCreated before any other event
	// for id, and exactly one terminal event, via bus (which may be
	// nil). ctx carries cancellation: every blocking await inside Run
	// must race against ctx.Done(), checked first.
	Run(ctx context.Context, bus *event.Bus, id event.TaskID, t *task.Task) ([]exitstatus.ExitStatus, error)
}
