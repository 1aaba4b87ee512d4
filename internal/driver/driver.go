// Package driver implements the two transports the generic backend can
// run its templated commands through: a local subprocess, or a
// long-lived SSH session to a remote host. Grounded on
// original_source/crankshaft-engine/.../backend/generic/driver.rs and
// driver/ssh.rs.
package driver

import "context"

// Output is the result of running one command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Driver runs a single rendered command line and returns its output.
// Run must race ctx's cancellation against whatever blocking I/O it
// performs, per spec.md §5.
type Driver interface {
	Run(ctx context.Context, command string) (Output, error)
	Close() error
}

// Shell selects the interpreter a Local driver invokes commands under.
type Shell string

const (
	Bash Shell = "bash"
	Sh   Shell = "sh"
)
