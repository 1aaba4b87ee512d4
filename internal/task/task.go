// Package task defines the data model submitted to a backend: Task,
// Execution, Input, Output and Resources, built with functional-option
// constructors that enforce the same invariants the original's generated
// builders did (non-empty executions, non-empty args when a program is
// set) without pulling in a builder-generation dependency — see
// SPEC_FULL.md's Ambient Stack/Builders note.
package task

import "fmt"

// Task is the unit submitted to a backend.
type Task struct {
	Name        string
	Description string
	Executions  []Execution
	Resources   *Resources
	Inputs      []Input
	Outputs     []Output
	Volumes     []string
}

// Option configures a Task under construction.
type Option func(*Task)

// WithName sets the task's display name.
func WithName(name string) Option {
	return func(t *Task) { t.Name = name }
}

// WithDescription sets the task's description.
func WithDescription(desc string) Option {
	return func(t *Task) { t.Description = desc }
}

// WithResources attaches a resource request.
func WithResources(r Resources) Option {
	return func(t *Task) { t.Resources = &r }
}

// WithInput appends an input.
func WithInput(in Input) Option {
	return func(t *Task) { t.Inputs = append(t.Inputs, in) }
}

// WithOutput appends an output.
func WithOutput(out Output) Option {
	return func(t *Task) { t.Outputs = append(t.Outputs, out) }
}

// WithVolume appends a shared volume guest path.
func WithVolume(path string) Option {
	return func(t *Task) { t.Volumes = append(t.Volumes, path) }
}

// New builds a Task from one or more ordered Executions and options.
// It returns an error if executions is empty, matching the invariant
// that a task's executions list is never empty.
func New(executions []Execution, opts ...Option) (*Task, error) {
	if len(executions) == 0 {
		return nil, fmt.Errorf("task: executions must not be empty")
	}
	for i, ex := range executions {
		if err := ex.validate(); err != nil {
			return nil, fmt.Errorf("task: execution %d: %w", i, err)
		}
	}
	t := &Task{Executions: executions}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Execution is one program invocation inside a container.
type Execution struct {
	Image      string
	Program    string
	Args       []string
	WorkDir    string
	Stdin      string
	Stdout     string
	Stderr     string
	Env        []EnvVar
}

// EnvVar preserves insertion order, used to build a stable environment
// block (a plain map would not preserve the order the caller specified).
type EnvVar struct {
	Key   string
	Value string
}

func (e Execution) validate() error {
	if e.Program != "" && len(e.Args) == 0 {
		return fmt.Errorf("args must not be empty when program is set")
	}
	return nil
}

// EnvBlock renders Env as "KEY=VALUE" strings in insertion order.
func (e Execution) EnvBlock() []string {
	block := make([]string, len(e.Env))
	for i, kv := range e.Env {
		block[i] = kv.Key + "=" + kv.Value
	}
	return block
}
