// Package tesclient is the opaque HTTP surface the remote-HTTP backend
// (internal/backend/remote) and its monitor (internal/monitor) talk
// through, per spec.md §1's "concrete wire encoding ... treated as an
// opaque client with a documented surface." Grounded on
// original_source/crankshaft-engine/.../backend/tes.rs, the most evolved
// of the pack's several Backend-trait snapshots (see DESIGN.md).
package tesclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// maxRetryDelay caps the exponential backoff applied to every remote-HTTP
// call (spec.md §5 "Backoff and retry").
const maxRetryDelay = 30 * time.Second

// defaultRetries is the retry budget when HTTPClientConfig.Retries is
// unset.
const defaultRetries = 3

// retryDelays returns the backoff schedule for n retries: 1s, 2s, 4s, ...
// capped at maxRetryDelay, per spec.md §5's "exponential factor backoff
// starting at 1 s with factor 2, capped at 30 s, taking at most N
// entries."
func retryDelays(n int) []time.Duration {
	if n <= 0 {
		n = defaultRetries
	}
	delays := make([]time.Duration, n)
	d := time.Second
	for i := range delays {
		delays[i] = d
		d *= 2
		if d > maxRetryDelay {
			d = maxRetryDelay
		}
	}
	return delays
}

// retryableStatus reports whether an HTTP status code represents a
// transient failure worth retrying, as opposed to a permanent rejection
// (bad request, unauthorized, not found, ...) that retrying cannot fix.
func retryableStatus(code int) bool {
	return code >= 500
}

// TaskState mirrors the remote service's task lifecycle states.
type TaskState string

const (
	StateQueued        TaskState = "QUEUED"
	StateInitializing  TaskState = "INITIALIZING"
	StateRunning       TaskState = "RUNNING"
	StatePaused        TaskState = "PAUSED"
	StateComplete      TaskState = "COMPLETE"
	StateExecutorError TaskState = "EXECUTOR_ERROR"
	StateSystemError   TaskState = "SYSTEM_ERROR"
	StateCanceled      TaskState = "CANCELED"
	StatePreempted     TaskState = "PREEMPTED"
)

// Terminal reports whether s is one of the states that end a task.
func (s TaskState) Terminal() bool {
	switch s {
	case StateComplete, StateExecutorError, StateSystemError, StateCanceled, StatePreempted:
		return true
	default:
		return false
	}
}

// ExecutorLog carries one executor's result within a TaskLog.
type ExecutorLog struct {
	ExitCode int `json:"exit_code"`
}

// TaskLog is one attempt's logs (the remote service may retry
// internally, producing more than one; the backend always reads the
// last one, per spec.md §4.7).
type TaskLog struct {
	Executors  []ExecutorLog `json:"executors"`
	SystemLogs []string      `json:"system_logs"`
}

// RemoteTask is the full task record fetched after completion.
type RemoteTask struct {
	ID    string            `json:"id"`
	State TaskState         `json:"state"`
	Tags  map[string]string `json:"tags"`
	Logs  []TaskLog         `json:"logs"`
}

// ListPage is one page of ListTasks results.
type ListPage struct {
	Tasks         []RemoteTask `json:"tasks"`
	NextPageToken string       `json:"next_page_token"`
}

// Executor is one command run as part of a remote task, mirroring
// internal/task.Execution. A task with N executions maps onto N
// executors so the remote service produces one exit status per
// execution, matching spec.md §3's "a task with N executions produces N
// exit statuses" invariant.
type Executor struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	WorkDir string            `json:"workdir,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Stdout  string            `json:"stdout,omitempty"`
	Stderr  string            `json:"stderr,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CreateTaskRequest is the document submitted to create a remote task.
type CreateTaskRequest struct {
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags"`
	Executors []Executor        `json:"executors"`
}

// Client is the opaque HTTP surface the backend and monitor talk to.
type Client interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (id string, err error)
	GetTask(ctx context.Context, id string) (*RemoteTask, error)
	CancelTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, tagKey, tagValue string, pageSize int, pageToken string) (*ListPage, error)
}

// HTTPClientConfig configures the default HTTP-backed Client
// (spec.md §6 TES kind).
type HTTPClientConfig struct {
	BaseURL        string
	BearerToken    string // used verbatim via StaticToken if Tokens is nil
	Tokens         TokenSource
	MaxConcurrency int // default 10, enforced by the caller via a semaphore
	Retries        int // capped-exponential retry budget, default 3
	HTTPClient     *http.Client
}

// httpClient is the default Client implementation.
type httpClient struct {
	baseURL string
	tokens  TokenSource
	hc      *http.Client
	delays  []time.Duration
}

// NewHTTPClient constructs the default HTTP Client.
func NewHTTPClient(cfg HTTPClientConfig) Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken(cfg.BearerToken)
	}
	return &httpClient{baseURL: cfg.BaseURL, tokens: tokens, hc: hc, delays: retryDelays(cfg.Retries)}
}

// do issues one request, retrying transient failures (network errors and
// 5xx responses) with the client's capped-exponential backoff schedule.
// Every Client method goes through do, so every remote-HTTP call shares
// the same retry policy (spec.md §4.7/§5).
func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tesclient: marshal request: %w", err)
		}
		bodyBytes = b
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, method, path, bodyBytes, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if statusErr, ok := err.(*statusError); ok && !retryableStatus(statusErr.code) {
			return err
		}
		if attempt >= len(c.delays) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delays[attempt]):
		}
	}
}

func (c *httpClient) attempt(ctx context.Context, method, path string, bodyBytes []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("tesclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("tesclient: mint bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("tesclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{method: method, path: path, code: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("tesclient: decode response: %w", err)
		}
	}
	return nil
}

// statusError carries the HTTP status code of a failed call so do can
// decide whether it is worth retrying.
type statusError struct {
	method string
	path   string
	code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tesclient: %s %s: status %d", e.method, e.path, e.code)
}

func (c *httpClient) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *httpClient) GetTask(ctx context.Context, id string) (*RemoteTask, error) {
	var out RemoteTask
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id+"?view=FULL", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+":cancel", nil, nil)
}

func (c *httpClient) ListTasks(ctx context.Context, tagKey, tagValue string, pageSize int, pageToken string) (*ListPage, error) {
	path := fmt.Sprintf("/v1/tasks?view=MINIMAL&page_size=%d&tag_key=%s&tag_value=%s&page_token=%s",
		pageSize, tagKey, tagValue, pageToken)
	var out ListPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
