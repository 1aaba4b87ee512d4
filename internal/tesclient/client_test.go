package tesclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// newFakeTESServer builds a minimal fake of the remote task-execution
// service's HTTP surface, used to exercise httpClient end-to-end instead
// of only against an in-memory fake Client.
func newFakeTESServer(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	tasks := map[string]*RemoteTask{}
	nextID := 0

	r := mux.NewRouter()
	r.HandleFunc("/v1/tasks", func(w http.ResponseWriter, req *http.Request) {
		if wantAuth != "" && req.Header.Get("Authorization") != "Bearer "+wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var created CreateTaskRequest
		if err := json.NewDecoder(req.Body).Decode(&created); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		nextID++
		id := created.Name
		if id == "" {
			id = "task"
		}
		rt := &RemoteTask{ID: id, State: StateQueued, Tags: created.Tags}
		tasks[id] = rt
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	}).Methods(http.MethodPost)

	r.HandleFunc("/v1/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		rt, ok := tasks[mux.Vars(req)["id"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rt)
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/tasks/{id}:cancel", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	return httptest.NewServer(r)
}

func TestHTTPClientCreateAndGetTaskRoundTrip(t *testing.T) {
	srv := newFakeTESServer(t, "")
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL})

	id, err := client.CreateTask(context.Background(), CreateTaskRequest{
		Name:      "my-task",
		Executors: []Executor{{Image: "alpine", Command: []string{"/bin/true"}}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "my-task" {
		t.Fatalf("id = %q, want my-task", id)
	}

	rt, err := client.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rt.ID != "my-task" || rt.State != StateQueued {
		t.Fatalf("got %+v", rt)
	}
}

func TestHTTPClientSendsStaticBearerToken(t *testing.T) {
	srv := newFakeTESServer(t, "secret-token")
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, BearerToken: "secret-token"})
	if _, err := client.CreateTask(context.Background(), CreateTaskRequest{Name: "x", Executors: []Executor{{Image: "alpine", Command: []string{"/bin/true"}}}}); err != nil {
		t.Fatalf("CreateTask with correct token: %v", err)
	}

	badClient := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, BearerToken: "wrong"})
	if _, err := badClient.CreateTask(context.Background(), CreateTaskRequest{Name: "y", Executors: []Executor{{Image: "alpine", Command: []string{"/bin/true"}}}}); err == nil {
		t.Fatal("expected an error with the wrong bearer token")
	}
}

func TestHTTPClientSendsMintedJWT(t *testing.T) {
	src := &JWTTokenSource{Key: []byte("k"), Subject: "crankshaft", TTL: time.Minute}
	token, err := src.Token()
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	srv := newFakeTESServer(t, token)
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Tokens: src})
	if _, err := client.CreateTask(context.Background(), CreateTaskRequest{Name: "z", Executors: []Executor{{Image: "alpine", Command: []string{"/bin/true"}}}}); err != nil {
		t.Fatalf("CreateTask with JWT: %v", err)
	}
}

func TestHTTPClientRetriesTransientFailureThenSucceeds(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "retried"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Retries: 2})
	id, err := client.CreateTask(context.Background(), CreateTaskRequest{
		Name: "r", Executors: []Executor{{Image: "alpine", Command: []string{"/bin/true"}}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "retried" {
		t.Fatalf("id = %q, want retried", id)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Retries: 3})
	_, err := client.CreateTask(context.Background(), CreateTaskRequest{
		Name: "r", Executors: []Executor{{Image: "alpine", Command: []string{"/bin/true"}}},
	})
	if err == nil {
		t.Fatal("expected an error for a 4xx response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on a non-5xx status)", got)
	}
}
