// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-dev/taskforge/internal/driver"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/reconcile"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/state"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// fakeDriver lets tests script per-task outcomes without a real LM or
// workspace backing every call.
type fakeDriver struct {
	mu      sync.Mutex
	outcome func(task graph.Task) (driver.Result, error)
	calls   []string
}

func (f *fakeDriver) Run(_ context.Context, task graph.Task, _ string, _ graph.Context) (driver.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task.ID)
	f.mu.Unlock()
	return f.outcome(task)
}

func newScaffoldedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/workspace/proj-1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"head_sha": "abc123"})
	})
	mux.HandleFunc("/workspace/proj-1/files/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"files": []string{"go.mod"}})
	})
	mux.HandleFunc("/kv", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/kv/generation:proj-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	return httptest.NewServer(mux)
}

func newHarness(t *testing.T, cfg Config, fd *fakeDriver) (*Orchestrator, *httptest.Server) {
	t.Helper()
	srv := newScaffoldedServer(t)

	ws := workspace.NewClient(srv.URL, srv.Client())
	rn := runner.NewClient(srv.URL, srv.Client())
	store := state.NewStore(srv.URL, srv.Client())
	rec := reconcile.New(ws, store, nil)

	o := New(cfg, ws, rn, rec, store, fd, nil, nil)
	return o, srv
}

func TestGenerate_HappyPath_AllTasksComplete(t *testing.T) {
	fd := &fakeDriver{outcome: func(task graph.Task) (driver.Result, error) {
		return driver.Result{Success: true, FilesCreated: []string{task.ID + ".go"}}, nil
	}}
	o, srv := newHarness(t, Config{MaxParallelTasks: 2}, fd)
	defer srv.Close()

	tasks := []graph.Task{
		{ID: "T1", Description: "set up models"},
		{ID: "T2", Description: "add handler", DependsOn: []string{"T1"}},
		{ID: "T3", Description: "add tests", DependsOn: []string{"T2"}},
	}

	st, err := o.Generate(context.Background(), "proj-1", "go", "https://git.example/proj-1", tasks)
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.ElementsMatch(t, []string{"T1", "T2", "T3"}, st.CompletedTasks)
	assert.Empty(t, st.BlockedTasks)
}

func TestGenerate_PermanentFailureBlocksDependents(t *testing.T) {
	fd := &fakeDriver{outcome: func(task graph.Task) (driver.Result, error) {
		if task.ID == "T1" {
			return driver.Result{Success: false, Error: "compile error"}, nil
		}
		return driver.Result{Success: true}, nil
	}}
	o, srv := newHarness(t, Config{MaxParallelTasks: 2, MaxConsecutiveFailures: 1}, fd)
	defer srv.Close()

	tasks := []graph.Task{
		{ID: "T1"},
		{ID: "T2", DependsOn: []string{"T1"}},
		{ID: "T3"},
	}

	st, err := o.Generate(context.Background(), "proj-1", "go", "https://git.example/proj-1", tasks)
	// A run that ends with any blocked task fails overall.
	require.Error(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	// T1 exhausted its retry budget and is blocked, not left dangling in
	// failedTasks.
	assert.Contains(t, st.BlockedTasks, "T1")
	assert.NotContains(t, st.FailedTasks, "T1")
	assert.Contains(t, st.BlockedTasks, "T2")
	assert.Contains(t, st.CompletedTasks, "T3")
}

func TestGenerate_BlocksTaskAfterMaxConsecutiveFailures(t *testing.T) {
	fd := &fakeDriver{outcome: func(task graph.Task) (driver.Result, error) {
		return driver.Result{Success: false, Error: "boom"}, nil
	}}
	// MaxConsecutiveFailures: 1 blocks on the very first failure, so this
	// exercises the boundary without waiting on a real retry backoff timer.
	o, srv := newHarness(t, Config{MaxParallelTasks: 1, MaxConsecutiveFailures: 1}, fd)
	defer srv.Close()

	tasks := []graph.Task{{ID: "T1"}}

	st, err := o.Generate(context.Background(), "proj-1", "go", "https://git.example/proj-1", tasks)
	require.Error(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Contains(t, st.BlockedTasks, "T1")
	assert.Len(t, fd.calls, 1)
}

func TestTaskBranch_RetriesGetDistinctSuffixedNames(t *testing.T) {
	assert.Equal(t, "task/deadbeef", taskBranch("deadbeefcafe", 0))
	assert.Equal(t, "task/deadbeef-r1", taskBranch("deadbeefcafe", 1))
	assert.Equal(t, "task/deadbeef-r2", taskBranch("deadbeefcafe", 2))
	assert.Equal(t, "task/short", taskBranch("short", 0))
}

func TestRetryBackoff_CapsAtThirtySeconds(t *testing.T) {
	assert.Equal(t, 5, int(retryBackoff(1).Seconds()))
	assert.Equal(t, 10, int(retryBackoff(2).Seconds()))
	assert.Equal(t, 20, int(retryBackoff(3).Seconds()))
	assert.Equal(t, 30, int(retryBackoff(4).Seconds()))
	assert.Equal(t, 30, int(retryBackoff(10).Seconds()))
}
