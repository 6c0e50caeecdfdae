// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/state"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

func newTestServer(t *testing.T, repoExists, scaffoldExists bool, savedState []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/workspace/proj-1/status", func(w http.ResponseWriter, r *http.Request) {
		if !repoExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"head_sha": "abc123"})
	})

	mux.HandleFunc("/workspace/proj-1/files/list", func(w http.ResponseWriter, r *http.Request) {
		files := []string{}
		if scaffoldExists {
			files = []string{"go.mod", "main.go"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"files": files})
	})

	mux.HandleFunc("/kv/generation:proj-1", func(w http.ResponseWriter, r *http.Request) {
		if savedState == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(savedState)
	})

	return httptest.NewServer(mux)
}

func TestReconcile_NoRepo_StartsFromScaffold(t *testing.T) {
	srv := newTestServer(t, false, false, nil)
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	store := state.NewStore(srv.URL, srv.Client())
	r := New(ws, store, nil)

	tasks := []graph.Task{{ID: "T1"}, {ID: "T2", DependsOn: []string{"T1"}}}
	result, err := r.Reconcile(context.Background(), "proj-1", tasks)
	require.NoError(t, err)

	assert.False(t, result.RepoExists)
	assert.Equal(t, ResumeScaffold, result.ResumeFrom)
	assert.True(t, result.CanResume)
	assert.ElementsMatch(t, []string{"T1", "T2"}, result.PendingTaskIDs)
}

func TestReconcile_ScaffoldMissing(t *testing.T) {
	srv := newTestServer(t, true, false, nil)
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	store := state.NewStore(srv.URL, srv.Client())
	r := New(ws, store, nil)

	tasks := []graph.Task{{ID: "T1"}}
	result, err := r.Reconcile(context.Background(), "proj-1", tasks)
	require.NoError(t, err)

	assert.True(t, result.RepoExists)
	assert.False(t, result.ScaffoldComplete)
	assert.Equal(t, ResumeScaffold, result.ResumeFrom)
}

func TestReconcile_PartiallyComplete_ResumesGenerating(t *testing.T) {
	saved, _ := json.Marshal(map[string]any{
		"completed_tasks": []string{"T1"},
		"failed_tasks":    map[string]string{},
	})
	srv := newTestServer(t, true, true, saved)
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	store := state.NewStore(srv.URL, srv.Client())
	r := New(ws, store, nil)

	tasks := []graph.Task{
		{ID: "T1"},
		{ID: "T2", DependsOn: []string{"T1"}},
		{ID: "T3", DependsOn: []string{"T2"}},
	}
	result, err := r.Reconcile(context.Background(), "proj-1", tasks)
	require.NoError(t, err)

	assert.Equal(t, ResumeGenerating, result.ResumeFrom)
	assert.True(t, result.CompletedTaskIDs["T1"])
	assert.Equal(t, []string{"T2"}, result.PendingTaskIDs)
	assert.True(t, result.BlockedTaskIDs["T3"])
}

func TestReconcile_AllComplete_ResumesIntegration(t *testing.T) {
	saved, _ := json.Marshal(map[string]any{
		"completed_tasks": []string{"T1", "T2"},
		"failed_tasks":    map[string]string{},
	})
	srv := newTestServer(t, true, true, saved)
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	store := state.NewStore(srv.URL, srv.Client())
	r := New(ws, store, nil)

	tasks := []graph.Task{{ID: "T1"}, {ID: "T2", DependsOn: []string{"T1"}}}
	result, err := r.Reconcile(context.Background(), "proj-1", tasks)
	require.NoError(t, err)

	assert.Equal(t, ResumeIntegration, result.ResumeFrom)
	assert.Equal(t, 0, result.TotalRemaining())
}
