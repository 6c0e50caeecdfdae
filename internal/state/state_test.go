// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package state

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	s := New("proj-1", "go", "https://git.example/proj-1")
	assert.Equal(t, StatusPending, s.Status)
	assert.Len(t, s.GenerationID, 8)
	assert.Equal(t, "main", s.MainBranch)
	assert.True(t, s.CanRetry())
}

func TestRepoName(t *testing.T) {
	s := New("proj-1", "go", "")
	s.GenerationID = "abcd1234"
	assert.Equal(t, "proj-1-abcd1234", s.RepoName())
}

func TestProgressPercent(t *testing.T) {
	s := New("proj-1", "go", "")
	s.TotalTasks = 4
	s.CompletedTasks = []string{"a", "b"}
	assert.Equal(t, 50.0, s.ProgressPercent())
}

func TestTaskLifecycle(t *testing.T) {
	s := New("proj-1", "go", "")
	s.StartTask("t1", "task/t1")
	assert.Contains(t, s.CurrentTasks, "t1")
	assert.Contains(t, s.ActiveBranches, "task/t1")

	s.CompleteTask("t1", "task/t1")
	assert.NotContains(t, s.CurrentTasks, "t1")
	assert.NotContains(t, s.ActiveBranches, "task/t1")
	assert.Contains(t, s.CompletedTasks, "t1")
}

func TestFailTask_IncrementsRetryCount(t *testing.T) {
	s := New("proj-1", "go", "")
	s.StartTask("t1", "task/t1")
	s.FailTask("t1", "boom")
	assert.Equal(t, "boom", s.FailedTasks["t1"])
	assert.Equal(t, 1, s.RetryCount)
	assert.NotContains(t, s.CurrentTasks, "t1")
}

func TestCanRetry_RespectsAdditionalRetries(t *testing.T) {
	s := New("proj-1", "go", "")
	s.RetryCount = 3
	assert.False(t, s.CanRetry())
	s.AddRetries(2)
	assert.True(t, s.CanRetry())
}

func TestStore_SaveLoadDelete(t *testing.T) {
	var saved []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/kv", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		saved = body
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/kv/generation:proj-1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			var envelope struct {
				Value wireState `json:"value"`
			}
			_ = json.Unmarshal(saved, &envelope)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(envelope.Value)
		case http.MethodDelete:
			saved = nil
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewStore(srv.URL, srv.Client())
	st := New("proj-1", "go", "https://git.example/proj-1")
	st.TotalTasks = 3

	require.NoError(t, store.Save(context.Background(), st))

	loaded, err := store.Load(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "proj-1", loaded.ProjectID)
	assert.Equal(t, 3, loaded.TotalTasks)

	require.NoError(t, store.Delete(context.Background(), "proj-1"))
}

func TestStore_Load_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewStore(srv.URL, srv.Client())
	loaded, err := store.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
