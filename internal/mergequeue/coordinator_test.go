// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package mergequeue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

func newFastPathServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/workspace/proj-1/merge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "merged-sha"})
	})
	return httptest.NewServer(mux)
}

func TestRequestMerge_FastPath_SkipsUpdateAndTests(t *testing.T) {
	srv := newFastPathServer(t)
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	rn := runner.NewClient(srv.URL, srv.Client())
	c := NewCoordinator(Config{}, ws, rn, nil, nil)

	req := MergeRequest{
		ProjectID:    "proj-1",
		Branch:       "task/abc123",
		TaskID:       "T1",
		FilesCreated: []string{"src/new.go"},
	}

	result := c.RequestMerge(context.Background(), req)
	assert.True(t, result.OK)
	assert.False(t, result.TestsRerun)
	assert.Equal(t, 0, result.ConflictsResolved)
}

func TestRequestMerge_SerializesPerProject(t *testing.T) {
	var srvMu sync.Mutex
	inFlight, maxInFlight := 0, 0
	mux := http.NewServeMux()
	mux.HandleFunc("/workspace/proj-1/merge", func(w http.ResponseWriter, r *http.Request) {
		srvMu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		srvMu.Unlock()
		time.Sleep(20 * time.Millisecond)
		srvMu.Lock()
		inFlight--
		srvMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "merged-sha"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	rn := runner.NewClient(srv.URL, srv.Client())
	c := NewCoordinator(Config{}, ws, rn, nil, nil)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.RequestMerge(context.Background(), MergeRequest{
				ProjectID:    "proj-1",
				Branch:       "task/x",
				FilesCreated: []string{"a.go"},
			})
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("merges did not complete, possible deadlock")
	}

	require.Len(t, order, 3)
	// Merges for one project never overlap at the workspace service.
	srvMu.Lock()
	defer srvMu.Unlock()
	assert.Equal(t, 1, maxInFlight)
}

func TestIsConflictError(t *testing.T) {
	assert.True(t, isConflictError("branch is out of date"))
	assert.True(t, isConflictError("405 not mergeable"))
	assert.False(t, isConflictError("internal server error"))
}

func TestParseFileEdits(t *testing.T) {
	content := "FILE: src/a.go\n```\npackage a\n```\nFILE: src/b.go\n```\npackage b\n"
	edits := parseFileEdits(content)
	assert.Equal(t, "package a", edits["src/a.go"])
	assert.Equal(t, "package b", edits["src/b.go"])
}

func TestCleanLLMResponse_StripsFence(t *testing.T) {
	assert.Equal(t, "package a", cleanLLMResponse("```go\npackage a\n```"))
	assert.Equal(t, "package a", cleanLLMResponse("package a"))
}
