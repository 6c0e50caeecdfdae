// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sst/opencode-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge-dev/taskforge/internal/agent"
	"github.com/taskforge-dev/taskforge/internal/contextengine"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/mergequeue"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// fakeOpenCodeClient scripts ExecutePrompt responses without a real
// `opencode serve` instance behind it.
type fakeOpenCodeClient struct {
	prompts     []string
	sessionIDs  []string
	responses   []string
	call        int
	closedTasks []string
}

var _ agent.ClientInterface = (*fakeOpenCodeClient)(nil)

func (f *fakeOpenCodeClient) ExecutePrompt(_ context.Context, prompt string, opts *agent.PromptOptions) (*agent.PromptResult, error) {
	f.prompts = append(f.prompts, prompt)
	sessionID := ""
	if opts != nil {
		sessionID = opts.SessionID
	}
	f.sessionIDs = append(f.sessionIDs, sessionID)
	text := f.responses[f.call]
	if f.call < len(f.responses)-1 {
		f.call++
	}
	return &agent.PromptResult{
		SessionID: "sess-1",
		MessageID: "msg-1",
		Parts:     []agent.ResultPart{{Type: "text", Text: text}},
	}, nil
}

func (f *fakeOpenCodeClient) ExecuteCommand(context.Context, string, string, []string) (*agent.PromptResult, error) {
	return nil, nil
}
func (f *fakeOpenCodeClient) GetFileStatus(context.Context) ([]opencode.File, error) { return nil, nil }
func (f *fakeOpenCodeClient) GetBaseURL() string                                     { return "http://localhost:4096" }
func (f *fakeOpenCodeClient) GetPort() int                                           { return 4096 }

func (f *fakeOpenCodeClient) CloseTaskSession(_ context.Context, projectID, taskID string) {
	f.closedTasks = append(f.closedTasks, projectID+"/"+taskID)
}

func newDriverTestServer(t *testing.T, testStatus string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	files := map[string]string{}

	mux.HandleFunc("/workspace/proj-1/files/read", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		content, ok := files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"content": content})
	})
	mux.HandleFunc("/workspace/proj-1/files/write", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Path, Content string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		files[body.Path] = body.Content
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/workspace/proj-1/commit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/workspace/proj-1/merge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "merged-sha"})
	})
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
	})
	mux.HandleFunc("/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": testStatus, "output": "ok"})
	})

	return httptest.NewServer(mux)
}

func TestOpenCodeDriver_Run_HappyPath(t *testing.T) {
	srv := newDriverTestServer(t, "passed")
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	rn := runner.NewClient(srv.URL, srv.Client())
	ce := contextengine.NewClient(srv.URL, srv.Client(), nil)
	merge := mergequeue.NewCoordinator(mergequeue.Config{}, ws, rn, nil, nil)

	fake := &fakeOpenCodeClient{responses: []string{"FILE: main.go\n```\npackage main\n```\n"}}
	d := NewOpenCodeDriver(OpenCodeConfig{TechStack: "go", TestCommand: "go test ./..."}, ws, rn, ce, merge, fake, nil)

	task := graph.Task{ID: "T1", Description: "write main", StoryID: "proj-1"}
	result, err := d.Run(context.Background(), task, "task/t1", graph.Context{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.FilesCreated, "main.go")
	assert.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.closedTasks, "proj-1/T1")
}

func TestOpenCodeDriver_Run_FixLoopUsesSameSession(t *testing.T) {
	srv := newDriverTestServer(t, "failed")
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	rn := runner.NewClient(srv.URL, srv.Client())
	ce := contextengine.NewClient(srv.URL, srv.Client(), nil)
	merge := mergequeue.NewCoordinator(mergequeue.Config{}, ws, rn, nil, nil)

	fake := &fakeOpenCodeClient{responses: []string{"FILE: main.go\n```\npackage main\n```\n"}}
	d := NewOpenCodeDriver(OpenCodeConfig{TechStack: "go", TestCommand: "go test ./...", MaxFixAttempts: 1}, ws, rn, ce, merge, fake, nil)

	task := graph.Task{ID: "T1", Description: "write main", StoryID: "proj-1"}
	result, err := d.Run(context.Background(), task, "task/t1", graph.Context{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tests still failing")
	// Fix attempt reuses the original session rather than opening a new one.
	assert.Len(t, fake.prompts, 2)
	assert.Equal(t, []string{"", "sess-1"}, fake.sessionIDs)
}

func TestOpenCodeDriver_Run_NoEditsIsFailure(t *testing.T) {
	srv := newDriverTestServer(t, "passed")
	defer srv.Close()

	ws := workspace.NewClient(srv.URL, srv.Client())
	rn := runner.NewClient(srv.URL, srv.Client())
	ce := contextengine.NewClient(srv.URL, srv.Client(), nil)
	merge := mergequeue.NewCoordinator(mergequeue.Config{}, ws, rn, nil, nil)

	fake := &fakeOpenCodeClient{responses: []string{"I looked at the task but made no changes."}}
	d := NewOpenCodeDriver(OpenCodeConfig{TechStack: "go", TestCommand: "go test ./..."}, ws, rn, ce, merge, fake, nil)

	task := graph.Task{ID: "T1", Description: "write main", StoryID: "proj-1"}
	result, err := d.Run(context.Background(), task, "task/t1", graph.Context{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no file edits")
}
