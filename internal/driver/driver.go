// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package driver implements the TaskAgentDriver collaborator contract:
// from the orchestrator's point of view, a pure function from a task
// and its context bundle to a future holding success/files/error
//. Internally it runs a scripted language-model tool-use
// loop to produce tests and code, verifies them via the runner, and
// hands a passing branch to the merge serializer.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge-dev/taskforge/internal/contextengine"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/llm"
	"github.com/taskforge-dev/taskforge/internal/mergequeue"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/telemetry"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// Result is the outcome a driver invocation reports back to the
// orchestrator. FilesCreated and FilesModified are always disjoint.
type Result struct {
	Success       bool
	FilesCreated  []string
	FilesModified []string
	Error         string
	Iterations    int
}

// Driver is the interface the orchestrator's dispatch loop depends
// on. Implementations must honor the per-invocation timeout passed in
// ctx and must never write to main directly.
type Driver interface {
	Run(ctx context.Context, task graph.Task, branch string, taskCtx graph.Context) (Result, error)
}

// ScaffoldAgent is an optional capability a Driver may implement: a
// one-shot LM-driven pass that lays down the initial project
// structure on main before any task dispatch begins. An orchestrator that holds a Driver not
// implementing this interface falls back to running a pre-configured
// scaffold command through the runner instead.
type ScaffoldAgent interface {
	RunScaffold(ctx context.Context, projectID, techStack string, taskSummaries []string) (Result, error)
}

// IntegrationAgent is an optional capability a Driver may implement: a
// one-shot LM-driven pass that wires completed tasks together once
// every task has merged.
type IntegrationAgent interface {
	RunIntegration(ctx context.Context, projectID string, completedTaskSummaries []string) (Result, error)
}

const (
	defaultMaxFixAttempts = 3
	toolLoopMaxIterations = 6
)

// TaskAgentDriver is the reference Driver implementation: it runs an
// LM tool-use loop to write tests and code, runs them via the runner,
// attempts fixes on failure, then requests a merge through the
// mergequeue coordinator.
type TaskAgentDriver struct {
	workspace     *workspace.Client
	runner        *runner.Client
	contextEngine *contextengine.Client
	merge         *mergequeue.Coordinator
	llm           llm.Client

	techStack      string
	testCommand    string
	maxFixAttempts int
	log            *slog.Logger
}

// Config configures a TaskAgentDriver.
type Config struct {
	TechStack      string
	TestCommand    string
	MaxFixAttempts int
}

// New returns a TaskAgentDriver wired to the given collaborators.
func New(cfg Config, ws *workspace.Client, rn *runner.Client, ce *contextengine.Client, merge *mergequeue.Coordinator, llmClient llm.Client, log *slog.Logger) *TaskAgentDriver {
	if cfg.MaxFixAttempts == 0 {
		cfg.MaxFixAttempts = defaultMaxFixAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskAgentDriver{
		workspace:      ws,
		runner:         rn,
		contextEngine:  ce,
		merge:          merge,
		llm:            llmClient,
		techStack:      cfg.TechStack,
		testCommand:    cfg.TestCommand,
		maxFixAttempts: cfg.MaxFixAttempts,
		log:            log,
	}
}

var _ Driver = (*TaskAgentDriver)(nil)

// Run executes the scripted sequence for task on branch: gather
// context, generate tests+code, verify via the runner, fix on
// failure up to maxFixAttempts, then request a merge. It never
// advances main directly — only the merge serializer does that.
func (d *TaskAgentDriver) Run(ctx context.Context, task graph.Task, branch string, taskCtx graph.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "driver.run_task")
	defer span.End()
	span.SetAttributes(telemetry.AttrTaskID.String(task.ID), telemetry.AttrBranch.String(branch))

	projectID := task.StoryID
	if projectID == "" {
		projectID = task.EpicID
	}

	semanticMatches := d.contextEngine.Query(ctx, projectID, task.Description, 5)

	filesCreated, filesModified, err := d.generateAndWrite(ctx, projectID, branch, task, taskCtx, semanticMatches, 0)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{Success: false, Error: err.Error()}, nil
	}

	if err := d.workspace.Commit(ctx, projectID, branch, "Implement: "+task.Description); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("commit: %v", err)}, nil
	}

	iterations := 1
	passed, output, err := d.runTests(ctx, projectID, branch)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Iterations: iterations}, nil
	}

	for attempt := 1; !passed && attempt <= d.maxFixAttempts; attempt++ {
		iterations++
		created, modified, err := d.fixFailures(ctx, projectID, branch, task, output)
		if err != nil {
			return Result{Success: false, Error: err.Error(), Iterations: iterations}, nil
		}
		filesCreated = append(filesCreated, created...)
		for _, path := range modified {
			alreadyCreated := false
			for _, c := range filesCreated {
				if c == path {
					alreadyCreated = true
					break
				}
			}
			if !alreadyCreated {
				filesModified = append(filesModified, path)
			}
		}

		if err := d.workspace.Commit(ctx, projectID, branch, "Fix test failures"); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("commit fix: %v", err), Iterations: iterations}, nil
		}
		passed, output, err = d.runTests(ctx, projectID, branch)
		if err != nil {
			return Result{Success: false, Error: err.Error(), Iterations: iterations}, nil
		}
	}

	if !passed {
		return Result{Success: false, Error: "tests still failing after fix attempts: " + output, Iterations: iterations}, nil
	}

	mergeResult := d.merge.RequestMerge(ctx, mergequeue.MergeRequest{
		ProjectID:       projectID,
		Branch:          branch,
		TaskID:          task.ID,
		TaskDescription: task.Description,
		TechStack:       d.techStack,
		FilesCreated:    dedupe(filesCreated),
		FilesModified:   dedupe(filesModified),
		SubmittedAt:     time.Now(),
	})
	if !mergeResult.OK {
		return Result{Success: false, Error: mergeResult.Error, Iterations: iterations, FilesCreated: filesCreated, FilesModified: filesModified}, nil
	}

	return Result{
		Success:       true,
		FilesCreated:  dedupe(filesCreated),
		FilesModified: dedupe(filesModified),
		Iterations:    iterations,
	}, nil
}

var (
	_ ScaffoldAgent    = (*TaskAgentDriver)(nil)
	_ IntegrationAgent = (*TaskAgentDriver)(nil)
)

// RunScaffold asks the LM for an initial project layout given the
// tech stack and a preview of the tasks about to run, writes and
// commits the result to main. It never touches a feature branch and
// never goes through the merge serializer: scaffold runs before any
// task dispatch, directly against main.
func (d *TaskAgentDriver) RunScaffold(ctx context.Context, projectID, techStack string, taskSummaries []string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "driver.run_scaffold")
	defer span.End()

	resp, err := d.llm.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: scaffoldSystemPrompt},
		{Role: "user", Content: buildScaffoldPrompt(techStack, taskSummaries)},
	}, 0.2, 8000, "", nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{Success: false, Error: fmt.Sprintf("scaffold generation: %v", err)}, nil
	}

	edits := parseFileEdits(resp.Content())
	if len(edits) == 0 {
		return Result{Success: false, Error: "scaffold agent produced no file edits"}, nil
	}

	var created []string
	for path, content := range edits {
		if err := d.workspace.WriteFile(ctx, projectID, "main", path, content); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("write %s: %v", path, err), FilesCreated: created}, nil
		}
		created = append(created, path)
	}

	if err := d.workspace.Commit(ctx, projectID, "main", "Scaffold project"); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("commit scaffold: %v", err), FilesCreated: created}, nil
	}

	return Result{Success: true, FilesCreated: dedupe(created)}, nil
}

// RunIntegration asks the LM to wire completed tasks together given a
// summary of what each one did, writes and commits the result
// directly to main.
func (d *TaskAgentDriver) RunIntegration(ctx context.Context, projectID string, completedTaskSummaries []string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "driver.run_integration")
	defer span.End()

	resp, err := d.llm.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: integrationSystemPrompt},
		{Role: "user", Content: buildIntegrationPrompt(completedTaskSummaries)},
	}, 0.2, 8000, "", nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{Success: false, Error: fmt.Sprintf("integration generation: %v", err)}, nil
	}

	edits := parseFileEdits(resp.Content())
	if len(edits) == 0 {
		// No wiring changes needed is a legitimate outcome, not a failure.
		return Result{Success: true}, nil
	}

	var created, modified []string
	for path, content := range edits {
		existing, readErr := d.workspace.ReadFile(ctx, projectID, "main", path)
		isNew := readErr != nil || existing == ""
		if err := d.workspace.WriteFile(ctx, projectID, "main", path, content); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("write %s: %v", path, err), FilesCreated: created, FilesModified: modified}, nil
		}
		if isNew {
			created = append(created, path)
		} else {
			modified = append(modified, path)
		}
	}

	if err := d.workspace.Commit(ctx, projectID, "main", "Integrate completed tasks"); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("commit integration: %v", err), FilesCreated: created, FilesModified: modified}, nil
	}

	return Result{Success: true, FilesCreated: dedupe(created), FilesModified: dedupe(modified)}, nil
}

func (d *TaskAgentDriver) runTests(ctx context.Context, projectID, branch string) (bool, string, error) {
	runID, err := d.runner.StartRun(ctx, projectID, d.testCommand, branch)
	if err != nil {
		return false, "", fmt.Errorf("start run: %w", err)
	}
	run, err := d.runner.PollUntilDone(ctx, runID, 5*time.Second)
	if err != nil {
		return false, "", fmt.Errorf("poll run: %w", err)
	}
	if run.Status.Passed() {
		return true, run.Output, nil
	}
	output := run.Output
	if output == "" {
		output = run.Error
	}
	return false, output, nil
}

// generateAndWrite runs the LM tool-use loop: the model is asked to
// produce a FILE:-delimited set of edits for tests and implementation
// code given the task and its context bundle, which are then written
// to the branch.
func (d *TaskAgentDriver) generateAndWrite(ctx context.Context, projectID, branch string, task graph.Task, taskCtx graph.Context, semantic []contextengine.Match, iteration int) ([]string, []string, error) {
	prompt := buildTaskPrompt(task, taskCtx, semantic)

	resp, err := d.llm.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: taskAgentSystemPrompt},
		{Role: "user", Content: prompt},
	}, 0.2, 8000, "", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate: %w", err)
	}

	edits := parseFileEdits(resp.Content())
	if len(edits) == 0 {
		return nil, nil, fmt.Errorf("model produced no file edits")
	}

	var created, modified []string
	for path, content := range edits {
		existing, readErr := d.workspace.ReadFile(ctx, projectID, branch, path)
		isNew := readErr != nil || existing == ""
		if err := d.workspace.WriteFile(ctx, projectID, branch, path, content); err != nil {
			return created, modified, fmt.Errorf("write %s: %w", path, err)
		}
		if isNew {
			created = append(created, path)
		} else {
			modified = append(modified, path)
		}
	}
	return created, modified, nil
}

func (d *TaskAgentDriver) fixFailures(ctx context.Context, projectID, branch string, task graph.Task, testOutput string) ([]string, []string, error) {
	prompt := fmt.Sprintf(
		"Tests are failing for this task.\n\nTask: %s\n\nTest output:\n```\n%s\n```\n\n"+
			"Output fixes using FILE: <path> followed by a fenced code block for each file that needs changes.",
		task.Description, truncateOutput(testOutput, 3000),
	)
	resp, err := d.llm.ChatCompletion(ctx, []llm.Message{{Role: "user", Content: prompt}}, 0.2, 8000, "", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fix attempt: %w", err)
	}

	edits := parseFileEdits(resp.Content())
	var created, modified []string
	for path, content := range edits {
		existing, readErr := d.workspace.ReadFile(ctx, projectID, branch, path)
		isNew := readErr != nil || existing == ""
		if err := d.workspace.WriteFile(ctx, projectID, branch, path, content); err != nil {
			return created, modified, fmt.Errorf("write fix %s: %w", path, err)
		}
		if isNew {
			created = append(created, path)
		} else {
			modified = append(modified, path)
		}
	}
	return created, modified, nil
}

func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
