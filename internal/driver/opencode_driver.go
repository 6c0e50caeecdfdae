// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge-dev/taskforge/internal/agent"
	"github.com/taskforge-dev/taskforge/internal/contextengine"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/mergequeue"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/telemetry"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// OpenCodeDriver is an alternate Driver implementation that drives the
// tool-use loop through a local `opencode serve` instance via the
// OpenCode SDK
// instead of a raw chat-completion client. It keeps one OpenCode
// session per task so fix attempts stay in the same conversation.
type OpenCodeDriver struct {
	workspace     *workspace.Client
	runner        *runner.Client
	contextEngine *contextengine.Client
	merge         *mergequeue.Coordinator
	opencode      agent.ClientInterface

	techStack      string
	testCommand    string
	model          string
	maxFixAttempts int
	log            *slog.Logger
}

// OpenCodeConfig configures an OpenCodeDriver.
type OpenCodeConfig struct {
	TechStack      string
	TestCommand    string
	Model          string
	MaxFixAttempts int
}

// NewOpenCodeDriver returns an OpenCodeDriver wired to an OpenCode SDK
// client (agent.NewClient) and the same collaborators TaskAgentDriver
// uses for everything except generation.
func NewOpenCodeDriver(cfg OpenCodeConfig, ws *workspace.Client, rn *runner.Client, ce *contextengine.Client, merge *mergequeue.Coordinator, opencode agent.ClientInterface, log *slog.Logger) *OpenCodeDriver {
	if cfg.MaxFixAttempts == 0 {
		cfg.MaxFixAttempts = defaultMaxFixAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenCodeDriver{
		workspace:      ws,
		runner:         rn,
		contextEngine:  ce,
		merge:          merge,
		opencode:       opencode,
		techStack:      cfg.TechStack,
		testCommand:    cfg.TestCommand,
		model:          cfg.Model,
		maxFixAttempts: cfg.MaxFixAttempts,
		log:            log,
	}
}

var _ Driver = (*OpenCodeDriver)(nil)

// Run mirrors TaskAgentDriver.Run's scripted sequence (generate, test,
// fix, merge) but delegates generation to a single OpenCode session
// held open across fix attempts, so later prompts carry the earlier
// edits as conversation history rather than being re-stated each time.
func (d *OpenCodeDriver) Run(ctx context.Context, task graph.Task, branch string, taskCtx graph.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "opencode_driver.run_task")
	defer span.End()
	span.SetAttributes(telemetry.AttrTaskID.String(task.ID), telemetry.AttrBranch.String(branch))

	projectID := task.StoryID
	if projectID == "" {
		projectID = task.EpicID
	}

	// The OpenCode session opened for this task is torn down on every
	// exit path (success, test failure, merge conflict) so a retried
	// task starts a fresh conversation rather than reusing one that may
	// have accumulated a failing edit history.
	defer d.opencode.CloseTaskSession(ctx, projectID, task.ID)

	semanticMatches := d.contextEngine.Query(ctx, projectID, task.Description, 5)
	prompt := buildTaskPrompt(task, taskCtx, semanticMatches)

	result, err := d.opencode.ExecutePrompt(ctx, taskAgentSystemPrompt+"\n\n"+prompt, &agent.PromptOptions{
		Title:     "task:" + task.ID,
		Model:     d.model,
		Agent:     "build",
		ProjectID: projectID,
		TaskID:    task.ID,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{Success: false, Error: err.Error()}, nil
	}

	filesCreated, filesModified, err := d.writeEdits(ctx, projectID, branch, result.GetText())
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	if len(filesCreated)+len(filesModified) == 0 {
		return Result{Success: false, Error: "opencode session produced no file edits"}, nil
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
		fixPrompt := fmt.Sprintf(
			"Tests are failing.\n\nTest output:\n```\n%s\n```\n\n"+
				"Output fixes using FILE: <path> followed by a fenced code block for each file that needs changes.",
			truncateOutput(output, 3000),
		)
		fixResult, err := d.opencode.ExecutePrompt(ctx, fixPrompt, &agent.PromptOptions{SessionID: result.SessionID})
		if err != nil {
			return Result{Success: false, Error: err.Error(), Iterations: iterations}, nil
		}

		created, modified, err := d.writeEdits(ctx, projectID, branch, fixResult.GetText())
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
	_ ScaffoldAgent    = (*OpenCodeDriver)(nil)
	_ IntegrationAgent = (*OpenCodeDriver)(nil)
)

// RunScaffold mirrors TaskAgentDriver.RunScaffold but drives the
// OpenCode session instead of a raw chat completion.
func (d *OpenCodeDriver) RunScaffold(ctx context.Context, projectID, techStack string, taskSummaries []string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "opencode_driver.run_scaffold")
	defer span.End()
	defer d.opencode.CloseTaskSession(ctx, projectID, "scaffold")

	result, err := d.opencode.ExecutePrompt(ctx, scaffoldSystemPrompt+"\n\n"+buildScaffoldPrompt(techStack, taskSummaries), &agent.PromptOptions{
		Title:     "scaffold",
		Model:     d.model,
		Agent:     "build",
		ProjectID: projectID,
		TaskID:    "scaffold",
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{Success: false, Error: err.Error()}, nil
	}

	created, _, err := d.writeEdits(ctx, projectID, "main", result.GetText())
	if err != nil {
		return Result{Success: false, Error: err.Error(), FilesCreated: created}, nil
	}
	if len(created) == 0 {
		return Result{Success: false, Error: "opencode scaffold session produced no file edits"}, nil
	}

	if err := d.workspace.Commit(ctx, projectID, "main", "Scaffold project"); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("commit scaffold: %v", err), FilesCreated: created}, nil
	}
	return Result{Success: true, FilesCreated: dedupe(created)}, nil
}

// RunIntegration mirrors TaskAgentDriver.RunIntegration but drives the
// OpenCode session instead of a raw chat completion.
func (d *OpenCodeDriver) RunIntegration(ctx context.Context, projectID string, completedTaskSummaries []string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "opencode_driver.run_integration")
	defer span.End()
	defer d.opencode.CloseTaskSession(ctx, projectID, "integration")

	result, err := d.opencode.ExecutePrompt(ctx, integrationSystemPrompt+"\n\n"+buildIntegrationPrompt(completedTaskSummaries), &agent.PromptOptions{
		Title:     "integration",
		Model:     d.model,
		Agent:     "build",
		ProjectID: projectID,
		TaskID:    "integration",
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{Success: false, Error: err.Error()}, nil
	}

	created, modified, err := d.writeEdits(ctx, projectID, "main", result.GetText())
	if err != nil {
		return Result{Success: false, Error: err.Error(), FilesCreated: created, FilesModified: modified}, nil
	}
	if len(created)+len(modified) == 0 {
		return Result{Success: true}, nil
	}

	if err := d.workspace.Commit(ctx, projectID, "main", "Integrate completed tasks"); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("commit integration: %v", err), FilesCreated: created, FilesModified: modified}, nil
	}
	return Result{Success: true, FilesCreated: dedupe(created), FilesModified: dedupe(modified)}, nil
}

func (d *OpenCodeDriver) writeEdits(ctx context.Context, projectID, branch, text string) ([]string, []string, error) {
	edits := parseFileEdits(text)
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

func (d *OpenCodeDriver) runTests(ctx context.Context, projectID, branch string) (bool, string, error) {
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
