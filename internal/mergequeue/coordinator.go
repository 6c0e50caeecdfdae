// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package mergequeue serializes merges of feature branches into main:
// one merge in flight per project at a time, conflicts resolved by an
// LM agent, and tests re-run only when a conflict actually occurred.
package mergequeue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taskforge-dev/taskforge/internal/llm"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/telemetry"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

const (
	maxMergeRetryAttempts          = 3
	defaultMaxConflictAttempts     = 3
	defaultMaxTestFixAttempts      = 2
	testPollInterval               = 5 * time.Second
	testPollTimeout                = 5 * time.Minute
	conflictResolutionPromptSystem = "You are resolving merge conflicts between parallel feature branches. " +
		"Prefer additive merges that keep both changes, pick the more complete version for contradictions, " +
		"preserve functionality from both branches and remove every conflict marker. Output only the resolved file content."
)

var conflictErrorSubstrings = []string{"conflict", "not mergeable", "405", "diverged", "out of date"}

// Config holds merge serializer tuning knobs.
type Config struct {
	MaxConflictResolutionAttempts int
	MaxTestFixAttempts            int
	TestCommand                   string
}

func (c Config) withDefaults() Config {
	if c.MaxConflictResolutionAttempts == 0 {
		c.MaxConflictResolutionAttempts = defaultMaxConflictAttempts
	}
	if c.MaxTestFixAttempts == 0 {
		c.MaxTestFixAttempts = defaultMaxTestFixAttempts
	}
	if c.TestCommand == "" {
		c.TestCommand = "npm test"
	}
	return c
}

// Coordinator is the singleton per-process merge serializer. It holds
// one lock per project, created lazily on first use, so merges for
// different projects proceed fully independently while merges within
// a project are totally ordered. Entries in the lock table are never
// removed, so it holds one lock per project seen for the Coordinator's
// lifetime.
type Coordinator struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	config    Config
	workspace *workspace.Client
	runner    *runner.Client
	llm       llm.Client
	log       *slog.Logger
}

var (
	instance     *Coordinator
	instanceOnce sync.Once
)

// GetInstance returns the shared Coordinator, constructing it on
// first call under a startup lock. Subsequent calls ignore their
// arguments and return the existing instance.
func GetInstance(config Config, ws *workspace.Client, rn *runner.Client, llmClient llm.Client, log *slog.Logger) *Coordinator {
	instanceOnce.Do(func() {
		instance = NewCoordinator(config, ws, rn, llmClient, log)
	})
	return instance
}

// ResetInstance clears the singleton. Exposed for tests.
func ResetInstance() {
	instance = nil
	instanceOnce = sync.Once{}
}

// NewCoordinator builds a standalone Coordinator, bypassing the
// process singleton. Most callers want GetInstance.
func NewCoordinator(config Config, ws *workspace.Client, rn *runner.Client, llmClient llm.Client, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		locks:     make(map[string]*sync.Mutex),
		config:    config.withDefaults(),
		workspace: ws,
		runner:    rn,
		llm:       llmClient,
		log:       log,
	}
}

func (c *Coordinator) lockFor(projectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[projectID] = l
	}
	return l
}

// RequestMerge is the entry point every task driver calls once tests
// pass on a feature branch. It serializes on the project's lock so
// only one merge runs at a time per project.
func (c *Coordinator) RequestMerge(ctx context.Context, req MergeRequest) MergeResult {
	lock := c.lockFor(req.ProjectID)

	c.log.Info("merge requested, waiting for project lock", "project_id", req.ProjectID, "branch", req.Branch)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "mergequeue.process_merge")
	defer span.End()
	span.SetAttributes(telemetry.TaskAttrs(req.ProjectID, req.TaskID, req.Branch)...)

	c.log.Info("acquired merge lock, starting merge", "project_id", req.ProjectID, "branch", req.Branch)
	return c.processMerge(ctx, req)
}

// processMerge implements the full fast-path/conflict-resolution/
// retry flow.
func (c *Coordinator) processMerge(ctx context.Context, req MergeRequest) MergeResult {
	conflictsResolved := 0
	isNewFilesOnly := req.IsNewFilesOnly()

	for attempt := 0; attempt < maxMergeRetryAttempts; attempt++ {
		hadConflicts := false

		skipUpdate := isNewFilesOnly && attempt == 0
		if !skipUpdate {
			update, err := c.workspace.UpdateFromMain(ctx, req.ProjectID, req.Branch)
			if err != nil {
				return MergeResult{OK: false, Branch: req.Branch, Error: fmt.Sprintf("update from main: %v", err)}
			}
			if update.HadConflicts {
				hadConflicts = true
				resolved, err := c.resolveConflicts(ctx, req, update.ConflictFiles)
				if err != nil || !resolved {
					return MergeResult{OK: false, Branch: req.Branch, Error: "failed to resolve merge conflicts during update from main"}
				}
				conflictsResolved += len(update.ConflictFiles)
			}
		}

		if hadConflicts {
			c.log.Info("re-running tests after conflict resolution", "project_id", req.ProjectID, "branch", req.Branch)
			passed, output, err := c.runTests(ctx, req.ProjectID, req.Branch, req.TechStack)
			if err != nil {
				return MergeResult{OK: false, Branch: req.Branch, Error: fmt.Sprintf("run tests: %v", err)}
			}
			if !passed {
				fixed := c.fixTestFailures(ctx, req, output)
				if !fixed {
					return MergeResult{OK: false, Branch: req.Branch, Error: "tests failed after merge: " + truncate(output, 500)}
				}
			}
		}

		mergeResult, err := c.workspace.MergePR(ctx, req.ProjectID, req.Branch, "merge")
		if err != nil {
			return MergeResult{OK: false, Branch: req.Branch, Error: fmt.Sprintf("merge to main: %v", err)}
		}
		if mergeResult.Merged {
			return MergeResult{
				OK:                true,
				Branch:            req.Branch,
				CommitSHA:         mergeResult.Message,
				ConflictsResolved: conflictsResolved,
				TestsRerun:        hadConflicts,
			}
		}

		if isConflictError(mergeResult.Message) && attempt < maxMergeRetryAttempts-1 {
			c.log.Warn("merge to main failed due to conflicts, retrying", "project_id", req.ProjectID, "branch", req.Branch, "attempt", attempt+1)
			continue
		}
		return MergeResult{OK: false, Branch: req.Branch, Error: "failed to merge PR: " + mergeResult.Message}
	}

	return MergeResult{OK: false, Branch: req.Branch, Error: fmt.Sprintf("failed to merge after %d attempts", maxMergeRetryAttempts)}
}

func isConflictError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, substr := range conflictErrorSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (c *Coordinator) runTests(ctx context.Context, projectID, branch, techStack string) (bool, string, error) {
	command := c.config.TestCommand
	runID, err := c.runner.StartRun(ctx, projectID, command, branch)
	if err != nil {
		return false, "", fmt.Errorf("start test run: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, testPollTimeout)
	defer cancel()

	run, err := c.runner.PollUntilDone(pollCtx, runID, testPollInterval)
	if err != nil {
		return false, "", fmt.Errorf("poll test run: %w", err)
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

func (c *Coordinator) resolveConflicts(ctx context.Context, req MergeRequest, conflictedFiles []string) (bool, error) {
	if c.llm == nil {
		return false, fmt.Errorf("no LLM client configured for conflict resolution")
	}

	for attempt := 0; attempt < c.config.MaxConflictResolutionAttempts; attempt++ {
		resolvedCount := 0
		for _, filePath := range conflictedFiles {
			content, err := c.workspace.ReadFile(ctx, req.ProjectID, req.Branch, filePath)
			if err != nil {
				c.log.Warn("could not read conflicted file", "file", filePath, "error", err)
				continue
			}

			prompt := buildConflictResolutionPrompt(filePath, content, req.TaskDescription)
			resp, err := c.llm.ChatCompletion(ctx, []llm.Message{
				{Role: "system", Content: conflictResolutionPromptSystem},
				{Role: "user", Content: prompt},
			}, 0, 8000, "", nil)
			if err != nil {
				c.log.Warn("conflict resolution attempt failed", "attempt", attempt+1, "error", err)
				continue
			}

			resolved := cleanLLMResponse(resp.Content())
			if err := c.workspace.WriteFile(ctx, req.ProjectID, req.Branch, filePath, resolved); err != nil {
				c.log.Warn("failed to write resolved file", "file", filePath, "error", err)
				continue
			}
			resolvedCount++
		}

		if resolvedCount == len(conflictedFiles) {
			msg := "Resolve merge conflicts: " + req.TaskDescription
			if err := c.workspace.Commit(ctx, req.ProjectID, req.Branch, msg); err != nil {
				return false, fmt.Errorf("commit conflict resolution: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) fixTestFailures(ctx context.Context, req MergeRequest, testOutput string) bool {
	if c.llm == nil {
		return false
	}

	for attempt := 0; attempt < c.config.MaxTestFixAttempts; attempt++ {
		prompt := buildTestFixPrompt(req.TaskDescription, testOutput)
		resp, err := c.llm.ChatCompletion(ctx, []llm.Message{
			{Role: "user", Content: prompt},
		}, 0, 8000, "", nil)
		if err != nil {
			c.log.Warn("test fix attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		edits := parseFileEdits(resp.Content())
		if len(edits) == 0 {
			continue
		}
		for path, content := range edits {
			if err := c.workspace.WriteFile(ctx, req.ProjectID, req.Branch, path, content); err != nil {
				c.log.Warn("failed to write test fix", "file", path, "error", err)
			}
		}
		if err := c.workspace.Commit(ctx, req.ProjectID, req.Branch, "Fix test failures: "+req.TaskDescription); err != nil {
			c.log.Warn("failed to commit test fix", "error", err)
			continue
		}

		passed, output, err := c.runTests(ctx, req.ProjectID, req.Branch, req.TechStack)
		if err == nil && passed {
			return true
		}
		testOutput = output
	}
	return false
}

func buildConflictResolutionPrompt(filePath, conflictedContent, taskDescription string) string {
	return fmt.Sprintf(
		"File: %s\nFeature being merged: %s\n\nConflicted content:\n```\n%s\n```\n\nResolve the conflicts and output only the final file content.",
		filePath, taskDescription, conflictedContent,
	)
}

func buildTestFixPrompt(taskDescription, errors string) string {
	return fmt.Sprintf(
		"Tests are failing after merging main into the feature branch.\n\nFeature being implemented: %s\n\nTest errors:\n```\n%s\n```\n\n"+
			"For each file that needs changes, output a block of the form:\nFILE: <path>\n```\n<content>\n```",
		taskDescription, truncate(errors, 3000),
	)
}
