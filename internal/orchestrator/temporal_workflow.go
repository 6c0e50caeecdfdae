// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/taskforge-dev/taskforge/internal/driver"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// GenerationWorkflow is an optional Temporal-backed hosting of the
// same phase sequence Orchestrator.Generate drives in-process
// (scaffold -> dispatch -> integration), so a generation run can
// survive a process restart. It composes with, rather than replaces,
// the plain in-process Orchestrator: the dispatch loop here is the
// Go-workflow translation of the same "await first completion"
// semantics,
// expressed with workflow.Selector instead of a channel select,
// because workflow code must be deterministic and replay-safe.
//
// Task execution itself (the LM tool-use loop, running tests,
// requesting a merge) happens inside RunTaskActivity. Real I/O in this
// file happens only in the Activities methods (RunTaskActivity,
// ScaffoldActivity, IntegrationActivity); the workflow function only
// ever calls deterministic graph operations and Temporal's own APIs.
func GenerationWorkflow(ctx workflow.Context, input GenerationWorkflowInput) (*GenerationWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("generation workflow starting", "project_id", input.ProjectID, "tasks", len(input.Tasks))

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    1, // retries are modeled explicitly below, per task, not by Temporal's own policy
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var activities *Activities

	if !input.SkipScaffold {
		if err := workflow.ExecuteActivity(ctx, activities.ScaffoldActivity, ScaffoldActivityRequest{
			ProjectID:       input.ProjectID,
			TechStack:       input.TechStack,
			ScaffoldCommand: input.ScaffoldCommand,
			TaskSummaries:   taskSummaries(input.Tasks, maxScaffoldTaskPreview),
		}).Get(ctx, nil); err != nil {
			return nil, fmt.Errorf("scaffold activity: %w", err)
		}
	}

	g := graph.FromTasks(input.Tasks)

	completed := make(map[string]bool, len(input.Tasks))
	for _, id := range input.SkipTaskIDs {
		completed[id] = true
	}
	blocked := make(map[string]bool)
	permanentlyFailed := make(map[string]bool)
	results := make(map[string]graph.TaskResult)
	retries := make(map[string]int)
	pendingBranch := make(map[string]string)
	dispatched := make(map[string]bool)

	futures := make(map[string]workflow.Future)

	dispatch := func(task graph.Task, attempt int) {
		branch := taskBranch(task.ID, attempt)
		pendingBranch[task.ID] = branch
		taskCtx := g.GetContextForTask(task.ID, results)
		futures[task.ID] = workflow.ExecuteActivity(ctx, activities.RunTaskActivity, RunTaskActivityRequest{
			Task:    task,
			Branch:  branch,
			TaskCtx: taskCtx,
		})
	}

	fillSlots := func() {
		ready := g.GetReady(completed)
		for _, node := range ready {
			if dispatched[node.ID] || blocked[node.ID] || futures[node.ID] != nil {
				continue
			}
			if len(futures) >= input.MaxParallelTasks {
				break
			}
			dispatched[node.ID] = true
			dispatch(node.Task, 0)
		}
	}

	fillSlots()

	for len(futures) > 0 {
		selector := workflow.NewSelector(ctx)
		for id, f := range futures {
			taskID, future := id, f
			selector.AddFuture(future, func(f workflow.Future) {
				delete(futures, taskID)
				var res driver.Result
				err := f.Get(ctx, &res)

				if err == nil && res.Success {
					completed[taskID] = true
					retries[taskID] = 0
					results[taskID] = graph.TaskResult{
						Files: append(append([]string{}, res.FilesCreated...), res.FilesModified...),
					}
					return
				}

				retries[taskID]++
				if retries[taskID] >= input.MaxConsecutiveFailures {
					permanentlyFailed[taskID] = true
					blocked[taskID] = true
					for _, id := range g.TransitiveBlocked(permanentlyFailed) {
						blocked[id] = true
					}
					logger.Warn("task permanently blocked", "task_id", taskID)
					return
				}

				backoff := retryBackoff(retries[taskID])
				logger.Info("scheduling task retry", "task_id", taskID, "attempt", retries[taskID], "backoff", backoff)
				workflow.Sleep(ctx, backoff)
				node := g.Node(taskID)
				dispatch(node.Task, retries[taskID])
			})
		}
		selector.Select(ctx)
		fillSlots()
	}

	if len(blocked) > 0 {
		return nil, fmt.Errorf("%d task(s) could not be completed: %v", len(blocked), keysOfBool(blocked))
	}

	if err := workflow.ExecuteActivity(ctx, activities.IntegrationActivity, IntegrationActivityRequest{
		ProjectID:              input.ProjectID,
		IntegrationCommand:     input.IntegrationCommand,
		CompletedTaskSummaries: completedTaskSummaries(input.Tasks, keysOfBool(completed)),
	}).Get(ctx, nil); err != nil {
		logger.Warn("integration activity failed, surfacing as warning not failure", "error", err)
	}

	return &GenerationWorkflowResult{CompletedTaskIDs: keysOfBool(completed)}, nil
}

// GenerationWorkflowInput is GenerationWorkflow's input payload.
type GenerationWorkflowInput struct {
	ProjectID              string
	TechStack              string
	RepoURL                string
	Tasks                  []graph.Task
	SkipScaffold           bool
	SkipTaskIDs            []string
	MaxParallelTasks       int
	MaxConsecutiveFailures int
	ScaffoldCommand        string
	IntegrationCommand     string
}

// GenerationWorkflowResult is GenerationWorkflow's terminal output.
type GenerationWorkflowResult struct {
	CompletedTaskIDs []string
}

// Activities bundles the side-effecting operations GenerationWorkflow
// delegates to, each safe to run outside the workflow's deterministic
// replay boundary.
type Activities struct {
	driver    driver.Driver
	workspace *workspace.Client
	runner    *runner.Client
}

// NewActivities returns an Activities bound to the same collaborators
// an in-process Orchestrator would use.
func NewActivities(drv driver.Driver, ws *workspace.Client, rn *runner.Client) *Activities {
	return &Activities{driver: drv, workspace: ws, runner: rn}
}

// ScaffoldActivityRequest is ScaffoldActivity's input.
type ScaffoldActivityRequest struct {
	ProjectID       string
	TechStack       string
	ScaffoldCommand string
	TaskSummaries   []string
}

// ScaffoldActivity ensures the remote repo exists, drives the scaffold
// agent once if the configured driver implements driver.ScaffoldAgent,
// then optionally verifies the result through the runner, mirroring
// Orchestrator.runScaffold.
func (a *Activities) ScaffoldActivity(ctx context.Context, req ScaffoldActivityRequest) error {
	if err := a.workspace.CreateRepo(ctx, req.ProjectID, req.TechStack); err != nil {
		return fmt.Errorf("create repository: %w", err)
	}

	if sa, ok := a.driver.(driver.ScaffoldAgent); ok {
		res, err := sa.RunScaffold(ctx, req.ProjectID, req.TechStack, req.TaskSummaries)
		if err != nil {
			return fmt.Errorf("scaffold agent: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("scaffold agent: %s", res.Error)
		}
	}

	if req.ScaffoldCommand == "" {
		return nil
	}
	runID, err := a.runner.StartRun(ctx, req.ProjectID, req.ScaffoldCommand, "main")
	if err != nil {
		return fmt.Errorf("start scaffold run: %w", err)
	}
	run, err := a.runner.PollUntilDone(ctx, runID, 5*time.Second)
	if err != nil {
		return fmt.Errorf("poll scaffold run: %w", err)
	}
	if !run.Status.Passed() {
		return fmt.Errorf("scaffold run did not pass: %s", run.Output)
	}
	return nil
}

// RunTaskActivityRequest is RunTaskActivity's input.
type RunTaskActivityRequest struct {
	Task    graph.Task
	Branch  string
	TaskCtx graph.Context
}

// RunTaskActivity executes one task through the configured Driver.
func (a *Activities) RunTaskActivity(ctx context.Context, req RunTaskActivityRequest) (driver.Result, error) {
	return a.driver.Run(ctx, req.Task, req.Branch, req.TaskCtx)
}

// IntegrationActivityRequest is IntegrationActivity's input.
type IntegrationActivityRequest struct {
	ProjectID              string
	IntegrationCommand     string
	CompletedTaskSummaries []string
}

// IntegrationActivity drives the integration agent once if the
// configured driver implements driver.IntegrationAgent, then optionally
// verifies the result with the configured integration command through
// the runner, mirroring Orchestrator.runIntegration.
func (a *Activities) IntegrationActivity(ctx context.Context, req IntegrationActivityRequest) error {
	if ia, ok := a.driver.(driver.IntegrationAgent); ok {
		res, err := ia.RunIntegration(ctx, req.ProjectID, req.CompletedTaskSummaries)
		if err != nil {
			return fmt.Errorf("integration agent: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("integration agent: %s", res.Error)
		}
	}

	if req.IntegrationCommand == "" {
		return nil
	}
	runID, err := a.runner.StartRun(ctx, req.ProjectID, req.IntegrationCommand, "main")
	if err != nil {
		return err
	}
	run, err := a.runner.PollUntilDone(ctx, runID, 5*time.Second)
	if err != nil {
		return err
	}
	if !run.Status.Passed() {
		return fmt.Errorf("integration suite failed: %s", run.Output)
	}
	return nil
}

func keysOfBool(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
