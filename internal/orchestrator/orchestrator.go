// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package orchestrator drives a project's whole generation run:
// scaffold, then parallel dependency-ordered task dispatch bounded by
// a worker budget, then integration — persisting a checkpoint and
// emitting events after every state-changing decision.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge-dev/taskforge/internal/driver"
	"github.com/taskforge-dev/taskforge/internal/events"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/reconcile"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/state"
	"github.com/taskforge-dev/taskforge/internal/telemetry"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// Config tunes the dispatch loop. Zero values fall back to the
// defaults via withDefaults.
type Config struct {
	MaxParallelTasks       int
	MaxConsecutiveFailures int
	ScaffoldCommand        string
	IntegrationCommand     string
}

const (
	defaultMaxParallelTasks       = 4
	defaultMaxConsecutiveFailures = 5
)

func (c Config) withDefaults() Config {
	if c.MaxParallelTasks == 0 {
		c.MaxParallelTasks = defaultMaxParallelTasks
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	return c
}

// Hooks are optional no-op-by-default callbacks invoked at the same
// scaffold/task/merge boundaries the original's Prometheus counters
// fired from. The metrics exporter itself stays out of scope — this
// is the hook point a caller wires a metrics system into without the
// core importing one.
type Hooks struct {
	OnScaffold    func(projectID string, ok bool)
	OnTaskResult  func(projectID, taskID string, success bool)
	OnTaskBlocked func(projectID, taskID string)
	OnMerge       func(projectID, taskID string, conflictsResolved int)
	OnIntegration func(projectID string, ok bool)
}

func noopBool(string, bool)             {}
func noopTask(string, string)           {}
func noopTaskBool(string, string, bool) {}
func noopMerge(string, string, int)     {}

func (h Hooks) withDefaults() Hooks {
	if h.OnScaffold == nil {
		h.OnScaffold = noopBool
	}
	if h.OnTaskResult == nil {
		h.OnTaskResult = noopTaskBool
	}
	if h.OnTaskBlocked == nil {
		h.OnTaskBlocked = noopTask
	}
	if h.OnMerge == nil {
		h.OnMerge = noopMerge
	}
	if h.OnIntegration == nil {
		h.OnIntegration = noopBool
	}
	return h
}

// Option configures optional Orchestrator behavior not required to
// construct one, such as metrics hooks.
type Option func(*Orchestrator)

// WithHooks installs h as the orchestrator's metrics/observability
// hooks, defaulting any unset field to a no-op.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h.withDefaults() }
}

// Orchestrator runs the end-to-end generation state machine for one
// project at a time. It holds no per-run mutable state itself — all
// of that lives on the state.GenerationState passed through Generate.
type Orchestrator struct {
	workspace  *workspace.Client
	runner     *runner.Client
	reconciler *reconcile.Reconciler
	store      *state.Store
	driver     driver.Driver
	sink       events.Sink
	log        *slog.Logger
	config     Config
	hooks      Hooks
}

// New builds an Orchestrator wired to its collaborators.
func New(cfg Config, ws *workspace.Client, rn *runner.Client, reconciler *reconcile.Reconciler, store *state.Store, drv driver.Driver, sink events.Sink, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = events.NewLoggingSink(log)
	}
	o := &Orchestrator{
		workspace:  ws,
		runner:     rn,
		reconciler: reconciler,
		store:      store,
		driver:     drv,
		sink:       sink,
		log:        log,
		config:     cfg.withDefaults(),
		hooks:      Hooks{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate runs (or resumes) generation for projectID against tasks,
// returning the final persisted GenerationState. Phase sequence:
// reconcile -> [create repo, scaffold] -> process tasks -> integrate
// -> complete ("generate()").
func (o *Orchestrator) Generate(ctx context.Context, projectID, techStack, repoURL string, tasks []graph.Task) (*state.GenerationState, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.generate")
	defer span.End()
	span.SetAttributes(telemetry.AttrProjectID.String(projectID))

	recResult, err := o.reconciler.Reconcile(ctx, projectID, tasks)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reconcile: %w", err)
	}

	st, err := o.store.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load state: %w", err)
	}
	if st == nil {
		st = state.New(projectID, techStack, repoURL)
	}
	st.TotalTasks = len(tasks)
	st.CompletedTasks = keysOf(recResult.CompletedTaskIDs)
	st.Start()

	o.saveAndEmit(ctx, st, events.GenerationStarted, map[string]any{
		"resume_from": string(recResult.ResumeFrom),
		"total_tasks": len(tasks),
	})

	g := graph.FromTasks(tasks)
	summary := g.GetSummary()
	o.saveAndEmit(ctx, st, events.GraphBuilt, map[string]any{
		"total_levels":    summary.TotalLevels,
		"tasks_per_level": summary.TasksPerLevel,
	})

	if !recResult.RepoExists {
		if err := o.workspace.CreateRepo(ctx, projectID, techStack); err != nil {
			return o.fail(ctx, st, fmt.Errorf("create repository: %w", err))
		}
		o.saveAndEmit(ctx, st, events.RepoCreated, nil)
	}

	if recResult.ResumeFrom == reconcile.ResumeScaffold {
		if err := o.runScaffold(ctx, st, tasks); err != nil {
			return o.fail(ctx, st, fmt.Errorf("scaffold: %w", err))
		}
	} else {
		o.saveAndEmit(ctx, st, events.ScaffoldSkipped, map[string]any{"reason": "already complete"})
	}

	st.StartGenerating()

	completed := make(map[string]bool, len(recResult.CompletedTaskIDs))
	for id := range recResult.CompletedTaskIDs {
		completed[id] = true
	}

	if err := o.processTasks(ctx, g, st, completed); err != nil {
		return o.fail(ctx, st, err)
	}

	if n := len(st.BlockedTasks); n > 0 {
		return o.fail(ctx, st, fmt.Errorf("%d task(s) could not be completed: %v", n, st.BlockedTasks))
	}

	st.StartIntegrating()
	o.saveAndEmit(ctx, st, events.IntegrationStarted, nil)
	if err := o.runIntegration(ctx, st, tasks); err != nil {
		o.saveAndEmit(ctx, st, events.IntegrationWarning, map[string]any{"error": err.Error()})
	} else {
		o.saveAndEmit(ctx, st, events.IntegrationComplete, nil)
	}

	st.Complete()
	o.saveAndEmit(ctx, st, events.GenerationComplete, map[string]any{
		"completed_tasks": len(st.CompletedTasks),
		"blocked_tasks":   len(st.BlockedTasks),
	})
	return st, nil
}

func (o *Orchestrator) fail(ctx context.Context, st *state.GenerationState, cause error) (*state.GenerationState, error) {
	st.Fail(cause.Error())
	o.saveAndEmit(ctx, st, events.GenerationError, map[string]any{"error": cause.Error()})
	return st, cause
}

// maxScaffoldTaskPreview caps how many upcoming task descriptions the
// scaffold agent sees, mirroring the original generator's
// _run_scaffold preview.
const maxScaffoldTaskPreview = 20

// runScaffold drives the scaffold agent once if the configured driver
// implements driver.ScaffoldAgent, then optionally
// verifies the result by running a configured scaffold command
// through the runner. A driver without scaffold-agent support falls
// back to the runner command alone.
func (o *Orchestrator) runScaffold(ctx context.Context, st *state.GenerationState, tasks []graph.Task) error {
	if sa, ok := o.driver.(driver.ScaffoldAgent); ok {
		summaries := taskSummaries(tasks, maxScaffoldTaskPreview)
		res, err := sa.RunScaffold(ctx, st.ProjectID, st.TechStack, summaries)
		if err != nil {
			o.saveAndEmit(ctx, st, events.ScaffoldFailed, map[string]any{"error": err.Error()})
			o.hooks.OnScaffold(st.ProjectID, false)
			return err
		}
		if !res.Success {
			o.saveAndEmit(ctx, st, events.ScaffoldFailed, map[string]any{"error": res.Error})
			o.hooks.OnScaffold(st.ProjectID, false)
			return fmt.Errorf("scaffold agent: %s", res.Error)
		}
	}

	if o.config.ScaffoldCommand == "" {
		o.saveAndEmit(ctx, st, events.ScaffoldComplete, nil)
		o.hooks.OnScaffold(st.ProjectID, true)
		return nil
	}
	runID, err := o.runner.StartRun(ctx, st.ProjectID, o.config.ScaffoldCommand, st.MainBranch)
	if err != nil {
		o.saveAndEmit(ctx, st, events.ScaffoldFailed, map[string]any{"error": err.Error()})
		o.hooks.OnScaffold(st.ProjectID, false)
		return err
	}
	run, err := o.runner.PollUntilDone(ctx, runID, 5*time.Second)
	if err != nil {
		o.saveAndEmit(ctx, st, events.ScaffoldFailed, map[string]any{"error": err.Error()})
		o.hooks.OnScaffold(st.ProjectID, false)
		return err
	}
	if !run.Status.Passed() {
		o.saveAndEmit(ctx, st, events.ScaffoldFailed, map[string]any{"output": run.Output})
		o.hooks.OnScaffold(st.ProjectID, false)
		return fmt.Errorf("scaffold run did not pass: %s", run.Output)
	}
	o.saveAndEmit(ctx, st, events.ScaffoldComplete, nil)
	o.hooks.OnScaffold(st.ProjectID, true)
	return nil
}

// runIntegration drives the integration agent once with a summary of
// completed tasks if the configured driver implements
// driver.IntegrationAgent, then optionally verifies the
// result with a configured integration command through the runner.
func (o *Orchestrator) runIntegration(ctx context.Context, st *state.GenerationState, tasks []graph.Task) error {
	if ia, ok := o.driver.(driver.IntegrationAgent); ok {
		summaries := completedTaskSummaries(tasks, st.CompletedTasks)
		res, err := ia.RunIntegration(ctx, st.ProjectID, summaries)
		if err != nil {
			o.hooks.OnIntegration(st.ProjectID, false)
			return err
		}
		if !res.Success {
			o.hooks.OnIntegration(st.ProjectID, false)
			return fmt.Errorf("integration agent: %s", res.Error)
		}
	}

	if o.config.IntegrationCommand == "" {
		o.hooks.OnIntegration(st.ProjectID, true)
		return nil
	}
	runID, err := o.runner.StartRun(ctx, st.ProjectID, o.config.IntegrationCommand, st.MainBranch)
	if err != nil {
		o.hooks.OnIntegration(st.ProjectID, false)
		return err
	}
	run, err := o.runner.PollUntilDone(ctx, runID, 5*time.Second)
	if err != nil {
		o.hooks.OnIntegration(st.ProjectID, false)
		return err
	}
	if !run.Status.Passed() {
		o.hooks.OnIntegration(st.ProjectID, false)
		return fmt.Errorf("integration suite failed: %s", run.Output)
	}
	o.hooks.OnIntegration(st.ProjectID, true)
	return nil
}

// taskSummaries returns up to limit task descriptions, in input
// order, as a scaffold-agent preview of upcoming work.
func taskSummaries(tasks []graph.Task, limit int) []string {
	out := make([]string, 0, limit)
	for _, t := range tasks {
		if len(out) >= limit {
			break
		}
		out = append(out, t.Description)
	}
	return out
}

// completedTaskSummaries returns the descriptions of every task in
// completedIDs, in tasks' original order.
func completedTaskSummaries(tasks []graph.Task, completedIDs []string) []string {
	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}
	out := make([]string, 0, len(completedIDs))
	for _, t := range tasks {
		if completed[t.ID] {
			out = append(out, t.Description)
		}
	}
	return out
}

func (o *Orchestrator) saveAndEmit(ctx context.Context, st *state.GenerationState, eventType events.Type, data map[string]any) {
	if err := o.store.Save(ctx, st); err != nil {
		o.log.Warn("failed to persist generation state", "project_id", st.ProjectID, "error", err)
	}
	events.SafeEmit(o.sink, o.log, events.Event{
		Type:      eventType,
		ProjectID: st.ProjectID,
		Status:    string(st.Status),
		Progress:  st.ProgressPercent(),
		Data:      data,
	})
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
