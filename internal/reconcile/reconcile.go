// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package reconcile derives the state of a generation run by checking
// the workspace service for the repo and scaffold and reading completed
// tasks from the orchestrator's durable checkpoint, so that a crashed or
// restarted run can resume correctly.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/state"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// scaffoldMarkers are glob patterns that indicate a project's initial
// scaffold has already been generated, one or more per supported tech
// stack (e.g. a Go workspace may have scaffolded go.mod at the root or
// under a single module subdirectory).
var scaffoldMarkers = []string{
	"package.json",
	"pyproject.toml",
	"requirements.txt",
	"go.mod",
	"*/go.mod",
	"Cargo.toml",
	"pom.xml",
	"build.gradle",
	"build.gradle.kts",
}

// ResumePoint names the phase a reconciled run should continue from.
type ResumePoint string

const (
	ResumeScaffold    ResumePoint = "scaffold"
	ResumeGenerating  ResumePoint = "generating"
	ResumeIntegration ResumePoint = "integration"
)

// Result is what reconciliation found: the split between tasks that
// are done, still pending, explicitly failed and blocked by a failed
// dependency.
type Result struct {
	RepoExists       bool
	ScaffoldComplete bool
	CompletedTaskIDs map[string]bool
	PendingTaskIDs   []string
	FailedTaskIDs    map[string]bool
	BlockedTaskIDs   map[string]bool
	CanResume        bool
	ResumeFrom       ResumePoint
}

// TotalRemaining is the count of tasks that still need to run.
func (r Result) TotalRemaining() int {
	return len(r.PendingTaskIDs) + len(r.FailedTaskIDs) + len(r.BlockedTaskIDs)
}

// Reconciler reconciles a project's durable checkpoint with the
// workspace service's git reality.
type Reconciler struct {
	workspace *workspace.Client
	store     *state.Store
	log       *slog.Logger
}

// New returns a Reconciler backed by ws and store.
func New(ws *workspace.Client, store *state.Store, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{workspace: ws, store: store, log: log}
}

// Reconcile examines the workspace service's actual repo/branch
// contents and the durably stored GenerationState to determine what
// has really been done versus what the orchestrator still needs to
// do, per steps 1-5.
func (r *Reconciler) Reconcile(ctx context.Context, projectID string, tasks []graph.Task) (Result, error) {
	taskIDs := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		taskIDs[t.ID] = true
	}

	// 1. repoExists <- HEAD status probe against workspace.
	repoExists, err := r.checkRepoExists(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: check repo exists: %w", err)
	}
	if !repoExists {
		pending := make([]string, 0, len(tasks))
		for _, t := range tasks {
			pending = append(pending, t.ID)
		}
		return Result{
			RepoExists:       false,
			PendingTaskIDs:   pending,
			CompletedTaskIDs: map[string]bool{},
			FailedTaskIDs:    map[string]bool{},
			BlockedTaskIDs:   map[string]bool{},
			CanResume:        true,
			ResumeFrom:       ResumeScaffold,
		}, nil
	}

	scaffoldComplete, err := r.checkScaffoldExists(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: check scaffold: %w", err)
	}

	// The workspace service exposes no richer "what's merged" query, so
	// completed tasks are trusted from the durable checkpoint.
	st, err := r.store.Load(ctx, projectID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: load state: %w", err)
	}

	completed := make(map[string]bool)
	if st != nil {
		for _, id := range st.CompletedTasks {
			if taskIDs[id] {
				completed[id] = true
			}
		}
	}
	r.log.Info("reconciliation found completed tasks", "project_id", projectID, "completed", len(completed))

	g := graph.FromTasks(tasks)

	var pending []string
	blocked := make(map[string]bool)
	for _, t := range tasks {
		if completed[t.ID] {
			continue
		}
		node := g.Node(t.ID)
		depsMet := true
		if node != nil {
			for _, dep := range node.DependsOn {
				// Dependencies outside the task list count as satisfied.
				if g.Node(dep) != nil && !completed[dep] {
					depsMet = false
					break
				}
			}
		}
		if depsMet {
			pending = append(pending, t.ID)
		} else {
			blocked[t.ID] = true
		}
	}

	failed := make(map[string]bool)
	if st != nil {
		for id := range st.FailedTasks {
			if !completed[id] {
				failed[id] = true
			}
		}
		filtered := pending[:0:0]
		for _, id := range pending {
			if !failed[id] {
				filtered = append(filtered, id)
			}
		}
		pending = filtered
	}

	var resumeFrom ResumePoint
	switch {
	case !scaffoldComplete:
		resumeFrom = ResumeScaffold
	case len(pending) > 0 || len(failed) > 0:
		resumeFrom = ResumeGenerating
	case len(blocked) > 0:
		resumeFrom = ResumeGenerating
	default:
		resumeFrom = ResumeIntegration
	}

	canResume := len(pending) > 0 || len(failed) > 0 || !scaffoldComplete || resumeFrom == ResumeIntegration

	result := Result{
		RepoExists:       true,
		ScaffoldComplete: scaffoldComplete,
		CompletedTaskIDs: completed,
		PendingTaskIDs:   pending,
		FailedTaskIDs:    failed,
		BlockedTaskIDs:   blocked,
		CanResume:        canResume,
		ResumeFrom:       resumeFrom,
	}

	r.log.Info("reconciliation complete",
		"project_id", projectID,
		"completed", len(completed),
		"pending", len(pending),
		"failed", len(failed),
		"blocked", len(blocked),
		"resume_from", resumeFrom,
	)

	return result, nil
}

func (r *Reconciler) checkRepoExists(ctx context.Context, projectID string) (bool, error) {
	status, err := r.workspace.Status(ctx, projectID, "main")
	if err != nil {
		r.log.Debug("repo check failed", "project_id", projectID, "error", err)
		return false, nil
	}
	return status.Exists, nil
}

func (r *Reconciler) checkScaffoldExists(ctx context.Context, projectID string) (bool, error) {
	files, err := r.workspace.ListFiles(ctx, projectID, "main", ".", "*")
	if err != nil {
		r.log.Debug("scaffold check failed", "project_id", projectID, "error", err)
		return false, nil
	}
	for _, f := range files {
		if matchesScaffoldMarker(f) {
			return true, nil
		}
	}
	return false, nil
}

// matchesScaffoldMarker reports whether f matches one of scaffoldMarkers,
// either directly (glob patterns like */go.mod) or by basename (so a
// marker listed as a bare filename still matches when the workspace
// service reports it with a leading ./ or directory prefix).
func matchesScaffoldMarker(f string) bool {
	base := filepath.Base(f)
	for _, pattern := range scaffoldMarkers {
		if matched, _ := filepath.Match(pattern, f); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// RepairState recomputes and overwrites the durable checkpoint for
// projectID based on a fresh reconciliation.
func (r *Reconciler) RepairState(ctx context.Context, projectID string, tasks []graph.Task) (*state.GenerationState, error) {
	result, err := r.Reconcile(ctx, projectID, tasks)
	if err != nil {
		return nil, err
	}

	st, err := r.store.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load state for repair: %w", err)
	}
	if st == nil {
		st = state.New(projectID, "unknown", "")
	}

	completed := make([]string, 0, len(result.CompletedTaskIDs))
	for id := range result.CompletedTaskIDs {
		completed = append(completed, id)
	}
	st.CompletedTasks = completed
	st.TotalTasks = len(tasks)

	if err := r.store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("reconcile: save repaired state: %w", err)
	}
	return st, nil
}
