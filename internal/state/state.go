// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package state holds the persisted record of a generation run and
// the store that durably checkpoints it between orchestrator
// invocations.
package state

import (
	"time"

	"github.com/google/uuid"
)

// Status is a GenerationState's position in its state machine:
// PENDING -> INITIALIZING -> GENERATING -> INTEGRATING -> COMPLETE,
// with FAILED and CANCELLED reachable from any non-terminal status.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusGenerating   Status = "generating"
	StatusIntegrating  Status = "integrating"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether the status cannot transition further.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// defaultMaxRetries mirrors the original's GenerationState.max_retries default.
const defaultMaxRetries = 3

// GenerationState is the per-project run record. It is
// exclusively owned by the orchestrator for a given project while a
// run is in progress; Store durably persists it but is not itself
// authoritative for in-flight decisions.
type GenerationState struct {
	ProjectID      string
	GenerationID   string
	Status         Status
	TechStack      string
	RepoURL        string
	MainBranch     string
	TotalTasks     int
	CompletedTasks []string
	CurrentTasks   []string
	FailedTasks    map[string]string
	BlockedTasks   []string
	ActiveBranches []string

	StartedAt   *time.Time
	UpdatedAt   *time.Time
	CompletedAt *time.Time

	LastError         string
	RetryCount        int
	MaxRetries        int
	AdditionalRetries int
}

// New creates a fresh GenerationState for projectID with a random
// short generation id, as the original's GenerationState dataclass
// does via its default_factory.
func New(projectID, techStack, repoURL string) *GenerationState {
	return &GenerationState{
		ProjectID:    projectID,
		GenerationID: uuid.New().String()[:8],
		Status:       StatusPending,
		TechStack:    techStack,
		RepoURL:      repoURL,
		MainBranch:   "main",
		FailedTasks:  make(map[string]string),
		MaxRetries:   defaultMaxRetries,
	}
}

// RepoName returns the versioned scratch-repo name for this
// generation attempt, so multiple attempts for the same project don't
// collide, carried over from the Python original's
// GenerationState.repo_name.
func (s *GenerationState) RepoName() string {
	return s.ProjectID + "-" + s.GenerationID
}

// ProgressPercent is |completed| / totalTasks * 100.
func (s *GenerationState) ProgressPercent() float64 {
	if s.TotalTasks == 0 {
		return 0
	}
	return float64(len(s.CompletedTasks)) / float64(s.TotalTasks) * 100
}

// CanRetry reports whether the generation-level retry budget is not
// yet exhausted.
func (s *GenerationState) CanRetry() bool {
	return s.RetryCount < s.MaxRetries+s.AdditionalRetries
}

func (s *GenerationState) touch() {
	now := time.Now().UTC()
	s.UpdatedAt = &now
}

// Start marks the generation as started and moves it to INITIALIZING.
func (s *GenerationState) Start() {
	s.Status = StatusInitializing
	now := time.Now().UTC()
	s.StartedAt = &now
	s.UpdatedAt = &now
}

// StartGenerating moves the run to GENERATING.
func (s *GenerationState) StartGenerating() {
	s.Status = StatusGenerating
	s.touch()
}

// StartIntegrating moves the run to INTEGRATING.
func (s *GenerationState) StartIntegrating() {
	s.Status = StatusIntegrating
	s.touch()
}

// Complete marks the generation COMPLETE.
func (s *GenerationState) Complete() {
	s.Status = StatusComplete
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.UpdatedAt = &now
}

// Fail marks the generation FAILED with the given error.
func (s *GenerationState) Fail(err string) {
	s.Status = StatusFailed
	s.LastError = err
	s.touch()
}

// Cancel marks the generation CANCELLED.
func (s *GenerationState) Cancel() {
	s.Status = StatusCancelled
	s.touch()
}

// StartTask records taskID as in progress on branch. A task being
// (re)dispatched is no longer in a terminal failed/blocked state, so
// it is cleared from both to preserve the invariant that
// completedTasks, currentTasks, failedTasks.keys and blockedTasks stay
// pairwise disjoint.
func (s *GenerationState) StartTask(taskID, branch string) {
	if !containsStr(s.CurrentTasks, taskID) {
		s.CurrentTasks = append(s.CurrentTasks, taskID)
	}
	if !containsStr(s.ActiveBranches, branch) {
		s.ActiveBranches = append(s.ActiveBranches, branch)
	}
	delete(s.FailedTasks, taskID)
	s.BlockedTasks = removeStr(s.BlockedTasks, taskID)
	s.touch()
}

// CompleteTask moves taskID from current to completed and retires its
// branch, clearing any stale failed/blocked record left by an earlier
// attempt.
func (s *GenerationState) CompleteTask(taskID, branch string) {
	s.CurrentTasks = removeStr(s.CurrentTasks, taskID)
	if !containsStr(s.CompletedTasks, taskID) {
		s.CompletedTasks = append(s.CompletedTasks, taskID)
	}
	s.ActiveBranches = removeStr(s.ActiveBranches, branch)
	delete(s.FailedTasks, taskID)
	s.BlockedTasks = removeStr(s.BlockedTasks, taskID)
	s.touch()
}

// FailTask records a task failure and increments the generation-level
// retry counter.
func (s *GenerationState) FailTask(taskID, err string) {
	s.CurrentTasks = removeStr(s.CurrentTasks, taskID)
	if s.FailedTasks == nil {
		s.FailedTasks = make(map[string]string)
	}
	s.FailedTasks[taskID] = err
	s.RetryCount++
	s.touch()
}

// BlockTask marks taskID as permanently blocked. A blocked task is a
// terminal state distinct from a pending failure, so it is removed
// from failedTasks to preserve the disjointness invariant.
func (s *GenerationState) BlockTask(taskID string) {
	if !containsStr(s.BlockedTasks, taskID) {
		s.BlockedTasks = append(s.BlockedTasks, taskID)
	}
	delete(s.FailedTasks, taskID)
	s.touch()
}

// AddRetries increases the generation-level retry budget (the "Keep
// Trying" button in the original UI).
func (s *GenerationState) AddRetries(n int) {
	s.AdditionalRetries += n
	s.touch()
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeStr(list []string, v string) []string {
	out := list[:0:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
