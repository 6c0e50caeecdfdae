// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge-dev/taskforge/internal/driver"
	"github.com/taskforge-dev/taskforge/internal/events"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/state"
)

// taskOutcome is what a dispatched task's goroutine reports back on
// completion, the Go analogue of an asyncio.Task future resolving.
type taskOutcome struct {
	taskID string
	branch string
	result driver.Result
	err    error
}

// processTasks is the event-driven dispatch loop: ready tasks are
// launched up to MaxParallelTasks at a time, and the loop advances
// whenever any in-flight task (or scheduled retry) completes, mirroring
// the original's asyncio.wait(..., return_when=FIRST_COMPLETED) in
// _process_tasks.
func (o *Orchestrator) processTasks(ctx context.Context, g *graph.Graph, st *state.GenerationState, completed map[string]bool) error {
	results := make(map[string]graph.TaskResult)
	dispatched := make(map[string]bool)
	permanentlyFailed := make(map[string]bool)
	blocked := make(map[string]bool)
	retries := make(map[string]int)

	resultCh := make(chan taskOutcome)
	retryCh := make(chan retryFire)
	inFlight := 0
	scheduledRetries := 0
	// pendingRetries holds retries whose backoff timer already fired but
	// that arrived while every slot was full; fillSlots drains this
	// ahead of newly-ready tasks so a retry never jumps the parallelism
	// cap just because it raced a slot opening up.
	var pendingRetries []retryFire

	fillSlots := func() {
		if ctx.Err() != nil {
			return
		}
		for len(pendingRetries) > 0 && inFlight < o.config.MaxParallelTasks {
			retry := pendingRetries[0]
			pendingRetries = pendingRetries[1:]
			o.dispatchTask(ctx, st, g, retry.task, retry.attempt, results, resultCh)
			inFlight++
		}
		ready := g.GetReady(completed)
		for _, node := range ready {
			if inFlight >= o.config.MaxParallelTasks {
				return
			}
			if dispatched[node.ID] || permanentlyFailed[node.ID] || blocked[node.ID] {
				continue
			}
			o.dispatchTask(ctx, st, g, node.Task, 0, results, resultCh)
			dispatched[node.ID] = true
			inFlight++
		}
	}

	fillSlots()

	for inFlight > 0 || scheduledRetries > 0 || len(pendingRetries) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case retry := <-retryCh:
			scheduledRetries--
			pendingRetries = append(pendingRetries, retry)

		case outcome := <-resultCh:
			inFlight--

			if outcome.err == nil && outcome.result.Success {
				completed[outcome.taskID] = true
				results[outcome.taskID] = graph.TaskResult{
					Files: append(append([]string{}, outcome.result.FilesCreated...), outcome.result.FilesModified...),
				}
				st.CompleteTask(outcome.taskID, outcome.branch)
				o.saveAndEmit(ctx, st, events.TaskComplete, map[string]any{"task_id": outcome.taskID})
				o.saveAndEmit(ctx, st, events.TaskMerged, map[string]any{"task_id": outcome.taskID, "branch": outcome.branch})
				o.hooks.OnTaskResult(st.ProjectID, outcome.taskID, true)
				o.hooks.OnMerge(st.ProjectID, outcome.taskID, 0)
			} else {
				errMsg := outcome.err
				errText := ""
				if errMsg != nil {
					errText = errMsg.Error()
				} else {
					errText = outcome.result.Error
				}

				retries[outcome.taskID]++
				st.FailTask(outcome.taskID, errText)
				o.hooks.OnTaskResult(st.ProjectID, outcome.taskID, false)

				// Spec §4.4: a task is retried while its failure count stays
				// below MaxConsecutiveFailures, and blocked permanently the
				// moment it reaches it.
				if retries[outcome.taskID] < o.config.MaxConsecutiveFailures {
					backoff := retryBackoff(retries[outcome.taskID])
					o.saveAndEmit(ctx, st, events.TaskRetryScheduled, map[string]any{
						"task_id":         outcome.taskID,
						"attempt":         retries[outcome.taskID],
						"backoff_seconds": backoff.Seconds(),
					})
					node := g.Node(outcome.taskID)
					scheduledRetries++
					scheduleRetry(ctx, node.Task, retries[outcome.taskID], backoff, retryCh)
				} else {
					permanentlyFailed[outcome.taskID] = true
					o.saveAndEmit(ctx, st, events.TaskFailed, map[string]any{"task_id": outcome.taskID, "error": errText})

					// The task itself becomes permanently blocked once its
					// retry budget is exhausted — not just the dependents
					// TransitiveBlocked discovers below.
					blocked[outcome.taskID] = true
					st.BlockTask(outcome.taskID)
					o.saveAndEmit(ctx, st, events.TaskBlocked, map[string]any{"task_id": outcome.taskID, "cause": "max_consecutive_failures_exceeded"})
					o.hooks.OnTaskBlocked(st.ProjectID, outcome.taskID)

					for _, blockedID := range g.TransitiveBlocked(permanentlyFailed) {
						if !blocked[blockedID] {
							blocked[blockedID] = true
							st.BlockTask(blockedID)
							o.saveAndEmit(ctx, st, events.TaskBlocked, map[string]any{"task_id": blockedID, "cause": outcome.taskID})
							o.hooks.OnTaskBlocked(st.ProjectID, blockedID)
						}
					}
				}
			}
		}

		fillSlots()
	}

	return nil
}

// retryFire carries a task back onto the dispatch loop once its
// back-off timer fires, along with the retry attempt number so the
// branch name stays distinct from every prior attempt.
type retryFire struct {
	task    graph.Task
	attempt int
}

// taskBranch computes the branch name for a dispatch attempt: the
// first attempt uses task/<id8>; retry n uses task/<id8>-r<n> so it
// never collides with a previous attempt's ref.
func taskBranch(taskID string, attempt int) string {
	id8 := taskID
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	branch := "task/" + id8
	if attempt > 0 {
		branch += fmt.Sprintf("-r%d", attempt)
	}
	return branch
}

func (o *Orchestrator) dispatchTask(ctx context.Context, st *state.GenerationState, g *graph.Graph, task graph.Task, attempt int, results map[string]graph.TaskResult, resultCh chan<- taskOutcome) {
	branch := taskBranch(task.ID, attempt)

	st.StartTask(task.ID, branch)
	o.saveAndEmit(ctx, st, events.TaskStarted, map[string]any{"task_id": task.ID, "branch": branch})

	// Snapshot results synchronously: it is only ever mutated by the
	// single-threaded dispatch loop, but a goroutine reading the live
	// map concurrently with a later write would race.
	snapshot := make(map[string]graph.TaskResult, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	taskCtx := g.GetContextForTask(task.ID, snapshot)

	go func() {
		res, err := o.driver.Run(ctx, task, branch, taskCtx)
		resultCh <- taskOutcome{taskID: task.ID, branch: branch, result: res, err: err}
	}()
}

// scheduleRetry fires task onto retryCh after backoff, or abandons the
// retry if ctx is cancelled first.
func scheduleRetry(ctx context.Context, task graph.Task, attempt int, backoff time.Duration, retryCh chan<- retryFire) {
	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			select {
			case retryCh <- retryFire{task: task, attempt: attempt}:
			case <-ctx.Done():
			}
		}
	}()
}

// retryBackoff mirrors the original's backoff schedule: 5, 10, 20, 30,
// 30... seconds, capped at 30.
func retryBackoff(attempt int) time.Duration {
	seconds := 5 * (1 << uint(attempt-1))
	if seconds > 30 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}
