// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package events defines the state-changing event vocabulary the
// orchestrator emits and the best-effort sink contract callers
// implement to observe them.
package events

import "log/slog"

// Type is the fixed vocabulary of orchestrator events.
type Type string

const (
	GenerationStarted   Type = "generation_started"
	GraphBuilt          Type = "graph_built"
	RepoCreated         Type = "repo_created"
	ScaffoldComplete    Type = "scaffold_complete"
	ScaffoldFailed      Type = "scaffold_failed"
	ScaffoldSkipped     Type = "scaffold_skipped"
	TasksSkipped        Type = "tasks_skipped"
	TaskStarted         Type = "task_started"
	TaskComplete        Type = "task_complete"
	TaskFailed          Type = "task_failed"
	TaskRetryScheduled  Type = "task_retry_scheduled"
	TaskBlocked         Type = "task_blocked"
	TaskMerged          Type = "task_merged"
	IntegrationStarted  Type = "integration_started"
	IntegrationComplete Type = "integration_complete"
	IntegrationWarning  Type = "integration_warning"
	GenerationComplete  Type = "generation_complete"
	GenerationError     Type = "generation_error"
	GenerationCancelled Type = "generation_cancelled"
)

// Event is a single state-changing orchestrator decision, payloaded
// for whatever a Sink wants to do with it (log, forward to a UI
// websocket, append to an audit trail).
type Event struct {
	Type      Type
	ProjectID string
	Status    string
	Progress  float64
	Data      map[string]any
}

// Sink receives events. Implementations must not block the
// orchestrator for long; a Sink failure is logged and swallowed, not
// propagated, so a flaky event consumer never stalls generation.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// LoggingSink emits every event as a structured log line. It is the
// default sink used when no application-level sink is configured.
type LoggingSink struct {
	log *slog.Logger
}

// NewLoggingSink returns a Sink that logs every event via log.
func NewLoggingSink(log *slog.Logger) *LoggingSink {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingSink{log: log}
}

// Emit implements Sink.
func (s *LoggingSink) Emit(e Event) {
	s.log.Info("orchestrator event",
		"type", string(e.Type),
		"project_id", e.ProjectID,
		"status", e.Status,
		"progress", e.Progress,
	)
}

// SafeEmit calls sink.Emit, recovering from and logging any panic so
// a misbehaving sink can never crash the orchestrator's dispatch
// loop.
func SafeEmit(sink Sink, log *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if log == nil {
				log = slog.Default()
			}
			log.Error("event sink panicked", "event_type", string(e.Type), "panic", r)
		}
	}()
	sink.Emit(e)
}
