// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package graph builds and queries the task dependency DAG that drives
// the orchestrator's dispatch loop.
package graph

// Task is a single unit of code-generation work as handed to the
// orchestrator. IDs not present in the current task list are treated
// as satisfied externally. JSON tags match the wire task-input schema
// verbatim: callers decode a task list straight into this
// type with no intermediate wire struct.
type Task struct {
	ID                    string   `json:"id"`
	Description           string   `json:"description"`
	ImplementationDetails string   `json:"implementation_details,omitempty"`
	StoryPoints           int      `json:"story_points,omitempty"`
	DependsOn             []string `json:"depends_on,omitempty"`
	StoryID               string   `json:"story_id,omitempty"`
	EpicID                string   `json:"epic_id,omitempty"`
}

// Node is the graph-internal view of a Task, augmented with reverse
// edges and its computed execution level.
type Node struct {
	Task

	// Dependents holds the ids of nodes that depend on this one.
	Dependents map[string]bool

	// Level is 0 for nodes with no in-graph dependencies, and
	// max(dep.Level)+1 otherwise. Nodes caught in a cycle share the
	// level at which the cycle was broken.
	Level int

	// Keywords are extracted from Description/ImplementationDetails
	// for best-effort context enrichment.
	Keywords []string
}

// Diagnostic is a non-fatal warning surfaced during construction, e.g.
// a cycle that was broken by placing the remaining nodes at the
// current level.
type Diagnostic struct {
	Kind    string
	Message string
}
