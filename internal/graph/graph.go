// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package graph

import (
	"sort"

	"github.com/gammazero/toposort"
)

// Graph is the immutable dependency DAG built from a task list.
// Once constructed it is safe for concurrent read-only use by every
// goroutine that makes dispatch decisions.
type Graph struct {
	nodes          map[string]*Node
	levels         [][]string
	executionOrder []string
	diagnostics    []Diagnostic
}

// FromTasks builds the graph in three passes: create nodes, build
// reverse edges, then assign levels and a stable execution order.
// Cycles are not fatal — the level-assignment step places any
// remaining unprocessed nodes at the current level and records a
// diagnostic instead of rejecting the input.
func FromTasks(tasks []Task) *Graph {
	g := &Graph{nodes: make(map[string]*Node, len(tasks))}

	// Pass 1: create nodes.
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		g.nodes[t.ID] = &Node{
			Task:       t,
			Dependents: make(map[string]bool),
			Keywords:   extractKeywords(t.Description, t.ImplementationDetails),
		}
	}

	// Pass 2: reverse edges, only for dependencies present in the graph.
	for id, node := range g.nodes {
		for _, dep := range node.DependsOn {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.Dependents[id] = true
			}
		}
	}

	// Pass 3: levels + execution order.
	g.assignLevels()
	g.buildExecutionOrder()

	return g
}

func (g *Graph) inGraphDeps(node *Node) []string {
	var deps []string
	for _, d := range node.DependsOn {
		if _, ok := g.nodes[d]; ok {
			deps = append(deps, d)
		}
	}
	return deps
}

// assignLevels repeats rounds of "any node whose in-graph deps are all
// assigned gets the current level" until every node is assigned or a
// round makes no progress, in which case the round is a cycle: the
// remaining nodes are placed at the current level and a diagnostic is
// recorded. The run continues — construction never fails for cycles.
func (g *Graph) assignLevels() {
	processed := make(map[string]bool, len(g.nodes))

	var level []string
	for id, node := range g.nodes {
		if len(g.inGraphDeps(node)) == 0 {
			node.Level = 0
			level = append(level, id)
			processed[id] = true
		}
	}
	sortIDs(level)
	if len(level) > 0 {
		g.levels = append(g.levels, level)
	}

	maxIterations := len(g.nodes) + 1
	for iteration := 0; len(processed) < len(g.nodes) && iteration < maxIterations; iteration++ {
		levelNum := len(g.levels)
		var next []string

		for id, node := range g.nodes {
			if processed[id] {
				continue
			}
			deps := g.inGraphDeps(node)
			if allProcessed(deps, processed) {
				node.Level = levelNum
				next = append(next, id)
			}
		}

		if len(next) == 0 && len(processed) < len(g.nodes) {
			// Cycle: break it by placing everything remaining at this level.
			for id, node := range g.nodes {
				if !processed[id] {
					node.Level = levelNum
					next = append(next, id)
				}
			}
			g.diagnostics = append(g.diagnostics, Diagnostic{
				Kind:    "cycle_broken",
				Message: "dependency cycle detected; remaining tasks placed at level " + itoa(levelNum),
			})
		}

		for _, id := range next {
			processed[id] = true
		}
		sortIDs(next)
		if len(next) > 0 {
			g.levels = append(g.levels, next)
		}
	}
}

func allProcessed(ids []string, processed map[string]bool) bool {
	for _, id := range ids {
		if !processed[id] {
			return false
		}
	}
	return true
}

// buildExecutionOrder produces a topological sort, stable-tied by
// story points ascending then by id, using toposort for edge
// validation and our own level-based ordering for the tie-break
// (toposort alone gives no deterministic secondary ordering).
func (g *Graph) buildExecutionOrder() {
	edges := make([]toposort.Edge, 0)
	for id, node := range g.nodes {
		for _, dep := range g.inGraphDeps(node) {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	if len(edges) > 0 {
		if _, err := toposort.Toposort(edges); err != nil {
			g.diagnostics = append(g.diagnostics, Diagnostic{
				Kind:    "toposort_cycle",
				Message: err.Error(),
			})
		}
	}

	g.executionOrder = make([]string, 0, len(g.nodes))
	for _, level := range g.levels {
		sorted := make([]string, len(level))
		copy(sorted, level)
		sort.SliceStable(sorted, func(i, j int) bool {
			ni, nj := g.nodes[sorted[i]], g.nodes[sorted[j]]
			if ni.StoryPoints != nj.StoryPoints {
				return ni.StoryPoints < nj.StoryPoints
			}
			return sorted[i] < sorted[j]
		})
		g.executionOrder = append(g.executionOrder, sorted...)
	}
}

func sortIDs(ids []string) { sort.Strings(ids) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node for id, or nil if absent.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Levels returns the execution levels, ordered, each a list of ids.
func (g *Graph) Levels() [][]string { return g.levels }

// ExecutionOrder returns the full topological execution order.
func (g *Graph) ExecutionOrder() []string { return g.executionOrder }

// Diagnostics returns non-fatal warnings surfaced during construction.
func (g *Graph) Diagnostics() []Diagnostic { return g.diagnostics }

// GetReady returns every node whose in-graph dependencies are all in
// completed, excluding nodes already in completed.
func (g *Graph) GetReady(completed map[string]bool) []*Node {
	var ready []*Node
	for id, node := range g.nodes {
		if completed[id] {
			continue
		}
		if allProcessed(g.inGraphDeps(node), completed) {
			ready = append(ready, node)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].StoryPoints != ready[j].StoryPoints {
			return ready[i].StoryPoints < ready[j].StoryPoints
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// TransitiveBlocked walks dependents transitively from every id in
// failed and returns every task that is unreachable because one of
// its (possibly indirect) in-graph dependencies failed. This
// generalizes the original Python implementation's get_blocked_tasks
// to cover whole blocked subtrees, not just the direct children of a
// failed task.
func (g *Graph) TransitiveBlocked(failed map[string]bool) []string {
	blocked := make(map[string]bool)

	var isBlocked func(id string, visiting map[string]bool) bool
	isBlocked = func(id string, visiting map[string]bool) bool {
		if blocked[id] {
			return true
		}
		if visiting[id] {
			return false
		}
		visiting[id] = true

		node := g.nodes[id]
		if node == nil {
			return false
		}
		for _, dep := range g.inGraphDeps(node) {
			if failed[dep] || isBlocked(dep, visiting) {
				blocked[id] = true
				return true
			}
		}
		return false
	}

	for id := range g.nodes {
		isBlocked(id, make(map[string]bool))
	}

	result := make([]string, 0, len(blocked))
	for id := range blocked {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Summary is a small diagnostic snapshot for logging/events.
type Summary struct {
	TotalTasks      int
	TotalLevels     int
	TasksPerLevel   []int
	ExecutionOrder  []string
}

// GetSummary returns a debug/logging summary of the graph, capped to
// the first 10 ids of the execution order (mirrors the original
// dependency_graph.py's summary()).
func (g *Graph) GetSummary() Summary {
	perLevel := make([]int, len(g.levels))
	for i, l := range g.levels {
		perLevel[i] = len(l)
	}
	order := g.executionOrder
	if len(order) > 10 {
		order = order[:10]
	}
	return Summary{
		TotalTasks:     len(g.nodes),
		TotalLevels:    len(g.levels),
		TasksPerLevel:  perLevel,
		ExecutionOrder: order,
	}
}
