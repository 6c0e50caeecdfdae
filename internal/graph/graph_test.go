// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearTasks() []Task {
	return []Task{
		{ID: "T1", Description: "build the api handler", StoryPoints: 1},
		{ID: "T2", Description: "add the database model", StoryPoints: 2, DependsOn: []string{"T1"}},
		{ID: "T3", Description: "wire the service layer", StoryPoints: 1, DependsOn: []string{"T2"}},
		{ID: "T4", Description: "write auth tests", StoryPoints: 3, DependsOn: []string{"T3"}},
	}
}

func TestFromTasks_LevelsAndOrder(t *testing.T) {
	g := FromTasks(linearTasks())
	require.Equal(t, 4, g.Len())

	assert.Equal(t, 0, g.Node("T1").Level)
	assert.Equal(t, 1, g.Node("T2").Level)
	assert.Equal(t, 2, g.Node("T3").Level)
	assert.Equal(t, 3, g.Node("T4").Level)

	assert.Equal(t, []string{"T1", "T2", "T3", "T4"}, g.ExecutionOrder())
	assert.Empty(t, g.Diagnostics())
}

func TestFromTasks_DiamondParallelLevels(t *testing.T) {
	tasks := []Task{
		{ID: "A", Description: "root"},
		{ID: "B", Description: "left", DependsOn: []string{"A"}},
		{ID: "C", Description: "right", DependsOn: []string{"A"}},
		{ID: "D", Description: "join", DependsOn: []string{"B", "C"}},
	}
	g := FromTasks(tasks)

	assert.Equal(t, 0, g.Node("A").Level)
	assert.Equal(t, 1, g.Node("B").Level)
	assert.Equal(t, 1, g.Node("C").Level)
	assert.Equal(t, 2, g.Node("D").Level)

	ready := g.GetReady(map[string]bool{"A": true})
	ids := []string{ready[0].ID, ready[1].ID}
	assert.ElementsMatch(t, []string{"B", "C"}, ids)
}

func TestFromTasks_ExternalDependencyTreatedAsSatisfied(t *testing.T) {
	tasks := []Task{
		{ID: "A", Description: "only task", DependsOn: []string{"not-in-graph"}},
	}
	g := FromTasks(tasks)
	assert.Equal(t, 0, g.Node("A").Level)

	ready := g.GetReady(map[string]bool{})
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].ID)
}

func TestFromTasks_CycleIsBrokenNotFatal(t *testing.T) {
	tasks := []Task{
		{ID: "A", Description: "a", DependsOn: []string{"B"}},
		{ID: "B", Description: "b", DependsOn: []string{"A"}},
	}
	g := FromTasks(tasks)

	require.Equal(t, 2, g.Len())
	assert.NotEmpty(t, g.Diagnostics())
	assert.Equal(t, g.Node("A").Level, g.Node("B").Level)
}

func TestGetReady_ExcludesAlreadyCompleted(t *testing.T) {
	g := FromTasks(linearTasks())
	ready := g.GetReady(map[string]bool{"T1": true})
	require.Len(t, ready, 1)
	assert.Equal(t, "T2", ready[0].ID)
}

func TestExecutionOrder_TiesBrokenByStoryPointsThenID(t *testing.T) {
	tasks := []Task{
		{ID: "Z", Description: "z", StoryPoints: 5},
		{ID: "A", Description: "a", StoryPoints: 1},
		{ID: "B", Description: "b", StoryPoints: 1},
	}
	g := FromTasks(tasks)
	assert.Equal(t, []string{"A", "B", "Z"}, g.ExecutionOrder())
}

func TestGetContextForTask_DependenciesAndKeywordOverlap(t *testing.T) {
	tasks := []Task{
		{ID: "T1", Description: "build the api route handler for auth"},
		{ID: "T2", Description: "add an api auth endpoint", DependsOn: []string{"T1"}},
		{ID: "T3", Description: "unrelated storage cache work"},
	}
	g := FromTasks(tasks)

	results := map[string]TaskResult{
		"T1": {Files: []string{"src/routes/auth.go"}},
		"T3": {Files: []string{"src/cache/lru.go"}},
	}

	ctx := g.GetContextForTask("T2", results)
	assert.Contains(t, ctx.RelatedFiles, "src/routes/auth.go")
	assert.NotContains(t, ctx.RelatedFiles, "src/cache/lru.go")
}

func TestGetContextForTask_CapsAtTen(t *testing.T) {
	tasks := []Task{{ID: "main", Description: "api auth handler"}}
	results := map[string]TaskResult{}
	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		tasks = append(tasks, Task{ID: id, Description: "api auth handler " + id})
		results[id] = TaskResult{Files: []string{id + "/one.go", id + "/two.go"}}
	}
	g := FromTasks(tasks)
	ctx := g.GetContextForTask("main", results)
	assert.LessOrEqual(t, len(ctx.RelatedFiles), 10)
}

func TestTransitiveBlocked(t *testing.T) {
	g := FromTasks(linearTasks())
	blocked := g.TransitiveBlocked(map[string]bool{"T2": true})
	assert.ElementsMatch(t, []string{"T3", "T4"}, blocked)
}

func TestGetSummary(t *testing.T) {
	g := FromTasks(linearTasks())
	s := g.GetSummary()
	assert.Equal(t, 4, s.TotalTasks)
	assert.Equal(t, 4, s.TotalLevels)
	assert.Equal(t, []int{1, 1, 1, 1}, s.TasksPerLevel)
}
