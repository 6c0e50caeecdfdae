// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package driver

import (
	"fmt"
	"strings"

	"github.com/taskforge-dev/taskforge/internal/contextengine"
	"github.com/taskforge-dev/taskforge/internal/graph"
)

const taskAgentSystemPrompt = "You are implementing one task of a larger generated project. " +
	"Write tests first, then the implementation that satisfies them. Keep changes scoped to this task; " +
	"do not touch files outside what it requires. For every file to create or change, output:\n" +
	"FILE: <path>\n```\n<full file content>\n```\n" +
	"Output nothing else."

const scaffoldSystemPrompt = "You are scaffolding a brand-new project. Create the minimal build " +
	"files and directory layout a project on this tech stack needs before any feature work begins " +
	"(dependency manifest, entrypoint, directory stubs, a basic README). Do not implement any of the " +
	"listed upcoming tasks yet. For every file to create, output:\n" +
	"FILE: <path>\n```\n<full file content>\n```\n" +
	"Output nothing else."

const integrationSystemPrompt = "You are the final integration pass over a project whose tasks have " +
	"each already been implemented and merged independently. Wire the pieces together: fix import or " +
	"naming mismatches between tasks, add any missing top-level entrypoint or registration code, and " +
	"remove dead scaffolding. Do not re-implement a task's own logic. For every file to create or " +
	"change, output:\n" +
	"FILE: <path>\n```\n<full file content>\n```\n" +
	"Output nothing else."

// buildScaffoldPrompt lists every task summary it is given (the
// orchestrator passes at most the first 20 task descriptions) as a
// preview of what the scaffold needs to accommodate, mirroring the
// original generator's _run_scaffold context.
func buildScaffoldPrompt(techStack string, taskSummaries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tech stack: %s\n\nUpcoming tasks this scaffold must support:\n", techStack)
	for _, s := range taskSummaries {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

// buildIntegrationPrompt lists every completed task as context for the
// final wiring pass.
func buildIntegrationPrompt(completedTaskSummaries []string) string {
	var b strings.Builder
	b.WriteString("Completed tasks to integrate:\n")
	for _, s := range completedTaskSummaries {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

// buildTaskPrompt assembles the user turn for the initial generation
// call: the task itself, files from completed dependencies and
// keyword-related tasks, and any semantically similar snippets the
// context engine surfaced.
func buildTaskPrompt(task graph.Task, taskCtx graph.Context, semantic []contextengine.Match) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", task.Description)
	if task.ImplementationDetails != "" {
		fmt.Fprintf(&b, "\nImplementation details:\n%s\n", task.ImplementationDetails)
	}

	if len(taskCtx.RelatedFiles) > 0 {
		b.WriteString("\nRelated files from completed dependencies (for reference, do not repeat their content):\n")
		for _, f := range taskCtx.RelatedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(semantic) > 0 {
		b.WriteString("\nSemantically related context:\n")
		for _, m := range semantic {
			fmt.Fprintf(&b, "- %s (score %.2f)\n", m.DataKey, m.SimilarityScore)
		}
	}

	return b.String()
}
