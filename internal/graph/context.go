// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package graph

import "sort"

// TaskResult is the subset of a completed task's outcome the graph
// needs to build context bundles for its dependents.
type TaskResult struct {
	Files []string
}

// Context is the bundle of related files handed to a task's driver.
type Context struct {
	Description           string
	ImplementationDetails string
	RelatedFiles          []string
}

const maxRelatedFiles = 10
const minKeywordOverlap = 2
const keywordMatchFileCap = 2

// GetContextForTask returns a bundle of related files drawn from (a)
// direct dependencies, then (b) other completed tasks whose keywords
// overlap by at least two with this task's keywords. File paths are
// deduplicated and the bundle capped at 10.
func (g *Graph) GetContextForTask(taskID string, completedResults map[string]TaskResult) Context {
	node := g.nodes[taskID]
	if node == nil {
		return Context{}
	}

	ctx := Context{
		Description:           node.Description,
		ImplementationDetails: node.ImplementationDetails,
	}

	seen := make(map[string]bool)
	var related []string
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		related = append(related, path)
	}

	depSet := make(map[string]bool, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		depSet[dep] = true
		if res, ok := completedResults[dep]; ok {
			for _, f := range res.Files {
				add(f)
			}
		}
	}

	// Keyword-matched other completed tasks, in deterministic order.
	others := make([]string, 0, len(completedResults))
	for id := range completedResults {
		if id == taskID || depSet[id] {
			continue
		}
		others = append(others, id)
	}
	sort.Strings(others)

	for _, id := range others {
		otherNode := g.nodes[id]
		if otherNode == nil {
			continue
		}
		if overlapCount(node.Keywords, otherNode.Keywords) >= minKeywordOverlap {
			files := completedResults[id].Files
			if len(files) > keywordMatchFileCap {
				files = files[:keywordMatchFileCap]
			}
			for _, f := range files {
				add(f)
			}
		}
	}

	if len(related) > maxRelatedFiles {
		related = related[:maxRelatedFiles]
	}
	ctx.RelatedFiles = related

	return ctx
}
