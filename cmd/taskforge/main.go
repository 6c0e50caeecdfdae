// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Command taskforge drives the task-graph code-generation orchestrator
// from the command line: generate runs a project end to end, resume
// continues a checkpointed run, and status reports its last known
// state.
package main

import "github.com/taskforge-dev/taskforge/cmd/taskforge/cli"

func main() {
	cli.Execute()
}
