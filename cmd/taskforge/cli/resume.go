// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cli

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a previously interrupted generation",
	Long: `resume re-runs generate against the same task list. Orchestrator.Generate
already reconciles any existing checkpoint and workspace state before
dispatching, so resuming is just invoking generate again — tasks
already completed or merged are skipped.`,
	RunE: runGenerate,
}

func init() {
	resumeCmd.Flags().StringVar(&generateTasksFile, "tasks", "", "Path to a JSON file containing the full task list (required)")
	resumeCmd.Flags().StringVar(&generateRepoURL, "repo-url", "", "Repository URL to record on the generation state")
	_ = resumeCmd.MarkFlagRequired("tasks")
}
