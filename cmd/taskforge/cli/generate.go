// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	generateTasksFile string
	generateRepoURL   string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run a generation from scratch, or resume one already in progress",
	Long: `generate builds the dependency graph for the tasks file, reconciles
any prior checkpoint against the workspace, and drives scaffold,
dispatch and integration to completion.`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&generateTasksFile, "tasks", "", "Path to a JSON file containing the task list (required)")
	generateCmd.Flags().StringVar(&generateRepoURL, "repo-url", "", "Repository URL to record on the generation state")
	_ = generateCmd.MarkFlagRequired("tasks")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tasks, err := loadTasks(generateTasksFile)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("tasks file %s contains no tasks", generateTasksFile)
	}

	o, err := buildOrchestrator(cfg, log)
	if err != nil {
		return fmt.Errorf("wire orchestrator: %w", err)
	}

	st, err := o.Generate(context.Background(), cfg.Project.Name, cfg.Project.TechStack, generateRepoURL, tasks)
	if err != nil {
		printGenerationState(st)
		return fmt.Errorf("generation failed: %w", err)
	}

	printGenerationState(st)
	return nil
}
