// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package cli defines the Cobra command definitions for the taskforge
// CLI.
package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskforge-dev/taskforge/internal/config"
)

var version = "dev" // set via ldflags at build time

var rootCmd = &cobra.Command{
	Use:           "taskforge",
	Short:         "Task-graph code-generation orchestrator",
	Long:          `taskforge drives dependency-ordered, parallel code-generation tasks against an external workspace and runner, merging each task's branch back through a per-project serializer.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig loads and validates the .taskforge/orchestrator.yaml
// configuration every subcommand needs.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func httpClient() *http.Client {
	return &http.Client{}
}
