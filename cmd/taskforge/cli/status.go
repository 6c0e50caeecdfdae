// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskforge-dev/taskforge/internal/state"
)

var statusProjectID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last checkpointed generation state for a project",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProjectID, "project", "", "Project ID to check (defaults to the configured project name)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	projectID := statusProjectID
	if projectID == "" {
		projectID = cfg.Project.Name
	}

	store := state.NewStore(cfg.Collaborators.StateStoreURL, httpClient())
	st, err := store.Load(context.Background(), projectID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		fmt.Printf("no checkpoint found for project %q\n", projectID)
		return nil
	}

	printGenerationState(st)
	return nil
}

func printGenerationState(st *state.GenerationState) {
	if st == nil {
		fmt.Println("no generation state available")
		return
	}
	fmt.Printf("project:    %s\n", st.ProjectID)
	fmt.Printf("generation: %s\n", st.GenerationID)
	fmt.Printf("status:     %s\n", st.Status)
	fmt.Printf("progress:   %.1f%% (%d/%d tasks)\n", st.ProgressPercent(), len(st.CompletedTasks), st.TotalTasks)
	if len(st.BlockedTasks) > 0 {
		fmt.Printf("blocked:    %v\n", st.BlockedTasks)
	}
	if len(st.FailedTasks) > 0 {
		fmt.Printf("failed:     %v\n", st.FailedTasks)
	}
	if st.LastError != "" {
		fmt.Printf("last error: %s\n", st.LastError)
	}
}
