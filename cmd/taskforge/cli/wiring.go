// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/taskforge-dev/taskforge/internal/agent"
	"github.com/taskforge-dev/taskforge/internal/config"
	"github.com/taskforge-dev/taskforge/internal/contextengine"
	"github.com/taskforge-dev/taskforge/internal/driver"
	"github.com/taskforge-dev/taskforge/internal/events"
	"github.com/taskforge-dev/taskforge/internal/graph"
	"github.com/taskforge-dev/taskforge/internal/llm"
	"github.com/taskforge-dev/taskforge/internal/mergequeue"
	"github.com/taskforge-dev/taskforge/internal/orchestrator"
	"github.com/taskforge-dev/taskforge/internal/reconcile"
	"github.com/taskforge-dev/taskforge/internal/runner"
	"github.com/taskforge-dev/taskforge/internal/state"
	"github.com/taskforge-dev/taskforge/internal/workspace"
)

// taskFile is the on-disk shape `generate`/`resume` read their task
// list from: a JSON object whose "tasks" field is an array of tasks,
// each with the same fields graph.Task itself carries.
type taskFile struct {
	Tasks []graph.Task `json:"tasks"`
}

func loadTasks(path string) ([]graph.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	return tf.Tasks, nil
}

// buildLLMClient constructs the llm.Client matching cfg.LM.Provider.
func buildLLMClient(cfg *config.Config) llm.Client {
	base := llm.NewHTTPClient(cfg.LM.BaseURL, cfg.APIKey(), cfg.LM.Model, nil)
	if cfg.LM.Provider == "cerebras" && len(cfg.LM.CerebrasRotationModels) > 0 {
		return llm.NewRotatingCerebrasClient(base, cfg.LM.CerebrasRotationModels)
	}
	return base
}

// buildOrchestrator wires every collaborator package into one
// Orchestrator per the config's selected LM provider: the reference
// TaskAgentDriver, or the OpenCode SDK-backed driver.
func buildOrchestrator(cfg *config.Config, log *slog.Logger) (*orchestrator.Orchestrator, error) {
	ws := workspace.NewClient(cfg.Collaborators.WorkspaceURL, httpClient())
	rn := runner.NewClient(cfg.Collaborators.RunnerURL, httpClient())
	ce := contextengine.NewClient(cfg.Collaborators.ContextEngineURL, httpClient(), log)
	store := state.NewStore(cfg.Collaborators.StateStoreURL, httpClient())
	rec := reconcile.New(ws, store, log)

	llmClient := buildLLMClient(cfg)
	merge := mergequeue.NewCoordinator(mergequeue.Config{}, ws, rn, llmClient, log)

	var drv driver.Driver
	if cfg.LM.Provider == "opencode" {
		opencodeClient := agent.NewClient(cfg.LM.OpenCodeBaseURL, cfg.LM.OpenCodePort)
		drv = driver.NewOpenCodeDriver(driver.OpenCodeConfig{
			TechStack:      cfg.Project.TechStack,
			TestCommand:    cfg.Build.TestCommand,
			Model:          cfg.LM.Model,
			MaxFixAttempts: cfg.Orchestrator.MaxFixAttempts,
		}, ws, rn, ce, merge, opencodeClient, log)
	} else {
		drv = driver.New(driver.Config{
			TechStack:      cfg.Project.TechStack,
			TestCommand:    cfg.Build.TestCommand,
			MaxFixAttempts: cfg.Orchestrator.MaxFixAttempts,
		}, ws, rn, ce, merge, llmClient, log)
	}

	sink := events.NewLoggingSink(log)

	oCfg := orchestrator.Config{
		MaxParallelTasks:       cfg.Orchestrator.MaxParallelTasks,
		MaxConsecutiveFailures: cfg.Orchestrator.MaxConsecutiveFailures,
		ScaffoldCommand:        cfg.Build.ScaffoldCommand,
		IntegrationCommand:     cfg.Build.IntegrationCommand,
	}

	return orchestrator.New(oCfg, ws, rn, rec, store, drv, sink, log), nil
}
