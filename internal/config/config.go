// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package config loads the taskforge orchestrator's configuration: the
// external collaborator URLs, LM provider selection, and dispatch-loop
// tunables needed to wire an Orchestrator together from the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskforge configuration, loaded from
// .taskforge/orchestrator.yaml in the working directory.
type Config struct {
	Project       ProjectConfig       `yaml:"project"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	LM            LMConfig            `yaml:"lm"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Build         BuildConfig         `yaml:"build"`
}

// ProjectConfig holds project-level configuration.
type ProjectConfig struct {
	Name             string `yaml:"name"`
	TechStack        string `yaml:"tech_stack"`
	WorkingDirectory string `yaml:"working_directory"`
}

// CollaboratorsConfig holds the base URLs of the external services the
// orchestrator treats as collaborators: the workspace
// (file/git), runner (build/test execution) and context engine
// (semantic file discovery) services, plus the key-value service
// backing state checkpoints.
type CollaboratorsConfig struct {
	WorkspaceURL     string `yaml:"workspace_url"`
	RunnerURL        string `yaml:"runner_url"`
	ContextEngineURL string `yaml:"context_engine_url"`
	StateStoreURL    string `yaml:"state_store_url"`
}

// LMConfig selects and configures the language-model provider every
// driver and the merge serializer's conflict resolution use.
type LMConfig struct {
	Provider               string   `yaml:"provider"` // "openai", "cerebras", "groq", "opencode", ...
	BaseURL                string   `yaml:"base_url"`
	Model                  string   `yaml:"model"`
	APIKeyEnv              string   `yaml:"api_key_env"`
	CerebrasRotationModels []string `yaml:"cerebras_rotation_models"`
	OpenCodeBaseURL        string   `yaml:"opencode_base_url"`
	OpenCodePort           int      `yaml:"opencode_port"`
}

// OrchestratorConfig tunes the dispatch loop.
type OrchestratorConfig struct {
	MaxParallelTasks       int `yaml:"max_parallel_tasks"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	MaxFixAttempts         int `yaml:"max_fix_attempts"`
}

// BuildConfig specifies the scaffold, test and integration commands
// the runner executes on behalf of a generation run.
type BuildConfig struct {
	ScaffoldCommand    string `yaml:"scaffold_command"`
	TestCommand        string `yaml:"test_command"`
	IntegrationCommand string `yaml:"integration_command"`
}

// configRelPath is where Load looks for the configuration file,
// relative to the current working directory.
const configRelPath = ".taskforge/orchestrator.yaml"

// Load loads the configuration from .taskforge/orchestrator.yaml under
// the current working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	configPath := filepath.Join(cwd, filepath.FromSlash(configRelPath))

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Project.WorkingDirectory == "" {
		cfg.Project.WorkingDirectory = cwd
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.MaxParallelTasks == 0 {
		c.Orchestrator.MaxParallelTasks = 4
	}
	if c.Orchestrator.MaxConsecutiveFailures == 0 {
		c.Orchestrator.MaxConsecutiveFailures = 5
	}
	if c.Orchestrator.MaxFixAttempts == 0 {
		c.Orchestrator.MaxFixAttempts = 3
	}
}

// Validate validates the configuration has the minimum required fields
// to run a generation.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if c.Project.WorkingDirectory == "" {
		return fmt.Errorf("working directory is required")
	}
	if c.Collaborators.WorkspaceURL == "" {
		return fmt.Errorf("collaborators.workspace_url is required")
	}
	if c.Collaborators.RunnerURL == "" {
		return fmt.Errorf("collaborators.runner_url is required")
	}
	if c.LM.Provider == "" {
		return fmt.Errorf("lm.provider is required")
	}
	return nil
}

// APIKey returns the LM provider's API key from the environment
// variable named by LM.APIKeyEnv, or "" if unset.
func (c *Config) APIKey() string {
	if c.LM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LM.APIKeyEnv)
}
