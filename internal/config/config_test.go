// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, ".taskforge")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orchestrator.yaml"), []byte(content), 0644))

	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { os.Chdir(oldDir) })

	return tmpDir
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setupFunc   func(t *testing.T)
		wantErr     bool
		errContains string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid configuration file",
			setupFunc: func(t *testing.T) {
				writeConfig(t, `
project:
  name: "demo-app"
  tech_stack: "go"
  working_directory: "/tmp/demo-app"

collaborators:
  workspace_url: "http://localhost:8081"
  runner_url: "http://localhost:8082"
  context_engine_url: "http://localhost:8083"
  state_store_url: "http://localhost:8084"

lm:
  provider: "cerebras"
  base_url: "https://api.cerebras.ai/v1"
  model: "llama3.1-70b"
  api_key_env: "CEREBRAS_API_KEY"
  cerebras_rotation_models:
    - "llama3.1-70b"
    - "llama3.1-8b"

orchestrator:
  max_parallel_tasks: 6
  max_consecutive_failures: 4
  max_fix_attempts: 2

build:
  scaffold_command: "taskforge-scaffold"
  test_command: "go test ./..."
  integration_command: "go build ./..."
`)
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "demo-app", cfg.Project.Name)
				assert.Equal(t, "go", cfg.Project.TechStack)
				assert.Equal(t, "/tmp/demo-app", cfg.Project.WorkingDirectory)
				assert.Equal(t, "http://localhost:8081", cfg.Collaborators.WorkspaceURL)
				assert.Equal(t, "cerebras", cfg.LM.Provider)
				assert.ElementsMatch(t, []string{"llama3.1-70b", "llama3.1-8b"}, cfg.LM.CerebrasRotationModels)
				assert.Equal(t, 6, cfg.Orchestrator.MaxParallelTasks)
				assert.Equal(t, "go test ./...", cfg.Build.TestCommand)
			},
		},
		{
			name:        "missing config file",
			setupFunc:   func(t *testing.T) {},
			wantErr:     true,
			errContains: "configuration file not found",
		},
		{
			name: "invalid yaml syntax",
			setupFunc: func(t *testing.T) {
				writeConfig(t, "project:\n  name: \"test\"\n  invalid yaml syntax here: [\n")
			},
			wantErr:     true,
			errContains: "failed to parse config",
		},
		{
			name: "empty working directory defaults to cwd",
			setupFunc: func(t *testing.T) {
				writeConfig(t, `
project:
  name: "demo-app"

collaborators:
  workspace_url: "http://localhost:8081"
  runner_url: "http://localhost:8082"

lm:
  provider: "openai"
`)
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.NotEmpty(t, cfg.Project.WorkingDirectory)
				cwd, _ := os.Getwd()
				assert.Equal(t, cwd, cfg.Project.WorkingDirectory)
			},
		},
		{
			name: "missing orchestrator tunables fall back to defaults",
			setupFunc: func(t *testing.T) {
				writeConfig(t, `
project:
  name: "minimal"

collaborators:
  workspace_url: "http://localhost:8081"
  runner_url: "http://localhost:8082"

lm:
  provider: "openai"
`)
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4, cfg.Orchestrator.MaxParallelTasks)
				assert.Equal(t, 5, cfg.Orchestrator.MaxConsecutiveFailures)
				assert.Equal(t, 3, cfg.Orchestrator.MaxFixAttempts)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name != "missing config file" {
				tt.setupFunc(t)
			} else {
				tmpDir := t.TempDir()
				oldDir, err := os.Getwd()
				require.NoError(t, err)
				require.NoError(t, os.Chdir(tmpDir))
				t.Cleanup(func() { os.Chdir(oldDir) })
			}

			cfg, err := Load()

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Project: ProjectConfig{Name: "demo-app", WorkingDirectory: "/tmp/demo-app"},
			Collaborators: CollaboratorsConfig{
				WorkspaceURL: "http://localhost:8081",
				RunnerURL:    "http://localhost:8082",
			},
			LM: LMConfig{Provider: "openai"},
		}
	}

	t.Run("valid configuration", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("missing project name", func(t *testing.T) {
		cfg := base()
		cfg.Project.Name = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "project name is required")
	})

	t.Run("missing working directory", func(t *testing.T) {
		cfg := base()
		cfg.Project.WorkingDirectory = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "working directory is required")
	})

	t.Run("missing workspace url", func(t *testing.T) {
		cfg := base()
		cfg.Collaborators.WorkspaceURL = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workspace_url is required")
	})

	t.Run("missing runner url", func(t *testing.T) {
		cfg := base()
		cfg.Collaborators.RunnerURL = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runner_url is required")
	})

	t.Run("missing lm provider", func(t *testing.T) {
		cfg := base()
		cfg.LM.Provider = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lm.provider is required")
	})
}

func TestConfig_APIKey(t *testing.T) {
	t.Run("reads from named env var", func(t *testing.T) {
		t.Setenv("TEST_TASKFORGE_LM_KEY", "secret-value")
		cfg := &Config{LM: LMConfig{APIKeyEnv: "TEST_TASKFORGE_LM_KEY"}}
		assert.Equal(t, "secret-value", cfg.APIKey())
	})

	t.Run("empty when unset", func(t *testing.T) {
		cfg := &Config{}
		assert.Equal(t, "", cfg.APIKey())
	})
}
