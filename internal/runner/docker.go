// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// dockerStopTimeout bounds how long a local run's container is given
// to exit gracefully before it is force-removed.
const dockerStopTimeout = 10 * time.Second

// LocalDockerRunner is an optional transport for the runner contract
// that executes a project's command in a local container instead of
// calling the runner HTTP service. It exists for development and test
// environments where no runner service is deployed.
type LocalDockerRunner struct {
	client *client.Client
	image  string
}

// NewLocalDockerRunner returns a LocalDockerRunner using image as the
// base image every run's command executes inside.
func NewLocalDockerRunner(image string) (*LocalDockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runner: create docker client: %w", err)
	}
	return &LocalDockerRunner{client: cli, image: image}, nil
}

// Close releases the underlying Docker client connection.
func (l *LocalDockerRunner) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Run creates a container running command against workspaceDir, waits
// for it to exit, collects its logs, and removes it. It returns the
// same Run shape as the HTTP runner client's GetRun; it does not
// implement the Client's StartRun/GetRun/PollUntilDone methods.
func (l *LocalDockerRunner) Run(ctx context.Context, command, workspaceDir string) (Run, error) {
	resp, err := l.client.ContainerCreate(ctx, &container.Config{
		Image:      l.image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Binds: []string{workspaceDir + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return Run{}, fmt.Errorf("runner: create container: %w", err)
	}
	containerID := resp.ID
	defer l.stopAndRemove(context.Background(), containerID)

	if err := l.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Run{}, fmt.Errorf("runner: start container: %w", err)
	}

	statusCh, errCh := l.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return Run{}, fmt.Errorf("runner: wait container: %w", err)
		}
	case result := <-statusCh:
		exitCode = result.StatusCode
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}

	output, err := l.logs(ctx, containerID)
	if err != nil {
		output = ""
	}

	status := StatusPassed
	if exitCode != 0 {
		status = StatusFailed
	}
	return Run{ID: containerID, Status: status, Output: output}, nil
}

func (l *LocalDockerRunner) logs(ctx context.Context, containerID string) (string, error) {
	out, err := l.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("runner: get logs: %w", err)
	}
	defer out.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, out); err != nil {
		return "", fmt.Errorf("runner: read logs: %w", err)
	}
	return sb.String(), nil
}

func (l *LocalDockerRunner) stopAndRemove(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := int(dockerStopTimeout.Seconds())
	_ = l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
