// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package workspace is the HTTP JSON client for the external workspace
// service: the file/git surface every task driver, merge serializer and
// reconciler operate against.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskforge-dev/taskforge/internal/telemetry"
)

// Client is the workspace service's HTTP JSON client. All operations
// are parameterized by projectId and branch.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for the workspace service at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Status is the repo/branch status probe result.
type Status struct {
	Exists     bool
	HeadSHA    string
	HasChanges bool
}

// Status probes whether projectId/branch exists and its current head.
func (c *Client) Status(ctx context.Context, projectID, branch string) (Status, error) {
	ctx, span := telemetry.StartSpan(ctx, "workspace.status")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID), attribute.String("branch", branch))

	u := fmt.Sprintf("%s/workspace/%s/status?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.get(ctx, u)
	if err != nil {
		telemetry.RecordError(span, err)
		return Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Status{Exists: false}, nil
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("workspace: status: unexpected status %d", resp.StatusCode)
		telemetry.RecordError(span, err)
		return Status{}, err
	}

	var out struct {
		HeadSHA    string `json:"head_sha"`
		HasChanges bool   `json:"has_changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, fmt.Errorf("workspace: decode status: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return Status{Exists: true, HeadSHA: out.HeadSHA, HasChanges: out.HasChanges}, nil
}

// CreateRepo creates a new repository named projectId. A 409 response
// (already exists) is treated as success, matching the workspace
// service's idempotent create semantics.
func (c *Client) CreateRepo(ctx context.Context, projectID, techStack string) error {
	ctx, span := telemetry.StartSpan(ctx, "workspace.create_repo")
	defer span.End()

	body, _ := json.Marshal(map[string]string{"project_id": projectID, "tech_stack": techStack})
	resp, err := c.post(ctx, c.baseURL+"/workspace/repos", body)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("workspace: create repo: unexpected status %d", resp.StatusCode)
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// ReadFile returns the content of path on branch.
func (c *Client) ReadFile(ctx context.Context, projectID, branch, path string) (string, error) {
	u := fmt.Sprintf("%s/workspace/%s/files/read?branch=%s&path=%s",
		c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch), url.QueryEscape(path))
	resp, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("workspace: read file %s: unexpected status %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("workspace: read file body: %w", err)
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("workspace: decode read file: %w", err)
	}
	return out.Content, nil
}

// WriteFile writes content to path on branch, creating it if absent.
func (c *Client) WriteFile(ctx context.Context, projectID, branch, path, content string) error {
	body, _ := json.Marshal(map[string]string{"path": path, "content": content})
	u := fmt.Sprintf("%s/workspace/%s/files/write?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workspace: write file %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// EditFile replaces the first occurrence of oldText with newText in path.
func (c *Client) EditFile(ctx context.Context, projectID, branch, path, oldText, newText string) error {
	body, _ := json.Marshal(map[string]string{"path": path, "old_text": oldText, "new_text": newText})
	u := fmt.Sprintf("%s/workspace/%s/files/edit?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workspace: edit file %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// ListFiles lists files under path on branch matching a glob pattern.
func (c *Client) ListFiles(ctx context.Context, projectID, branch, path, pattern string) ([]string, error) {
	body, _ := json.Marshal(map[string]string{"path": path, "pattern": pattern})
	u := fmt.Sprintf("%s/workspace/%s/files/list?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workspace: list files: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("workspace: decode list files: %w", err)
	}
	return out.Files, nil
}

// Grep searches file contents on branch for pattern.
func (c *Client) Grep(ctx context.Context, projectID, branch, pattern string) ([]string, error) {
	body, _ := json.Marshal(map[string]string{"pattern": pattern})
	u := fmt.Sprintf("%s/workspace/%s/grep?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workspace: grep: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Matches []string `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("workspace: decode grep: %w", err)
	}
	return out.Matches, nil
}

// Commit commits all pending changes on branch with message.
func (c *Client) Commit(ctx context.Context, projectID, branch, message string) error {
	body, _ := json.Marshal(map[string]string{"message": message})
	u := fmt.Sprintf("%s/workspace/%s/commit?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workspace: commit: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// UpdateResult is the outcome of rebasing/merging branch onto main.
type UpdateResult struct {
	HadConflicts  bool
	ConflictFiles []string
}

// UpdateFromMain rebases or merges branch onto main, reporting conflicts
// rather than failing outright.
func (c *Client) UpdateFromMain(ctx context.Context, projectID, branch string) (UpdateResult, error) {
	u := fmt.Sprintf("%s/workspace/%s/update-from-main?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, nil)
	if err != nil {
		return UpdateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var out struct {
			ConflictFiles []string `json:"conflict_files"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return UpdateResult{HadConflicts: true, ConflictFiles: out.ConflictFiles}, nil
	}
	if resp.StatusCode >= 300 {
		return UpdateResult{}, fmt.Errorf("workspace: update from main: unexpected status %d", resp.StatusCode)
	}
	return UpdateResult{}, nil
}

// MergeResult is the outcome of merging branch to main via PR.
type MergeResult struct {
	Merged  bool
	Message string
}

// MergePR merges branch into main using the given merge style (e.g.
// "squash"), returning whether it succeeded and any error string the
// workspace service reported (used to distinguish retryable conflicts
// from hard failures).
func (c *Client) MergePR(ctx context.Context, projectID, branch, style string) (MergeResult, error) {
	body, _ := json.Marshal(map[string]string{"style": style})
	u := fmt.Sprintf("%s/workspace/%s/merge?branch=%s", c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return MergeResult{}, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var out struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &out)
		if out.Error == "" {
			out.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return MergeResult{Merged: false, Message: out.Error}, nil
	}

	var out struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &out)
	return MergeResult{Merged: true, Message: out.Message}, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("workspace: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workspace: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, rawURL string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workspace: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workspace: request failed: %w", err)
	}
	return resp, nil
}
