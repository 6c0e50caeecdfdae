// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TTL is the retention window applied to every checkpoint, mirroring
// the original GenerationStateStore's seven-day Redis expiry.
const TTL = 7 * 24 * time.Hour

// Store is a thin façade over an external key-value service that
// durably checkpoints GenerationState between orchestrator restarts
//. It does not interpret the state it stores; callers are
// responsible for reconciling a loaded state against the workspace
// before trusting it (see internal/reconcile).
type Store struct {
	baseURL    string
	httpClient *http.Client
}

// NewStore returns a Store backed by the key-value service at baseURL.
func NewStore(baseURL string, httpClient *http.Client) *Store {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Store{baseURL: baseURL, httpClient: httpClient}
}

type wireState struct {
	ProjectID         string            `json:"project_id"`
	GenerationID      string            `json:"generation_id"`
	Status            Status            `json:"status"`
	TechStack         string            `json:"tech_stack"`
	RepoURL           string            `json:"repo_url"`
	MainBranch        string            `json:"main_branch"`
	TotalTasks        int               `json:"total_tasks"`
	CompletedTasks    []string          `json:"completed_tasks"`
	CurrentTasks      []string          `json:"current_tasks"`
	FailedTasks       map[string]string `json:"failed_tasks"`
	BlockedTasks      []string          `json:"blocked_tasks"`
	ActiveBranches    []string          `json:"active_branches"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	UpdatedAt         *time.Time        `json:"updated_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	AdditionalRetries int               `json:"additional_retries"`
}

func toWire(s *GenerationState) wireState {
	return wireState{
		ProjectID:         s.ProjectID,
		GenerationID:      s.GenerationID,
		Status:            s.Status,
		TechStack:         s.TechStack,
		RepoURL:           s.RepoURL,
		MainBranch:        s.MainBranch,
		TotalTasks:        s.TotalTasks,
		CompletedTasks:    s.CompletedTasks,
		CurrentTasks:      s.CurrentTasks,
		FailedTasks:       s.FailedTasks,
		BlockedTasks:      s.BlockedTasks,
		ActiveBranches:    s.ActiveBranches,
		StartedAt:         s.StartedAt,
		UpdatedAt:         s.UpdatedAt,
		CompletedAt:       s.CompletedAt,
		LastError:         s.LastError,
		RetryCount:        s.RetryCount,
		MaxRetries:        s.MaxRetries,
		AdditionalRetries: s.AdditionalRetries,
	}
}

func fromWire(w wireState) *GenerationState {
	return &GenerationState{
		ProjectID:         w.ProjectID,
		GenerationID:      w.GenerationID,
		Status:            w.Status,
		TechStack:         w.TechStack,
		RepoURL:           w.RepoURL,
		MainBranch:        w.MainBranch,
		TotalTasks:        w.TotalTasks,
		CompletedTasks:    w.CompletedTasks,
		CurrentTasks:      w.CurrentTasks,
		FailedTasks:       w.FailedTasks,
		BlockedTasks:      w.BlockedTasks,
		ActiveBranches:    w.ActiveBranches,
		StartedAt:         w.StartedAt,
		UpdatedAt:         w.UpdatedAt,
		CompletedAt:       w.CompletedAt,
		LastError:         w.LastError,
		RetryCount:        w.RetryCount,
		MaxRetries:        w.MaxRetries,
		AdditionalRetries: w.AdditionalRetries,
	}
}

func key(projectID string) string { return "generation:" + projectID }

// Save upserts s under its project key with the standard TTL.
func (s *Store) Save(ctx context.Context, state *GenerationState) error {
	body, err := json.Marshal(struct {
		Key   string    `json:"key"`
		Value wireState `json:"value"`
		TTL   int64     `json:"ttl_seconds"`
	}{Key: key(state.ProjectID), Value: toWire(state), TTL: int64(TTL.Seconds())})
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/kv", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("state: build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("state: save: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("state: save: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Load fetches the GenerationState for projectID. It returns (nil,
// nil) if no checkpoint exists.
func (s *Store) Load(ctx context.Context, projectID string) (*GenerationState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/kv/"+key(projectID), nil)
	if err != nil {
		return nil, fmt.Errorf("state: build load request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("state: load: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("state: load: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("state: read load response: %w", err)
	}

	w, err := decodeWireState(data)
	if err != nil {
		return nil, fmt.Errorf("state: decode: %w", err)
	}
	return fromWire(w), nil
}

// decodeWireState accepts either a parsed JSON object or a JSON string
// containing that object, since some key-value backends round-trip
// values through an extra layer of string encoding.
func decodeWireState(data []byte) (wireState, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err == nil {
		return w, nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return wireState{}, err
	}
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return wireState{}, err
	}
	return w, nil
}

// Delete removes the checkpoint for projectID.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/kv/"+key(projectID), nil)
	if err != nil {
		return fmt.Errorf("state: build delete request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("state: delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("state: delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Exists reports whether a checkpoint is present for projectID.
func (s *Store) Exists(ctx context.Context, projectID string) (bool, error) {
	st, err := s.Load(ctx, projectID)
	if err != nil {
		return false, err
	}
	return st != nil, nil
}
