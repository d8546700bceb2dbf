package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to a conductor server's Operator Control Surface.
type APIClient struct {
	server string
	http   *http.Client
}

// ActionRequest is the shared envelope every §6.3 action decodes.
type ActionRequest struct {
	ActorType        string `json:"actor_type"`
	ActorDisplayName string `json:"actor_display_name"`
	Comment          string `json:"comment,omitempty"`
}

type StartRunRequest struct {
	ActionRequest
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	RepoID    string `json:"repo_id"`
	RunNumber int    `json:"run_number"`
}

type Constraints struct {
	AllowedPaths    []string `json:"allowed_paths,omitempty"`
	AllowedCommands []string `json:"allowed_commands,omitempty"`
	AllowedHosts    []string `json:"allowed_hosts,omitempty"`
	AllowedHashes   []string `json:"allowed_content_hashes,omitempty"`
}

type GrantPolicyExceptionRequest struct {
	ActionRequest
	Scope       string      `json:"scope"`
	Constraints Constraints `json:"constraints"`
}

// Run mirrors runs.Run's JSON shape closely enough for display purposes;
// it decodes only the fields conductorctl renders.
type Run struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	RepoID    string `json:"repo_id"`
	TaskID    string `json:"task_id"`
	Phase     string `json:"phase"`
	Step      string `json:"step"`
	Result    string `json:"result,omitempty"`
}

type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func NewAPIClient(server string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}
	return &APIClient{server: server, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *APIClient) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var out Run
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Action(ctx context.Context, runID, action string, req ActionRequest) (*Run, error) {
	var out Run
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/"+action, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) GrantPolicyException(ctx context.Context, runID string, req GrantPolicyExceptionRequest) (*Run, error) {
	var out Run
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/grant-policy-exception", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr APIError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
