// Package githubclient implements outbox.Client against the real GitHub
// REST API: it resolves a short-lived installation token per write via
// credentials.Provider, then performs the create-PR/post-comment/
// update-status-check call the write's Kind names, the same unadorned
// net/http style credentials.AppProvider uses for its own GitHub calls
// (no client library is wired into the dependency set for this).
package githubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cswenor/conductor/internal/conductor/credentials"
	"github.com/cswenor/conductor/internal/conductor/outbox"
	"github.com/cswenor/conductor/internal/conductor/runs"
	"github.com/cswenor/conductor/internal/telemetry"
)

const defaultBaseURL = "https://api.github.com"

// Client performs GitHub writes on behalf of the outbox worker.
type Client struct {
	Tokens     credentials.Provider
	Runs       *runs.Store
	HTTPClient *http.Client
	BaseURL    string // defaults to defaultBaseURL; overridable in tests
}

func New(tokens credentials.Provider, runStore *runs.Store) *Client {
	return &Client{Tokens: tokens, Runs: runStore, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// createPRPayload is the Write.Payload shape for KindCreatePR.
type createPRPayload struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// commentPayload is the Write.Payload shape for KindPostComment. Category
// classifies the comment for the outbox's comment rate limiter (e.g.
// "phase_transition", "progress_update") — it plays no part in the GitHub
// call itself.
type commentPayload struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	Category    string `json:"category,omitempty"`
}

// statusCheckPayload is the Write.Payload shape for KindUpdateStatusCheck.
type statusCheckPayload struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	CommitSHA string `json:"commit_sha"`
	State     string `json:"state"`
	Context   string `json:"context"`
	TargetURL string `json:"target_url,omitempty"`
}

// Send performs w's write, embedding markedBody as the PR/comment body
// GitHub stores so a later recovery scan can find and verify it.
func (c *Client) Send(ctx context.Context, w *outbox.Write, markedBody string) (outbox.SendResult, error) {
	run, err := c.Runs.Get(ctx, w.RunID)
	if err != nil {
		return outbox.SendResult{}, fmt.Errorf("load run for outbox send: %w", err)
	}
	token, err := c.Tokens.ResolveToken(ctx, run.ProjectID, "outbox")
	if err != nil {
		return outbox.SendResult{}, fmt.Errorf("resolve outbox token: %w", err)
	}

	spanCtx, span := telemetry.StartOutboxAttemptSpan(ctx, string(w.Kind), w.Attempts+1)

	var result outbox.SendResult
	var status int
	switch w.Kind {
	case outbox.KindCreatePR:
		result, status, err = c.sendCreatePR(spanCtx, token, w.Payload, markedBody)
	case outbox.KindPostComment:
		result, status, err = c.sendComment(spanCtx, token, w.Payload, markedBody)
	case outbox.KindUpdateStatusCheck:
		result, status, err = c.sendStatusCheck(spanCtx, token, w.Payload)
	default:
		err = fmt.Errorf("unknown outbox write kind %q", w.Kind)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.EndOutboxAttemptSpan(span, outcome, status)
	return result, err
}

func (c *Client) sendCreatePR(ctx context.Context, token credentials.Token, payload json.RawMessage, body string) (outbox.SendResult, int, error) {
	var p createPRPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outbox.SendResult{}, 0, fmt.Errorf("decode create_pr payload: %w", err)
	}
	reqBody, _ := json.Marshal(map[string]string{
		"title": p.Title, "head": p.Head, "base": p.Base, "body": body,
	})
	path := fmt.Sprintf("/repos/%s/%s/pulls", p.Owner, p.Repo)

	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		NodeID  string `json:"node_id"`
	}
	status, err := c.do(ctx, token, http.MethodPost, path, reqBody, &out)
	if err != nil {
		return outbox.SendResult{}, status, err
	}
	return outbox.SendResult{GithubID: out.NodeID, GithubNumber: out.Number, GithubURL: out.HTMLURL}, status, nil
}

func (c *Client) sendComment(ctx context.Context, token credentials.Token, payload json.RawMessage, body string) (outbox.SendResult, int, error) {
	var p commentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outbox.SendResult{}, 0, fmt.Errorf("decode post_comment payload: %w", err)
	}
	reqBody, _ := json.Marshal(map[string]string{"body": body})
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", p.Owner, p.Repo, p.IssueNumber)

	var out struct {
		ID      int64  `json:"id"`
		HTMLURL string `json:"html_url"`
		NodeID  string `json:"node_id"`
	}
	status, err := c.do(ctx, token, http.MethodPost, path, reqBody, &out)
	if err != nil {
		return outbox.SendResult{}, status, err
	}
	return outbox.SendResult{GithubID: out.NodeID, GithubURL: out.HTMLURL}, status, nil
}

func (c *Client) sendStatusCheck(ctx context.Context, token credentials.Token, payload json.RawMessage) (outbox.SendResult, int, error) {
	var p statusCheckPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outbox.SendResult{}, 0, fmt.Errorf("decode update_status_check payload: %w", err)
	}
	reqBody, _ := json.Marshal(map[string]string{
		"state": p.State, "context": p.Context, "target_url": p.TargetURL,
	})
	path := fmt.Sprintf("/repos/%s/%s/statuses/%s", p.Owner, p.Repo, p.CommitSHA)

	var out struct {
		ID int64 `json:"id"`
	}
	status, err := c.do(ctx, token, http.MethodPost, path, reqBody, &out)
	if err != nil {
		return outbox.SendResult{}, status, err
	}
	return outbox.SendResult{GithubID: fmt.Sprintf("%d", out.ID)}, status, nil
}

// ScanRecent returns the rendered bodies of up to limit recent issue
// comments on targetNodeID, which callers encode as "owner/repo#number".
func (c *Client) ScanRecent(ctx context.Context, targetNodeID string, limit int) ([]string, error) {
	var owner, repo string
	var number int
	if _, err := fmt.Sscanf(targetNodeID, "%[^/]/%[^#]#%d", &owner, &repo, &number); err != nil {
		return nil, fmt.Errorf("parse scan target %q: %w", targetNodeID, err)
	}

	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=%d", owner, repo, number, limit)
	var out []struct {
		Body string `json:"body"`
	}
	if _, err := c.getUnauthenticated(ctx, path, &out); err != nil {
		return nil, err
	}
	bodies := make([]string, len(out))
	for i, comment := range out {
		bodies[i] = comment.Body
	}
	return bodies, nil
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) do(ctx context.Context, token credentials.Token, method, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", outbox.ErrAmbiguous, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("github request failed: status %d: %s", resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode github response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) getUnauthenticated(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("github request failed: status %d: %s", resp.StatusCode, respBody)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode github response: %w", err)
	}
	return resp.StatusCode, nil
}
