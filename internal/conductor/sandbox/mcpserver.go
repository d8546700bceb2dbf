package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Version is injected from the conductor build metadata.
var Version = "dev"

// MCPServer exposes a run's Sandbox as an MCP tool surface. Planner,
// implementer, reviewer, and tester agents connect to it as MCP clients; the
// run's worktree is fixed for the lifetime of one server instance.
type MCPServer struct {
	server   *mcp.Server
	handler  http.Handler
	sandbox  *Sandbox
	runID    string
	worktree string
	signer   *SessionSigner
	logger   *zap.Logger
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"file path relative to the worktree root"`
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"file path relative to the worktree root"`
	Content string `json:"content" jsonschema:"full file content to write"`
}

type deleteFileInput struct {
	Path string `json:"path" jsonschema:"file path relative to the worktree root"`
}

type listFilesInput struct {
	Path string `json:"path,omitempty" jsonschema:"directory path relative to the worktree root, defaults to the root"`
}

type runTestsInput struct {
	Command []string `json:"command,omitempty" jsonschema:"argv-style test command; omit to auto-detect"`
}

type queryDatabaseInput struct {
	Driver      string `json:"driver" jsonschema:"\"postgres\" or \"mysql\""`
	DatabaseURL string `json:"database_url" jsonschema:"connection string for the repo's own application database"`
	Query       string `json:"query" jsonschema:"a single read-only select/show/explain/describe statement"`
}

// NewMCPServer wires an MCP tool surface backed by sandbox for one run's
// worktree. signer, when non-nil, is required to authenticate before any
// tool call is served; a nil signer leaves the surface unauthenticated
// (tests, or a deployment that isolates the sandbox port some other way).
func NewMCPServer(sandbox *Sandbox, runID, worktree string, signer *SessionSigner, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "conductor-sandbox",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:   srv,
		sandbox:  sandbox,
		runID:    runID,
		worktree: worktree,
		signer:   signer,
		logger:   logger.Named("sandbox-mcp"),
	}
	m.registerTools()
	sse := mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)
	m.handler = m.authenticate(sse)

	return m
}

// Handler returns the HTTP SSE transport handler an agent's MCP client
// connects to.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

const sessionTokenPrefix = "Bearer "

// authenticate wraps next with session-token verification (§4.7: the
// sandbox trusts only the agent process the orchestrator issued a token
// to for this run).
func (s *MCPServer) authenticate(next http.Handler) http.Handler {
	if s.signer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, sessionTokenPrefix) || !s.signer.Verify(strings.TrimPrefix(auth, sessionTokenPrefix)) {
			s.logger.Warn("rejected unauthenticated sandbox connection", zap.String("run_id", s.runID))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "read_file",
		Description: "Read a file's contents from the run's worktree",
	}, s.handleReadFile)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "write_file",
		Description: "Write a file's contents in the run's worktree",
	}, s.handleWriteFile)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_file",
		Description: "Delete a file from the run's worktree",
	}, s.handleDeleteFile)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_files",
		Description: "List files under a directory in the run's worktree",
	}, s.handleListFiles)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "run_tests",
		Description: "Run the project's test suite, auto-detecting the command when omitted",
	}, s.handleRunTests)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "query_database",
		Description: "Run a single read-only query against the repo's own application database",
	}, s.handleQueryDatabase)
}

func (s *MCPServer) handleReadFile(ctx context.Context, _ *mcp.CallToolRequest, input readFileInput) (*mcp.CallToolResult, any, error) {
	path := strings.TrimSpace(input.Path)
	if path == "" {
		return nil, nil, fmt.Errorf("path is required")
	}
	result, err := s.invoke(ctx, Invocation{Tool: ReadFile, Worktree: s.worktree, Path: path, RunID: s.runID, Args: map[string]any{"path": path}})
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(result.Output)), nil, nil
}

func (s *MCPServer) handleWriteFile(ctx context.Context, _ *mcp.CallToolRequest, input writeFileInput) (*mcp.CallToolResult, any, error) {
	path := strings.TrimSpace(input.Path)
	if path == "" {
		return nil, nil, fmt.Errorf("path is required")
	}
	_, err := s.invoke(ctx, Invocation{
		Tool: WriteFile, Worktree: s.worktree, Path: path, Content: []byte(input.Content), RunID: s.runID,
		Args: map[string]any{"path": path},
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"path": path, "bytes_written": len(input.Content)})
}

func (s *MCPServer) handleDeleteFile(ctx context.Context, _ *mcp.CallToolRequest, input deleteFileInput) (*mcp.CallToolResult, any, error) {
	path := strings.TrimSpace(input.Path)
	if path == "" {
		return nil, nil, fmt.Errorf("path is required")
	}
	_, err := s.invoke(ctx, Invocation{Tool: DeleteFile, Worktree: s.worktree, Path: path, RunID: s.runID, Args: map[string]any{"path": path}})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"path": path, "deleted": true})
}

func (s *MCPServer) handleListFiles(ctx context.Context, _ *mcp.CallToolRequest, input listFilesInput) (*mcp.CallToolResult, any, error) {
	path := strings.TrimSpace(input.Path)
	result, err := s.invoke(ctx, Invocation{Tool: ListFiles, Worktree: s.worktree, Path: path, RunID: s.runID, Args: map[string]any{"path": path}})
	if err != nil {
		return nil, nil, err
	}
	var entries []string
	if err := json.Unmarshal(result.Output, &entries); err != nil {
		return textToolResult(string(result.Output)), nil, nil
	}
	return jsonToolResult(entries)
}

func (s *MCPServer) handleRunTests(ctx context.Context, _ *mcp.CallToolRequest, input runTestsInput) (*mcp.CallToolResult, any, error) {
	result, err := s.invoke(ctx, Invocation{
		Tool: RunTests, Worktree: s.worktree, Command: input.Command, RunID: s.runID,
		Args: map[string]any{"command": input.Command},
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"output":    string(result.Output),
		"truncated": result.Truncated,
		"meta":      result.Meta,
	})
}

func (s *MCPServer) handleQueryDatabase(ctx context.Context, _ *mcp.CallToolRequest, input queryDatabaseInput) (*mcp.CallToolResult, any, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, nil, fmt.Errorf("query is required")
	}
	result, err := s.invoke(ctx, Invocation{
		Tool: QueryDatabase, RunID: s.runID, Driver: input.Driver, DatabaseURL: input.DatabaseURL, Query: query,
		Args: map[string]any{"driver": input.Driver},
	})
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(result.Output)), nil, nil
}

func (s *MCPServer) invoke(ctx context.Context, inv Invocation) (Result, error) {
	result, err := s.sandbox.Invoke(ctx, inv)
	if err != nil {
		var blocked *ErrBlocked
		if errors.As(err, &blocked) {
			s.logger.Info("tool invocation blocked", zap.String("tool", string(inv.Tool)), zap.String("rule", blocked.Rule))
		}
		return Result{}, err
	}
	return result, nil
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
