package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func connectSandboxClient(t *testing.T, srv *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.server.Run(runCtx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-agent", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
	})
	return session
}

func decodeSandboxToolJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty tool result: %#v", result)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), out); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
}

func TestMCPServerRegistersSixTools(t *testing.T) {
	worktree := t.TempDir()
	sb := NewSandbox(NewDefaultRegistry(), nil)
	srv := NewMCPServer(sb, "run-1", worktree, nil, nil)
	session := connectSandboxClient(t, srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	expected := []string{"delete_file", "list_files", "query_database", "read_file", "run_tests", "write_file"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestMCPServerWriteThenReadRoundTrips(t *testing.T) {
	worktree := t.TempDir()
	sb := NewSandbox(NewDefaultRegistry(), nil)
	srv := NewMCPServer(sb, "run-1", worktree, nil, nil)
	session := connectSandboxClient(t, srv)
	ctx := context.Background()

	if _, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "write_file",
		Arguments: map[string]any{"path": "notes.txt", "content": "hello"},
	}); err != nil {
		t.Fatalf("call write_file: %v", err)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "read_file",
		Arguments: map[string]any{"path": "notes.txt"},
	})
	if err != nil {
		t.Fatalf("call read_file: %v", err)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "hello" {
		t.Fatalf("expected read_file to return written content, got %#v", result.Content)
	}
}

func TestMCPServerBlocksSensitiveWrite(t *testing.T) {
	worktree := t.TempDir()
	sb := NewSandbox(NewDefaultRegistry(), nil)
	srv := NewMCPServer(sb, "run-1", worktree, nil, nil)
	session := connectSandboxClient(t, srv)

	_, _ = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "write_file",
		Arguments: map[string]any{"path": ".env", "content": "SECRET=1"},
	})

	if _, err := os.Stat(filepath.Join(worktree, ".env")); err == nil {
		t.Fatalf("expected blocked write to never reach the filesystem")
	}
}

func TestMCPServerListFiles(t *testing.T) {
	worktree := t.TempDir()
	if err := os.WriteFile(filepath.Join(worktree, "a.go"), []byte("package a"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	sb := NewSandbox(NewDefaultRegistry(), nil)
	srv := NewMCPServer(sb, "run-1", worktree, nil, nil)
	session := connectSandboxClient(t, srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "list_files",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("call list_files: %v", err)
	}
	var entries []string
	decodeSandboxToolJSON(t, result, &entries)
	found := false
	for _, e := range entries {
		if e == "a.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a.go in listing, got %v", entries)
	}
}

func TestMCPServerRejectsConnectionWithoutValidToken(t *testing.T) {
	worktree := t.TempDir()
	sb := NewSandbox(NewDefaultRegistry(), nil)
	signer := NewSessionSigner([]byte("master-key"), "run-1")
	srv := NewMCPServer(sb, "run-1", worktree, signer, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request without token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req2.Header.Set("Authorization", "Bearer "+signer.Token())
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("do request with token: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusUnauthorized {
		t.Fatalf("expected a valid token to pass authentication")
	}
}

func TestSessionSignerRejectsWrongRun(t *testing.T) {
	signerA := NewSessionSigner([]byte("master-key"), "run-1")
	signerB := NewSessionSigner([]byte("master-key"), "run-2")
	if signerB.Verify(signerA.Token()) {
		t.Fatalf("expected a token minted for run-1 to be rejected for run-2")
	}
}
