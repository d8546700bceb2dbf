package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewDefaultRegistry builds a Registry with the six built-in filesystem,
// test-runner, and database-introspection tools, each scoped to whatever
// worktree or connection an Invocation carries.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&readFileTool{})
	r.Register(&writeFileTool{})
	r.Register(&deleteFileTool{})
	r.Register(&listFilesTool{})
	r.Register(&runTestsTool{})
	r.Register(&queryDatabaseTool{})
	return r
}

// resolvedPath re-derives the path-safe absolute path for inv. Policy
// evaluation already ran this check and rewrote inv.Path to the resolved
// form before the registry is reached, but tools run standalone in tests
// too, so this stays defensive rather than trusting the caller blindly.
func resolvedPath(inv Invocation) (string, error) {
	if inv.Path == "" {
		return inv.Worktree, nil
	}
	if filepath.IsAbs(inv.Path) {
		return inv.Path, nil
	}
	return ResolvePath(inv.Worktree, inv.Path)
}

type readFileTool struct{}

func (readFileTool) Name() Name { return ReadFile }

func (readFileTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	path, err := resolvedPath(inv)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read_file: %w", err)
	}
	return Result{Output: data, Meta: map[string]any{"bytes": len(data)}}, nil
}

type writeFileTool struct{}

func (writeFileTool) Name() Name { return WriteFile }

func (writeFileTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	path, err := resolvedPath(inv)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("write_file: create parent directories: %w", err)
	}
	if err := os.WriteFile(path, inv.Content, 0o644); err != nil {
		return Result{}, fmt.Errorf("write_file: %w", err)
	}
	return Result{Output: []byte("ok"), Meta: map[string]any{"bytes": len(inv.Content)}}, nil
}

type deleteFileTool struct{}

func (deleteFileTool) Name() Name { return DeleteFile }

func (deleteFileTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	path, err := resolvedPath(inv)
	if err != nil {
		return Result{}, err
	}
	if err := os.Remove(path); err != nil {
		return Result{}, fmt.Errorf("delete_file: %w", err)
	}
	return Result{Output: []byte("ok"), Meta: map[string]any{}}, nil
}

type listFilesTool struct{}

func (listFilesTool) Name() Name { return ListFiles }

func (listFilesTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	path, err := resolvedPath(inv)
	if err != nil {
		return Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, fmt.Errorf("list_files: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	out, err := json.Marshal(names)
	if err != nil {
		return Result{}, fmt.Errorf("list_files: encode entries: %w", err)
	}
	return Result{Output: out, Meta: map[string]any{"count": len(names)}}, nil
}

type runTestsTool struct{}

func (runTestsTool) Name() Name { return RunTests }

func (runTestsTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if len(inv.Command) == 0 {
		return Result{}, fmt.Errorf("run_tests: no command resolved")
	}
	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.Worktree
	output, runErr := cmd.CombinedOutput()

	meta := map[string]any{"command": strings.Join(inv.Command, " ")}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			meta["exit_code"] = exitErr.ExitCode()
			return Result{Output: output, Meta: meta}, nil
		}
		return Result{}, fmt.Errorf("run_tests: %w", runErr)
	}
	meta["exit_code"] = 0
	return Result{Output: output, Meta: meta}, nil
}

const maxQueryRows = 500

// queryDatabaseTool runs a single read-only statement against the repo's
// own application database — a second, unrelated connection from
// Conductor's own Postgres store — so a planner/reviewer agent can
// introspect schema and data while investigating a task. It supports both
// drivers the agent might need depending on what the repo under test runs.
type queryDatabaseTool struct{}

func (queryDatabaseTool) Name() Name { return QueryDatabase }

func (queryDatabaseTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	driverName, err := sqlDriverName(inv.Driver)
	if err != nil {
		return Result{}, fmt.Errorf("query_database: %w", err)
	}

	db, err := sql.Open(driverName, inv.DatabaseURL)
	if err != nil {
		return Result{}, fmt.Errorf("query_database: open connection: %w", err)
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := db.QueryContext(queryCtx, inv.Query)
	if err != nil {
		return Result{}, fmt.Errorf("query_database: %w", err)
	}
	defer rows.Close()

	results, truncated, err := scanRows(rows, maxQueryRows)
	if err != nil {
		return Result{}, fmt.Errorf("query_database: %w", err)
	}

	out, err := json.Marshal(results)
	if err != nil {
		return Result{}, fmt.Errorf("query_database: encode rows: %w", err)
	}
	return Result{Output: out, Truncated: truncated, Meta: map[string]any{"row_count": len(results)}}, nil
}

func sqlDriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx", "":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// scanRows reads up to limit rows into generic maps keyed by column name,
// the shape a JSON tool result needs regardless of the underlying schema.
func scanRows(rows *sql.Rows, limit int) ([]map[string]any, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}

	results := make([]map[string]any, 0, limit)
	truncated := false
	for rows.Next() {
		if len(results) >= limit {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return results, truncated, nil
}
