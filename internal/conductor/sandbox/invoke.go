package sandbox

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultMaxReadBytes       = 64 * 1024
	defaultMaxTestOutputBytes = 256 * 1024
)

// Sandbox ties together policy evaluation, tool execution, and
// redact-and-persist auditing (§4.7 steps 1-3).
type Sandbox struct {
	Policy   Policy
	Registry *Registry
	Store    *Store

	MaxReadBytes       int
	MaxTestOutputBytes int
}

// NewSandbox builds a Sandbox with the default policy and output limits.
func NewSandbox(registry *Registry, store *Store) *Sandbox {
	return &Sandbox{
		Policy:             DefaultPolicy(),
		Registry:           registry,
		Store:              store,
		MaxReadBytes:       defaultMaxReadBytes,
		MaxTestOutputBytes: defaultMaxTestOutputBytes,
	}
}

// ErrBlocked is returned when policy evaluation rejects an invocation.
type ErrBlocked struct {
	Rule   string
	Reason string
}

func (e *ErrBlocked) Error() string {
	return fmt.Sprintf("sandbox: blocked by rule %q: %s", e.Rule, e.Reason)
}

// Invoke runs the full §4.7 pipeline for one tool call: policy pre-check,
// execution under the worktree with ctx's cancellation, then redact-and-
// persist. The cancellation signal must already be scoped to the parent
// job by the caller (§4.7 step 2).
func (s *Sandbox) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	started := time.Now()

	if inv.Tool == RunTests && len(inv.Command) == 0 {
		cmd, err := DetectTestCommand(inv.Worktree)
		if err != nil {
			return Result{}, s.persistBlocked(ctx, inv, "test_command_detection", err.Error())
		}
		inv.Command = cmd
	}

	decision := s.Policy.Evaluate(inv)
	if !decision.Allowed {
		return Result{}, s.persistBlocked(ctx, inv, decision.BlockedRule, decision.Reason)
	}
	if decision.ResolvedPath != "" {
		inv.Path = decision.ResolvedPath
	}

	result, err := s.Registry.Execute(ctx, inv.Tool, inv)
	if err != nil {
		return result, err
	}

	if inv.Tool == RunTests {
		truncated, wasTruncated := TruncateTestOutput(result.Output, s.MaxTestOutputBytes)
		result.Output, result.Truncated = truncated, wasTruncated
	} else {
		truncated, wasTruncated := TruncateRead(result.Output, s.MaxReadBytes)
		result.Output, result.Truncated = truncated, wasTruncated
	}
	result.Output = RedactContent(result.Output)
	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	result.Meta["truncated"] = result.Truncated

	if s.Store != nil {
		redactedArgs := RedactArgs(inv.Args)
		hash, hashErr := PayloadHash(redactedArgs)
		if hashErr != nil {
			return result, fmt.Errorf("hash tool invocation payload: %w", hashErr)
		}
		if persistErr := s.Store.Persist(ctx, Record{
			RunID: inv.RunID, ToolName: inv.Tool, Decision: "allowed",
			Args: redactedArgs, ResultMeta: result.Meta, PayloadHash: hash,
			Truncated: result.Truncated, DurationMS: int(time.Since(started).Milliseconds()),
		}); persistErr != nil {
			return result, fmt.Errorf("persist tool invocation: %w", persistErr)
		}
	}

	return result, nil
}

func (s *Sandbox) persistBlocked(ctx context.Context, inv Invocation, rule, reason string) error {
	if s.Store != nil {
		redactedArgs := RedactArgs(inv.Args)
		hash, _ := PayloadHash(redactedArgs)
		_ = s.Store.Persist(ctx, Record{
			RunID: inv.RunID, ToolName: inv.Tool, Decision: "blocked", BlockedRule: rule,
			Args: redactedArgs, ResultMeta: map[string]any{"reason": reason}, PayloadHash: hash,
		})
	}
	return &ErrBlocked{Rule: rule, Reason: reason}
}
