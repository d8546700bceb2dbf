package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is the outcome of evaluating an invocation against the §4.7
// ordered policy rules: first block wins.
type Decision struct {
	Allowed      bool
	BlockedRule  string
	Reason       string
	ResolvedPath string // set for path-bearing tools when Allowed
}

// Policy holds the configurable parts of the ordered rule set. Defaults
// mirror §4.7 exactly; callers may extend (never weaken) the sensitive
// patterns and command allowlist.
type Policy struct {
	SensitivePatterns    []string
	TestCommandAllowlist map[string]bool
}

// DefaultPolicy returns the built-in rule configuration (§4.7).
func DefaultPolicy() Policy {
	return Policy{
		SensitivePatterns: []string{".env", ".env.*", "*.pem", "credentials*", "*.key", "id_rsa*", "*.p12"},
		TestCommandAllowlist: map[string]bool{
			"npm": true, "pnpm": true, "yarn": true, "pytest": true,
			"cargo": true, "go": true, "make": true,
		},
	}
}

// shellOperatorPattern matches any of the shell metacharacters §4.7 forbids
// in run_tests arguments.
var shellOperatorPattern = regexp.MustCompile("[;&|`$(){}\\[\\]<>!#]")

// Evaluate runs the ordered §4.7 checks for inv and stops at the first
// block. Path-bearing tools (read/write/delete/list) are bound to the
// worktree and checked for symlink escape and .git protection; write_file
// additionally checks the sensitive-file pattern list; run_tests checks
// shell operators and the command allowlist once a command is present
// (auto-detected commands are trusted, since detection only ever names an
// allowlisted runner — see DetectTestCommand).
func (p Policy) Evaluate(inv Invocation) Decision {
	switch inv.Tool {
	case ReadFile, WriteFile, DeleteFile, ListFiles:
		return p.evaluatePathTool(inv)
	case RunTests:
		return p.evaluateRunTests(inv)
	case QueryDatabase:
		return p.evaluateQueryDatabase(inv)
	default:
		return Decision{Allowed: false, BlockedRule: "unknown_tool", Reason: fmt.Sprintf("tool %q is not recognized", inv.Tool)}
	}
}

func (p Policy) evaluatePathTool(inv Invocation) Decision {
	resolved, err := ResolvePath(inv.Worktree, inv.Path)
	if err != nil {
		return Decision{Allowed: false, BlockedRule: "worktree_boundary", Reason: err.Error()}
	}
	if IsGitProtected(inv.Worktree, resolved) {
		return Decision{Allowed: false, BlockedRule: "git_protection", Reason: "path resolves under .git"}
	}
	if inv.Tool == WriteFile && p.matchesSensitivePattern(resolved) {
		return Decision{Allowed: false, BlockedRule: "sensitive_file_write", Reason: "write targets a protected sensitive-file pattern"}
	}
	return Decision{Allowed: true, ResolvedPath: resolved}
}

func (p Policy) evaluateRunTests(inv Invocation) Decision {
	if len(inv.Command) == 0 {
		// Auto-detection runs after policy evaluation and only ever selects
		// an allowlisted runner, so there is nothing to check yet.
		return Decision{Allowed: true}
	}
	for _, arg := range inv.Command {
		if shellOperatorPattern.MatchString(arg) {
			return Decision{Allowed: false, BlockedRule: "shell_operator", Reason: fmt.Sprintf("argument %q contains a shell operator", arg)}
		}
	}
	if !p.TestCommandAllowlist[inv.Command[0]] {
		return Decision{Allowed: false, BlockedRule: "command_allowlist", Reason: fmt.Sprintf("command %q is not allowlisted", inv.Command[0])}
	}
	return Decision{Allowed: true}
}

// readOnlyQueryPattern matches the statement types query_database may run.
var readOnlyQueryPattern = regexp.MustCompile(`(?i)^\s*(select|show|explain|describe|desc)\b`)

// evaluateQueryDatabase allows only a single read-only statement: no
// semicolon-separated stacking, and the leading keyword must be one of the
// read-only forms. This is the same shape as evaluateRunTests' allowlist
// check, just against SQL keywords instead of argv[0].
func (p Policy) evaluateQueryDatabase(inv Invocation) Decision {
	query := inv.Query
	if query == "" {
		return Decision{Allowed: false, BlockedRule: "empty_query", Reason: "query_database requires a query"}
	}
	if !readOnlyQueryPattern.MatchString(query) {
		return Decision{Allowed: false, BlockedRule: "query_not_read_only", Reason: "only select/show/explain/describe queries are allowed"}
	}
	if strings.Contains(strings.TrimRight(strings.TrimSpace(query), ";"), ";") {
		return Decision{Allowed: false, BlockedRule: "query_stacked_statements", Reason: "only a single statement is allowed"}
	}
	return Decision{Allowed: true}
}

func (p Policy) matchesSensitivePattern(resolved string) bool {
	base := filepath.Base(resolved)
	for _, pattern := range p.SensitivePatterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
