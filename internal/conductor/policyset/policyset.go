// Package policyset implements the PolicySet / PolicyViolation / Evidence /
// Override family (§3 data model, §4.7's policy pre-check is the
// worktree-local instance of the same idea): policies are versioned
// immutable snapshots, evaluations always reference the snapshot that was
// in effect, and overrides are scoped, constrained exceptions rather than
// blanket ones.
package policyset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// RuleKind identifies what a policy_set_entries row checks.
type RuleKind string

const (
	RuleSecretPattern RuleKind = "secret_pattern"
	RuleForbiddenPath RuleKind = "forbidden_path"
	RuleForbiddenHost RuleKind = "forbidden_host"
)

// Rule is one ordered entry in a policy set. Config is kind-specific:
//   - secret_pattern: {"pattern": "<regex>", "name": "<human label>"}
//   - forbidden_path: {"glob": "<pattern>"}
//   - forbidden_host: {"host": "<exact or *.suffix glob>"}
type Rule struct {
	Order  int
	Kind   RuleKind
	Config json.RawMessage
}

// EvaluationTarget is one unit of agent output a policy set is checked
// against: a changed file's content, or a host a tool invocation touched.
type EvaluationTarget struct {
	Path    string
	Content string
	Hosts   []string
}

// ViolationDetail is the structured, non-sensitive metadata a violation
// carries (§3: "file, line range, pattern name, content hash only").
type ViolationDetail struct {
	File        string `json:"file,omitempty"`
	LineStart   int    `json:"line_start,omitempty"`
	LineEnd     int    `json:"line_end,omitempty"`
	PatternName string `json:"pattern_name,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Host        string `json:"host,omitempty"`
}

// Evaluate checks every target against every rule in order and returns one
// ViolationDetail per match. It never returns the matched raw content —
// only the structured metadata that is safe to persist alongside the
// policy_set_id.
func Evaluate(rules []Rule, targets []EvaluationTarget) ([]ViolationDetail, error) {
	var out []ViolationDetail
	for _, rule := range rules {
		for _, target := range targets {
			details, err := evaluateRule(rule, target)
			if err != nil {
				return nil, fmt.Errorf("evaluate rule %d (%s): %w", rule.Order, rule.Kind, err)
			}
			out = append(out, details...)
		}
	}
	return out, nil
}

func evaluateRule(rule Rule, target EvaluationTarget) ([]ViolationDetail, error) {
	switch rule.Kind {
	case RuleSecretPattern:
		return evaluateSecretPattern(rule, target)
	case RuleForbiddenPath:
		return evaluateForbiddenPath(rule, target)
	case RuleForbiddenHost:
		return evaluateForbiddenHost(rule, target)
	default:
		return nil, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

type secretPatternConfig struct {
	Pattern string `json:"pattern"`
	Name    string `json:"name"`
}

func evaluateSecretPattern(rule Rule, target EvaluationTarget) ([]ViolationDetail, error) {
	if target.Content == "" {
		return nil, nil
	}
	var cfg secretPatternConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode secret_pattern config: %w", err)
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile secret pattern %q: %w", cfg.Pattern, err)
	}

	var out []ViolationDetail
	lines := strings.Split(target.Content, "\n")
	for i, line := range lines {
		if loc := re.FindStringIndex(line); loc != nil {
			out = append(out, ViolationDetail{
				File:        target.Path,
				LineStart:   i + 1,
				LineEnd:     i + 1,
				PatternName: cfg.Name,
				ContentHash: contentHash(line[loc[0]:loc[1]]),
			})
		}
	}
	return out, nil
}

type forbiddenPathConfig struct {
	Glob string `json:"glob"`
}

func evaluateForbiddenPath(rule Rule, target EvaluationTarget) ([]ViolationDetail, error) {
	if target.Path == "" {
		return nil, nil
	}
	var cfg forbiddenPathConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode forbidden_path config: %w", err)
	}
	matched, err := filepath.Match(cfg.Glob, target.Path)
	if err != nil {
		return nil, fmt.Errorf("match forbidden path glob %q: %w", cfg.Glob, err)
	}
	if !matched {
		matched, _ = filepath.Match(cfg.Glob, filepath.Base(target.Path))
	}
	if !matched {
		return nil, nil
	}
	return []ViolationDetail{{File: target.Path, PatternName: cfg.Glob}}, nil
}

type forbiddenHostConfig struct {
	Host string `json:"host"`
}

func evaluateForbiddenHost(rule Rule, target EvaluationTarget) ([]ViolationDetail, error) {
	var cfg forbiddenHostConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode forbidden_host config: %w", err)
	}
	var out []ViolationDetail
	for _, host := range target.Hosts {
		if hostMatches(cfg.Host, host) {
			out = append(out, ViolationDetail{Host: host, PatternName: cfg.Host})
		}
	}
	return out, nil
}

// hostMatches supports exact matches and a leading "*." wildcard for
// subdomain matching (e.g. "*.internal.example.com").
func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep the leading dot
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return pattern == host
}

// contentHash lets an operator correlate repeat hits on the same secret
// without this package ever persisting (or even needing) the raw value —
// the raw content lives only in the short-retention encrypted side-store
// this package never touches.
func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
