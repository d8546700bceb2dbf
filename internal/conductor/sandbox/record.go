package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactedKeys names argument fields that must never be persisted in the
// clear — the agent never holds GitHub tokens, but tool args can still
// carry other secrets typed into a file or command by a planner/implementer.
var redactedKeys = map[string]bool{
	"token": true, "password": true, "secret": true, "authorization": true,
	"api_key": true, "apikey": true, "credential": true, "credentials": true,
}

const redactedPlaceholder = "[redacted]"

// RedactArgs returns a copy of args with sensitive-looking fields replaced
// by a placeholder, for safe persistence (§4.7 redact-and-persist).
func RedactArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if redactedKeys[lower(k)] {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Record is the redacted, persisted audit trail of one tool invocation.
type Record struct {
	ToolInvocationID string
	RunID            string
	ToolName         Name
	Decision         string // "allowed" or "blocked"
	BlockedRule      string
	Args             map[string]any
	ResultMeta       map[string]any
	PayloadHash      string
	Truncated        bool
	DurationMS       int
}

// PayloadHash hashes the redacted argument set for audit correlation
// without persisting raw content twice.
func PayloadHash(args map[string]any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
