package sandbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionSigner authenticates MCP connections to a run's sandbox: the
// orchestrator issues a per-run token when it dispatches an agent job, and
// MCPServer verifies it before serving any tool calls, so an agent process
// (or anything else with network reach to the sandbox port) can't attach to
// a run it wasn't issued for. Grounded on the teacher's
// internal/shared/signing.Signer HMAC command-signing scheme — every probe
// command is signed and verified before the probe executes it; here a
// connecting agent's token plays the role of that signed command.
type SessionSigner struct {
	key []byte
}

// NewSessionSigner derives a per-run key from a master signing key via
// HKDF-SHA256 (RFC 5869), keyed to runID so no two runs ever share a
// session key even if the master key is reused across the process. A
// single SHA-256-sized read from an HKDF-SHA256 stream cannot fail.
func NewSessionSigner(masterKey []byte, runID string) *SessionSigner {
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("conductor-sandbox-session|"+runID))
	key := make([]byte, sha256.Size)
	_, _ = io.ReadFull(reader, key)
	return &SessionSigner{key: key}
}

// Token returns the bearer token an agent process presents to connect.
func (s *SessionSigner) Token() string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte("session"))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token is this run's session token.
func (s *SessionSigner) Verify(token string) bool {
	expected, err := hex.DecodeString(s.Token())
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	return len(got) == len(expected) && hmac.Equal(expected, got)
}
