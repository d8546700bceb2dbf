// Package outbox implements the Outbox Worker (§4.6): exactly-once external
// writes to a GitHub-shaped host, despite crashes, network ambiguity, and
// duplicate enqueues.
package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Kind identifies the shape of an external write.
type Kind string

const (
	KindCreatePR          Kind = "create_pr"
	KindPostComment       Kind = "post_comment"
	KindUpdateStatusCheck Kind = "update_status_check"
)

// Status is the outbox row's lifecycle state (§4.6 status transitions).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusAmbiguous  Status = "ambiguous"
	StatusCancelled  Status = "cancelled"
)

// Write is one append-then-mutate row tracking a single logical external
// write.
type Write struct {
	GithubWriteID string
	RunID         string
	Kind          Kind
	TargetNodeID  string
	Payload       json.RawMessage
	PayloadHash   string

	Status Status

	GithubID     string
	GithubNumber int
	GithubURL    string

	ErrorMessage string
	Attempts     int

	IdempotencyKey string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PayloadHash returns the canonical hash of a canonicalized payload, used
// both for the idempotency key and for marker verification.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the deterministic per-logical-write key (§4.6):
//
//	idempotency_key = sha256(kind + ":" + target_node_id + ":" + payload_hash)
func IdempotencyKey(kind Kind, targetNodeID, payloadHash string) string {
	sum := sha256.Sum256([]byte(string(kind) + ":" + targetNodeID + ":" + payloadHash))
	return hex.EncodeToString(sum[:])
}

// markerPattern matches the hidden marker line embedded by EmbedMarker.
var markerPattern = regexp.MustCompile(`<!-- conductor:marker ([0-9a-fA-F-]+) ([0-9a-f]{64}) -->`)

// EmbedMarker appends a hidden, machine-readable marker line to body
// containing {github_write_id, payload_hash} (§4.6 marker pattern).
func EmbedMarker(body, githubWriteID, payloadHash string) string {
	return fmt.Sprintf("%s\n\n<!-- conductor:marker %s %s -->", body, githubWriteID, payloadHash)
}

// Marker is a parsed marker line.
type Marker struct {
	GithubWriteID string
	PayloadHash   string
}

// ParseMarker extracts the marker from body, if present.
func ParseMarker(body string) (Marker, bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return Marker{}, false
	}
	return Marker{GithubWriteID: m[1], PayloadHash: m[2]}, true
}

// Verifies reports whether the parsed marker matches the expected write's
// identity and payload hash (§4.6: "iff both marker fields verify" — an
// unverified marker, e.g. one whose write id matches but whose payload hash
// was forged or stale, must be rejected).
func (m Marker) Verifies(w *Write) bool {
	return m.GithubWriteID == w.GithubWriteID && m.PayloadHash == w.PayloadHash
}
