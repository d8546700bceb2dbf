// Package webhook implements the inbound GitHub webhook HTTP surface
// (§6.2). Its entire job is to turn a delivery into exactly one fact
// event and a handful of cache-only snapshot updates: it never mutates
// runs, and it never emits a decision event — only the Orchestrator,
// reading the event log, is allowed to do that (§4.2 authority
// invariant).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/events"
)

const maxDeliveryBodyBytes = 1 << 20 // 1 MiB; GitHub deliveries are small JSON payloads

// RepoResolver maps a GitHub webhook's repository node id to the project
// and internal repo id it belongs to, so the recorded event and any
// snapshot update can be scoped correctly.
type RepoResolver interface {
	ResolveRepo(ctx context.Context, githubNodeID string) (projectID, repoID string, err error)
}

// Handler is the http.Handler GitHub POSTs deliveries to.
type Handler struct {
	Secret    string
	Events    *events.Store
	Repos     RepoResolver
	Snapshots *SnapshotStore
	Logger    *zap.Logger
}

// NewHandler builds a Handler. secret is the webhook's configured shared
// secret (empty disables signature verification — only ever appropriate
// in local development, never in a real installation).
func NewHandler(secret string, eventStore *events.Store, repos RepoResolver, snapshots *SnapshotStore, logger *zap.Logger) *Handler {
	return &Handler{Secret: secret, Events: eventStore, Repos: repos, Snapshots: snapshots, Logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeliveryBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.Secret != "" && !validSignature(h.Secret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	eventType := r.Header.Get("X-GitHub-Event")
	if deliveryID == "" || eventType == "" {
		http.Error(w, "missing delivery headers", http.StatusBadRequest)
		return
	}

	var envelope struct {
		Repository struct {
			NodeID string `json:"node_id"`
		} `json:"repository"`
	}
	// A malformed body is still recorded (the delivery still happened and
	// still needs to collapse on redelivery); it just can't be scoped to
	// a repo/project.
	_ = json.Unmarshal(body, &envelope)

	var projectID, repoID string
	if envelope.Repository.NodeID != "" && h.Repos != nil {
		projectID, repoID, err = h.Repos.ResolveRepo(r.Context(), envelope.Repository.NodeID)
		if err != nil {
			h.logger().Warn("webhook: could not resolve repository",
				zap.String("github_event", eventType), zap.Error(err))
		}
	}

	// events.project_id is a NOT NULL foreign key: a delivery for a
	// repository Conductor hasn't onboarded has nowhere to be journaled
	// yet. Acknowledge it so GitHub doesn't retry indefinitely, but don't
	// attempt an insert that would fail the FK.
	if projectID == "" {
		h.logger().Warn("webhook: delivery for unknown repository, not recorded",
			zap.String("github_event", eventType), zap.String("delivery_id", deliveryID))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	idempotencyKey := events.PayloadHash(deliveryID, body)
	event, err := h.Events.AppendEvent(r.Context(), events.NewEvent{
		ProjectID:      projectID,
		RepoID:         repoID,
		Type:           "github." + eventType,
		Class:          events.ClassFact,
		Payload:        json.RawMessage(body),
		IdempotencyKey: idempotencyKey,
		Source:         events.SourceGitHubWebhook,
	})
	duplicate := errors.Is(err, events.ErrDuplicateIdempotencyKey)
	if duplicate {
		err = nil
	}
	if err != nil {
		h.logger().Error("webhook: append event failed", zap.Error(err))
		http.Error(w, "failed to record delivery", http.StatusInternalServerError)
		return
	}

	if !duplicate && h.Snapshots != nil && repoID != "" {
		if err := h.Snapshots.Apply(r.Context(), eventType, repoID, body); err != nil {
			h.logger().Warn("webhook: snapshot update failed",
				zap.String("github_event", eventType), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"event_id": event.EventID})
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

// validSignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body, grounded on webhook/notifier.go's
// signature() helper but run in the opposite direction: verifying an
// inbound signature instead of producing an outbound one.
func validSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}

