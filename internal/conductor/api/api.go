// Package api implements the Operator Control Surface (§6.3): a fixed set
// of HTTP actions an operator can take against a run, each one appending a
// decision event stamped with actor_type, actor_display_name, an optional
// comment, and the from/to phase the action caused.
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/artifacts"
	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/gates"
	"github.com/cswenor/conductor/internal/conductor/policyset"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

// Handler serves the operator control surface.
type Handler struct {
	Runs      *runs.Store
	Policies  *policyset.Store
	Events    *events.Store
	Artifacts *artifacts.Store
	Gates     *gates.Store
	Logger    *zap.Logger
}

// NewHandler builds a Handler wired against the stores it drives.
func NewHandler(runStore *runs.Store, policyStore *policyset.Store, eventStore *events.Store, logger *zap.Logger) *Handler {
	return &Handler{Runs: runStore, Policies: policyStore, Events: eventStore, Logger: logger}
}

// WithArtifacts attaches the artifact and gate stores backing the
// read-only artifact listing and diagnostic-bundle export routes. Both are
// optional: a Handler built without them simply never registers those
// routes.
func (h *Handler) WithArtifacts(artifactStore *artifacts.Store, gateStore *gates.Store) *Handler {
	h.Artifacts = artifactStore
	h.Gates = gateStore
	return h
}

// RegisterRoutes wires every operator action onto mux, following the
// method+pattern routing style the rest of this stack's HTTP surfaces use.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.handleStartRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/approve-plan", h.handleApprovePlan)
	mux.HandleFunc("POST /api/v1/runs/{id}/revise-plan", h.handleRevisePlan)
	mux.HandleFunc("POST /api/v1/runs/{id}/reject-and-cancel", h.handleRejectAndCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", h.handleResume)
	mux.HandleFunc("POST /api/v1/runs/{id}/grant-policy-exception", h.handleGrantPolicyException)
	mux.HandleFunc("POST /api/v1/runs/{id}/deny-policy-exception", h.handleDenyPolicyException)

	if h.Artifacts != nil {
		mux.HandleFunc("GET /api/v1/runs/{id}/artifacts", h.handleListArtifacts)
		mux.HandleFunc("GET /api/v1/runs/{id}/artifacts/{kind}", h.handleFetchArtifact)
		mux.HandleFunc("GET /api/v1/runs/{id}/diagnostic-bundle", h.handleDiagnosticBundle)
	}
}

func (h *Handler) log() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}
