package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/events"
	"github.com/cswenor/conductor/internal/conductor/policyset"
	"github.com/cswenor/conductor/internal/conductor/runs"
)

// actionRequest is the envelope every operator action decodes, carrying the
// actor stamp §6.3 requires of every control-surface action.
type actionRequest struct {
	ActorType        string `json:"actor_type"`
	ActorDisplayName string `json:"actor_display_name"`
	Comment          string `json:"comment,omitempty"`
}

func (req actionRequest) validate() error {
	if req.ActorType == "" {
		return errors.New("actor_type is required")
	}
	if req.ActorDisplayName == "" {
		return errors.New("actor_display_name is required")
	}
	return nil
}

// evidence renders the actor stamp into the transition's evidence bag, so
// it rides along in the phase.transitioned event's payload even when the
// transition carries no checkpoint.
func (req actionRequest) evidence() map[string]any {
	e := map[string]any{
		"actor_type":         req.ActorType,
		"actor_display_name": req.ActorDisplayName,
	}
	if req.Comment != "" {
		e["comment"] = req.Comment
	}
	return e
}

// idempotencyKey collapses an accidental duplicate submission of the same
// action against the same observed phase edge into a single event, the
// same idempotency contract the webhook handler uses for deliveries.
func idempotencyKey(action, runID string, from, to runs.Phase) string {
	return fmt.Sprintf("operator:%s:%s:%s:%s", action, runID, from, to)
}

// defaultStepForPhase is the step a retryable phase resumes into when no
// more specific prior step was recorded (§4.2 blocked-retry resolution).
func defaultStepForPhase(p runs.Phase) string {
	switch p {
	case runs.PhasePlanning:
		return "planner_create_plan"
	case runs.PhaseExecuting:
		return "implementer_apply_changes"
	case runs.PhaseAwaitingReview:
		return "reviewer_review_code"
	default:
		return ""
	}
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return req, false
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return req, false
	}
	return req, true
}

// writeTransitionErr maps a TransitionPhase/store error onto the response,
// since every action handler hits the same small set of failure modes.
func writeTransitionErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runs.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, runs.ErrStaleTransition):
		writeJSONError(w, http.StatusConflict, "stale_transition", "run has already moved on")
	case errors.Is(err, runs.ErrIllegalTransition):
		writeJSONError(w, http.StatusConflict, "illegal_transition", "action is not valid from the run's current phase")
	case errors.Is(err, runs.ErrNoRetryableOrigin):
		writeJSONError(w, http.StatusConflict, "no_retryable_origin", "blocked run has no retryable origin phase to resume into")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// handleStartRun creates a run in pending and immediately transitions it
// into planning (§6.3: "Creates run, transitions pending -> planning").
func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actionRequest
		TaskID      string `json:"task_id"`
		ProjectID   string `json:"project_id"`
		RepoID      string `json:"repo_id"`
		RunNumber   int    `json:"run_number"`
		ParentRunID string `json:"parent_run_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.TaskID == "" || req.ProjectID == "" || req.RepoID == "" || req.RunNumber <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "task_id, project_id, repo_id and a positive run_number are required")
		return
	}

	ctx := r.Context()
	run, err := h.Runs.CreateRun(ctx, req.TaskID, req.ProjectID, req.RepoID, req.RunNumber, req.ParentRunID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if _, err := h.Events.AppendEvent(ctx, events.NewEvent{
		ProjectID:      run.ProjectID,
		RunID:          run.RunID,
		TaskID:         run.TaskID,
		RepoID:         run.RepoID,
		Type:           "run.started",
		Class:          events.ClassDecision,
		Payload:        req.evidence(),
		IdempotencyKey: idempotencyKey("start_run", run.RunID, "", runs.PhasePending),
		Source:         events.SourceUIAction,
	}); err != nil && !errors.Is(err, events.ErrDuplicateIdempotencyKey) {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          run.RunID,
		From:           runs.PhasePending,
		To:             runs.PhasePlanning,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: "start_run"},
		Step:           "setup_worktree",
		Evidence:       req.evidence(),
		IdempotencyKey: idempotencyKey("start_run", run.RunID, runs.PhasePending, runs.PhasePlanning),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, updated)
}

// handleApprovePlan implements approve_plan: awaiting_plan_approval ->
// executing.
func (h *Handler) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "approve_plan", runs.PhaseAwaitingPlanApproval, runs.PhaseExecuting, "implementer_apply_changes", "")
}

// handleRevisePlan implements revise_plan: awaiting_plan_approval ->
// planning, with the plan-revision counter incremented.
func (h *Handler) handleRevisePlan(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          runID,
		From:           run.Phase,
		To:             runs.PhasePlanning,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: "revise_plan"},
		Step:           "planner_create_plan",
		Evidence:       req.evidence(),
		IdempotencyKey: idempotencyKey("revise_plan", runID, run.Phase, runs.PhasePlanning),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if err := h.Runs.IncrementIteration(ctx, runID, "plan_revisions"); err != nil {
		h.log().Warn("failed to increment plan_revisions", zap.String("run_id", runID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleRejectAndCancel implements reject_and_cancel: awaiting_plan_approval
// -> cancelled.
func (h *Handler) handleRejectAndCancel(w http.ResponseWriter, r *http.Request) {
	h.cancelFrom(w, r, "reject_and_cancel", runs.PhaseAwaitingPlanApproval)
}

// handleCancel implements cancel: any non-terminal phase -> cancelled.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.cancelFrom(w, r, "cancel", "")
}

// cancelFrom cancels a run, optionally requiring it currently be in
// requirePhase ("" means any non-terminal phase is accepted).
func (h *Handler) cancelFrom(w http.ResponseWriter, r *http.Request, action string, requirePhase runs.Phase) {
	runID := r.PathValue("id")
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if run.Phase.Terminal() {
		writeJSONError(w, http.StatusConflict, "illegal_transition", "run is already in a terminal phase")
		return
	}
	if requirePhase != "" && run.Phase != requirePhase {
		writeJSONError(w, http.StatusConflict, "illegal_transition", fmt.Sprintf("%s is only valid from %s", action, requirePhase))
		return
	}

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          runID,
		From:           run.Phase,
		To:             runs.PhaseCancelled,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: action},
		Evidence:       req.evidence(),
		Result:         runs.ResultCancelled,
		ResultReason:   req.Comment,
		IdempotencyKey: idempotencyKey(action, runID, run.Phase, runs.PhaseCancelled),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleRetry implements retry: blocked -> the blocked-retry resolution's
// origin phase (§4.2).
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if run.Phase != runs.PhaseBlocked {
		writeJSONError(w, http.StatusConflict, "illegal_transition", "retry is only valid from blocked")
		return
	}

	origin, step, err := runs.ResolveBlockedRetryOrigin(ctx, h.Events, run)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if step == "" {
		step = defaultStepForPhase(origin)
	}

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          runID,
		From:           runs.PhaseBlocked,
		To:             origin,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: "retry"},
		Step:           step,
		Evidence:       req.evidence(),
		IdempotencyKey: idempotencyKey("retry", runID, runs.PhaseBlocked, origin),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handlePause sets paused_at without touching phase (§4.2: pause is
// orthogonal to phase).
func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.setPause(w, r, true, "run.paused")
}

// handleResume clears paused_at.
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.setPause(w, r, false, "run.resumed")
}

func (h *Handler) setPause(w http.ResponseWriter, r *http.Request, paused bool, eventType string) {
	runID := r.PathValue("id")
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if run.Phase.Terminal() {
		writeJSONError(w, http.StatusConflict, "illegal_transition", "run is already in a terminal phase")
		return
	}

	if err := h.Runs.SetPause(ctx, runID, paused, req.ActorDisplayName); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if _, err := h.Events.AppendEvent(ctx, events.NewEvent{
		ProjectID:      run.ProjectID,
		RunID:          runID,
		TaskID:         run.TaskID,
		RepoID:         run.RepoID,
		Type:           eventType,
		Class:          events.ClassDecision,
		Payload:        req.evidence(),
		IdempotencyKey: idempotencyKey(eventType, runID, run.Phase, run.Phase),
		Source:         events.SourceUIAction,
	}); err != nil && !errors.Is(err, events.ErrDuplicateIdempotencyKey) {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	updated, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// grantPolicyExceptionRequest carries the constrained exception an operator
// grants against a policy-blocked run (§3: "Overrides are never blanket
// exceptions").
type grantPolicyExceptionRequest struct {
	actionRequest
	Scope       policyset.Scope       `json:"scope"`
	Constraints policyset.Constraints `json:"constraints"`
}

// handleGrantPolicyException implements grant_policy_exception: creates an
// Override, then resumes the run into its prior phase.
func (h *Handler) handleGrantPolicyException(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req grantPolicyExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Scope == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "scope is required")
		return
	}
	ctx := r.Context()

	run, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if run.Phase != runs.PhaseBlocked || run.BlockedReason != "policy_block" {
		writeJSONError(w, http.StatusConflict, "illegal_transition", "grant_policy_exception is only valid from a run blocked on a policy violation")
		return
	}

	origin, step, err := runs.ResolveBlockedRetryOrigin(ctx, h.Events, run)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if step == "" {
		step = defaultStepForPhase(origin)
	}

	policySet, err := h.Policies.LatestPolicySet(ctx, run.ProjectID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	override, err := h.Policies.GrantOverride(ctx, policySet.PolicySetID, runID, req.ActorDisplayName, req.Comment, req.Scope, req.Constraints)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	evidence := req.evidence()
	evidence["override_id"] = override.OverrideID

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          runID,
		From:           runs.PhaseBlocked,
		To:             origin,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: "grant_policy_exception"},
		Step:           step,
		Evidence:       evidence,
		IdempotencyKey: idempotencyKey("grant_policy_exception", runID, runs.PhaseBlocked, origin),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDenyPolicyException implements deny_policy_exception: blocked
// (policy) -> cancelled.
func (h *Handler) handleDenyPolicyException(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.Runs.Get(ctx, runID)
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	if run.Phase != runs.PhaseBlocked || run.BlockedReason != "policy_block" {
		writeJSONError(w, http.StatusConflict, "illegal_transition", "deny_policy_exception is only valid from a run blocked on a policy violation")
		return
	}

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          runID,
		From:           runs.PhaseBlocked,
		To:             runs.PhaseCancelled,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: "deny_policy_exception"},
		Evidence:       req.evidence(),
		Result:         runs.ResultCancelled,
		ResultReason:   req.Comment,
		IdempotencyKey: idempotencyKey("deny_policy_exception", runID, runs.PhaseBlocked, runs.PhaseCancelled),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// simpleTransition is the shared body for the fixed-from/fixed-to actions
// that carry neither an iteration bump nor a follow-on side effect.
func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, action string, from, to runs.Phase, step string, resultOnTerminal runs.Result) {
	runID := r.PathValue("id")
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	updated, _, err := h.Runs.TransitionPhase(ctx, runs.TransitionInput{
		RunID:          runID,
		From:           from,
		To:             to,
		Reason:         req.Comment,
		Trigger:        runs.Trigger{Type: "operator_action", Ref: action},
		Step:           step,
		Evidence:       req.evidence(),
		Result:         resultOnTerminal,
		ResultReason:   req.Comment,
		IdempotencyKey: idempotencyKey(action, runID, from, to),
		Source:         events.SourceUIAction,
	})
	if err != nil {
		writeTransitionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
