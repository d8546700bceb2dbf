package api

import (
	"archive/zip"
	"encoding/json"
	"net/http"

	"github.com/cswenor/conductor/internal/conductor/artifacts"
)

// handleListArtifacts returns every artifact version recorded against a
// run, newest version last.
func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	list, err := h.Artifacts.AllFor(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "artifacts_list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleFetchArtifact returns the latest version of one artifact kind's
// content, fetched from its OCI target.
func (h *Handler) handleFetchArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	kind := artifacts.Kind(r.PathValue("kind"))

	a, err := h.Artifacts.Latest(r.Context(), runID, kind)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "artifact_not_found", err.Error())
		return
	}
	content, err := h.Artifacts.Fetch(r.Context(), a)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "artifact_fetch_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

// handleDiagnosticBundle exports a single blocked run's state as a ZIP
// containing run.json (the run row plus derived status and gate map),
// events.jsonl (the full per-run event log), and blocked_context.json,
// mirroring a postmortem bundle scoped to one run instead of a whole
// incident.
func (h *Handler) handleDiagnosticBundle(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := h.Runs.Get(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	evts, err := h.Events.ListByRun(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "events_list_failed", err.Error())
		return
	}

	var gateMap map[string]any
	if h.Gates != nil {
		if gm, err := h.Gates.GatesFor(r.Context(), runID); err == nil {
			gateMap = make(map[string]any, len(gm))
			for k, v := range gm {
				gateMap[k] = v
			}
		}
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+runID+"-diagnostic.zip\"")
	zw := zip.NewWriter(w)
	defer zw.Close()

	writeZIPJSON(zw, "run.json", map[string]any{
		"run":            run,
		"derived_status": run.DerivedStatus(),
		"gates":          gateMap,
	})

	eventsFile, err := zw.Create("events.jsonl")
	if err == nil {
		enc := json.NewEncoder(eventsFile)
		for _, e := range evts {
			_ = enc.Encode(e)
		}
	}

	writeZIPJSON(zw, "blocked_context.json", run.BlockedContextJSON)
}

func writeZIPJSON(zw *zip.Writer, name string, v any) {
	f, err := zw.Create(name)
	if err != nil {
		return
	}
	_ = json.NewEncoder(f).Encode(v)
}
