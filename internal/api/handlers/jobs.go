package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowdesk/flowdesk/internal/api/middleware"
)

// ══════════════════════════════════════════════════════════════
// ── Jobs ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListJobs handles GET /api/v1/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListJobs(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// GetJob handles GET /api/v1/jobs/{jobID}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ListJobEvents handles GET /api/v1/jobs/{jobID}/events
func (h *Handlers) ListJobEvents(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "jobID")
	if _, err := h.Store.GetJob(r.Context(), userID, id); err != nil {
		respondErr(w, err)
		return
	}
	evs, err := h.Store.ListJobEvents(r.Context(), userID, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, evs)
}

// CancelJob handles POST /api/v1/jobs/{jobID}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "jobID")
	if err := h.Jobs.CancelJob(r.Context(), userID, id); err != nil {
		respondErr(w, err)
		return
	}
	job, err := h.Store.GetJob(r.Context(), userID, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}
