package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/api/middleware"
	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/internal/scene"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Scenarios ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type scenarioRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Scene       json.RawMessage `json:"scene,omitempty"`
}

// ListScenarios handles GET /api/v1/scenarios
func (h *Handlers) ListScenarios(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListScenarios(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateScenario handles POST /api/v1/scenarios
func (h *Handlers) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req scenarioRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	sc := &models.Scenario{
		ID:        uuid.NewString(),
		UserID:    middleware.GetUserID(r.Context()),
		Name:      strings.TrimSpace(*req.Name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != nil {
		sc.Description = *req.Description
	}

	s := scene.NewDefaultScene()
	if len(req.Scene) > 0 && string(req.Scene) != "null" {
		var err error
		if s, err = scenario.DecodeScene(req.Scene); err != nil {
			respondErr(w, err)
			return
		}
	}
	raw, err := scenario.EncodeScene(s)
	if err != nil {
		respondErr(w, err)
		return
	}
	sc.Content = models.ScenarioContent{
		Scene:    raw,
		Flow:     scenario.RenderFlow(s),
		FlowHash: scenario.SceneHash(s),
	}

	if err := h.Store.UpsertScenario(r.Context(), sc); err != nil {
		respondErr(w, err)
		return
	}
	log.Info().Str("user", sc.UserID).Str("scenario", sc.ID).Msg("Scenario created")
	respondJSON(w, http.StatusCreated, sc)
}

// GetScenario handles GET /api/v1/scenarios/{scenarioID}
func (h *Handlers) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Store.GetScenario(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "scenarioID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

// UpdateScenario handles PUT /api/v1/scenarios/{scenarioID}. Only name and
// description change here; scene edits go through the editor endpoints.
func (h *Handlers) UpdateScenario(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req scenarioRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sc, err := h.Store.GetScenario(r.Context(), userID, chi.URLParam(r, "scenarioID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			respondError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		sc.Name = name
	}
	if req.Description != nil {
		sc.Description = *req.Description
	}
	sc.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpsertScenario(r.Context(), sc); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

// DeleteScenario handles DELETE /api/v1/scenarios/{scenarioID}
func (h *Handlers) DeleteScenario(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "scenarioID")
	if err := h.Store.DeleteScenario(r.Context(), userID, id); err != nil {
		respondErr(w, err)
		return
	}
	h.Sessions.Close(userID, id)
	w.WriteHeader(http.StatusNoContent)
}

// GetScenarioFlow handles GET /api/v1/scenarios/{scenarioID}/flow
func (h *Handlers) GetScenarioFlow(w http.ResponseWriter, r *http.Request) {
	sc, err := scene.EnsureFlow(r.Context(), h.Store, middleware.GetUserID(r.Context()), chi.URLParam(r, "scenarioID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"flow":     sc.Content.Flow,
		"flowHash": sc.Content.FlowHash,
	})
}
