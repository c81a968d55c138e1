package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/flowdesk/flowdesk/internal/api/middleware"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// GetSettings handles GET /api/v1/settings
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Store.GetUserSettings(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type settingsRequest struct {
	EmbeddingDriver string `json:"embedding_driver"`
	EmbeddingModel  string `json:"embedding_model"`
}

// UpdateSettings handles PUT /api/v1/settings. The driver must be one of
// the registered embedding drivers.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.EmbeddingDriver = strings.TrimSpace(req.EmbeddingDriver)
	req.EmbeddingModel = strings.TrimSpace(req.EmbeddingModel)
	if req.EmbeddingDriver != "" {
		if _, err := h.Embeddings.Get(req.EmbeddingDriver); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s := &models.UserSettings{
		UserID:          middleware.GetUserID(r.Context()),
		EmbeddingDriver: req.EmbeddingDriver,
		EmbeddingModel:  req.EmbeddingModel,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := h.Store.UpsertUserSettings(r.Context(), s); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}
