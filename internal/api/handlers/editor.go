package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowdesk/flowdesk/internal/api/middleware"
	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/internal/scene"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Scene Editor ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════
//
// Every editor endpoint works on the user's open session for the scenario.
// Rejected edits answer 422 and leave the scene unchanged.

func (h *Handlers) editor(w http.ResponseWriter, r *http.Request) (*scene.Editor, bool) {
	e, err := h.Sessions.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "scenarioID"))
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return e, true
}

func rejected(w http.ResponseWriter, what string) {
	respondError(w, http.StatusUnprocessableEntity, what+" rejected")
}

// GetScene handles GET /api/v1/scenarios/{scenarioID}/scene
func (h *Handlers) GetScene(w http.ResponseWriter, r *http.Request) {
	e, ok := h.editor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, e.Scene())
}

// DiscardScene handles DELETE /api/v1/scenarios/{scenarioID}/scene, dropping
// unsaved edits.
func (h *Handlers) DiscardScene(w http.ResponseWriter, r *http.Request) {
	h.Sessions.Close(middleware.GetUserID(r.Context()), chi.URLParam(r, "scenarioID"))
	w.WriteHeader(http.StatusNoContent)
}

type insertBlockRequest struct {
	Kind  models.BlockKind `json:"kind"`
	Title string           `json:"title"`
	Meta  map[string]any   `json:"meta"`
	X     float64          `json:"x"`
	Y     float64          `json:"y"`
}

// InsertBlock handles POST /api/v1/scenarios/{scenarioID}/scene/blocks
func (h *Handlers) InsertBlock(w http.ResponseWriter, r *http.Request) {
	var req insertBlockRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.editor(w, r)
	if !ok {
		return
	}

	in := scene.InsertRequest{Kind: req.Kind, Title: req.Title}
	if req.Meta != nil {
		in.Meta = scenario.NormalizeRawMeta(req.Kind, req.Meta)
	}
	b, ok := e.InsertBlock(in, models.Point{X: req.X, Y: req.Y})
	if !ok {
		rejected(w, "block insert")
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

// MoveBlock handles PUT /api/v1/scenarios/{scenarioID}/scene/blocks/{blockID}/position
func (h *Handlers) MoveBlock(w http.ResponseWriter, r *http.Request) {
	var req models.Point
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.editor(w, r)
	if !ok {
		return
	}
	if !e.MoveBlock(chi.URLParam(r, "blockID"), req.X, req.Y) {
		rejected(w, "block move")
		return
	}
	respondJSON(w, http.StatusOK, e.Scene())
}

// UpdateBlockMeta handles PUT /api/v1/scenarios/{scenarioID}/scene/blocks/{blockID}/meta.
// The body is the raw meta of the block's kind.
func (h *Handlers) UpdateBlockMeta(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := decode(r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.editor(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "blockID")
	var kind models.BlockKind
	for _, b := range e.Scene().Blocks {
		if b.ID == id {
			kind = b.Kind
		}
	}

	var updated bool
	switch m := scenario.NormalizeRawMeta(kind, raw).(type) {
	case *models.ToolMeta:
		updated = e.UpdateToolMeta(id, *m)
	case *models.PromptMeta:
		updated = e.UpdatePromptMeta(id, *m)
	case *models.ConditionMeta:
		updated = e.UpdateConditionMeta(id, *m)
	case *models.VariableMeta:
		updated = e.UpdateVariableMeta(id, *m)
	}
	if !updated {
		rejected(w, "meta update")
		return
	}
	respondJSON(w, http.StatusOK, e.Scene())
}

// RemoveBlock handles DELETE /api/v1/scenarios/{scenarioID}/scene/blocks/{blockID}
func (h *Handlers) RemoveBlock(w http.ResponseWriter, r *http.Request) {
	e, ok := h.editor(w, r)
	if !ok {
		return
	}
	if !e.RemoveBlock(chi.URLParam(r, "blockID")) {
		rejected(w, "block removal")
		return
	}
	respondJSON(w, http.StatusOK, e.Scene())
}

// Connect handles POST /api/v1/scenarios/{scenarioID}/scene/connections
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req models.Connection
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.editor(w, r)
	if !ok {
		return
	}
	c, ok := e.CompleteConnection(req.FromBlockID, req.ToBlockID, req.FromPortName, req.ToPortName)
	if !ok {
		rejected(w, "connection")
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// RemoveConnection handles DELETE /api/v1/scenarios/{scenarioID}/scene/connections/{connectionID}
func (h *Handlers) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	e, ok := h.editor(w, r)
	if !ok {
		return
	}
	if !e.RemoveConnection(chi.URLParam(r, "connectionID")) {
		rejected(w, "connection removal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveSceneRequest struct {
	Viewport *scene.ViewportPatch `json:"viewport"`
}

// SaveScene handles POST /api/v1/scenarios/{scenarioID}/scene/save
func (h *Handlers) SaveScene(w http.ResponseWriter, r *http.Request) {
	var req saveSceneRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.editor(w, r)
	if !ok {
		return
	}
	sc, err := e.SaveScene(r.Context(), req.Viewport)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}
