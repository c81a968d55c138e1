// Package handlers implements the HTTP handlers for Flowdesk: scenarios and
// their editor sessions, vector storages, vectorization jobs, the event
// stream and per-user settings.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/embeddings"
	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/jobs"
	"github.com/flowdesk/flowdesk/internal/rag"
	"github.com/flowdesk/flowdesk/internal/scenario"
	"github.com/flowdesk/flowdesk/internal/scene"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/contracts"
)

// maxUploadBytes caps a vectorize request body.
const maxUploadBytes = 256 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Sessions   *scene.Sessions
	Jobs       *jobs.Runtime
	Pipeline   *rag.Pipeline
	Retriever  *rag.Retriever
	Bus        *events.Bus
	Embeddings *embeddings.Registry
	Index      contracts.VectorIndex
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// respondErr maps domain errors to status codes.
func respondErr(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scenario.ErrUnsupportedSceneVersion):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, rag.ErrMissingVectorStorage),
		errors.Is(err, rag.ErrEmbeddingNotConfigured),
		errors.Is(err, rag.ErrNoFilesSelected):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobFinished):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
