package handlers

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/api/middleware"
	"github.com/flowdesk/flowdesk/internal/jobs"
	"github.com/flowdesk/flowdesk/internal/rag"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Vector Storages ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type vectorStorageRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// ListVectorStorages handles GET /api/v1/vector-storages
func (h *Handlers) ListVectorStorages(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListVectorStorages(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateVectorStorage handles POST /api/v1/vector-storages
func (h *Handlers) CreateVectorStorage(w http.ResponseWriter, r *http.Request) {
	var req vectorStorageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	vs := &models.VectorStorage{
		ID:        uuid.NewString(),
		UserID:    middleware.GetUserID(r.Context()),
		Name:      strings.TrimSpace(*req.Name),
		FileIDs:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != nil {
		vs.Description = *req.Description
	}
	if err := h.Store.CreateVectorStorage(r.Context(), vs); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, vs)
}

// GetVectorStorage handles GET /api/v1/vector-storages/{storageID}
func (h *Handlers) GetVectorStorage(w http.ResponseWriter, r *http.Request) {
	vs, err := h.Store.GetVectorStorage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "storageID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vs)
}

// UpdateVectorStorage handles PUT /api/v1/vector-storages/{storageID}
func (h *Handlers) UpdateVectorStorage(w http.ResponseWriter, r *http.Request) {
	var req vectorStorageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vs, err := h.Store.GetVectorStorage(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "storageID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			respondError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		vs.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		vs.Description = *req.Description
	}
	vs.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateVectorStorage(r.Context(), vs); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vs)
}

// DeleteVectorStorage handles DELETE /api/v1/vector-storages/{storageID}.
// The storage's vector table is dropped with it.
func (h *Handlers) DeleteVectorStorage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "storageID")
	if _, err := h.Store.GetVectorStorage(r.Context(), userID, id); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.Index.DropTable(r.Context(), models.VectorTableName(id)); err != nil {
		respondErr(w, fmt.Errorf("drop vectors: %w", err))
		return
	}
	if err := h.Store.DeleteVectorStorage(r.Context(), userID, id); err != nil {
		respondErr(w, err)
		return
	}
	log.Info().Str("user", userID).Str("vector_storage", id).Msg("Vector storage deleted")
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Question string  `json:"question"`
	TopK     int     `json:"top_k"`
	MinScore float64 `json:"min_score"`
}

// QueryVectorStorage handles POST /api/v1/vector-storages/{storageID}/query
func (h *Handlers) QueryVectorStorage(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, "question is required")
		return
	}

	matches, err := h.Retriever.Query(r.Context(), middleware.GetUserID(r.Context()),
		chi.URLParam(r, "storageID"), req.Question, req.TopK, req.MinScore)
	if err != nil {
		respondErr(w, err)
		return
	}
	if matches == nil {
		matches = []models.VectorMatch{}
	}
	respondJSON(w, http.StatusOK, matches)
}

// ══════════════════════════════════════════════════════════════
// ── Vectorization ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type vectorizeRequest struct {
	FileIDs   []string `json:"file_ids"`
	Directory string   `json:"directory"`
}

// Vectorize handles POST /api/v1/vector-storages/{storageID}/vectorize.
// It accepts either JSON ({file_ids, directory}) or multipart/form-data with
// "files" parts plus optional "file_ids" and "directory" fields, and
// answers 202 with the created job.
func (h *Handlers) Vectorize(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vs, err := h.Store.GetVectorStorage(r.Context(), userID, chi.URLParam(r, "storageID"))
	if err != nil {
		respondErr(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	req, err := parseVectorizeRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = userID
	req.VectorStorageID = vs.ID

	if len(req.FileIDs) == 0 && len(req.Uploads) == 0 && req.Directory == "" {
		respondErr(w, rag.ErrNoFilesSelected)
		return
	}

	pipeline := h.Pipeline
	task := jobs.TaskFunc(func(ctx context.Context, rep jobs.Reporter) error {
		_, err := pipeline.Run(ctx, req, rep)
		return err
	})

	desc := fmt.Sprintf("%d saved, %d uploaded", len(req.FileIDs), len(req.Uploads))
	if req.Directory != "" {
		desc += ", directory " + req.Directory
	}
	job, err := h.Jobs.CreateJob(r.Context(), userID, "Vectorize "+vs.Name, desc, task)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func parseVectorizeRequest(r *http.Request) (rag.Request, error) {
	var req rag.Request

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body vectorizeRequest
		if err := decode(r, &body); err != nil {
			return req, fmt.Errorf("invalid request body")
		}
		req.FileIDs = body.FileIDs
		req.Directory = strings.TrimSpace(body.Directory)
		return req, nil
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, fmt.Errorf("invalid multipart body: %v", err)
	}
	for _, v := range r.MultipartForm.Value["file_ids"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.FileIDs = append(req.FileIDs, id)
			}
		}
	}
	if dirs := r.MultipartForm.Value["directory"]; len(dirs) > 0 {
		req.Directory = strings.TrimSpace(dirs[0])
	}
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return req, fmt.Errorf("open upload %s: %v", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return req, fmt.Errorf("read upload %s: %v", fh.Filename, err)
		}
		req.Uploads = append(req.Uploads, rag.Upload{Name: fh.Filename, Data: data})
	}
	return req, nil
}

// ListFiles handles GET /api/v1/files
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.Store.ListFiles(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, files)
}

// ListEmbeddingDrivers handles GET /api/v1/embeddings
func (h *Handlers) ListEmbeddingDrivers(w http.ResponseWriter, r *http.Request) {
	if h.Embeddings == nil {
		respondJSON(w, http.StatusOK, []string{})
		return
	}
	respondJSON(w, http.StatusOK, h.Embeddings.List())
}
