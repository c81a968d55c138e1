// Package contracts defines the collaborator interfaces the Flowdesk core
// consumes: embedding services, vector indexes, text extractors and the
// file system.
//
// Concrete implementations live under internal/ (embeddings, vectorstore,
// rag). Tests swap them for in-process fakes.
package contracts

import (
	"context"
	"io/fs"

	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Embedding Driver ────────────────────────────────────────

// EmbedRequest asks for one embedding per input text.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbedResponse carries embeddings in input order.
type EmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// EmbeddingDriver is an embedding service client.
// OSS ships: Ollama (local) and OpenAI drivers.
type EmbeddingDriver interface {
	// Kind returns the driver identifier (e.g. "ollama").
	Kind() string

	// Embed computes embeddings for req.Input using req.Model. Drivers do not
	// validate the count of returned embeddings; callers do.
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)

	// HealthCheck verifies the service is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Vector Index ────────────────────────────────────────────

// VectorIndex stores embedding rows in named tables.
type VectorIndex interface {
	Kind() string

	// AddVectors upserts rows by id into table, creating it on first write.
	AddVectors(ctx context.Context, table string, rows []models.VectorRow) error

	// Search returns up to limit rows ordered by descending similarity.
	// A missing table yields no rows and no error.
	Search(ctx context.Context, table string, vector []float64, limit int) ([]models.VectorMatch, error)

	// TableSize returns the storage footprint of table in bytes.
	TableSize(ctx context.Context, table string) (int64, error)

	// DropTable removes table and all its rows.
	DropTable(ctx context.Context, table string) error

	HealthCheck(ctx context.Context) error
}

// ── Text Extraction ─────────────────────────────────────────

// TextExtractor turns a document's bytes into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// ── File System ─────────────────────────────────────────────

// FileSystem is the file access used while preparing vectorization input.
// Uploads are written through it so the read stage sees them.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	Stat(name string) (fs.FileInfo, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
	WriteFile(name string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
}
