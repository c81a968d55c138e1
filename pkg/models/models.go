// Package models holds the data types shared by every Flowdesk package:
// scenario graphs, vector storages, files, vectorization jobs and the
// per-user settings that select the active embedding driver.
package models

import "time"

// ── Files ───────────────────────────────────────────────────

// File is a document registered with Flowdesk. Path points at the copy
// Flowdesk owns on disk.
type File struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Vector Storages ─────────────────────────────────────────

// VectorStorage is a named collection of indexed documents. Its vectors live
// in the vector index under the table returned by VectorTableName.
type VectorStorage struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	FileIDs      []string   `json:"file_ids"`
	Size         int64      `json:"size"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// VectorTableName returns the index table holding a storage's vectors.
func VectorTableName(storageID string) string {
	return "vs_" + storageID
}

// VectorRow is one embedded chunk as written to the vector index.
type VectorRow struct {
	ID              string    `json:"id"`
	Vector          []float64 `json:"vector"`
	Text            string    `json:"text"`
	FileID          string    `json:"file_id,omitempty"`
	FileName        string    `json:"file_name"`
	ChunkIndex      int       `json:"chunk_index"`
	VectorStorageID string    `json:"vector_storage_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// VectorMatch is a single similarity search hit.
type VectorMatch struct {
	Row   VectorRow `json:"row"`
	Score float64   `json:"score"`
}

// ── Vectorization Jobs ──────────────────────────────────────

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobInterrupted JobStatus = "interrupted"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobInterrupted:
		return true
	}
	return false
}

// Job is a vectorization job. IsPending and IsCompleted mirror Status for
// clients that only understand the two flags.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Status       JobStatus  `json:"status"`
	IsPending    bool       `json:"is_pending"`
	IsCompleted  bool       `json:"is_completed"`
	Stage        string     `json:"stage,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// SetStatus moves the job to s and keeps the legacy flags in sync.
func (j *Job) SetStatus(s JobStatus) {
	j.Status = s
	j.IsPending = s == JobPending || s == JobRunning
	j.IsCompleted = s == JobCompleted
}

// EventTag classifies a job event for display.
type EventTag string

const (
	TagInfo    EventTag = "info"
	TagSuccess EventTag = "success"
	TagWarning EventTag = "warning"
	TagError   EventTag = "error"
)

// JobEvent is one entry of a job's append-only progress log. Seq orders
// events of the same job.
type JobEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Message   string    `json:"message"`
	Tag       EventTag  `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// ── User Settings ───────────────────────────────────────────

// UserSettings holds the per-user embedding configuration.
type UserSettings struct {
	UserID          string    `json:"user_id"`
	EmbeddingDriver string    `json:"embedding_driver"`
	EmbeddingModel  string    `json:"embedding_model"`
	UpdatedAt       time.Time `json:"updated_at"`
}
