// Package store provides the storage interface and implementations for Flowdesk.
// MemoryStore keeps everything in maps with an optional JSON snapshot;
// SQLiteStore persists to a single SQLite database file.
package store

import (
	"context"
	"time"

	"github.com/flowdesk/flowdesk/pkg/models"
)

// Store is the primary storage interface. Every method is scoped to an
// explicit user id; the only exception is the startup job sweep, which runs
// before any user context exists.
type Store interface {
	ScenarioStore
	VectorStorageStore
	FileStore
	JobStore
	SettingsStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Scenario Store ──────────────────────────────────────────

type ScenarioStore interface {
	ListScenarios(ctx context.Context, userID string) ([]models.Scenario, error)
	GetScenario(ctx context.Context, userID, id string) (*models.Scenario, error)

	// UpsertScenario writes the whole scenario, content included, in one
	// operation.
	UpsertScenario(ctx context.Context, scenario *models.Scenario) error
	DeleteScenario(ctx context.Context, userID, id string) error
}

// ── Vector Storage Store ────────────────────────────────────

type VectorStorageStore interface {
	ListVectorStorages(ctx context.Context, userID string) ([]models.VectorStorage, error)
	GetVectorStorage(ctx context.Context, userID, id string) (*models.VectorStorage, error)
	CreateVectorStorage(ctx context.Context, vs *models.VectorStorage) error
	UpdateVectorStorage(ctx context.Context, vs *models.VectorStorage) error
	DeleteVectorStorage(ctx context.Context, userID, id string) error
}

// ── File Store ──────────────────────────────────────────────

type FileStore interface {
	ListFiles(ctx context.Context, userID string) ([]models.File, error)

	// GetFilesByIDs returns the files that exist, in the order of ids.
	// Unknown ids are skipped.
	GetFilesByIDs(ctx context.Context, userID string, ids []string) ([]models.File, error)
	SaveFiles(ctx context.Context, files []models.File) error
}

// ── Job Store ───────────────────────────────────────────────

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, userID, id string) (*models.Job, error)

	// ListJobs returns jobs newest first. An empty userID lists every user's
	// jobs and is reserved for maintenance tasks.
	ListJobs(ctx context.Context, userID string) ([]models.Job, error)

	// DeleteJob removes a job and its events.
	DeleteJob(ctx context.Context, userID, id string) error

	// AppendJobEvent assigns the next sequence number of the event's job and
	// stores the event.
	AppendJobEvent(ctx context.Context, event *models.JobEvent) error
	ListJobEvents(ctx context.Context, userID, jobID string) ([]models.JobEvent, error)

	// MarkPendingJobsAsInterrupted moves every pending or running job of
	// every user to interrupted and returns the jobs it changed.
	MarkPendingJobsAsInterrupted(ctx context.Context, message string) ([]models.Job, error)
}

// ── Settings Store ──────────────────────────────────────────

type SettingsStore interface {
	// GetUserSettings returns stored settings, or empty defaults.
	GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error)
	UpsertUserSettings(ctx context.Context, settings *models.UserSettings) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// interruptJob applies the startup sweep transition to j.
func interruptJob(j *models.Job, message string, now time.Time) {
	j.SetStatus(models.JobInterrupted)
	j.ErrorMessage = message
	j.UpdatedAt = now
	j.FinishedAt = &now
}
