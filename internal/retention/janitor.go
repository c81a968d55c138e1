// Package retention purges finished vectorization jobs once they are older
// than the configured retention window.
//
// When an Archiver is registered, expired jobs and their events are archived
// first and purged only if the archive write succeeded. Without an archiver
// expired jobs are deleted outright.
//
// The janitor runs as a background goroutine and stops when its context is
// cancelled.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// DefaultJobRetention is how long terminal jobs are kept.
const DefaultJobRetention = 30 * 24 * time.Hour

// ArchivedJob is a job together with its event log.
type ArchivedJob struct {
	Job    models.Job        `json:"job"`
	Events []models.JobEvent `json:"events"`
}

// Archiver persists expired jobs before they are purged.
type Archiver interface {
	Kind() string
	ArchiveJobs(ctx context.Context, jobs []ArchivedJob) (string, error)
	HealthCheck(ctx context.Context) error
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Expired  int
	Archived int
	Purged   int
	Location string
	Errors   []error
}

// Janitor periodically removes expired terminal jobs.
type Janitor struct {
	store     store.JobStore
	interval  time.Duration
	retention time.Duration
	archiver  Archiver
	now       func() time.Time
}

// NewJanitor creates a janitor that runs on the given interval and keeps
// terminal jobs for retention.
func NewJanitor(s store.JobStore, interval, retention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour // minimum 1 hour
	}
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &Janitor{
		store:     s,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// SetArchiver registers the archive backend used before purging.
func (j *Janitor) SetArchiver(a Archiver) {
	j.archiver = a
	log.Info().Str("kind", a.Kind()).Msg("Archive driver registered")
}

// Start runs the janitor loop. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Str("archiver", archiver).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep across every user's jobs.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	expired, err := j.findExpiredJobs(ctx, j.now().Add(-j.retention))
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to list jobs")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	stats.Expired = len(expired)
	if len(expired) == 0 {
		return stats
	}

	if j.archiver != nil {
		if !j.archive(ctx, expired, &stats) {
			log.Warn().Int("jobs", len(expired)).Msg("Archive failed, skipping purge")
			return stats
		}
	}
	j.purge(ctx, expired, &stats)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	log.Info().
		Int("purged_jobs", stats.Purged).
		Int("archived_jobs", stats.Archived).
		Dur("elapsed", time.Since(start)).
		Msg("Retention cycle complete")
	return stats
}

// findExpiredJobs returns terminal jobs last updated before cutoff.
// Pending and running jobs are never expired.
func (j *Janitor) findExpiredJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	jobs, err := j.store.ListJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	var expired []models.Job
	for _, job := range jobs {
		if !job.Status.Terminal() {
			continue
		}
		finished := job.UpdatedAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		if finished.Before(cutoff) {
			expired = append(expired, job)
		}
	}
	return expired, nil
}

func (j *Janitor) archive(ctx context.Context, jobs []models.Job, stats *CycleStats) bool {
	batch := make([]ArchivedJob, 0, len(jobs))
	for _, job := range jobs {
		evs, err := j.store.ListJobEvents(ctx, job.UserID, job.ID)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			return false
		}
		batch = append(batch, ArchivedJob{Job: job, Events: evs})
	}

	loc, err := j.archiver.ArchiveJobs(ctx, batch)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return false
	}
	stats.Archived = len(batch)
	stats.Location = loc
	return true
}

func (j *Janitor) purge(ctx context.Context, jobs []models.Job, stats *CycleStats) {
	for _, job := range jobs {
		if err := j.store.DeleteJob(ctx, job.UserID, job.ID); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Purged++
	}
}
