// Package jobs runs cancellable background tasks as persisted jobs with an
// append-only event log.
//
// Lifecycle:
//  1. CreateJob persists a pending job and its creation event, then starts
//     the task in a tracked goroutine and returns.
//  2. The task reports progress through a Reporter; each report becomes a
//     JobEvent and a bus notification.
//  3. The job ends completed, failed ("<stage>: <message>") or cancelled
//     (one warning event naming the stage).
//  4. On construction, jobs left pending by a previous process are swept to
//     interrupted; they never resume.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/metrics"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// InterruptedMessage is recorded on jobs swept at startup.
const InterruptedMessage = "interrupted: the server restarted before the job finished"

var (
	ErrShuttingDown = errors.New("job runtime is shutting down")
	ErrJobFinished  = errors.New("job already finished")
)

// Reporter receives progress from a running task.
type Reporter interface {
	Emit(tag models.EventTag, message string)
	SetStage(stage string)
}

// Task is the work a job performs. It must return promptly once ctx is
// cancelled.
type Task interface {
	Run(ctx context.Context, r Reporter) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context, r Reporter) error

func (f TaskFunc) Run(ctx context.Context, r Reporter) error { return f(ctx, r) }

// stageNamer is implemented by errors that know the stage they came from.
type stageNamer interface {
	StageName() string
}

// Runtime executes jobs. Safe for concurrent use.
type Runtime struct {
	store store.JobStore
	pub   events.Publisher

	// Running executions: job id → handle
	mu      sync.Mutex
	running map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	job models.Job
}

// New sweeps jobs left pending by a previous process into interrupted, then
// returns a runtime ready to accept jobs.
func New(ctx context.Context, st store.JobStore, pub events.Publisher) (*Runtime, error) {
	if pub == nil {
		pub = events.Discard
	}
	r := &Runtime{
		store:   st,
		pub:     pub,
		running: make(map[string]*handle),
	}

	swept, err := st.MarkPendingJobsAsInterrupted(ctx, InterruptedMessage)
	if err != nil {
		return nil, fmt.Errorf("sweep pending jobs: %w", err)
	}
	for i := range swept {
		j := swept[i]
		r.appendEvent(j.UserID, j.ID, models.TagWarning, "Job was interrupted by a restart and will not resume")
		r.pub.Publish(j.UserID, events.Event{Type: events.JobUpdated, Data: j})
		metrics.JobsFinished.WithLabelValues(string(models.JobInterrupted)).Inc()
	}
	if len(swept) > 0 {
		log.Warn().Int("jobs", len(swept)).Msg("⚠️  Interrupted jobs left pending by a previous run")
	}
	return r, nil
}

// CreateJob persists a pending job and runs task in the background. It
// returns as soon as the job is recorded.
func (r *Runtime) CreateJob(ctx context.Context, userID, name, description string, task Task) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job.SetStatus(models.JobPending)

	if err := r.store.CreateJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	r.pub.Publish(userID, events.Event{Type: events.JobUpdated, Data: job})
	r.appendEvent(userID, job.ID, models.TagInfo, fmt.Sprintf("Job %q created", name))

	// Create cancellable context for this execution
	execCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{}), job: job}
	r.running[job.ID] = h
	r.wg.Add(1)
	metrics.JobsRunning.Inc()

	log.Info().
		Str("job_id", job.ID).
		Str("user", userID).
		Str("name", name).
		Msg("🚀 Job started")

	go r.execute(execCtx, h, task)

	out := job
	return &out, nil
}

// CancelJob stops a job. A running job is signalled and finishes
// asynchronously; a pending job that no goroutine owns is moved straight to
// cancelled.
func (r *Runtime) CancelJob(ctx context.Context, userID, jobID string) error {
	r.mu.Lock()
	h, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		h.mu.Lock()
		owner := h.job.UserID
		h.mu.Unlock()
		if owner != userID {
			return &store.ErrNotFound{Entity: "job", Key: jobID}
		}
		h.cancel()
		return nil
	}

	job, err := r.store.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}

	now := time.Now().UTC()
	job.SetStatus(models.JobCancelled)
	job.ErrorMessage = "cancelled before start"
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	r.appendEvent(userID, jobID, models.TagWarning, "Job cancelled before it started")
	r.pub.Publish(userID, events.Event{Type: events.JobUpdated, Data: *job})
	metrics.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
	return nil
}

// Wait blocks until the job's goroutine has finished or ctx is done. Jobs
// that are not running return immediately.
func (r *Runtime) Wait(ctx context.Context, jobID string) error {
	r.mu.Lock()
	h, ok := r.running[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of executing jobs.
func (r *Runtime) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown refuses new jobs, cancels every running job and waits for them to
// record their terminal state or for ctx to expire.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, h := range r.running {
		h.cancel()
	}
	n := len(r.running)
	r.mu.Unlock()

	if n > 0 {
		log.Info().Int("jobs", n).Msg("Cancelling running jobs")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// ── Execution ───────────────────────────────────────────────

func (r *Runtime) execute(ctx context.Context, h *handle, task Task) {
	defer func() {
		r.mu.Lock()
		delete(r.running, h.job.ID)
		r.mu.Unlock()
		h.cancel()
		close(h.done)
		metrics.JobsRunning.Dec()
		r.wg.Done()
	}()

	if ctx.Err() != nil {
		r.finishCancelled(h)
		return
	}

	h.mu.Lock()
	h.job.SetStatus(models.JobRunning)
	h.job.StartedAt = time.Now().UTC()
	h.job.UpdatedAt = h.job.StartedAt
	r.saveLocked(h)
	h.mu.Unlock()

	stack, err := r.runTask(ctx, h, task)

	switch {
	case err == nil:
		r.finishCompleted(h)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		if sn, ok := stageOf(err); ok {
			h.mu.Lock()
			h.job.Stage = sn
			h.mu.Unlock()
		}
		r.finishCancelled(h)
	default:
		r.finishFailed(h, err, stack)
	}
}

// runTask calls the task, converting a panic into an error plus stack.
func (r *Runtime) runTask(ctx context.Context, h *handle, task Task) (stack []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			stack = debug.Stack()
		}
	}()
	return nil, task.Run(ctx, &emitter{ctx: ctx, r: r, h: h})
}

func (r *Runtime) finishCompleted(h *handle) {
	h.mu.Lock()
	now := time.Now().UTC()
	h.job.SetStatus(models.JobCompleted)
	h.job.UpdatedAt = now
	h.job.FinishedAt = &now
	elapsed := now.Sub(h.job.StartedAt)
	r.saveLocked(h)
	job := h.job
	h.mu.Unlock()

	r.appendEvent(job.UserID, job.ID, models.TagSuccess, fmt.Sprintf("Job completed in %s", elapsed.Round(time.Millisecond)))
	metrics.JobsFinished.WithLabelValues(string(models.JobCompleted)).Inc()
	log.Info().
		Str("job_id", job.ID).
		Dur("elapsed", elapsed).
		Msg("🎉 Job completed")
}

func (r *Runtime) finishCancelled(h *handle) {
	h.mu.Lock()
	now := time.Now().UTC()
	msg := "cancelled"
	if h.job.Stage != "" {
		msg = "cancelled during " + h.job.Stage
	}
	h.job.SetStatus(models.JobCancelled)
	h.job.ErrorMessage = msg
	h.job.UpdatedAt = now
	h.job.FinishedAt = &now
	r.saveLocked(h)
	job := h.job
	h.mu.Unlock()

	event := "Job cancelled"
	if job.Stage != "" {
		event = fmt.Sprintf("Job cancelled during %s", job.Stage)
	}
	r.appendEvent(job.UserID, job.ID, models.TagWarning, event)
	metrics.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
	log.Warn().
		Str("job_id", job.ID).
		Str("stage", job.Stage).
		Msg("Job cancelled")
}

func (r *Runtime) finishFailed(h *handle, err error, stack []byte) {
	h.mu.Lock()
	now := time.Now().UTC()
	stage := h.job.Stage
	if sn, ok := stageOf(err); ok {
		stage = sn
	}
	msg := err.Error()
	if stage != "" && !strings.HasPrefix(msg, stage+": ") {
		msg = stage + ": " + msg
	}
	h.job.SetStatus(models.JobFailed)
	h.job.Stage = stage
	h.job.ErrorMessage = msg
	h.job.UpdatedAt = now
	h.job.FinishedAt = &now
	r.saveLocked(h)
	job := h.job
	h.mu.Unlock()

	event := "Job failed: " + msg
	if len(stack) > 0 {
		event += "\n" + string(stack)
	}
	r.appendEvent(job.UserID, job.ID, models.TagError, event)
	metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
	log.Error().
		Str("job_id", job.ID).
		Str("error", msg).
		Msg("💥 Job failed")
}

func stageOf(err error) (string, bool) {
	var sn stageNamer
	if errors.As(err, &sn) && sn.StageName() != "" {
		return sn.StageName(), true
	}
	return "", false
}

// saveLocked persists h.job and announces it. Caller holds h.mu.
func (r *Runtime) saveLocked(h *handle) {
	if err := r.store.UpdateJob(context.Background(), &h.job); err != nil {
		log.Error().Err(err).Str("job_id", h.job.ID).Msg("Failed to update job")
	}
	r.pub.Publish(h.job.UserID, events.Event{Type: events.JobUpdated, Data: h.job})
}

func (r *Runtime) appendEvent(userID, jobID string, tag models.EventTag, message string) {
	ev := &models.JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Message:   message,
		Tag:       tag,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendJobEvent(context.Background(), ev); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to append job event")
		return
	}
	r.pub.Publish(userID, events.Event{Type: events.JobEvent, Data: *ev})
}

// ── Reporter ────────────────────────────────────────────────

// emitter turns task progress into job events. Reports arriving after the
// job's context is cancelled are dropped.
type emitter struct {
	ctx context.Context
	r   *Runtime
	h   *handle
}

func (e *emitter) Emit(tag models.EventTag, message string) {
	if e.ctx.Err() != nil {
		return
	}
	e.h.mu.Lock()
	userID, jobID := e.h.job.UserID, e.h.job.ID
	e.h.mu.Unlock()
	e.r.appendEvent(userID, jobID, tag, message)
}

func (e *emitter) SetStage(stage string) {
	if e.ctx.Err() != nil {
		return
	}
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	if e.h.job.Stage == stage {
		return
	}
	e.h.job.Stage = stage
	e.h.job.UpdatedAt = time.Now().UTC()
	e.r.saveLocked(e.h)
}
