package jobs_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/jobs"
	"github.com/flowdesk/flowdesk/internal/rag"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

func newStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func newRuntime(t *testing.T, st store.JobStore, pub events.Publisher) *jobs.Runtime {
	t.Helper()
	rt, err := jobs.New(context.Background(), st, pub)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt
}

func waitJob(t *testing.T, rt *jobs.Runtime, st store.JobStore, jobID string) (*models.Job, []models.JobEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Wait(ctx, jobID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	job, err := st.GetJob(context.Background(), "alice", jobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	evs, err := st.ListJobEvents(context.Background(), "alice", jobID)
	if err != nil {
		t.Fatalf("ListJobEvents() error = %v", err)
	}
	return job, evs
}

func countTag(evs []models.JobEvent, tag models.EventTag) int {
	n := 0
	for _, e := range evs {
		if e.Tag == tag {
			n++
		}
	}
	return n
}

// blockUntilCancelled is a task that does nothing until its context ends.
var blockUntilCancelled = jobs.TaskFunc(func(ctx context.Context, _ jobs.Reporter) error {
	<-ctx.Done()
	return ctx.Err()
})

func TestCreateJob_Completes(t *testing.T) {
	st := newStore(t)
	bus := events.NewBus()
	sub := bus.Subscribe("alice")
	rt := newRuntime(t, st, bus)

	job, err := rt.CreateJob(context.Background(), "alice", "index docs", "", jobs.TaskFunc(func(ctx context.Context, r jobs.Reporter) error {
		r.SetStage("reading_documents")
		r.Emit(models.TagInfo, "step one")
		r.Emit(models.TagInfo, "step two")
		return nil
	}))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if !job.IsPending || job.Status != models.JobPending {
		t.Errorf("CreateJob() returned %+v, want pending", job)
	}

	got, evs := waitJob(t, rt, st, job.ID)
	if got.Status != models.JobCompleted || !got.IsCompleted || got.IsPending || got.FinishedAt == nil {
		t.Errorf("job = %+v, want completed", got)
	}

	var msgs []string
	for i, e := range evs {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
		msgs = append(msgs, e.Message)
	}
	if len(msgs) != 4 || msgs[1] != "step one" || msgs[2] != "step two" {
		t.Errorf("events = %q", msgs)
	}

	if len(sub) == 0 {
		t.Error("no bus notifications published")
	}
}

func TestCancelJob_Immediate(t *testing.T) {
	st := newStore(t)
	rt := newRuntime(t, st, nil)

	job, err := rt.CreateJob(context.Background(), "alice", "slow", "", blockUntilCancelled)
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := rt.CancelJob(context.Background(), "alice", job.ID); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}

	got, evs := waitJob(t, rt, st, job.ID)
	if got.IsPending || got.IsCompleted || got.Status != models.JobCancelled {
		t.Errorf("job = %+v, want cancelled with both flags false", got)
	}
	if got.ErrorMessage == "" {
		t.Error("cancelled job has no error message")
	}
	if n := countTag(evs, models.TagWarning); n != 1 {
		t.Errorf("warning events = %d, want 1 (%+v)", n, evs)
	}
	if countTag(evs, models.TagError) != 0 {
		t.Error("cancellation logged as error")
	}
}

func TestCancelJob_MidPipelineRecordsStage(t *testing.T) {
	st := newStore(t)
	rt := newRuntime(t, st, nil)

	started := make(chan struct{})
	job, _ := rt.CreateJob(context.Background(), "alice", "pipeline", "", jobs.TaskFunc(func(ctx context.Context, r jobs.Reporter) error {
		r.SetStage(string(rag.StageEmbedding))
		r.Emit(models.TagInfo, "Embedded batch 1/5 (20%)")
		close(started)
		<-ctx.Done()
		r.Emit(models.TagInfo, "late event")
		return &rag.CancelledError{Stage: rag.StageEmbedding, Err: ctx.Err()}
	}))

	<-started
	if err := rt.CancelJob(context.Background(), "alice", job.ID); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}

	got, evs := waitJob(t, rt, st, job.ID)
	if got.Status != models.JobCancelled || got.Stage != "embedding" {
		t.Errorf("job = %+v, want cancelled during embedding", got)
	}
	if !strings.Contains(got.ErrorMessage, "embedding") {
		t.Errorf("ErrorMessage = %q, want stage name", got.ErrorMessage)
	}
	last := evs[len(evs)-1]
	if last.Tag != models.TagWarning || !strings.Contains(last.Message, "embedding") {
		t.Errorf("last event = %+v, want cancellation warning", last)
	}
	for _, e := range evs {
		if e.Message == "late event" {
			t.Error("event emitted after cancellation was recorded")
		}
	}
}

func TestCancelJob_PendingUntracked(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	rt := newRuntime(t, st, nil)

	now := time.Now().UTC()
	orphan := &models.Job{ID: "orphan", UserID: "alice", Name: "orphan", CreatedAt: now, UpdatedAt: now}
	orphan.SetStatus(models.JobPending)
	st.CreateJob(ctx, orphan)

	if err := rt.CancelJob(ctx, "alice", "orphan"); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	got, _ := st.GetJob(ctx, "alice", "orphan")
	if got.Status != models.JobCancelled || got.IsPending {
		t.Errorf("job = %+v, want cancelled", got)
	}
	if err := rt.CancelJob(ctx, "alice", "orphan"); !errors.Is(err, jobs.ErrJobFinished) {
		t.Errorf("CancelJob(finished) error = %v, want ErrJobFinished", err)
	}

	var nf *store.ErrNotFound
	if err := rt.CancelJob(ctx, "bob", "orphan"); !errors.As(err, &nf) {
		t.Errorf("CancelJob(other user) error = %v, want ErrNotFound", err)
	}
}

func TestJobFailure(t *testing.T) {
	tests := []struct {
		name      string
		task      jobs.TaskFunc
		wantMsg   string
		wantStack bool
	}{
		{
			name: "stage error",
			task: func(ctx context.Context, r jobs.Reporter) error {
				r.SetStage(string(rag.StageReading))
				return &rag.StageError{Stage: rag.StageReading, Err: rag.ErrNoExtractableText}
			},
			wantMsg: "reading_documents: no extractable text in the selected files",
		},
		{
			name: "plain error uses current stage",
			task: func(ctx context.Context, r jobs.Reporter) error {
				r.SetStage("indexing")
				return errors.New("disk full")
			},
			wantMsg: "indexing: disk full",
		},
		{
			name: "panic",
			task: func(ctx context.Context, r jobs.Reporter) error {
				r.SetStage("embedding")
				panic("boom")
			},
			wantMsg:   "embedding: panic: boom",
			wantStack: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			rt := newRuntime(t, st, nil)
			job, err := rt.CreateJob(context.Background(), "alice", tt.name, "", tt.task)
			if err != nil {
				t.Fatalf("CreateJob() error = %v", err)
			}

			got, evs := waitJob(t, rt, st, job.ID)
			if got.Status != models.JobFailed || got.IsCompleted || got.IsPending {
				t.Errorf("job = %+v, want failed", got)
			}
			if got.ErrorMessage != tt.wantMsg {
				t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, tt.wantMsg)
			}
			last := evs[len(evs)-1]
			if last.Tag != models.TagError {
				t.Errorf("last event tag = %s, want error", last.Tag)
			}
			if hasStack := strings.Contains(last.Message, "goroutine"); hasStack != tt.wantStack {
				t.Errorf("stack in error event = %v, want %v", hasStack, tt.wantStack)
			}
		})
	}
}

func TestNew_SweepsPendingJobs(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"stale-pending", "stale-running"} {
		j := &models.Job{ID: id, UserID: "alice", Name: id, CreatedAt: now, UpdatedAt: now}
		j.SetStatus(models.JobPending)
		if id == "stale-running" {
			j.SetStatus(models.JobRunning)
		}
		st.CreateJob(ctx, j)
	}
	done := &models.Job{ID: "done", UserID: "alice", CreatedAt: now, UpdatedAt: now}
	done.SetStatus(models.JobCompleted)
	st.CreateJob(ctx, done)

	rt := newRuntime(t, st, nil)
	if rt.Running() != 0 {
		t.Errorf("Running() = %d after sweep, want 0", rt.Running())
	}

	for _, id := range []string{"stale-pending", "stale-running"} {
		j, _ := st.GetJob(ctx, "alice", id)
		if j.IsPending || j.Status != models.JobInterrupted || j.ErrorMessage != jobs.InterruptedMessage {
			t.Errorf("job %s = %+v, want interrupted", id, j)
		}
		evs, _ := st.ListJobEvents(ctx, "alice", id)
		if len(evs) != 1 || evs[0].Tag != models.TagWarning {
			t.Errorf("job %s events = %+v, want one warning", id, evs)
		}
	}

	j, _ := st.GetJob(ctx, "alice", "done")
	if j.Status != models.JobCompleted {
		t.Errorf("completed job swept: %+v", j)
	}
}

func TestShutdown(t *testing.T) {
	st := newStore(t)
	rt, err := jobs.New(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := rt.CreateJob(context.Background(), "alice", "slow", "", blockUntilCancelled)
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		ids = append(ids, job.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if rt.Running() != 0 {
		t.Errorf("Running() after Shutdown = %d", rt.Running())
	}
	for _, id := range ids {
		j, _ := st.GetJob(context.Background(), "alice", id)
		if j.Status != models.JobCancelled {
			t.Errorf("job %s status = %s, want cancelled", id, j.Status)
		}
	}
	if _, err := rt.CreateJob(context.Background(), "alice", "late", "", blockUntilCancelled); !errors.Is(err, jobs.ErrShuttingDown) {
		t.Errorf("CreateJob() after Shutdown error = %v, want ErrShuttingDown", err)
	}
}
