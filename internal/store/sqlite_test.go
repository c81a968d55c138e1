package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/models"
)

func openSQLite(t *testing.T, dir string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return s
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	s := openSQLite(t, dir)
	if err := s.UpsertScenario(ctx, &models.Scenario{
		ID: "sc1", UserID: "alice", Name: "Adder",
		Content:   models.ScenarioContent{Scene: json.RawMessage(`{"version":1}`), FlowHash: "h1"},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertScenario() error = %v", err)
	}
	if err := s.CreateVectorStorage(ctx, &models.VectorStorage{ID: "vs1", UserID: "alice", Name: "Docs", FileIDs: []string{"f1"}, CreatedAt: now}); err != nil {
		t.Fatalf("CreateVectorStorage() error = %v", err)
	}
	if err := s.CreateJob(ctx, newJob("j1", "alice", models.JobRunning)); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for _, msg := range []string{"created", "reading"} {
		if err := s.AppendJobEvent(ctx, &models.JobEvent{ID: msg, JobID: "j1", Message: msg, Tag: models.TagInfo}); err != nil {
			t.Fatalf("AppendJobEvent() error = %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s = openSQLite(t, dir)
	t.Cleanup(func() { s.Close() })

	sc, err := s.GetScenario(ctx, "alice", "sc1")
	if err != nil {
		t.Fatalf("GetScenario() after reopen error = %v", err)
	}
	if sc.Name != "Adder" || sc.Content.FlowHash != "h1" {
		t.Errorf("GetScenario() = %+v", sc)
	}
	vs, err := s.GetVectorStorage(ctx, "alice", "vs1")
	if err != nil || len(vs.FileIDs) != 1 {
		t.Errorf("GetVectorStorage() = %+v, %v", vs, err)
	}

	swept, err := s.MarkPendingJobsAsInterrupted(ctx, "restarted")
	if err != nil {
		t.Fatalf("MarkPendingJobsAsInterrupted() error = %v", err)
	}
	if len(swept) != 1 || swept[0].ID != "j1" {
		t.Fatalf("MarkPendingJobsAsInterrupted() = %+v, want j1", swept)
	}
	job, _ := s.GetJob(ctx, "alice", "j1")
	if job.Status != models.JobInterrupted || job.ErrorMessage != "restarted" || job.IsPending {
		t.Errorf("swept job = %+v", job)
	}

	ev := &models.JobEvent{ID: "warn", JobID: "j1", Message: "interrupted", Tag: models.TagWarning}
	if err := s.AppendJobEvent(ctx, ev); err != nil {
		t.Fatalf("AppendJobEvent() error = %v", err)
	}
	if ev.Seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", ev.Seq)
	}
}

func TestSQLiteStoreNotFound(t *testing.T) {
	s := openSQLite(t, t.TempDir())
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"GetScenario", func() error { _, err := s.GetScenario(ctx, "alice", "ghost"); return err }},
		{"DeleteScenario", func() error { return s.DeleteScenario(ctx, "alice", "ghost") }},
		{"GetVectorStorage", func() error { _, err := s.GetVectorStorage(ctx, "alice", "ghost"); return err }},
		{"DeleteVectorStorage", func() error { return s.DeleteVectorStorage(ctx, "alice", "ghost") }},
		{"GetJob", func() error { _, err := s.GetJob(ctx, "alice", "ghost"); return err }},
		{"UpdateJob", func() error { return s.UpdateJob(ctx, newJob("ghost", "alice", models.JobRunning)) }},
		{"DeleteJob", func() error { return s.DeleteJob(ctx, "alice", "ghost") }},
		{"ListJobEvents", func() error { _, err := s.ListJobEvents(ctx, "alice", "ghost"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !isNotFound(err) {
				t.Errorf("%s() error = %v, want ErrNotFound", tt.name, err)
			}
		})
	}
}

func TestSQLiteDeleteJobCascadesEvents(t *testing.T) {
	s := openSQLite(t, t.TempDir())
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	s.CreateJob(ctx, newJob("j1", "alice", models.JobCompleted))
	s.AppendJobEvent(ctx, &models.JobEvent{ID: "e1", JobID: "j1", Message: "one", Tag: models.TagInfo})

	if err := s.DeleteJob(ctx, "bob", "j1"); !isNotFound(err) {
		t.Errorf("DeleteJob(other user) error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteJob(ctx, "alice", "j1"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}

	// A job recreated under the same id starts a fresh event sequence.
	s.CreateJob(ctx, newJob("j1", "alice", models.JobPending))
	ev := &models.JobEvent{ID: "e2", JobID: "j1", Message: "again", Tag: models.TagInfo}
	if err := s.AppendJobEvent(ctx, ev); err != nil {
		t.Fatalf("AppendJobEvent() error = %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("seq = %d, want 1", ev.Seq)
	}
}
