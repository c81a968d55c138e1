package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowdesk/flowdesk/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database. Each entity is
// stored as a JSON document next to the columns it is looked up by.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) dataDir/flowdesk.db and runs migrations.
func NewSQLiteStore(ctx context.Context, dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "flowdesk.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migration: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite store configured")
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS scenarios (
			user_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (user_id, id)
		);
		CREATE TABLE IF NOT EXISTS vector_storages (
			user_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (user_id, id)
		);
		CREATE TABLE IF NOT EXISTS files (
			user_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (user_id, id)
		);
		CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			user_id    TEXT    NOT NULL,
			is_pending INTEGER NOT NULL,
			created_at TEXT    NOT NULL,
			data       TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs (is_pending);
		CREATE TABLE IF NOT EXISTS job_events (
			job_id TEXT    NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
			seq    INTEGER NOT NULL,
			data   TEXT    NOT NULL,
			PRIMARY KEY (job_id, seq)
		);
		CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			data    TEXT NOT NULL
		);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error {
	log.Info().Msg("SQLite store closed")
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(data), nil
}

// getOne decodes the single data column selected by query into dst.
func (s *SQLiteStore) getOne(ctx context.Context, dst any, entity, k, query string, args ...any) error {
	var data string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: k}
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", entity, err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode %s: %w", entity, err)
	}
	return nil
}

// list decodes every data column returned by query.
func list[T any](ctx context.Context, db *sql.DB, entity, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entity, err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entity, err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// execOne runs a statement that must affect exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, entity, k, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write %s: %w", entity, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ErrNotFound{Entity: entity, Key: k}
	}
	return nil
}

// ── Scenario Store ──────────────────────────────────────────

func (s *SQLiteStore) ListScenarios(ctx context.Context, userID string) ([]models.Scenario, error) {
	return list[models.Scenario](ctx, s.db, "scenario",
		`SELECT data FROM scenarios WHERE user_id = ? ORDER BY updated_at DESC`, userID)
}

func (s *SQLiteStore) GetScenario(ctx context.Context, userID, id string) (*models.Scenario, error) {
	var sc models.Scenario
	if err := s.getOne(ctx, &sc, "scenario", id,
		`SELECT data FROM scenarios WHERE user_id = ? AND id = ?`, userID, id); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *SQLiteStore) UpsertScenario(ctx context.Context, scenario *models.Scenario) error {
	data, err := encode(scenario)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenarios (user_id, id, updated_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data`,
		scenario.UserID, scenario.ID, ts(scenario.UpdatedAt), data)
	if err != nil {
		return fmt.Errorf("upsert scenario: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteScenario(ctx context.Context, userID, id string) error {
	return s.execOne(ctx, "scenario", id, `DELETE FROM scenarios WHERE user_id = ? AND id = ?`, userID, id)
}

// ── Vector Storage Store ────────────────────────────────────

func (s *SQLiteStore) ListVectorStorages(ctx context.Context, userID string) ([]models.VectorStorage, error) {
	return list[models.VectorStorage](ctx, s.db, "vector storage",
		`SELECT data FROM vector_storages WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *SQLiteStore) GetVectorStorage(ctx context.Context, userID, id string) (*models.VectorStorage, error) {
	var vs models.VectorStorage
	if err := s.getOne(ctx, &vs, "vector storage", id,
		`SELECT data FROM vector_storages WHERE user_id = ? AND id = ?`, userID, id); err != nil {
		return nil, err
	}
	return &vs, nil
}

func (s *SQLiteStore) CreateVectorStorage(ctx context.Context, vs *models.VectorStorage) error {
	data, err := encode(vs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_storages (user_id, id, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, id) DO UPDATE SET data = excluded.data`,
		vs.UserID, vs.ID, ts(vs.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("create vector storage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateVectorStorage(ctx context.Context, vs *models.VectorStorage) error {
	data, err := encode(vs)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "vector storage", vs.ID,
		`UPDATE vector_storages SET data = ? WHERE user_id = ? AND id = ?`, data, vs.UserID, vs.ID)
}

func (s *SQLiteStore) DeleteVectorStorage(ctx context.Context, userID, id string) error {
	return s.execOne(ctx, "vector storage", id, `DELETE FROM vector_storages WHERE user_id = ? AND id = ?`, userID, id)
}

// ── File Store ──────────────────────────────────────────────

func (s *SQLiteStore) ListFiles(ctx context.Context, userID string) ([]models.File, error) {
	return list[models.File](ctx, s.db, "file",
		`SELECT data FROM files WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *SQLiteStore) GetFilesByIDs(ctx context.Context, userID string, ids []string) ([]models.File, error) {
	result := make([]models.File, 0, len(ids))
	for _, id := range ids {
		var f models.File
		err := s.getOne(ctx, &f, "file", id, `SELECT data FROM files WHERE user_id = ? AND id = ?`, userID, id)
		var nf *ErrNotFound
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, nil
}

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []models.File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save files: %w", err)
	}
	defer tx.Rollback()

	for i := range files {
		f := &files[i]
		data, err := encode(f)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (user_id, id, created_at, data) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, id) DO UPDATE SET data = excluded.data`,
			f.UserID, f.ID, ts(f.CreatedAt), data); err != nil {
			return fmt.Errorf("save file %s: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

// ── Job Store ───────────────────────────────────────────────

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	data, err := encode(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, is_pending, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.IsPending, ts(job.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *models.Job) error {
	data, err := encode(job)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "job", job.ID,
		`UPDATE jobs SET is_pending = ?, data = ? WHERE id = ? AND user_id = ?`,
		job.IsPending, data, job.ID, job.UserID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, userID, id string) (*models.Job, error) {
	var j models.Job
	if err := s.getOne(ctx, &j, "job", id,
		`SELECT data FROM jobs WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID string) ([]models.Job, error) {
	if userID == "" {
		return list[models.Job](ctx, s.db, "job", `SELECT data FROM jobs ORDER BY created_at DESC`)
	}
	return list[models.Job](ctx, s.db, "job",
		`SELECT data FROM jobs WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, userID, id string) error {
	if _, err := s.GetJob(ctx, userID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete job events: %w", err)
	}
	return s.execOne(ctx, "job", id, `DELETE FROM jobs WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *SQLiteStore) AppendJobEvent(ctx context.Context, event *models.JobEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(e.seq), 0) + 1 FROM jobs j
		LEFT JOIN job_events e ON e.job_id = j.id
		WHERE j.id = ? GROUP BY j.id`, event.JobID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return &ErrNotFound{Entity: "job", Key: event.JobID}
	}
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}

	event.Seq = seq
	data, err := encode(event)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, seq, data) VALUES (?, ?, ?)`, event.JobID, seq, data); err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListJobEvents(ctx context.Context, userID, jobID string) ([]models.JobEvent, error) {
	if _, err := s.GetJob(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return list[models.JobEvent](ctx, s.db, "job event",
		`SELECT data FROM job_events WHERE job_id = ? ORDER BY seq`, jobID)
}

func (s *SQLiteStore) MarkPendingJobsAsInterrupted(ctx context.Context, message string) ([]models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sweep jobs: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT data FROM jobs WHERE is_pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("sweep jobs: %w", err)
	}
	var pending []models.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sweep jobs: %w", err)
		}
		var j models.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sweep jobs: decode: %w", err)
		}
		pending = append(pending, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep jobs: %w", err)
	}

	now := time.Now().UTC()
	for i := range pending {
		interruptJob(&pending[i], message, now)
		data, err := encode(&pending[i])
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET is_pending = 0, data = ? WHERE id = ?`,
			data, pending[i].ID); err != nil {
			return nil, fmt.Errorf("sweep job %s: %w", pending[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sweep jobs: %w", err)
	}
	return pending, nil
}

// ── Settings Store ──────────────────────────────────────────

func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error) {
	var us models.UserSettings
	err := s.getOne(ctx, &us, "settings", userID, `SELECT data FROM user_settings WHERE user_id = ?`, userID)
	var nf *ErrNotFound
	if errors.As(err, &nf) {
		return &models.UserSettings{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &us, nil
}

func (s *SQLiteStore) UpsertUserSettings(ctx context.Context, settings *models.UserSettings) error {
	data, err := encode(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, data) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data`, settings.UserID, data)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}
