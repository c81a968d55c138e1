package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/flowdesk/flowdesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Scenarios      map[string]*models.Scenario      `json:"scenarios"`       // key: user:id
	VectorStorages map[string]*models.VectorStorage `json:"vector_storages"` // key: user:id
	Files          map[string]*models.File          `json:"files"`           // key: user:id
	Jobs           map[string]*models.Job           `json:"jobs"`            // key: id
	JobEvents      map[string][]*models.JobEvent    `json:"job_events"`      // key: job id
	Settings       map[string]*models.UserSettings  `json:"settings"`        // key: user id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu             sync.RWMutex
	scenarios      map[string]*models.Scenario
	vectorStorages map[string]*models.VectorStorage
	files          map[string]*models.File
	jobs           map[string]*models.Job
	jobEvents      map[string][]*models.JobEvent
	settings       map[string]*models.UserSettings

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{}
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty
// data is persisted to dataDir/data.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		scenarios:      make(map[string]*models.Scenario),
		vectorStorages: make(map[string]*models.VectorStorage),
		files:          make(map[string]*models.File),
		jobs:           make(map[string]*models.Job),
		jobEvents:      make(map[string][]*models.JobEvent),
		settings:       make(map[string]*models.UserSettings),
		saveCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
		loopDone:       make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	} else {
		close(m.loopDone)
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Scenarios:      m.scenarios,
		VectorStorages: m.vectorStorages,
		Files:          m.files,
		Jobs:           m.jobs,
		JobEvents:      m.jobEvents,
		Settings:       m.settings,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Scenarios != nil {
		m.scenarios = snap.Scenarios
	}
	if snap.VectorStorages != nil {
		m.vectorStorages = snap.VectorStorages
	}
	if snap.Files != nil {
		m.files = snap.Files
	}
	if snap.Jobs != nil {
		m.jobs = snap.Jobs
	}
	if snap.JobEvents != nil {
		m.jobEvents = snap.JobEvents
	}
	if snap.Settings != nil {
		m.settings = snap.Settings
	}

	log.Info().
		Int("scenarios", len(m.scenarios)).
		Int("vector_storages", len(m.vectorStorages)).
		Int("files", len(m.files)).
		Int("jobs", len(m.jobs)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	<-m.loopDone

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Scenario Store ──────────────────────────────────────────

func (m *MemoryStore) ListScenarios(_ context.Context, userID string) ([]models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Scenario{}
	for _, s := range m.scenarios {
		if s.UserID == userID {
			result = append(result, cloneScenario(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (m *MemoryStore) GetScenario(_ context.Context, userID, id string) (*models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[key(userID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "scenario", Key: id}
	}
	c := cloneScenario(s)
	return &c, nil
}

func (m *MemoryStore) UpsertScenario(_ context.Context, scenario *models.Scenario) error {
	m.mu.Lock()
	c := cloneScenario(scenario)
	m.scenarios[key(scenario.UserID, scenario.ID)] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteScenario(_ context.Context, userID, id string) error {
	m.mu.Lock()
	k := key(userID, id)
	if _, ok := m.scenarios[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "scenario", Key: id}
	}
	delete(m.scenarios, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func cloneScenario(s *models.Scenario) models.Scenario {
	c := *s
	c.Content.Scene = slices.Clone(s.Content.Scene)
	return c
}

// ── Vector Storage Store ────────────────────────────────────

func (m *MemoryStore) ListVectorStorages(_ context.Context, userID string) ([]models.VectorStorage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.VectorStorage{}
	for _, vs := range m.vectorStorages {
		if vs.UserID == userID {
			result = append(result, cloneVectorStorage(vs))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetVectorStorage(_ context.Context, userID, id string) (*models.VectorStorage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.vectorStorages[key(userID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "vector storage", Key: id}
	}
	c := cloneVectorStorage(vs)
	return &c, nil
}

func (m *MemoryStore) CreateVectorStorage(_ context.Context, vs *models.VectorStorage) error {
	m.mu.Lock()
	c := cloneVectorStorage(vs)
	m.vectorStorages[key(vs.UserID, vs.ID)] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateVectorStorage(_ context.Context, vs *models.VectorStorage) error {
	m.mu.Lock()
	k := key(vs.UserID, vs.ID)
	if _, ok := m.vectorStorages[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "vector storage", Key: vs.ID}
	}
	c := cloneVectorStorage(vs)
	m.vectorStorages[k] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteVectorStorage(_ context.Context, userID, id string) error {
	m.mu.Lock()
	k := key(userID, id)
	if _, ok := m.vectorStorages[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "vector storage", Key: id}
	}
	delete(m.vectorStorages, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func cloneVectorStorage(vs *models.VectorStorage) models.VectorStorage {
	c := *vs
	c.FileIDs = slices.Clone(vs.FileIDs)
	if vs.LastActiveAt != nil {
		t := *vs.LastActiveAt
		c.LastActiveAt = &t
	}
	return c
}

// ── File Store ──────────────────────────────────────────────

func (m *MemoryStore) ListFiles(_ context.Context, userID string) ([]models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.File{}
	for _, f := range m.files {
		if f.UserID == userID {
			result = append(result, *f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetFilesByIDs(_ context.Context, userID string, ids []string) ([]models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.File, 0, len(ids))
	for _, id := range ids {
		if f, ok := m.files[key(userID, id)]; ok {
			result = append(result, *f)
		}
	}
	return result, nil
}

func (m *MemoryStore) SaveFiles(_ context.Context, files []models.File) error {
	m.mu.Lock()
	for i := range files {
		f := files[i]
		m.files[key(f.UserID, f.ID)] = &f
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Job Store ───────────────────────────────────────────────

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	c := cloneJob(job)
	m.jobs[job.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	existing, ok := m.jobs[job.ID]
	if !ok || existing.UserID != job.UserID {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	c := cloneJob(job)
	m.jobs[job.ID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, userID, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok || j.UserID != userID {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	c := cloneJob(j)
	return &c, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, userID string) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Job{}
	for _, j := range m.jobs {
		if userID == "" || j.UserID == userID {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, userID, id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.UserID != userID {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "job", Key: id}
	}
	delete(m.jobs, id)
	delete(m.jobEvents, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) AppendJobEvent(_ context.Context, event *models.JobEvent) error {
	m.mu.Lock()
	if _, ok := m.jobs[event.JobID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "job", Key: event.JobID}
	}
	events := m.jobEvents[event.JobID]
	event.Seq = int64(len(events)) + 1
	c := *event
	m.jobEvents[event.JobID] = append(events, &c)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListJobEvents(_ context.Context, userID, jobID string) ([]models.JobEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok || j.UserID != userID {
		return nil, &ErrNotFound{Entity: "job", Key: jobID}
	}
	events := m.jobEvents[jobID]
	result := make([]models.JobEvent, len(events))
	for i, e := range events {
		result[i] = *e
	}
	return result, nil
}

func (m *MemoryStore) MarkPendingJobsAsInterrupted(_ context.Context, message string) ([]models.Job, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	var swept []models.Job
	for _, j := range m.jobs {
		if !j.IsPending {
			continue
		}
		interruptJob(j, message, now)
		swept = append(swept, cloneJob(j))
	}
	m.mu.Unlock()
	if len(swept) > 0 {
		m.requestSave()
	}
	return swept, nil
}

func cloneJob(j *models.Job) models.Job {
	c := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// ── Settings Store ──────────────────────────────────────────

func (m *MemoryStore) GetUserSettings(_ context.Context, userID string) (*models.UserSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[userID]
	if !ok {
		// Return default settings if none exist
		return &models.UserSettings{UserID: userID}, nil
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) UpsertUserSettings(_ context.Context, settings *models.UserSettings) error {
	m.mu.Lock()
	c := *settings
	m.settings[settings.UserID] = &c
	m.mu.Unlock()
	m.requestSave()
	return nil
}
