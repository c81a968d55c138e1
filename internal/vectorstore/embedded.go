package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/pkg/models"
)

// DefaultMaxVectors is the default per-table cap for the embedded index.
const DefaultMaxVectors = 50_000

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validTable(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid vector table name %q", name)
	}
	return nil
}

// EmbeddedIndex is a file-backed vector index using brute-force cosine
// similarity. Each table is a JSON file under dir; with an empty dir the
// index is memory-only. All writers share one mutex, which serializes
// concurrent jobs targeting the same table.
type EmbeddedIndex struct {
	mu         sync.RWMutex
	dir        string
	tables     map[string]*embeddedTable
	maxVectors int
}

type embeddedTable struct {
	Rows  []models.VectorRow `json:"rows"`
	index map[string]int     // row id -> position in Rows
}

func (t *embeddedTable) reindex() {
	t.index = make(map[string]int, len(t.Rows))
	for i, r := range t.Rows {
		t.index[r.ID] = i
	}
}

// EmbeddedOption configures the embedded index.
type EmbeddedOption func(*EmbeddedIndex)

// WithMaxVectors sets the per-table row cap (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedIndex) { s.maxVectors = max }
}

// NewEmbeddedIndex creates an embedded index persisting tables under dir.
func NewEmbeddedIndex(dir string, opts ...EmbeddedOption) (*EmbeddedIndex, error) {
	s := &EmbeddedIndex{
		dir:        dir,
		tables:     make(map[string]*embeddedTable),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector dir: %w", err)
		}
	}
	log.Info().Str("dir", dir).Int("max_vectors", s.maxVectors).Msg("Embedded vector index initialized")
	return s, nil
}

func (s *EmbeddedIndex) Kind() string { return "embedded" }

func (s *EmbeddedIndex) path(table string) string {
	return filepath.Join(s.dir, table+".json")
}

// table returns the loaded table, reading it from disk on first use. The
// caller holds s.mu for writing.
func (s *EmbeddedIndex) table(name string) (*embeddedTable, bool, error) {
	if t, ok := s.tables[name]; ok {
		return t, true, nil
	}
	if s.dir == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read vector table %s: %w", name, err)
	}
	t := &embeddedTable{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, false, fmt.Errorf("decode vector table %s: %w", name, err)
	}
	t.reindex()
	s.tables[name] = t
	return t, true, nil
}

// AddVectors upserts rows by id, keeping first-insert order.
func (s *EmbeddedIndex) AddVectors(_ context.Context, table string, rows []models.VectorRow) error {
	if err := validTable(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok, err := s.table(table)
	if err != nil {
		return err
	}
	if !ok {
		t = &embeddedTable{index: make(map[string]int)}
	}

	added := 0
	for _, r := range rows {
		if _, exists := t.index[r.ID]; !exists {
			added++
		}
	}
	if total := len(t.Rows) + added; total > s.maxVectors {
		return fmt.Errorf("embedded vector table %s capacity exceeded: %d > %d", table, total, s.maxVectors)
	}

	now := time.Now().UTC()
	for _, r := range rows {
		cp := r
		cp.Vector = append([]float64(nil), r.Vector...)
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		if i, exists := t.index[cp.ID]; exists {
			t.Rows[i] = cp
			continue
		}
		t.index[cp.ID] = len(t.Rows)
		t.Rows = append(t.Rows, cp)
	}
	s.tables[table] = t
	return s.persist(table, t)
}

func (s *EmbeddedIndex) persist(name string, t *embeddedTable) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode vector table %s: %w", name, err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write vector table %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return fmt.Errorf("rename vector table %s: %w", name, err)
	}
	return nil
}

// Search scores every row of table against vector.
func (s *EmbeddedIndex) Search(_ context.Context, table string, vector []float64, limit int) ([]models.VectorMatch, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t, ok, err := s.table(table)
	if err != nil || !ok {
		s.mu.Unlock()
		return nil, err
	}
	rows := t.Rows
	s.mu.Unlock()

	var matches []models.VectorMatch
	for _, r := range rows {
		if len(r.Vector) != len(vector) {
			continue
		}
		matches = append(matches, models.VectorMatch{Row: r, Score: cosineSimilarity(vector, r.Vector)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// TableSize reports the table file size, or the encoded size when the
// index is memory-only.
func (s *EmbeddedIndex) TableSize(_ context.Context, table string) (int64, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir != "" {
		fi, err := os.Stat(s.path(table))
		if os.IsNotExist(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
	t, ok := s.tables[table]
	if !ok {
		return 0, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// DropTable removes a table from memory and disk.
func (s *EmbeddedIndex) DropTable(_ context.Context, table string) error {
	if err := validTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	if s.dir == "" {
		return nil
	}
	if err := os.Remove(s.path(table)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop vector table %s: %w", table, err)
	}
	return nil
}

func (s *EmbeddedIndex) HealthCheck(_ context.Context) error {
	if s.dir == "" {
		return nil
	}
	_, err := os.Stat(s.dir)
	return err
}

// ── Helpers ─────────────────────────────────────────────────

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
