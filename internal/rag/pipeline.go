package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flowdesk/flowdesk/internal/metrics"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/pkg/contracts"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// DefaultBatchSize is the number of chunks sent per embedding request.
const DefaultBatchSize = 24

// LocalDriver is the only embedding driver vectorization accepts.
const LocalDriver = "ollama"

var tracer = otel.Tracer("flowdesk/rag")

// Store is the persistence the pipeline needs.
type Store interface {
	store.VectorStorageStore
	store.FileStore
	store.SettingsStore
}

// DriverSource resolves an embedding driver by name. *embeddings.Registry
// satisfies it.
type DriverSource interface {
	Get(name string) (contracts.EmbeddingDriver, error)
}

// Reporter receives progress from a running pipeline.
type Reporter interface {
	Emit(tag models.EventTag, message string)
	SetStage(stage string)
}

type nopReporter struct{}

func (nopReporter) Emit(models.EventTag, string) {}

func (nopReporter) SetStage(string) {}

// Upload is a file received with the request. It is persisted before the
// pipeline reads anything.
type Upload struct {
	Name string
	Data []byte
}

// Request selects the files to vectorize into one vector storage.
type Request struct {
	UserID          string
	VectorStorageID string
	FileIDs         []string // previously saved files
	Uploads         []Upload
	Directory       string // walked recursively, supported extensions only
}

// Result summarizes a completed run.
type Result struct {
	Files     int      `json:"files"`
	Documents int      `json:"documents"`
	Chunks    int      `json:"chunks"`
	FileIDs   []string `json:"file_ids"`
	Size      int64    `json:"size"`
}

// Pipeline vectorizes files into a vector storage:
// prepare → read → embed → index → update metadata.
type Pipeline struct {
	store      Store
	drivers    DriverSource
	index      contracts.VectorIndex
	fs         contracts.FileSystem
	extractors map[string]contracts.TextExtractor
	uploadDir  string
	chunkSize  int
	batchSize  int
	locks      *storageLocks
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFileSystem replaces the OS file system.
func WithFileSystem(fsys contracts.FileSystem) Option {
	return func(p *Pipeline) { p.fs = fsys }
}

// WithExtractors replaces the extension → extractor table.
func WithExtractors(ex map[string]contracts.TextExtractor) Option {
	return func(p *Pipeline) { p.extractors = ex }
}

// WithUploadDir sets where uploads are persisted.
func WithUploadDir(dir string) Option {
	return func(p *Pipeline) { p.uploadDir = dir }
}

// WithBatchSize sets the number of chunks per embedding request.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithChunkSize sets the chunk length in runes.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// NewPipeline creates a vectorization pipeline.
func NewPipeline(st Store, drivers DriverSource, index contracts.VectorIndex, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		drivers:    drivers,
		index:      index,
		fs:         OSFileSystem{},
		extractors: DefaultExtractors(),
		uploadDir:  filepath.Join(os.TempDir(), "flowdesk-uploads"),
		chunkSize:  DefaultChunkSize,
		batchSize:  DefaultBatchSize,
		locks:      newStorageLocks(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sourceFile is one file selected for reading. FileID is empty for files
// found by walking a directory.
type sourceFile struct {
	FileID string
	Name   string
	Path   string
}

func (s sourceFile) key() string {
	if s.FileID != "" {
		return s.FileID
	}
	return strings.ToLower(s.Path)
}

type document struct {
	source sourceFile
	text   string
}

// Run executes every stage in order. Runs on the same vector storage are
// serialized; a run queued behind another waits before preparing_files.
// Cancellation of ctx is observed while queued, at each stage boundary,
// between files and between embedding batches, and yields a
// *CancelledError. Stage failures are *StageError.
func (p *Pipeline) Run(ctx context.Context, req Request, rep Reporter) (*Result, error) {
	if req.VectorStorageID == "" {
		return nil, ErrMissingVectorStorage
	}
	if rep == nil {
		rep = nopReporter{}
	}

	ctx, span := tracer.Start(ctx, "rag.vectorize")
	span.SetAttributes(
		attribute.String("vector_storage", req.VectorStorageID),
		attribute.String("user", req.UserID),
	)
	defer span.End()

	release, err := p.locks.acquire(ctx, req.VectorStorageID, func() {
		rep.Emit(models.TagInfo, "Waiting for another vectorization of this storage to finish")
	})
	if err != nil {
		span.SetStatus(codes.Unset, "cancelled")
		return nil, &CancelledError{Stage: StagePreparing, Err: err}
	}
	defer release()

	var (
		sources []sourceFile
		docs    []document
		rows    []models.VectorRow
		res     = &Result{}
	)

	steps := []struct {
		stage Stage
		run   func(context.Context) error
	}{
		{StagePreparing, func(ctx context.Context) (err error) {
			if _, err = p.store.GetVectorStorage(ctx, req.UserID, req.VectorStorageID); err != nil {
				return err
			}
			sources, err = p.prepare(ctx, req, rep)
			return err
		}},
		{StageReading, func(ctx context.Context) (err error) {
			docs, err = p.read(ctx, sources, rep)
			return err
		}},
		{StageEmbedding, func(ctx context.Context) (err error) {
			rows, err = p.embed(ctx, req, docs, rep)
			return err
		}},
		{StageIndexing, func(ctx context.Context) error {
			return p.indexRows(ctx, req, rows, rep)
		}},
		{StageMetadata, func(ctx context.Context) error {
			return p.updateMetadata(ctx, req, sources, res, rep)
		}},
	}

	for _, step := range steps {
		if err := p.runStage(ctx, step.stage, rep, step.run); err != nil {
			span.RecordError(err)
			var ce *CancelledError
			if errors.As(err, &ce) {
				span.SetStatus(codes.Unset, "cancelled")
			} else {
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, err
		}
	}

	rep.SetStage(string(StageDone))
	res.Files = len(sources)
	res.Documents = len(docs)
	res.Chunks = len(rows)
	rep.Emit(models.TagSuccess, fmt.Sprintf("Vectorization complete: %d documents, %d chunks", res.Documents, res.Chunks))
	log.Info().
		Str("user", req.UserID).
		Str("vector_storage", req.VectorStorageID).
		Int("documents", res.Documents).
		Int("chunks", res.Chunks).
		Msg("✅ Vectorization complete")
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, rep Reporter, fn func(context.Context) error) error {
	rep.SetStage(string(stage))
	if err := ctx.Err(); err != nil {
		return &CancelledError{Stage: stage, Err: err}
	}

	ctx, span := tracer.Start(ctx, "rag."+string(stage))
	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		var ce *CancelledError
		if errors.As(err, &ce) {
			return err
		}
		return &CancelledError{Stage: stage, Err: ctxErr}
	}
	return stageErr(stage, err)
}

// ── Preparing ───────────────────────────────────────────────

func (p *Pipeline) prepare(ctx context.Context, req Request, rep Reporter) ([]sourceFile, error) {
	var out []sourceFile
	seen := make(map[string]struct{})
	add := func(s sourceFile) {
		k := strings.ToLower(s.Path) + "\x00" + s.FileID
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}

	if len(req.FileIDs) > 0 {
		files, err := p.store.GetFilesByIDs(ctx, req.UserID, req.FileIDs)
		if err != nil {
			return nil, fmt.Errorf("load saved files: %w", err)
		}
		if missing := len(uniqueStrings(req.FileIDs)) - len(files); missing > 0 {
			rep.Emit(models.TagWarning, fmt.Sprintf("%d selected files no longer exist", missing))
		}
		for _, f := range files {
			add(sourceFile{FileID: f.ID, Name: f.Name, Path: f.Path})
		}
	}

	if len(req.Uploads) > 0 {
		saved, err := p.saveUploads(ctx, req.UserID, req.Uploads)
		if err != nil {
			return nil, err
		}
		rep.Emit(models.TagInfo, fmt.Sprintf("Saved %d uploaded files", len(saved)))
		for _, f := range saved {
			add(sourceFile{FileID: f.ID, Name: f.Name, Path: f.Path})
		}
	}

	if req.Directory != "" {
		found := 0
		err := p.fs.WalkDir(req.Directory, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !SupportedExtension(path, p.extractors) {
				return nil
			}
			found++
			add(sourceFile{Name: filepath.Base(path), Path: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", req.Directory, err)
		}
		rep.Emit(models.TagInfo, fmt.Sprintf("Found %d supported files in %s", found, req.Directory))
	}

	if len(out) == 0 {
		return nil, ErrNoFilesSelected
	}
	rep.Emit(models.TagInfo, fmt.Sprintf("Prepared %d files", len(out)))
	return out, nil
}

func (p *Pipeline) saveUploads(ctx context.Context, userID string, uploads []Upload) ([]models.File, error) {
	dir := filepath.Join(p.uploadDir, userID)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	now := p.now()
	files := make([]models.File, 0, len(uploads))
	for _, u := range uploads {
		id := uuid.NewString()
		name := filepath.Base(u.Name)
		path := filepath.Join(dir, id+strings.ToLower(filepath.Ext(name)))
		if err := p.fs.WriteFile(path, u.Data, 0o644); err != nil {
			return nil, fmt.Errorf("save upload %s: %w", name, err)
		}
		files = append(files, models.File{
			ID:        id,
			UserID:    userID,
			Name:      name,
			Path:      path,
			Size:      int64(len(u.Data)),
			CreatedAt: now,
		})
	}
	if err := p.store.SaveFiles(ctx, files); err != nil {
		return nil, fmt.Errorf("save upload records: %w", err)
	}
	return files, nil
}

// ── Reading ─────────────────────────────────────────────────

func (p *Pipeline) read(ctx context.Context, sources []sourceFile, rep Reporter) ([]document, error) {
	var docs []document
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex, ok := p.extractors[strings.ToLower(filepath.Ext(src.Path))]
		if !ok {
			rep.Emit(models.TagWarning, fmt.Sprintf("Skipped %s: unsupported file type", src.Name))
			continue
		}
		data, err := p.fs.ReadFile(src.Path)
		if err != nil {
			rep.Emit(models.TagWarning, fmt.Sprintf("Skipped %s: %v", src.Name, err))
			continue
		}
		text, err := ex.Extract(ctx, data)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rep.Emit(models.TagWarning, fmt.Sprintf("Skipped %s: %v", src.Name, err))
			continue
		}
		text = CollapseWhitespace(text)
		if text == "" {
			rep.Emit(models.TagWarning, fmt.Sprintf("Skipped %s: no extractable text", src.Name))
			continue
		}
		docs = append(docs, document{source: src, text: text})
	}

	if len(docs) == 0 {
		return nil, ErrNoExtractableText
	}
	rep.Emit(models.TagInfo, fmt.Sprintf("Read %d of %d documents", len(docs), len(sources)))
	return docs, nil
}

// ── Embedding ───────────────────────────────────────────────

func (p *Pipeline) embed(ctx context.Context, req Request, docs []document, rep Reporter) ([]models.VectorRow, error) {
	settings, err := p.store.GetUserSettings(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings.EmbeddingDriver != LocalDriver || strings.TrimSpace(settings.EmbeddingModel) == "" {
		return nil, ErrEmbeddingNotConfigured
	}
	driver, err := p.drivers.Get(settings.EmbeddingDriver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingNotConfigured, err)
	}

	var rows []models.VectorRow
	for _, d := range docs {
		for _, c := range ChunkText(d.text, p.chunkSize) {
			rows = append(rows, models.VectorRow{
				ID:              rowID(req.VectorStorageID, d.source, c.Index),
				Text:            c.Text,
				FileID:          d.source.FileID,
				FileName:        d.source.Name,
				ChunkIndex:      c.Index,
				VectorStorageID: req.VectorStorageID,
			})
		}
	}

	batches := (len(rows) + p.batchSize - 1) / p.batchSize
	rep.Emit(models.TagInfo, fmt.Sprintf("Embedding %d chunks in %d batches with %s", len(rows), batches, settings.EmbeddingModel))

	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lo := b * p.batchSize
		hi := min(lo+p.batchSize, len(rows))
		batch := rows[lo:hi]

		input := make([]string, len(batch))
		for i, r := range batch {
			input[i] = r.Text
		}
		resp, err := driver.Embed(ctx, contracts.EmbedRequest{Model: settings.EmbeddingModel, Input: input})
		if err != nil {
			return nil, fmt.Errorf("embed batch %d/%d: %w", b+1, batches, err)
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, fmt.Errorf("%w: batch %d/%d returned %d embeddings for %d chunks",
				ErrEmbeddingCountMismatch, b+1, batches, len(resp.Embeddings), len(batch))
		}
		for i := range batch {
			batch[i].Vector = resp.Embeddings[i]
		}
		metrics.ChunksEmbedded.WithLabelValues(driver.Kind()).Add(float64(len(batch)))
		rep.Emit(models.TagInfo, fmt.Sprintf("Embedded batch %d/%d (%d%%)", b+1, batches, (b+1)*100/batches))
	}
	return rows, nil
}

// rowID is stable per storage, source and chunk index so re-indexing a file
// overwrites its own rows.
func rowID(storageID string, src sourceFile, chunk int) string {
	name := fmt.Sprintf("%s|%s|%d", storageID, src.key(), chunk)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// ── Indexing ────────────────────────────────────────────────

func (p *Pipeline) indexRows(ctx context.Context, req Request, rows []models.VectorRow, rep Reporter) error {
	now := p.now()
	for i := range rows {
		rows[i].CreatedAt = now
	}
	table := models.VectorTableName(req.VectorStorageID)
	if err := p.index.AddVectors(ctx, table, rows); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	rep.Emit(models.TagInfo, fmt.Sprintf("Indexed %d chunks", len(rows)))
	return nil
}

// ── Metadata ────────────────────────────────────────────────

func (p *Pipeline) updateMetadata(ctx context.Context, req Request, sources []sourceFile, res *Result, rep Reporter) error {
	vs, err := p.store.GetVectorStorage(ctx, req.UserID, req.VectorStorageID)
	if err != nil {
		return err
	}

	ids := append([]string(nil), vs.FileIDs...)
	for _, s := range sources {
		if s.FileID != "" {
			ids = append(ids, s.FileID)
		}
	}
	vs.FileIDs = uniqueStrings(ids)

	size, err := p.index.TableSize(ctx, models.VectorTableName(vs.ID))
	if err != nil {
		return fmt.Errorf("measure index: %w", err)
	}
	now := p.now()
	vs.Size = size
	vs.LastActiveAt = &now
	vs.UpdatedAt = now

	if err := p.store.UpdateVectorStorage(ctx, vs); err != nil {
		return fmt.Errorf("update vector storage: %w", err)
	}

	res.FileIDs = vs.FileIDs
	res.Size = size
	rep.Emit(models.TagInfo, fmt.Sprintf("Vector storage now links %d files (%d bytes)", len(vs.FileIDs), size))
	return nil
}

// uniqueStrings keeps the first occurrence of each non-empty value.
func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
