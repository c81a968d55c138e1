// Package server wires the Flowdesk components into a runnable server.
//
// Usage:
//
//	srv, err := server.New(ctx, cfg)
//	http.ListenAndServe(":8080", srv.Handler)
//	...
//	srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/flowdesk/flowdesk/internal/api"
	"github.com/flowdesk/flowdesk/internal/api/handlers"
	"github.com/flowdesk/flowdesk/internal/config"
	"github.com/flowdesk/flowdesk/internal/embeddings"
	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/jobs"
	"github.com/flowdesk/flowdesk/internal/notify"
	"github.com/flowdesk/flowdesk/internal/rag"
	"github.com/flowdesk/flowdesk/internal/retention"
	"github.com/flowdesk/flowdesk/internal/scene"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/internal/telemetry"
	"github.com/flowdesk/flowdesk/internal/vectorstore"
	"github.com/flowdesk/flowdesk/pkg/contracts"
)

// Server holds the initialized Flowdesk components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config  *config.Config
	Store   store.Store
	Index   contracts.VectorIndex
	Jobs    *jobs.Runtime
	Janitor *retention.Janitor

	closers []func(context.Context) error
}

// New initializes every component from cfg and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{Config: cfg}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, shutdownTelemetry)

	dataStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		srv.Shutdown(ctx)
		return nil, err
	}
	srv.Store = dataStore
	srv.closers = append(srv.closers, func(context.Context) error { return dataStore.Close() })

	index, err := vectorstore.NewDrivers().Open(ctx, cfg.Vector.Driver, vectorstore.OpenOptions{
		DataDir:     cfg.Storage.DataDir,
		PostgresURL: cfg.Vector.PostgresURL,
		MaxVectors:  cfg.Vector.MaxVectors,
	})
	if err != nil {
		srv.Shutdown(ctx)
		return nil, err
	}
	if pg, ok := index.(*vectorstore.PgvectorIndex); ok {
		srv.closers = append(srv.closers, func(context.Context) error { pg.Close(); return nil })
	}
	srv.Index = index

	drivers := embeddings.NewRegistry()
	drivers.Register("ollama", embeddings.NewOllamaDriver(cfg.Embeddings.OllamaEndpoint, cfg.Embeddings.OllamaModel,
		embeddings.WithOllamaTimeout(cfg.Embeddings.Timeout)))
	if cfg.Embeddings.OpenAIAPIKey != "" {
		drivers.Register("openai", embeddings.NewOpenAIDriver(cfg.Embeddings.OpenAIAPIKey, cfg.Embeddings.OpenAIModel))
	}

	bus := events.NewBus()
	var pub events.Publisher = bus
	if len(cfg.Notify.WebhookURLs) > 0 {
		channels := make([]notify.Channel, 0, len(cfg.Notify.WebhookURLs))
		for _, u := range cfg.Notify.WebhookURLs {
			channels = append(channels, notify.Channel{Kind: "webhook", URL: u, Secret: cfg.Notify.Secret, Statuses: cfg.Notify.Events})
		}
		notifier := notify.NewService(channels)
		pub = events.Multi(bus, notifier)
		srv.closers = append(srv.closers, notifier.Close)
		log.Info().Int("webhooks", len(channels)).Msg("✅ Job notifications enabled")
	}

	runtime, err := jobs.New(ctx, dataStore, pub)
	if err != nil {
		srv.Shutdown(ctx)
		return nil, fmt.Errorf("init job runtime: %w", err)
	}
	srv.Jobs = runtime
	log.Info().Msg("✅ Job runtime initialized")

	pipeline := rag.NewPipeline(dataStore, drivers, index,
		rag.WithUploadDir(filepath.Join(cfg.Storage.DataDir, "uploads")),
		rag.WithBatchSize(cfg.Embeddings.BatchSize),
		rag.WithChunkSize(cfg.Embeddings.ChunkSize),
	)

	srv.Janitor = retention.NewJanitor(dataStore, cfg.Retention.Interval, cfg.Retention.JobRetention)
	if cfg.Retention.Archive {
		dir := cfg.Retention.ArchiveDir
		if dir == "" {
			dir = filepath.Join(cfg.Storage.DataDir, "archive")
		}
		srv.Janitor.SetArchiver(retention.NewLocalFileArchiver(dir, cfg.Retention.Compress))
	}

	h := &handlers.Handlers{
		Store:      dataStore,
		Sessions:   scene.NewSessions(dataStore, bus),
		Jobs:       runtime,
		Pipeline:   pipeline,
		Retriever:  rag.NewRetriever(dataStore, drivers, index),
		Bus:        bus,
		Embeddings: drivers,
		Index:      index,
	}
	srv.Handler = api.NewRouter(cfg, h)
	return srv, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(cfg.DataDir), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ SQLite store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Shutdown stops the job runtime, then flushes notifications and releases the
// index, the store and telemetry in reverse order of creation.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Jobs != nil {
		if err := s.Jobs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
