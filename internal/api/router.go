package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowdesk/flowdesk/internal/api/handlers"
	"github.com/flowdesk/flowdesk/internal/api/middleware"
	"github.com/flowdesk/flowdesk/internal/config"
	"github.com/flowdesk/flowdesk/internal/metrics"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)
	r.Use(middleware.UserExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", metrics.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Scenarios and their editor sessions
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/", h.CreateScenario)
			r.Route("/{scenarioID}", func(r chi.Router) {
				r.Get("/", h.GetScenario)
				r.Put("/", h.UpdateScenario)
				r.Delete("/", h.DeleteScenario)
				r.Get("/flow", h.GetScenarioFlow)

				r.Route("/scene", func(r chi.Router) {
					r.Get("/", h.GetScene)
					r.Delete("/", h.DiscardScene)
					r.Post("/save", h.SaveScene)
					r.Post("/blocks", h.InsertBlock)
					r.Delete("/blocks/{blockID}", h.RemoveBlock)
					r.Put("/blocks/{blockID}/position", h.MoveBlock)
					r.Put("/blocks/{blockID}/meta", h.UpdateBlockMeta)
					r.Post("/connections", h.Connect)
					r.Delete("/connections/{connectionID}", h.RemoveConnection)
				})
			})
		})

		// Vector storages
		r.Route("/vector-storages", func(r chi.Router) {
			r.Get("/", h.ListVectorStorages)
			r.Post("/", h.CreateVectorStorage)
			r.Route("/{storageID}", func(r chi.Router) {
				r.Get("/", h.GetVectorStorage)
				r.Put("/", h.UpdateVectorStorage)
				r.Delete("/", h.DeleteVectorStorage)
				r.Post("/query", h.QueryVectorStorage)
				r.Post("/vectorize", h.Vectorize)
			})
		})

		r.Get("/files", h.ListFiles)

		// Background jobs
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/events", h.ListJobEvents)
				r.Post("/cancel", h.CancelJob)
			})
		})

		r.Get("/events", h.StreamEvents)

		r.Get("/embeddings", h.ListEmbeddingDrivers)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		checks := map[string]string{}
		record := func(name string, err error, critical bool) {
			if err == nil {
				checks[name] = "ok"
				return
			}
			checks[name] = err.Error()
			if critical {
				status = "unhealthy"
			} else if status == "healthy" {
				status = "degraded"
			}
		}

		record("store", h.Store.Ping(ctx), true)
		record("vector_index", h.Index.HealthCheck(ctx), true)
		if h.Embeddings != nil {
			for name, err := range h.Embeddings.HealthCheckAll(ctx) {
				record("embeddings."+name, err, false)
			}
		}

		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"service": "flowdesk",
			"checks":  checks,
			"jobs":    h.Jobs.Running(),
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "flowdesk",
		})
	}
}
