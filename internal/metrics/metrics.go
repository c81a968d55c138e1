// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsFinished counts jobs by terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_jobs_finished_total",
		Help: "Total number of background jobs that reached a terminal status",
	}, []string{"status"})

	// JobsRunning is the number of jobs currently tracked by the runtime.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowdesk_jobs_running",
		Help: "Number of background jobs currently executing",
	})

	// StageDuration observes how long each vectorization stage takes.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowdesk_vectorize_stage_duration_seconds",
		Help:    "Vectorization stage latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"stage"})

	// ChunksEmbedded counts text chunks sent to an embedding driver.
	ChunksEmbedded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_chunks_embedded_total",
		Help: "Total number of text chunks embedded, by driver",
	}, []string{"driver"})

	// ScenesSaved counts scenario scene saves.
	ScenesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowdesk_scenes_saved_total",
		Help: "Total number of scenario scenes saved",
	})

	// FlowsRendered counts flow cache regenerations.
	FlowsRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowdesk_flows_rendered_total",
		Help: "Total number of times a scenario flow was regenerated after a scene change",
	})

	// NotificationsSent counts webhook deliveries by result.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_notifications_sent_total",
		Help: "Total number of job notifications delivered to webhooks, by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
