package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Flowdesk server.
type Config struct {
	Port       int              `yaml:"port"`
	Version    string           `yaml:"version"`
	LogLevel   string           `yaml:"log_level"`
	APIKeys    []string         `yaml:"api_keys"`
	Storage    StorageConfig    `yaml:"storage"`
	Vector     VectorConfig     `yaml:"vector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Retention  RetentionConfig  `yaml:"retention"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// StorageConfig selects the metadata store.
type StorageConfig struct {
	Driver  string `yaml:"driver"` // memory | sqlite
	DataDir string `yaml:"data_dir"`
}

// VectorConfig selects the vector index.
type VectorConfig struct {
	Driver      string `yaml:"driver"` // embedded | pgvector
	PostgresURL string `yaml:"postgres_url"`
	MaxVectors  int    `yaml:"max_vectors"`
}

type EmbeddingsConfig struct {
	OllamaEndpoint string        `yaml:"ollama_endpoint"`
	OllamaModel    string        `yaml:"ollama_model"`
	OpenAIAPIKey   string        `yaml:"openai_api_key"`
	OpenAIModel    string        `yaml:"openai_model"`
	Timeout        time.Duration `yaml:"timeout"`
	BatchSize      int           `yaml:"batch_size"`
	ChunkSize      int           `yaml:"chunk_size"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type RetentionConfig struct {
	JobRetention time.Duration `yaml:"job_retention"`
	Interval     time.Duration `yaml:"interval"`
	Archive      bool          `yaml:"archive"`
	ArchiveDir   string        `yaml:"archive_dir"`
	Compress     bool          `yaml:"compress"`
}

// NotifyConfig lists the webhooks told about finished jobs.
type NotifyConfig struct {
	WebhookURLs []string `yaml:"webhook_urls"`
	Secret      string   `yaml:"secret"`
	Events      []string `yaml:"events"` // job statuses; empty means all terminal ones
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		Version:  "0.1.0",
		LogLevel: "info",
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Vector: VectorConfig{
			Driver:     "embedded",
			MaxVectors: 50000,
		},
		Embeddings: EmbeddingsConfig{
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			OpenAIModel:    "text-embedding-3-small",
			Timeout:        120 * time.Second,
			BatchSize:      24,
			ChunkSize:      1200,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "flowdesk",
			SampleRatio:  1,
		},
		Retention: RetentionConfig{
			JobRetention: 30 * 24 * time.Hour,
			Interval:     time.Hour,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// FLOWDESK_CONFIG (if any) and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("FLOWDESK_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Port = envInt("FLOWDESK_PORT", cfg.Port)
	cfg.Version = envStr("FLOWDESK_VERSION", cfg.Version)
	cfg.LogLevel = envStr("FLOWDESK_LOG_LEVEL", cfg.LogLevel)
	cfg.APIKeys = envList("FLOWDESK_API_KEYS", cfg.APIKeys)

	cfg.Storage.Driver = envStr("FLOWDESK_STORAGE", cfg.Storage.Driver)
	cfg.Storage.DataDir = envStr("FLOWDESK_DATA_DIR", cfg.Storage.DataDir)

	cfg.Vector.Driver = envStr("FLOWDESK_VECTOR_DRIVER", cfg.Vector.Driver)
	cfg.Vector.PostgresURL = envStr("FLOWDESK_PGVECTOR_URL", cfg.Vector.PostgresURL)
	cfg.Vector.MaxVectors = envInt("FLOWDESK_MAX_VECTORS", cfg.Vector.MaxVectors)

	cfg.Embeddings.OllamaEndpoint = envStr("OLLAMA_HOST", cfg.Embeddings.OllamaEndpoint)
	cfg.Embeddings.OllamaModel = envStr("FLOWDESK_EMBEDDING_MODEL", cfg.Embeddings.OllamaModel)
	cfg.Embeddings.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.Embeddings.OpenAIAPIKey)
	cfg.Embeddings.OpenAIModel = envStr("FLOWDESK_OPENAI_MODEL", cfg.Embeddings.OpenAIModel)
	cfg.Embeddings.Timeout = envDuration("FLOWDESK_EMBEDDING_TIMEOUT", cfg.Embeddings.Timeout)
	cfg.Embeddings.BatchSize = envInt("FLOWDESK_BATCH_SIZE", cfg.Embeddings.BatchSize)
	cfg.Embeddings.ChunkSize = envInt("FLOWDESK_CHUNK_SIZE", cfg.Embeddings.ChunkSize)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", cfg.Telemetry.SampleRatio)

	cfg.Retention.JobRetention = envDuration("FLOWDESK_JOB_RETENTION", cfg.Retention.JobRetention)
	cfg.Retention.Interval = envDuration("FLOWDESK_RETENTION_INTERVAL", cfg.Retention.Interval)
	cfg.Retention.Archive = envBool("FLOWDESK_ARCHIVE_JOBS", cfg.Retention.Archive)
	cfg.Retention.ArchiveDir = envStr("FLOWDESK_ARCHIVE_DIR", cfg.Retention.ArchiveDir)
	cfg.Retention.Compress = envBool("FLOWDESK_ARCHIVE_COMPRESS", cfg.Retention.Compress)

	cfg.Notify.WebhookURLs = envList("FLOWDESK_WEBHOOK_URLS", cfg.Notify.WebhookURLs)
	cfg.Notify.Secret = envStr("FLOWDESK_WEBHOOK_SECRET", cfg.Notify.Secret)
	cfg.Notify.Events = envList("FLOWDESK_WEBHOOK_EVENTS", cfg.Notify.Events)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown drivers and missing connection settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Vector.Driver {
	case "embedded":
	case "pgvector":
		if c.Vector.PostgresURL == "" {
			return errors.New("pgvector index requires FLOWDESK_PGVECTOR_URL")
		}
	default:
		return fmt.Errorf("unknown vector driver %q", c.Vector.Driver)
	}
	for _, u := range c.Notify.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("invalid webhook url %q", u)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowdesk"
	}
	return filepath.Join(home, ".flowdesk")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envList splits a comma-separated value, dropping empty entries.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("36h") and whole days ("30d").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return fallback
}
