package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowdesk/flowdesk/pkg/contracts"
)

// DefaultOllamaEndpoint is where a local Ollama listens by default.
const DefaultOllamaEndpoint = "http://localhost:11434"

// OllamaDriver implements EmbeddingDriver for Ollama's local embedding API.
// The model comes from each request; the driver's model is only a fallback
// used when a request names none.
type OllamaDriver struct {
	endpoint string // e.g. http://localhost:11434
	model    string
	client   *http.Client
}

// OllamaOption configures the Ollama driver.
type OllamaOption func(*OllamaDriver)

// WithOllamaTimeout sets the HTTP timeout of an Embed call.
func WithOllamaTimeout(d time.Duration) OllamaOption {
	return func(o *OllamaDriver) { o.client.Timeout = d }
}

// WithOllamaHTTPClient replaces the HTTP client (tests point it at httptest).
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(o *OllamaDriver) { o.client = c }
}

// NewOllamaDriver creates an Ollama embedding driver.
func NewOllamaDriver(endpoint, model string, opts ...OllamaOption) *OllamaDriver {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	d := &OllamaDriver{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OllamaDriver) Kind() string { return "ollama" }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed posts the batch to /api/embed. The number of returned embeddings is
// passed through unchecked.
func (d *OllamaDriver) Embed(ctx context.Context, req contracts.EmbedRequest) (*contracts.EmbedResponse, error) {
	model := req.Model
	if model == "" {
		model = d.model
	}
	if model == "" {
		return nil, fmt.Errorf("ollama embed: no model")
	}
	if len(req.Input) == 0 {
		return &contracts.EmbedResponse{Model: model}, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: req.Input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := d.endpoint + "/api/embed"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Model == "" {
		result.Model = model
	}
	return &contracts.EmbedResponse{Model: result.Model, Embeddings: result.Embeddings}, nil
}

// HealthCheck verifies Ollama is reachable.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health returned %d", resp.StatusCode)
	}
	return nil
}
