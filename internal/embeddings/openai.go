package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowdesk/flowdesk/pkg/contracts"
)

// OpenAIDriver implements EmbeddingDriver for OpenAI-compatible embedding
// APIs (text-embedding-3-small, text-embedding-3-large, proxies).
type OpenAIDriver struct {
	apiKey   string
	model    string
	endpoint string // defaults to https://api.openai.com/v1/embeddings
	client   *http.Client
}

// OpenAIOption configures the OpenAI driver.
type OpenAIOption func(*OpenAIDriver)

// WithOpenAIEndpoint sets a custom API endpoint (e.g. for proxies).
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = endpoint }
}

// NewOpenAIDriver creates an OpenAI embedding driver.
func NewOpenAIDriver(apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	if model == "" {
		model = "text-embedding-3-small"
	}
	d := &OpenAIDriver{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.openai.com/v1/embeddings",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string { return "openai" }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Model string            `json:"model"`
	Data  []openAIEmbedData `json:"data"`
	Error *openAIError      `json:"error,omitempty"`
}

type openAIEmbedData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed generates vector embeddings for a batch of texts.
func (d *OpenAIDriver) Embed(ctx context.Context, req contracts.EmbedRequest) (*contracts.EmbedResponse, error) {
	model := req.Model
	if model == "" {
		model = d.model
	}
	if len(req.Input) == 0 {
		return &contracts.EmbedResponse{Model: model}, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Input: req.Input, Model: model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

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
		return nil, fmt.Errorf("openai embeddings API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}

	// Reorder by index; out-of-range entries are dropped.
	vectors := make([][]float64, 0, len(result.Data))
	ordered := make([][]float64, len(req.Input))
	for _, item := range result.Data {
		if item.Index >= 0 && item.Index < len(ordered) {
			ordered[item.Index] = item.Embedding
		}
	}
	for _, v := range ordered {
		if v != nil {
			vectors = append(vectors, v)
		}
	}
	if result.Model == "" {
		result.Model = model
	}
	return &contracts.EmbedResponse{Model: result.Model, Embeddings: vectors}, nil
}

// HealthCheck verifies the API key by embedding a test string.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, contracts.EmbedRequest{Input: []string{"health check"}})
	return err
}
