package embeddings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowdesk/flowdesk/internal/embeddings"
	"github.com/flowdesk/flowdesk/pkg/contracts"
)

func TestOllamaDriver_Embed(t *testing.T) {
	var got struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		out := map[string]any{"model": got.Model, "embeddings": [][]float64{{1, 0}, {0, 1}}}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	d := embeddings.NewOllamaDriver(srv.URL+"/", "fallback")
	resp, err := d.Embed(context.Background(), contracts.EmbedRequest{Model: "nomic-embed-text", Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got.Model != "nomic-embed-text" || len(got.Input) != 2 {
		t.Errorf("request = %+v", got)
	}
	if len(resp.Embeddings) != 2 || resp.Model != "nomic-embed-text" {
		t.Errorf("Embed() = %+v", resp)
	}
}

func TestOllamaDriver_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	d := embeddings.NewOllamaDriver(srv.URL, "missing")
	if _, err := d.Embed(context.Background(), contracts.EmbedRequest{Input: []string{"x"}}); err == nil {
		t.Fatal("Embed() error = nil, want status error")
	}
	if err := d.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() error = nil, want status error")
	}
}

func TestOpenAIDriver_ReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	d := embeddings.NewOpenAIDriver("key", "", embeddings.WithOpenAIEndpoint(srv.URL))
	resp, err := d.Embed(context.Background(), contracts.EmbedRequest{Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(resp.Embeddings) != 2 || resp.Embeddings[0][0] != 1 || resp.Embeddings[1][0] != 2 {
		t.Errorf("Embed() = %+v", resp.Embeddings)
	}
}

func TestRegistry(t *testing.T) {
	r := embeddings.NewRegistry()
	r.Register("ollama", embeddings.NewOllamaDriver("", "m"))
	if _, err := r.Get("ollama"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := r.Get("other"); err == nil {
		t.Error("Get(unknown) error = nil")
	}
	if names := r.List(); len(names) != 1 || names[0] != "ollama" {
		t.Errorf("List() = %v", names)
	}
}
