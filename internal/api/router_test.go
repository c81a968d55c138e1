package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowdesk/flowdesk/internal/api"
	"github.com/flowdesk/flowdesk/internal/api/handlers"
	"github.com/flowdesk/flowdesk/internal/config"
	"github.com/flowdesk/flowdesk/internal/embeddings"
	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/jobs"
	"github.com/flowdesk/flowdesk/internal/rag"
	"github.com/flowdesk/flowdesk/internal/scene"
	"github.com/flowdesk/flowdesk/internal/store"
	"github.com/flowdesk/flowdesk/internal/vectorstore"
	"github.com/flowdesk/flowdesk/pkg/contracts"
	"github.com/flowdesk/flowdesk/pkg/models"
)

// fakeDriver embeds every text as [len(text), 1].
type fakeDriver struct{}

func (fakeDriver) Kind() string { return "ollama" }

func (fakeDriver) Embed(_ context.Context, req contracts.EmbedRequest) (*contracts.EmbedResponse, error) {
	out := make([][]float64, len(req.Input))
	for i, in := range req.Input {
		out[i] = []float64{float64(len(in)), 1}
	}
	return &contracts.EmbedResponse{Model: req.Model, Embeddings: out}, nil
}

func (fakeDriver) HealthCheck(context.Context) error { return nil }

type textExtractor struct{}

func (textExtractor) Extract(_ context.Context, data []byte) (string, error) {
	return string(data), nil
}

type testServer struct {
	handler http.Handler
	h       *handlers.Handlers
	bus     *events.Bus
	index   *vectorstore.EmbeddedIndex
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })

	index, err := vectorstore.NewEmbeddedIndex("")
	if err != nil {
		t.Fatalf("NewEmbeddedIndex() error = %v", err)
	}
	reg := embeddings.NewRegistry()
	reg.Register("ollama", fakeDriver{})

	bus := events.NewBus()
	rt, err := jobs.New(ctx, st, bus)
	if err != nil {
		t.Fatalf("jobs.New() error = %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(sctx)
	})

	h := &handlers.Handlers{
		Store:    st,
		Sessions: scene.NewSessions(st, bus),
		Jobs:     rt,
		Pipeline: rag.NewPipeline(st, reg, index,
			rag.WithExtractors(map[string]contracts.TextExtractor{".txt": textExtractor{}}),
			rag.WithUploadDir(t.TempDir()),
			rag.WithChunkSize(16),
		),
		Retriever:  rag.NewRetriever(st, reg, index),
		Bus:        bus,
		Embeddings: reg,
		Index:      index,
	}
	cfg := config.Defaults()
	return &testServer{handler: api.NewRouter(cfg, h), h: h, bus: bus, index: index}
}

// do sends a JSON request as user and decodes the JSON response into out.
func (s *testServer) do(t *testing.T, user, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", user)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	var health map[string]any
	if code := s.do(t, "alice", http.MethodGet, "/health", nil, &health); code != http.StatusOK {
		t.Fatalf("GET /health status = %d", code)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %+v", health)
	}

	var version map[string]string
	s.do(t, "alice", http.MethodGet, "/version", nil, &version)
	if version["service"] != "flowdesk" || version["version"] == "" {
		t.Errorf("version = %+v", version)
	}
}

func TestScenarioEditing(t *testing.T) {
	s := newTestServer(t)

	var sc models.Scenario
	if code := s.do(t, "alice", http.MethodPost, "/api/v1/scenarios", map[string]string{"name": "Adder"}, &sc); code != http.StatusCreated {
		t.Fatalf("create scenario status = %d", code)
	}
	if sc.Content.FlowHash == "" {
		t.Error("created scenario has no flow hash")
	}
	base := "/api/v1/scenarios/" + sc.ID

	var current models.Scene
	s.do(t, "alice", http.MethodGet, base+"/scene", nil, &current)
	if len(current.Blocks) != 2 {
		t.Fatalf("scene blocks = %d, want start and end", len(current.Blocks))
	}
	start := current.Blocks[0]

	var tool models.Block
	code := s.do(t, "alice", http.MethodPost, base+"/scene/blocks", map[string]any{
		"kind": "tool",
		"meta": map[string]any{
			"toolName":   "add",
			"toolSchema": map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{}, "b": map[string]any{}}},
		},
		"x": 300, "y": 120,
	}, &tool)
	if code != http.StatusCreated || tool.Kind != models.BlockTool {
		t.Fatalf("insert block status = %d, block = %+v", code, tool)
	}

	if code := s.do(t, "alice", http.MethodPost, base+"/scene/blocks", map[string]any{"kind": "start"}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("insert start status = %d, want 422", code)
	}

	var conn models.Connection
	code = s.do(t, "alice", http.MethodPost, base+"/scene/connections", map[string]string{
		"fromBlockId": start.ID,
		"toBlockId":   tool.ID,
	}, &conn)
	if code != http.StatusCreated || conn.ID == "" {
		t.Fatalf("connect status = %d, conn = %+v", code, conn)
	}
	if code := s.do(t, "alice", http.MethodPost, base+"/scene/connections", map[string]string{
		"fromBlockId": start.ID,
		"toBlockId":   tool.ID,
	}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate connect status = %d, want 422", code)
	}

	if code := s.do(t, "alice", http.MethodPut, base+"/scene/blocks/"+tool.ID+"/position", models.Point{X: 320, Y: 140}, nil); code != http.StatusOK {
		t.Errorf("move status = %d", code)
	}
	if code := s.do(t, "alice", http.MethodPut, base+"/scene/blocks/"+tool.ID+"/meta", map[string]any{"toolName": "add2"}, nil); code != http.StatusOK {
		t.Errorf("meta update status = %d", code)
	}

	var saved models.Scenario
	code = s.do(t, "alice", http.MethodPost, base+"/scene/save", map[string]any{"viewport": map[string]any{"scale": 2}}, &saved)
	if code != http.StatusOK {
		t.Fatalf("save status = %d", code)
	}

	var flow map[string]string
	s.do(t, "alice", http.MethodGet, base+"/flow", nil, &flow)
	if !strings.Contains(flow["flow"], "[tool add2]") || flow["flowHash"] != saved.Content.FlowHash {
		t.Errorf("flow = %+v, saved hash %q", flow, saved.Content.FlowHash)
	}

	if code := s.do(t, "bob", http.MethodGet, base, nil, nil); code != http.StatusNotFound {
		t.Errorf("other user GET status = %d, want 404", code)
	}
	if code := s.do(t, "alice", http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d", code)
	}
	if code := s.do(t, "alice", http.MethodGet, base+"/scene", nil, nil); code != http.StatusNotFound {
		t.Errorf("scene after delete status = %d, want 404", code)
	}
}

func TestVectorizeAndQuery(t *testing.T) {
	s := newTestServer(t)

	if code := s.do(t, "alice", http.MethodPut, "/api/v1/settings", map[string]string{"embedding_driver": "gpt4all"}, nil); code != http.StatusBadRequest {
		t.Errorf("unknown driver status = %d, want 400", code)
	}
	if code := s.do(t, "alice", http.MethodPut, "/api/v1/settings", map[string]string{
		"embedding_driver": "ollama",
		"embedding_model":  "nomic-embed-text",
	}, nil); code != http.StatusOK {
		t.Fatalf("settings status = %d", code)
	}

	var vs models.VectorStorage
	if code := s.do(t, "alice", http.MethodPost, "/api/v1/vector-storages", map[string]string{"name": "Docs"}, &vs); code != http.StatusCreated {
		t.Fatalf("create storage status = %d", code)
	}
	base := "/api/v1/vector-storages/" + vs.ID

	if code := s.do(t, "alice", http.MethodPost, base+"/vectorize", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Errorf("empty vectorize status = %d, want 400", code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("files", "notes.txt")
	fw.Write([]byte("flowdesk indexes documents into vector storages for retrieval"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, base+"/vectorize", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", "alice")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("vectorize status = %d: %s", w.Code, w.Body.String())
	}
	var job models.Job
	json.Unmarshal(w.Body.Bytes(), &job)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.h.Jobs.Wait(ctx, job.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	var done models.Job
	s.do(t, "alice", http.MethodGet, "/api/v1/jobs/"+job.ID, nil, &done)
	if done.Status != models.JobCompleted {
		t.Fatalf("job = %+v, want completed", done)
	}
	var evs []models.JobEvent
	s.do(t, "alice", http.MethodGet, "/api/v1/jobs/"+job.ID+"/events", nil, &evs)
	if len(evs) == 0 || evs[len(evs)-1].Tag != models.TagSuccess {
		t.Errorf("events = %+v, want trailing success", evs)
	}

	var files []models.File
	s.do(t, "alice", http.MethodGet, "/api/v1/files", nil, &files)
	if len(files) != 1 || files[0].Name != "notes.txt" {
		t.Errorf("files = %+v", files)
	}

	var matches []models.VectorMatch
	code := s.do(t, "alice", http.MethodPost, base+"/query", map[string]any{"question": "what does flowdesk do", "top_k": 2}, &matches)
	if code != http.StatusOK || len(matches) != 2 {
		t.Fatalf("query status = %d, matches = %d", code, len(matches))
	}

	if code := s.do(t, "alice", http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil, nil); code != http.StatusConflict {
		t.Errorf("cancel finished job status = %d, want 409", code)
	}
	if code := s.do(t, "alice", http.MethodPost, "/api/v1/jobs/missing/cancel", nil, nil); code != http.StatusNotFound {
		t.Errorf("cancel missing job status = %d, want 404", code)
	}

	if code := s.do(t, "alice", http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete storage status = %d", code)
	}
	left, err := s.index.Search(context.Background(), models.VectorTableName(vs.ID), []float64{1, 1}, 5)
	if err != nil || len(left) != 0 {
		t.Errorf("Search() after delete = %d rows, %v", len(left), err)
	}
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	req.Header.Set("X-User-Id", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	s.bus.Publish("bob", events.Event{Type: events.JobUpdated, Data: "not for alice"})
	s.bus.Publish("alice", events.Event{Type: events.JobUpdated, Data: map[string]string{"id": "j1"}})

	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if strings.Contains(line, "not for alice") {
				t.Fatal("received another user's event")
			}
			if !strings.Contains(line, `"j1"`) {
				t.Errorf("data line = %q", line)
			}
			return
		}
	}
}
