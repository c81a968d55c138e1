package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowdesk/flowdesk/internal/api/middleware"
)

// echoUser writes the resolved user id as the response body.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(middleware.GetUserID(r.Context())))
})

func chain(auth *middleware.APIKeyAuth) http.Handler {
	return auth.Middleware(middleware.UserExtractor(echoUser))
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled without keys")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scenarios", nil)
	w := httptest.NewRecorder()
	chain(auth).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != middleware.DefaultUserID {
		t.Errorf("user = %q, want %q", w.Body.String(), middleware.DefaultUserID)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " bound-key : alice ", ""})

	tests := []struct {
		name     string
		path     string
		header   map[string]string
		wantCode int
		wantUser string
	}{
		{"bearer", "/api/v1/jobs", map[string]string{"Authorization": "Bearer test-key-1"}, http.StatusOK, "local"},
		{"x-api-key", "/api/v1/jobs", map[string]string{"X-API-Key": "test-key-1"}, http.StatusOK, "local"},
		{"query param", "/api/v1/events?api_key=test-key-1", nil, http.StatusOK, "local"},
		{"unbound key keeps header user", "/api/v1/jobs", map[string]string{"X-API-Key": "test-key-1", "X-User-Id": "bob"}, http.StatusOK, "bob"},
		{"bound key overrides header", "/api/v1/jobs", map[string]string{"X-API-Key": "bound-key", "X-User-Id": "bob"}, http.StatusOK, "alice"},
		{"wrong key", "/api/v1/jobs", map[string]string{"Authorization": "Bearer wrong-key"}, http.StatusUnauthorized, ""},
		{"missing key", "/api/v1/jobs", nil, http.StatusUnauthorized, ""},
		{"health is public", "/health", nil, http.StatusOK, "local"},
		{"metrics is public", "/metrics", nil, http.StatusOK, "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			chain(auth).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && w.Body.String() != tt.wantUser {
				t.Errorf("user = %q, want %q", w.Body.String(), tt.wantUser)
			}
		})
	}
}

func TestAPIKeyAuth_AddRemoveKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)

	auth.AddKey("runtime-key", "")
	if !auth.Enabled() {
		t.Error("Should be enabled after AddKey")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scenarios", nil)
	req.Header.Set("X-API-Key", "runtime-key")
	w := httptest.NewRecorder()
	chain(auth).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Runtime key: status = %d, want %d", w.Code, http.StatusOK)
	}

	auth.RemoveKey("runtime-key")
	if auth.Enabled() {
		t.Error("Should be disabled after removing last key")
	}
}

func TestUserExtractor(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		header   string
		wantCode int
		wantUser string
	}{
		{"default", "/", "", http.StatusOK, "local"},
		{"header", "/", "alice@example.com", http.StatusOK, "alice@example.com"},
		{"query", "/?user=carol", "", http.StatusOK, "carol"},
		{"header wins over query", "/?user=carol", "dave", http.StatusOK, "dave"},
		{"invalid", "/", "../etc", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-User-Id", tt.header)
			}
			w := httptest.NewRecorder()
			middleware.UserExtractor(echoUser).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && w.Body.String() != tt.wantUser {
				t.Errorf("user = %q, want %q", w.Body.String(), tt.wantUser)
			}
		})
	}
}
