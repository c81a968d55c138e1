package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// APIKeyAuth validates API keys on every non-public request.
//
// When at least one key is configured (FLOWDESK_API_KEYS), requests must
// carry a key via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//   - ?api_key=<key> (SSE clients)
//
// A key written as "key:user" is bound to that user: requests presenting it
// act as the user regardless of X-User-Id. Unbound keys leave user
// selection to UserExtractor.
type APIKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]string // key → bound user ("" for unbound)
}

// NewAPIKeyAuth creates the middleware from "key" or "key:user" entries.
func NewAPIKeyAuth(entries []string) *APIKeyAuth {
	a := &APIKeyAuth{keys: make(map[string]string)}
	for _, e := range entries {
		key, user, _ := strings.Cut(strings.TrimSpace(e), ":")
		if key = strings.TrimSpace(key); key != "" {
			a.keys[key] = strings.TrimSpace(user)
		}
	}
	return a
}

// Enabled returns whether API key auth is active.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// AddKey adds an API key at runtime.
func (a *APIKeyAuth) AddKey(key, user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = user
}

// RemoveKey removes an API key at runtime.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Middleware returns an http.Handler middleware that enforces API key auth.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}

		user, ok := a.lookup(apiKey)
		if !ok {
			respondUnauthorized(w, "Invalid API key.")
			return
		}
		if user != "" {
			r = r.WithContext(WithUserID(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// lookup compares candidate against every key in constant time.
func (a *APIKeyAuth) lookup(candidate string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, found := "", false
	for key, u := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			user, found = u, true
		}
	}
	return user, found
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="flowdesk"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
