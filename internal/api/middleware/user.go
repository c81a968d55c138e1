package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

type contextKey string

// UserIDKey is the context key for the calling user's id.
const UserIDKey contextKey = "user_id"

// DefaultUserID is used when the request does not name a user.
const DefaultUserID = "local"

var validUserID = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)

// UserExtractor resolves the calling user. A user already bound by
// APIKeyAuth wins; otherwise it checks the X-User-Id header, then the user
// query parameter (EventSource cannot set headers), and falls back to
// DefaultUserID. Malformed ids are rejected.
func UserExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(UserIDKey).(string); ok {
			next.ServeHTTP(w, r)
			return
		}

		user := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if user == "" {
			user = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if user == "" {
			user = DefaultUserID
		}
		if !validUserID.MatchString(user) {
			http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return DefaultUserID
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
