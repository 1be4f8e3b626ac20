// Package middleware provides transport authentication and request
// protection for the HTTP surface.
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pinnokio/backend/internal/config"
)

type contextKey string

const userIDKey contextKey = "auth.user_id"

// UserID extracts the authenticated user id from a request context.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// APIKeyAuth validates `pnk_<key_id>.<secret>` bearer keys against the
// configured table. The key id is plain for lookup; only the secret half is
// hashed. On success the resolved user id rides in the request context.
type APIKeyAuth struct {
	keys map[string]config.APIKeyEntry
}

// NewAPIKeyAuth builds the authenticator from config.
func NewAPIKeyAuth(cfg config.AuthConfig) *APIKeyAuth {
	return &APIKeyAuth{keys: cfg.APIKeys}
}

// Validate parses and checks one full key, returning the owning user id.
func (a *APIKeyAuth) Validate(fullKey string) (string, bool) {
	if !strings.HasPrefix(fullKey, "pnk_") {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "pnk_"), ".", 2)
	if len(parts) != 2 {
		return "", false
	}

	entry, ok := a.keys[parts[0]]
	if !ok {
		return "", false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.SecretHash), []byte(parts[1])); err != nil {
		return "", false
	}
	return entry.UserID, true
}

// Middleware rejects requests without a valid API key.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := a.Validate(bearerToken(r))
		if !ok {
			slog.Warn("[Auth] Rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"kind":"PermissionDenied","message":"invalid api key"}}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// CallbackAuth guards the Jobber callback endpoint with a pre-shared key.
// Comparison is constant-time: the callback URL is externally reachable.
func CallbackAuth(presharedKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if presharedKey == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(presharedKey)) != 1 {
			slog.Warn("[Auth] Rejected callback", "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients can't set headers from browsers; allow query param.
	return r.URL.Query().Get("api_key")
}

// CORS applies the origin allowlist to browser requests.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
