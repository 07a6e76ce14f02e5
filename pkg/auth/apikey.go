// Package auth gates the admin API behind static API keys.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// APIKey represents an API key entry.
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// APIKeyAuthenticator authenticates requests against a fixed key set.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(keys []APIKey) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: append([]APIKey(nil), keys...)}
}

// Authenticate returns the name of the key matching token. Every key is
// compared in constant time.
func (a *APIKeyAuthenticator) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	name, found := "", false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(token)) == 1 && !found {
			name, found = k.Name, true
		}
	}
	return name, found
}

// TokenFromRequest extracts a Bearer token, falling back to X-API-Key.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

type contextKey struct{}

// WithKeyName returns ctx carrying the authenticated key's name.
func WithKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextKey{}, name)
}

// KeyName returns the authenticated key's name, if any.
func KeyName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(contextKey{}).(string)
	return name, ok
}

// Middleware rejects requests without a valid key with 401.
func Middleware(a *APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, ok := a.Authenticate(TokenFromRequest(r))
			if !ok {
				slog.Debug("auth: rejected request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyName(r.Context(), name)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="kvadmin"`)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(http.StatusUnauthorized),
		"status": http.StatusUnauthorized,
		"detail": "missing or invalid API key",
	})
}
