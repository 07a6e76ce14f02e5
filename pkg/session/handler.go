package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultCookieName is the cookie carrying the session ID.
	DefaultCookieName = "kvadmin_session"

	// sessionIDBytes is the number of random bytes for session ID generation.
	sessionIDBytes = 16

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"
)

type contextKey struct{}

// MiddlewareConfig configures the cookie middleware.
type MiddlewareConfig struct {
	// CookieName defaults to DefaultCookieName.
	CookieName string

	// MaxAge is the cookie lifetime. Zero issues a browser-session cookie.
	MaxAge time.Duration

	// Secure sets the cookie's Secure attribute.
	Secure bool
}

// Middleware resolves the session ID from the cookie, issuing a fresh ID
// when the request carries none, and stores it in the request context.
// The session record itself is created lazily by whoever first needs it.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	name := cfg.CookieName
	if name == "" {
		name = DefaultCookieName
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if c, err := r.Cookie(name); err == nil && validID(c.Value) {
				id = c.Value
			} else {
				generated, genErr := generateSessionID()
				if genErr != nil {
					slog.Error("session: failed to generate ID", slogKeyError, genErr)
					http.Error(w, "internal server error", http.StatusInternalServerError)
					return
				}
				id = generated
				http.SetCookie(w, newCookie(name, id, cfg))
				slog.Debug("session: issued", "session_id", id)
			}
			next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
		})
	}
}

func newCookie(name, id string, cfg MiddlewareConfig) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if cfg.MaxAge > 0 {
		c.MaxAge = int(cfg.MaxAge.Seconds())
	}
	return c
}

// WithID returns a context carrying the session ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IDFromContext returns the session ID stored by Middleware.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// validID accepts only IDs of the shape generateSessionID produces.
func validID(id string) bool {
	if len(id) != sessionIDBytes*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// generateSessionID creates a cryptographically random session ID.
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
