// Package auth is the request-level gate in front of every protected
// endpoint. It only decides how a rejection is presented; the actual
// accept/reject decision is the token codec's.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"devicebridge/mqtt-web-bridge/internal/token"
)

type contextKey struct{}

// Gate verifies the session cookie on each request.
type Gate struct {
	codec      *token.Codec
	cookieName string
}

// NewGate constructs a gate reading the named cookie.
func NewGate(codec *token.Codec, cookieName string) *Gate {
	return &Gate{codec: codec, cookieName: cookieName}
}

// Middleware admits requests carrying a valid session cookie, attaching the
// verified identity to the request context. Browser-style callers are
// redirected to the login page; API callers get a structured 401.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(g.cookieName)
		if err != nil {
			g.reject(w, r)
			return
		}

		claims, err := g.codec.Verify(cookie.Value)
		if err != nil {
			g.reject(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request) {
	if wantsHTML(r) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// wantsHTML distinguishes browser navigation from programmatic calls.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Identity returns the verified identity attached by the middleware.
func Identity(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}

// SessionCookie builds the session cookie carrying tok. Its lifetime
// matches the token TTL; the browser cannot read it and it is only sent
// over secure transport.
func SessionCookie(name, tok string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
