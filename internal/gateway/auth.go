package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/memledger/internal/audit"
	"github.com/basket/memledger/internal/config"
	"github.com/basket/memledger/internal/shared"
)

// authContextKey is the context key type for the authenticated principal.
type authContextKey struct{}

// Principal is the resolved caller identity. UserID scopes every read and
// write; Admin principals bypass owner scoping on reads.
type Principal struct {
	UserID string
	Admin  bool
}

// AuthMiddleware resolves bearer tokens to principals. The token registry is
// swappable at runtime so config reloads take effect without dropping the
// listener.
type AuthMiddleware struct {
	mu     sync.RWMutex
	tokens []config.TokenEntry
}

// NewAuthMiddleware creates an auth middleware from the configured token list.
func NewAuthMiddleware(tokens []config.TokenEntry) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// ReplaceTokens swaps the token registry. Called on config hot-reload.
func (am *AuthMiddleware) ReplaceTokens(tokens []config.TokenEntry) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.tokens = tokens
}

// Wrap wraps an http.Handler with bearer token authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays reachable for probes without credentials.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		// The trace id starts here so denial audit rows correlate with
		// request logs.
		ctx := r.Context()
		if shared.TraceID(ctx) == "-" {
			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		}

		token := ExtractAPIKey(r)
		if token == "" {
			audit.Record(ctx, "deny", "gateway.auth", "missing_token", r.URL.Path)
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		principal, ok := am.lookup(token)
		if !ok {
			audit.Record(ctx, "deny", "gateway.auth", "unknown_token", r.URL.Path)
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusUnauthorized)
			return
		}

		ctx = context.WithValue(ctx, authContextKey{}, principal)
		ctx = shared.WithUserID(ctx, principal.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey extracts a token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header,
// api_key query param (for WebSocket clients that cannot set headers).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookup uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookup(candidate string) (Principal, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	for i := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.tokens[i].Token)) == 1 {
			return Principal{UserID: am.tokens[i].UserID, Admin: am.tokens[i].Admin}, true
		}
	}
	return Principal{}, false
}

// PrincipalFromContext retrieves the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(authContextKey{}).(Principal)
	return p, ok
}
