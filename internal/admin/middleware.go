package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/ferro-labs/matchday/internal/httpx"
	"github.com/ferro-labs/matchday/internal/logging"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// Key scopes. ScopeAdmin may also call every read-only route.
const (
	ScopeAdmin    = "admin"
	ScopeReadOnly = "read_only"
)

// APIKeyFromContext returns the key Guard authenticated for this request.
func APIKeyFromContext(ctx context.Context) (*APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*APIKey)
	return key, ok
}

// Guard authenticates the bearer key against keys and requires it to carry
// one of scopes. The accepted key is stored in the request context, and the
// request logger gains key_id and key_name fields. A nil keys rejects every
// request.
//
// Responses: 401 missing_api_key without a bearer token, 401 invalid_api_key
// for an unknown token, 403 insufficient_scope naming the key ID otherwise.
func Guard(keys Store, scopes ...string) func(http.Handler) http.Handler {
	if keys == nil {
		keys = NewKeySet("", "")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := httpx.BearerToken(r)
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_api_key")
				return
			}
			key, ok := keys.ValidateKey(token)
			if !ok {
				logging.FromContext(r.Context()).Warn("rejected admin key", "path", r.URL.Path)
				httpx.WriteError(w, http.StatusUnauthorized, "invalid API key", "authentication_error", "invalid_api_key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			ctx = logging.WithAttrs(ctx, "key_id", key.ID, "key_name", key.Name)
			if !key.HasAnyScope(scopes...) {
				logging.FromContext(ctx).Warn("admin key lacks scope", "path", r.URL.Path, "required", scopes)
				httpx.WriteError(w, http.StatusForbidden,
					"key "+key.ID+" lacks scope "+strings.Join(scopes, " or "),
					"permission_error", "insufficient_scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
