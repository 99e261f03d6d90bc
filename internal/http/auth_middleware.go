package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type authContextKey string

const contextKeyActor authContextKey = "telemetry-actor"

const apiKeyHeader = "X-API-Key"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAPIKey rejects requests without the shared API key. An empty
// configured key disables the check.
func (r *Router) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiKey == "" {
			next(w, req)
			return
		}
		key := strings.TrimSpace(req.Header.Get(apiKeyHeader))
		if key == "" {
			r.logger.Warn("api key missing", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if len(key) != len(r.apiKey) || subtle.ConstantTimeCompare([]byte(key), []byte(r.apiKey)) != 1 {
			r.logger.Warn("api key mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyActor, "api_key")
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// actorFromContext reports who passed authentication.
func actorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(contextKeyActor).(string)
	return actor, ok && actor != ""
}
