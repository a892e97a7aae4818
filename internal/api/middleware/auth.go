package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/noetl/noetl/internal/storage"
)

// TokenVerifier checks a credential name and token against stored hashes.
// Satisfied by storage.CredentialStore.
type TokenVerifier interface {
	Validate(ctx context.Context, name, token string) (*storage.Credential, error)
}

// callerKey is the context key for the authenticated credential.
type callerKey struct{}

// GetCaller returns the authenticated credential, if any.
func GetCaller(ctx context.Context) (*storage.Credential, bool) {
	credential, ok := ctx.Value(callerKey{}).(*storage.Credential)

	return credential, ok
}

var (
	publicMu        sync.RWMutex
	publicEndpoints = make(map[string]bool)
)

// RegisterPublicEndpoint marks a path as reachable without authentication.
// Health probes register themselves here.
func RegisterPublicEndpoint(path string) {
	publicMu.Lock()
	defer publicMu.Unlock()

	publicEndpoints[path] = true
}

func isPublicEndpoint(path string) bool {
	publicMu.RLock()
	defer publicMu.RUnlock()

	return publicEndpoints[path]
}

// Authenticate creates a middleware that requires a bearer token of the form
// "name:secret" on every non-public endpoint. The verified credential is
// placed on the request context for the rate limiter and handlers.
func Authenticate(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())

			name, token, ok := bearerCredential(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, r, logger, correlationID, "Missing or malformed bearer token")

				return
			}

			credential, err := verifier.Validate(r.Context(), name, token)
			if err != nil {
				logger.Warn("credential rejected",
					slog.String("credential", name),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				unauthorized(w, r, logger, correlationID, "Invalid credentials")

				return
			}

			ctx := context.WithValue(r.Context(), callerKey{}, credential)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerCredential splits "Bearer name:secret" into its parts.
func bearerCredential(header string) (name, token string, ok bool) {
	const prefix = "Bearer "

	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}

	name, token, found := strings.Cut(strings.TrimPrefix(header, prefix), ":")
	if !found || name == "" || token == "" {
		return "", "", false
	}

	return name, token, true
}

func unauthorized(w http.ResponseWriter, r *http.Request, logger *slog.Logger, correlationID, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="noetl"`)

	if err := writeProblem(w, r, http.StatusUnauthorized, detail, correlationID); err != nil {
		logger.Error("failed to encode auth response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
