package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/noetl/noetl/internal/api/middleware"
	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/storage"
)

const healthCheckTimeout = 2 * time.Second

// Route pairs a Go 1.22 method-routing pattern with its handler.
type Route struct {
	Pattern string
	Handler http.HandlerFunc
}

// setupRoutes registers every endpoint on the mux.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(mux,
		Route{"GET /ping", s.handlePing},
		Route{"GET /ready", s.handleReady},
		Route{"GET /health", s.handleHealth},
		Route{"/", s.handleNotFound},
	)

	// Catalog
	mux.HandleFunc("POST /api/catalog/register", s.handleCatalogRegister)
	mux.HandleFunc("GET /api/catalog/list", s.handleCatalogList)
	mux.HandleFunc("GET /api/catalog/fetch", s.handleCatalogFetch)

	// Executions
	mux.HandleFunc("POST /api/executions/run", s.handleExecutionRun)

	// Event log
	mux.HandleFunc("POST /api/events", s.handleEventAppend)
	mux.HandleFunc("GET /api/events/by-execution/{execution_id}", s.handleEventsByExecution)
	mux.HandleFunc("GET /api/events/by-id/{event_id}", s.handleEventByID)

	// Queue
	mux.HandleFunc("POST /api/queue/enqueue", s.handleQueueEnqueue)
	mux.HandleFunc("POST /api/queue/lease", s.handleQueueLease)
	mux.HandleFunc("POST /api/queue/{id}/complete", s.handleQueueComplete)
	mux.HandleFunc("POST /api/queue/{id}/fail", s.handleQueueFail)
	mux.HandleFunc("POST /api/queue/{id}/heartbeat", s.handleQueueHeartbeat)
	mux.HandleFunc("POST /api/queue/reap-expired", s.handleQueueReapExpired)
	mux.HandleFunc("GET /api/queue/by-execution/{execution_id}", s.handleQueueByExecution)

	// Runtime registry
	mux.HandleFunc("POST /api/runtime/register", s.handleRuntimeRegister)
	mux.HandleFunc("POST /api/runtime/heartbeat", s.handleRuntimeHeartbeat)
	mux.HandleFunc("DELETE /api/runtime/deregister", s.handleRuntimeDeregister)
	mux.HandleFunc("GET /api/runtime/list", s.handleRuntimeList)
	mux.HandleFunc("POST /api/worker/pool/register", s.componentRegister(storage.ComponentWorkerPool))
	mux.HandleFunc("DELETE /api/worker/pool/deregister", s.componentDeregister(storage.ComponentWorkerPool))
	mux.HandleFunc("POST /api/broker/register", s.componentRegister(storage.ComponentBroker))
	mux.HandleFunc("DELETE /api/broker/deregister", s.componentDeregister(storage.ComponentBroker))

	// Context rendering
	mux.HandleFunc("POST /api/context/render", s.handleContextRender)
}

// registerPublicRoutes registers routes that bypass authentication, stripping
// the method prefix before marking the path public.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Pattern, route.Handler)

		path := route.Pattern
		if parts := strings.Fields(path); len(parts) == 2 {
			path = parts[1]
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// decodeJSON decodes a request body with a size cap, rejecting trailing data.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}

	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}

	return nil
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to marshal response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response",
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// pathID parses a snowflake path segment.
func pathID(r *http.Request, name string) (int64, error) {
	value := r.PathValue(name)

	id, err := ident.Parse(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, value)
	}

	return id, nil
}

// loadPlaybook resolves the playbook an execution was started from, using the
// reference recorded on its first event.
func (s *Server) loadPlaybook(ctx context.Context, executionID int64) (*playbook.Playbook, error) {
	earliest, err := s.deps.Events.EarliestEvent(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("resolving execution %s: %w", ident.String(executionID), err)
	}

	path, version := playbookRef(earliest.Metadata)
	if path == "" {
		path, version = playbookRef(earliest.Context)
	}

	if path == "" {
		return nil, fmt.Errorf("execution %s has no playbook reference", ident.String(executionID))
	}

	entry, err := s.deps.Catalog.Fetch(ctx, path, version)
	if err != nil {
		return nil, err
	}

	return playbook.Parse([]byte(entry.Content))
}

func playbookRef(m map[string]any) (path, version string) {
	if m == nil {
		return "", ""
	}

	if v, ok := m["playbook_path"].(string); ok && v != "" {
		path = v
	} else if v, ok := m["path"].(string); ok {
		path = v
	}

	if v, ok := m["playbook_version"].(string); ok && v != "" {
		version = v
	} else if v, ok := m["version"].(string); ok {
		version = v
	}

	return path, version
}

// handlePing responds to liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes after checking storage health.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			s.logger.Error("storage health check failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)

			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("storage unavailable"))

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns status, uptime and version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":       "healthy",
		"service_name": "noetl",
		"uptime":       uptime,
	})
}

// handleNotFound returns RFC 7807 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}
