package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noetl/noetl/internal/api/middleware"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/storage"
)

// Store surfaces the server needs. Defined as interfaces so handler tests can
// run against in-memory fakes; the storage package provides the PostgreSQL
// implementations.
type (
	// CatalogStore registers and serves playbook versions.
	CatalogStore interface {
		Register(ctx context.Context, resourcePath, resourceType, content string, meta map[string]any) (*storage.CatalogEntry, error)
		Fetch(ctx context.Context, resourcePath, resourceVersion string) (*storage.CatalogEntry, error)
		FetchByID(ctx context.Context, catalogID int64) (*storage.CatalogEntry, error)
		List(ctx context.Context, resourceType string) ([]*storage.CatalogEntry, error)
		ProjectPlaybook(ctx context.Context, catalogID int64, pb *playbook.Playbook) error
	}

	// EventStore appends to and reads from the event log.
	EventStore interface {
		Append(ctx context.Context, event *storage.Event) (bool, error)
		ListByExecution(ctx context.Context, executionID int64) ([]*storage.Event, error)
		GetByID(ctx context.Context, eventID int64) (*storage.Event, error)
		EarliestEvent(ctx context.Context, executionID int64) (*storage.Event, error)
	}

	// QueueStore is the durable queue the workers drain.
	QueueStore interface {
		Enqueue(ctx context.Context, job *storage.QueueJob) (int64, error)
		Lease(ctx context.Context, workerID string, leaseSeconds int) (*storage.QueueJob, error)
		Complete(ctx context.Context, queueID int64, workerID string) error
		Fail(ctx context.Context, queueID int64, workerID string, retry bool, retryDelay time.Duration) error
		Heartbeat(ctx context.Context, queueID int64, workerID string, extendSeconds int) error
		ReapExpired(ctx context.Context) (int64, error)
		GetByID(ctx context.Context, queueID int64) (*storage.QueueJob, error)
		ListByExecution(ctx context.Context, executionID int64) ([]*storage.QueueJob, error)
	}

	// WorkloadStore persists per-execution start parameters.
	WorkloadStore interface {
		Put(ctx context.Context, executionID int64, data map[string]any) error
		Get(ctx context.Context, executionID int64) (*storage.Workload, error)
	}

	// RuntimeStore is the liveness directory.
	RuntimeStore interface {
		Register(ctx context.Context, component *storage.RuntimeComponent) (int64, error)
		Heartbeat(ctx context.Context, componentType, name string) (bool, error)
		Deregister(ctx context.Context, componentType, name string) error
		List(ctx context.Context, componentType string) ([]*storage.RuntimeComponent, error)
	}

	// Scheduler wakes the broker for an execution.
	Scheduler interface {
		Schedule(executionID int64)
	}

	// Completer runs the broker's completion hook for a finished job.
	Completer interface {
		HandleCompletion(ctx context.Context, job *storage.QueueJob) error
	}

	// ContextService builds and renders execution contexts.
	ContextService interface {
		BuildContext(ctx context.Context, executionID int64, pb *playbook.Playbook, extra map[string]any) (map[string]any, error)
		Engine() *render.Engine
	}

	// EventPublisher mirrors accepted events to an external stream. Optional.
	EventPublisher interface {
		Publish(ctx context.Context, event *storage.Event) error
	}

	// HealthChecker reports storage backend health for the readiness probe.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies carries everything the server serves from. Nil optional
	// fields (Credentials, RateLimiter, Publisher) disable their feature.
	Dependencies struct {
		Catalog   CatalogStore
		Events    EventStore
		Queue     QueueStore
		Workloads WorkloadStore
		Runtime   RuntimeStore

		Scheduler Scheduler
		Completer Completer
		Context   ContextService

		Credentials middleware.TokenVerifier
		RateLimiter middleware.RateLimiter
		Publisher   EventPublisher
		Health      HealthChecker
	}
)

// Server is the NoETL HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	deps       Dependencies
	startTime  time.Time
}

// NewServer creates the HTTP server with the middleware stack and all routes
// registered. Configuration (what) and dependencies (how) are kept separate.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	server.setupRoutes(mux)

	if deps.Credentials == nil {
		logger.Warn("credential store not configured - authentication disabled")
	}

	if deps.RateLimiter == nil {
		logger.Warn("rate limiter not configured - rate limiting disabled")
	}

	// Middleware executes top-to-bottom: correlation id first so everything
	// downstream can log it, auth before rate limiting so per-caller buckets
	// apply, logging after rate limiting so rejected floods stay out of logs.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.Credentials, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler exposes the fully wired handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown. SIGINT and SIGTERM
// trigger a graceful drain.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting NoETL API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if limiter, ok := s.deps.RateLimiter.(interface{ Close() }); ok {
		limiter.Close()
	}

	s.logger.Info("server shutdown completed")

	return nil
}
