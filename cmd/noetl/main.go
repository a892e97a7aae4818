// Package main provides the NoETL command line entrypoint.
//
// `noetl server` runs the API server with the embedded broker, and
// `noetl worker` runs a worker pool that leases jobs over the server API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/noetl/noetl/internal/api"
	"github.com/noetl/noetl/internal/api/middleware"
	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/runtime"
	"github.com/noetl/noetl/internal/storage"
	"github.com/noetl/noetl/internal/stream"
	"github.com/noetl/noetl/internal/worker"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "noetl"
)

func main() {
	command := "server"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "version", "--version":
		fmt.Printf("%s v%s\n", name, version)
	case "server":
		runServer()
	case "worker":
		runWorker()
	case "register":
		runRegister(os.Args[2:])
	case "execute":
		runExecute(os.Args[2:])
	case "catalog":
		runCatalog(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [server|worker|register|execute|catalog|version]\n", name)
		os.Exit(2)
	}
}

func runServer() {
	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting NoETL server",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	eventStore, err := storage.NewEventStore(dbConn)
	exitOn(logger, "event store", err)

	queueStore, err := storage.NewQueueStore(dbConn)
	exitOn(logger, "queue store", err)

	catalogStore, err := storage.NewCatalogStore(dbConn)
	exitOn(logger, "catalog store", err)

	workloadStore, err := storage.NewWorkloadStore(dbConn)
	exitOn(logger, "workload store", err)

	runtimeStore, err := storage.NewRuntimeStore(dbConn)
	exitOn(logger, "runtime store", err)

	contexts := render.NewService(workloadStore, eventStore)

	engine, err := broker.NewBroker(eventStore, queueStore, catalogStore, contexts)
	exitOn(logger, "broker", err)

	dispatcher := broker.NewDispatcher(engine, config.GetEnvInt("NOETL_BROKER_WORKERS", 2))
	dispatcher.Start()

	defer dispatcher.Stop()

	deps := api.Dependencies{
		Catalog:   catalogStore,
		Events:    eventStore,
		Queue:     queueStore,
		Workloads: workloadStore,
		Runtime:   runtimeStore,
		Scheduler: dispatcher,
		Completer: engine,
		Context:   contexts,
		Health:    dbConn,
	}

	if config.GetEnvBool("NOETL_AUTH_ENABLED", false) {
		credentials, err := storage.NewCredentialStore(dbConn)
		exitOn(logger, "credential store", err)

		deps.Credentials = credentials

		logger.Info("API authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("API authentication disabled",
			slog.String("note", "Set NOETL_AUTH_ENABLED=true to require bearer credentials"),
		)
	}

	rateLimitConfig := middleware.LoadRateLimitConfig()
	deps.RateLimiter = middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("caller_rps", rateLimitConfig.CallerRPS),
		slog.Int("unauth_rps", rateLimitConfig.UnAuthRPS),
	)

	if streamConfig := stream.LoadConfig(); streamConfig.Enabled() {
		publisher, err := stream.NewPublisher(streamConfig)
		exitOn(logger, "event stream", err)

		defer func() {
			_ = publisher.Close()
		}()

		deps.Publisher = publisher

		logger.Info("Event stream mirror enabled",
			slog.String("topic", streamConfig.Topic),
		)
	}

	serverName := config.GetEnvStr("NOETL_SERVER_NAME", defaultInstanceName("server"))

	sweeper, err := runtime.NewSweeper(runtimeStore, queueStore, runtime.LoadConfig(storage.ComponentServerAPI, serverName))
	exitOn(logger, "runtime sweeper", err)

	if err := sweeper.Start(context.Background()); err != nil {
		logger.Error("Failed to start runtime sweeper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer sweeper.Stop()

	server := api.NewServer(serverConfig, deps)

	if err := server.Start(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("NoETL server stopped")
}

func runWorker() {
	poolConfig := worker.LoadPoolConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	baseURL := config.GetEnvStr("NOETL_SERVER_URL", "http://localhost:8082")
	httpTimeout := config.GetEnvDuration("NOETL_WORKER_HTTP_TIMEOUT", 30*time.Second)

	opts := []worker.ClientOption{worker.WithTimeout(httpTimeout)}
	if token := config.GetEnvStr("NOETL_API_TOKEN", ""); token != "" {
		opts = append(opts, worker.WithAuthToken(token))
	}

	client := worker.NewAPIClient(baseURL, opts...)

	pool, err := worker.NewPool(client, poolConfig,
		worker.NewHTTPPlugin(httpTimeout),
		&worker.PostgresPlugin{},
		&worker.PythonPlugin{},
		&worker.ShellPlugin{},
	)
	if err != nil {
		logger.Error("Failed to create worker pool", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting NoETL worker pool",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("pool", poolConfig.PoolName),
		slog.String("server_url", baseURL),
		slog.Int("workers", poolConfig.Workers),
	)

	if err := pool.Start(ctx); err != nil {
		logger.Error("Worker pool failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()

	pool.Stop()
	logger.Info("NoETL worker pool stopped")
}

func defaultInstanceName(role string) string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = fmt.Sprintf("pid-%d", os.Getpid())
	}

	return fmt.Sprintf("%s-%s", role, hostname)
}

func exitOn(logger *slog.Logger, what string, err error) {
	if err != nil {
		logger.Error("Failed to initialize "+what, slog.String("error", err.Error()))
		os.Exit(1)
	}
}
