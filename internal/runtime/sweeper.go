// Package runtime keeps the runtime registry honest: it registers the owning
// process, heartbeats its row, sweeps stale components offline and requeues
// expired queue leases.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/storage"
)

// Registry is the runtime store surface the sweeper needs.
type Registry interface {
	Register(ctx context.Context, component *storage.RuntimeComponent) (int64, error)
	Heartbeat(ctx context.Context, componentType, name string) (bool, error)
	MarkStaleOffline(ctx context.Context, ttl time.Duration) (int64, error)
	Deregister(ctx context.Context, componentType, name string) error
}

// Queue is the queue store surface the sweeper needs.
type Queue interface {
	ReapExpired(ctx context.Context) (int64, error)
}

// Config holds registry maintenance settings.
type Config struct {
	// ComponentType and Name identify the owning process's registry row.
	ComponentType string
	Name          string

	// BaseURL is advertised on the registry row, empty for non-HTTP components.
	BaseURL string

	// HeartbeatInterval is how often the process touches its own row.
	HeartbeatInterval time.Duration

	// SweepInterval is how often stale components and expired leases are swept.
	SweepInterval time.Duration

	// OfflineTTL is the heartbeat age past which a component is marked offline.
	OfflineTTL time.Duration
}

// LoadConfig reads sweeper settings from NOETL_RUNTIME_* variables.
func LoadConfig(componentType, name string) Config {
	return Config{
		ComponentType:     componentType,
		Name:              name,
		HeartbeatInterval: config.GetEnvDuration("NOETL_RUNTIME_HEARTBEAT_INTERVAL", 15*time.Second),
		SweepInterval:     config.GetEnvDuration("NOETL_RUNTIME_SWEEP_INTERVAL", 10*time.Second),
		OfflineTTL: time.Duration(
			config.GetEnvInt("NOETL_RUNTIME_OFFLINE_SECONDS", 60)) * time.Second,
	}
}

// Sweeper runs the registry maintenance loop for one process.
type Sweeper struct {
	registry Registry
	queue    Queue
	cfg      Config
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper. The queue is optional; without it only the
// registry is maintained.
func NewSweeper(registry Registry, queue Queue, cfg Config) (*Sweeper, error) {
	if registry == nil {
		return nil, fmt.Errorf("sweeper requires a registry")
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}

	if cfg.OfflineTTL <= 0 {
		cfg.OfflineTTL = time.Minute
	}

	return &Sweeper{
		registry: registry,
		queue:    queue,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Start registers the owning process and launches the maintenance loop.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.registry.Register(ctx, s.component()); err != nil {
		return fmt.Errorf("registering %s %q: %w", s.cfg.ComponentType, s.cfg.Name, err)
	}

	go s.run()

	s.logger.Info("runtime sweeper started",
		"component_type", s.cfg.ComponentType,
		"name", s.cfg.Name,
		"sweep_interval", s.cfg.SweepInterval.String(),
		"offline_ttl", s.cfg.OfflineTTL.String(),
	)

	return nil
}

// Stop halts the loop and removes the process's registry row.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.registry.Deregister(ctx, s.cfg.ComponentType, s.cfg.Name); err != nil {
		s.logger.Warn("deregister failed", "name", s.cfg.Name, "error", err)
	}

	s.logger.Info("runtime sweeper stopped", "name", s.cfg.Name)
}

func (s *Sweeper) component() *storage.RuntimeComponent {
	hostname, _ := os.Hostname()

	return &storage.RuntimeComponent{
		ComponentType: s.cfg.ComponentType,
		Name:          s.cfg.Name,
		BaseURL:       s.cfg.BaseURL,
		Status:        storage.RuntimeReady,
		Runtime: map[string]any{
			"pid":      os.Getpid(),
			"hostname": hostname,
		},
	}
}

func (s *Sweeper) run() {
	defer close(s.done)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-heartbeat.C:
			s.beat()
		case <-sweep.C:
			s.sweep()
		}
	}
}

// beat touches the process's own row, re-registering when an operator deleted
// it out from under us.
func (s *Sweeper) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := s.registry.Heartbeat(ctx, s.cfg.ComponentType, s.cfg.Name)
	if err != nil {
		s.logger.Warn("registry heartbeat failed", "name", s.cfg.Name, "error", err)

		return
	}

	if !ok {
		if _, err := s.registry.Register(ctx, s.component()); err != nil {
			s.logger.Warn("re-registration failed", "name", s.cfg.Name, "error", err)
		} else {
			s.logger.Info("re-registered missing runtime row", "name", s.cfg.Name)
		}
	}
}

// sweep marks stale components offline and returns expired leases to the
// queue so other workers can pick the work up.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if swept, err := s.registry.MarkStaleOffline(ctx, s.cfg.OfflineTTL); err != nil {
		s.logger.Warn("runtime sweep failed", "error", err)
	} else if swept > 0 {
		s.logger.Info("swept stale runtime components", "count", swept)
	}

	if s.queue == nil {
		return
	}

	if reaped, err := s.queue.ReapExpired(ctx); err != nil {
		s.logger.Warn("lease reap failed", "error", err)
	} else if reaped > 0 {
		s.logger.Info("requeued expired leases", "count", reaped)
	}
}
