package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/storage"
)

// Pool runs N concurrent lease loops against the server API.
type Pool struct {
	client  Client
	cfg     PoolConfig
	plugins map[string]Plugin
	logger  *slog.Logger

	pid      int
	hostname string

	stop chan struct{}
	done chan struct{}
}

// NewPool creates a pool with the given plugins. The aggregation builtin is
// always installed.
func NewPool(client Client, cfg PoolConfig, plugins ...Plugin) (*Pool, error) {
	if client == nil {
		return nil, fmt.Errorf("worker pool requires a client")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = storage.DefaultLeaseSeconds
	}

	if cfg.MaxIdleSleep <= 0 {
		cfg.MaxIdleSleep = 5 * time.Second
	}

	hostname, _ := os.Hostname()

	p := &Pool{
		client:   client,
		cfg:      cfg,
		plugins:  make(map[string]Plugin),
		pid:      os.Getpid(),
		hostname: hostname,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	p.register(&AggregationPlugin{})

	for _, plugin := range plugins {
		p.register(plugin)
	}

	return p, nil
}

func (p *Pool) register(plugin Plugin) {
	p.plugins[plugin.Type()] = plugin
}

// Start registers the pool in the runtime registry and launches the lease
// loops plus the registry heartbeat.
func (p *Pool) Start(ctx context.Context) error {
	component := &storage.RuntimeComponent{
		ComponentType: storage.ComponentWorkerPool,
		Name:          p.cfg.PoolName,
		Status:        "ready",
		Capacity:      p.cfg.Workers,
		Runtime: map[string]any{
			"type":     p.cfg.Runtime,
			"pid":      p.pid,
			"hostname": p.hostname,
		},
	}

	if _, err := p.client.RegisterRuntime(ctx, component); err != nil {
		return fmt.Errorf("registering worker pool: %w", err)
	}

	var wg sync.WaitGroup

	for slot := 0; slot < p.cfg.Workers; slot++ {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()
			p.leaseLoop(fmt.Sprintf("%s-%d", p.cfg.PoolName, slot))
		}(slot)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		p.registryHeartbeatLoop()
	}()

	go func() {
		wg.Wait()
		close(p.done)
	}()

	p.logger.Info("worker pool started",
		"pool", p.cfg.PoolName, "workers", p.cfg.Workers, "runtime", p.cfg.Runtime)

	return nil
}

// Stop shuts the loops down, waits for in-flight steps and removes the
// pool's runtime registration.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.DeregisterRuntime(ctx, storage.ComponentWorkerPool, p.cfg.PoolName); err != nil {
		p.logger.Warn("runtime deregister failed", "pool", p.cfg.PoolName, "error", err)
	}

	p.logger.Info("worker pool stopped", "pool", p.cfg.PoolName)
}

// leaseLoop leases and executes jobs until stopped, with bounded backoff on
// an empty queue.
func (p *Pool) leaseLoop(workerID string) {
	idle := 250 * time.Millisecond

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		ctx := context.Background()

		job, err := p.client.Lease(ctx, workerID, p.cfg.LeaseSeconds)
		if err != nil {
			p.logger.Warn("lease call failed", "worker_id", workerID, "error", err)
			job = nil
		}

		if job == nil {
			select {
			case <-p.stop:
				return
			case <-time.After(idle):
			}

			if idle *= 2; idle > p.cfg.MaxIdleSleep {
				idle = p.cfg.MaxIdleSleep
			}

			continue
		}

		idle = 250 * time.Millisecond
		p.execute(ctx, workerID, job)
	}
}

// execute runs one leased job: heartbeats in the background, dispatches to
// the plugin, posts the outcome event and acks or nacks the row.
func (p *Pool) execute(ctx context.Context, workerID string, job *storage.QueueJob) {
	actionType, _ := job.Action["type"].(string)
	stepName, _ := job.Action["step"].(string)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := p.startHeartbeat(runCtx, cancel, workerID, job.ID)

	started := time.Now()
	result := p.run(runCtx, actionType, job)
	duration := time.Since(started).Seconds()

	select {
	case <-leaseLost:
		// Another worker owns this job now; our result must not be written.
		p.logger.Warn("discarding result after lease loss",
			"worker_id", workerID, "queue_id", job.ID, "node_id", job.NodeID)

		return
	default:
	}

	cancel()

	if err := p.emitOutcome(ctx, workerID, job, stepName, actionType, result, duration); err != nil {
		// The event is the source of truth; without it we must not ack.
		p.logger.Error("posting outcome event failed",
			"worker_id", workerID, "queue_id", job.ID, "error", err)

		_ = p.client.Fail(ctx, job.ID, workerID, true, 5)

		return
	}

	if result.Status == ResultSuccess {
		if err := p.client.Complete(ctx, job.ID, workerID); err != nil {
			p.logger.Warn("complete failed", "queue_id", job.ID, "error", err)
		}

		return
	}

	if err := p.client.Fail(ctx, job.ID, workerID, result.Retry, 5); err != nil {
		p.logger.Warn("fail call failed", "queue_id", job.ID, "error", err)
	}
}

// run dispatches to the plugin, normalizing a missing plugin to a
// non-retriable error.
func (p *Pool) run(ctx context.Context, actionType string, job *storage.QueueJob) Result {
	plugin, ok := p.plugins[actionType]
	if !ok {
		return Result{
			Status: ResultError,
			Error:  fmt.Sprintf("no plugin for action type %q", actionType),
			Retry:  false,
		}
	}

	return plugin.Execute(ctx, job)
}

// startHeartbeat extends the lease at half its duration until the context is
// cancelled. A heartbeat conflict closes the returned channel and cancels
// the step.
func (p *Pool) startHeartbeat(ctx context.Context, cancel context.CancelFunc, workerID string, queueID int64) <-chan struct{} {
	leaseLost := make(chan struct{})

	interval := time.Duration(p.cfg.LeaseSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.client.Heartbeat(ctx, queueID, workerID, p.cfg.LeaseSeconds); err != nil {
					p.logger.Warn("heartbeat rejected; abandoning step",
						"worker_id", workerID, "queue_id", queueID, "error", err)

					close(leaseLost)
					cancel()

					return
				}
			}
		}
	}()

	return leaseLost
}

// emitOutcome posts the action_completed or action_failed event.
func (p *Pool) emitOutcome(
	ctx context.Context,
	workerID string,
	job *storage.QueueJob,
	stepName, actionType string,
	result Result,
	duration float64,
) error {
	eventType := storage.EventActionCompleted
	status := storage.StatusCompleted

	if result.Status != ResultSuccess {
		eventType = storage.EventActionFailed
		status = storage.StatusFailed
	}

	event := &storage.Event{
		ExecutionID: job.ExecutionID,
		EventID:     ident.MustNewID(),
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		NodeID:      job.NodeID,
		NodeName:    stepName,
		NodeType:    actionType,
		Status:      status,
		Duration:    duration,
		Result:      resultPayload(result),
		Error:       result.Error,
		StackTrace:  result.Traceback,
		Metadata: map[string]any{
			"worker_id":   workerID,
			"worker_pool": p.cfg.PoolName,
			"runtime":     p.cfg.Runtime,
			"pid":         p.pid,
			"hostname":    p.hostname,
		},
	}

	// Loop membership travels from the job context to the event so the
	// aggregation protocol can match completions to iterations.
	if loop, ok := job.Context["_loop"].(map[string]any); ok {
		event.Context = map[string]any{"_loop": loop}
	}

	return p.client.EmitEvent(ctx, event)
}

// resultPayload shapes the event's result field as the {status, data}
// envelope the context service unwraps.
func resultPayload(result Result) map[string]any {
	payload := map[string]any{"status": result.Status}

	if result.Data != nil {
		payload["data"] = result.Data
	}

	if result.Error != "" {
		payload["error"] = result.Error
	}

	return payload
}

// registryHeartbeatLoop keeps the pool's runtime row fresh.
func (p *Pool) registryHeartbeatLoop() {
	interval := p.cfg.RegistryHeartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.client.RuntimeHeartbeat(context.Background(),
				storage.ComponentWorkerPool, p.cfg.PoolName); err != nil {
				p.logger.Warn("registry heartbeat failed",
					"pool", p.cfg.PoolName, "error", err)
			}
		}
	}
}
