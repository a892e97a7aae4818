// Package worker implements the lease-loop worker pool. Workers lease jobs
// over the server's HTTP API, dispatch them to action plugins, post the
// resulting events back and ack or nack the queue row. A worker that loses
// its lease mid-step discards its result instead of writing events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/storage"
)

// Result is the normalized outcome of one plugin execution.
type Result struct {
	Status    string `json:"status"` // success or error
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`

	// Retry marks an error as retriable; ignored on success.
	Retry bool `json:"-"`
}

// Result statuses.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ErrLeaseLost is returned by the heartbeat loop when another worker holds
// the job. The result of the running step must be discarded.
var ErrLeaseLost = errors.New("lease lost to another worker")

// Plugin executes one action type.
type Plugin interface {
	Type() string
	Execute(ctx context.Context, job *storage.QueueJob) Result
}

// Client is the server API surface the pool needs.
type Client interface {
	Lease(ctx context.Context, workerID string, leaseSeconds int) (*storage.QueueJob, error)
	Complete(ctx context.Context, queueID int64, workerID string) error
	Fail(ctx context.Context, queueID int64, workerID string, retry bool, retryDelaySeconds int) error
	Heartbeat(ctx context.Context, queueID int64, workerID string, extendSeconds int) error
	EmitEvent(ctx context.Context, event *storage.Event) error
	RegisterRuntime(ctx context.Context, component *storage.RuntimeComponent) (int64, error)
	RuntimeHeartbeat(ctx context.Context, componentType, name string) error
	DeregisterRuntime(ctx context.Context, componentType, name string) error
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// PoolName identifies this pool in the runtime registry.
	PoolName string

	// Runtime labels the plugin runtime this pool provides.
	Runtime string

	// Workers is the number of concurrent lease loops.
	Workers int

	// LeaseSeconds is the lease duration requested per job.
	LeaseSeconds int

	// MaxIdleSleep bounds the backoff between empty lease calls.
	MaxIdleSleep time.Duration

	// RegistryHeartbeat is the runtime registry heartbeat interval.
	RegistryHeartbeat time.Duration
}

// LoadPoolConfig reads pool settings from NOETL_WORKER_* variables.
func LoadPoolConfig() PoolConfig {
	hostname, _ := os.Hostname()

	return PoolConfig{
		PoolName:          config.GetEnvStr("NOETL_WORKER_POOL_NAME", fmt.Sprintf("worker-%s", hostname)),
		Runtime:           config.GetEnvStr("NOETL_WORKER_RUNTIME", "go"),
		Workers:           config.GetEnvInt("NOETL_WORKER_COUNT", 4),
		LeaseSeconds:      config.GetEnvInt("NOETL_WORKER_LEASE_SECONDS", storage.DefaultLeaseSeconds),
		MaxIdleSleep:      config.GetEnvDuration("NOETL_WORKER_MAX_IDLE_SLEEP", 5*time.Second),
		RegistryHeartbeat: config.GetEnvDuration("NOETL_WORKER_REGISTRY_HEARTBEAT", 15*time.Second),
	}
}
