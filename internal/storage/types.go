// Package storage provides PostgreSQL-backed stores for the NoETL execution
// core: the append-only event log, the durable queue, workload and catalog
// tables, the runtime registry and credential storage.
package storage

import (
	"errors"
	"time"
)

// Event types form a closed set. The event log is authoritative: every state
// transition of an execution is one of these rows, and no row is ever mutated.
const (
	EventExecutionStart    = "execution_start"
	EventStepStarted       = "step_started"
	EventActionStarted     = "action_started"
	EventActionCompleted   = "action_completed"
	EventActionFailed      = "action_failed"
	EventLoopIteration     = "loop_iteration"
	EventLoopCompleted     = "loop_completed"
	EventResult            = "result"
	EventExecutionComplete = "execution_complete"
	EventExecutionDone     = "execution_completed"
	EventError             = "error"
	EventErrorResolved     = "error_resolved"
)

// Event statuses.
const (
	StatusCreated    = "CREATED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusSkipped    = "SKIPPED"
)

// Queue job statuses. Transitions are queued -> leased -> (done|failed|queued|dead).
const (
	JobQueued = "queued"
	JobLeased = "leased"
	JobDone   = "done"
	JobFailed = "failed"
	JobDead   = "dead"
)

// Runtime component types registered in the runtime directory.
const (
	ComponentServerAPI  = "server_api"
	ComponentWorkerPool = "worker_pool"
	ComponentBroker     = "broker"
)

// Sentinel errors for storage operations.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrEventStoreFailed is returned when an event log operation fails.
	ErrEventStoreFailed = errors.New("event store operation failed")

	// ErrEventNotFound is returned when an event id does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrQueueStoreFailed is returned when a queue operation fails.
	ErrQueueStoreFailed = errors.New("queue operation failed")

	// ErrJobNotFound is returned when a queue job id does not exist.
	ErrJobNotFound = errors.New("queue job not found")

	// ErrWorkerMismatch is returned when a worker acks or nacks a job it no
	// longer holds the lease for. Callers must treat this as a non-retriable
	// conflict and discard their result.
	ErrWorkerMismatch = errors.New("queue job is leased by another worker")

	// ErrCatalogNotFound is returned when a playbook path/version is not registered.
	ErrCatalogNotFound = errors.New("catalog entry not found")

	// ErrWorkloadNotFound is returned when no workload row exists for an execution.
	ErrWorkloadNotFound = errors.New("workload not found")

	// ErrCredentialNotFound is returned when a credential name is not registered.
	ErrCredentialNotFound = errors.New("credential not found")
)

type (
	// Event is one row of the append-only per-execution history. The key is
	// (ExecutionID, EventID); appends with a duplicate key are no-ops so that
	// at-least-once emitters converge on exactly-once rows.
	Event struct {
		ExecutionID       int64          `json:"execution_id"`
		EventID           int64          `json:"event_id"`
		ParentEventID     *int64         `json:"parent_event_id,omitempty"`
		ParentExecutionID *int64         `json:"parent_execution_id,omitempty"`
		Timestamp         time.Time      `json:"timestamp"`
		EventType         string         `json:"event_type"`
		NodeID            string         `json:"node_id"`
		NodeName          string         `json:"node_name"`
		NodeType          string         `json:"node_type"`
		Status            string         `json:"status"`
		Duration          float64        `json:"duration"`
		Context           map[string]any `json:"context,omitempty"`
		Result            any            `json:"result,omitempty"`
		Metadata          map[string]any `json:"metadata,omitempty"`
		Error             string         `json:"error,omitempty"`
		StackTrace        string         `json:"stack_trace,omitempty"`

		// Loop fields, set on loop_iteration and per-iteration result events.
		LoopID       string `json:"loop_id,omitempty"`
		LoopName     string `json:"loop_name,omitempty"`
		Iterator     string `json:"iterator,omitempty"`
		CurrentIndex *int   `json:"current_index,omitempty"`
		CurrentItem  any    `json:"current_item,omitempty"`
	}

	// StepResult is a (node_name, result) pair read from the event log in
	// event order, consumed by the context service.
	StepResult struct {
		NodeName string
		NodeType string
		Result   any
	}

	// QueueJob is one durable unit of work. At most one non-terminal row
	// exists per (ExecutionID, NodeID) at any time.
	QueueJob struct {
		ID            int64          `json:"id"`
		ExecutionID   int64          `json:"execution_id"`
		NodeID        string         `json:"node_id"`
		Action        map[string]any `json:"action"`
		Context       map[string]any `json:"context"`
		Status        string         `json:"status"`
		Priority      int            `json:"priority"`
		Attempts      int            `json:"attempts"`
		MaxAttempts   int            `json:"max_attempts"`
		AvailableAt   time.Time      `json:"available_at"`
		LeaseUntil    *time.Time     `json:"lease_until,omitempty"`
		LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
		WorkerID      string         `json:"worker_id,omitempty"`
		CatalogID     int64          `json:"catalog_id,omitempty"`
		CreatedAt     time.Time      `json:"created_at"`
		UpdatedAt     time.Time      `json:"updated_at"`
	}

	// Workload is the per-execution bag of initial parameters, written once
	// at execution start and read by the context service.
	Workload struct {
		ExecutionID int64          `json:"execution_id"`
		Data        map[string]any `json:"data"`
		CreatedAt   time.Time      `json:"created_at"`
	}

	// CatalogEntry is one registered playbook version. Immutable once
	// registered; new versions append.
	CatalogEntry struct {
		CatalogID       int64          `json:"catalog_id"`
		ResourcePath    string         `json:"resource_path"`
		ResourceVersion string         `json:"resource_version"`
		ResourceType    string         `json:"resource_type"`
		Content         string         `json:"content"`
		Meta            map[string]any `json:"meta,omitempty"`
		CreatedAt       time.Time      `json:"created_at"`
	}

	// RuntimeComponent is one live server, worker pool or broker process.
	RuntimeComponent struct {
		RuntimeID     int64          `json:"runtime_id"`
		ComponentType string         `json:"component_type"`
		Name          string         `json:"name"`
		BaseURL       string         `json:"base_url,omitempty"`
		Status        string         `json:"status"`
		Labels        map[string]any `json:"labels,omitempty"`
		Capacity      int            `json:"capacity"`
		Runtime       map[string]any `json:"runtime,omitempty"`
		LastHeartbeat time.Time      `json:"last_heartbeat"`
		CreatedAt     time.Time      `json:"created_at"`
	}

	// Credential is a named secret usable by steps and workers. Only the
	// bcrypt hash of the token is persisted.
	Credential struct {
		ID        int64      `json:"id"`
		Name      string     `json:"name"`
		TokenHash string     `json:"-"`
		Scopes    []string   `json:"scopes,omitempty"`
		Active    bool       `json:"active"`
		CreatedAt time.Time  `json:"created_at"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
)

// Terminal reports whether the job status admits no further transitions.
func (j *QueueJob) Terminal() bool {
	return j.Status == JobDone || j.Status == JobDead
}

// IsTerminal reports whether the event marks the end of its execution.
func (e *Event) IsTerminal() bool {
	return e.EventType == EventExecutionDone
}
