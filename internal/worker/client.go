package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/storage"
)

// APIClient talks to the server's HTTP API with resty. Snowflake ids travel
// as decimal strings on the wire.
type APIClient struct {
	http *resty.Client
}

// ClientOption configures the API client.
type ClientOption func(*APIClient)

// WithAuthToken sends a bearer token on every request.
func WithAuthToken(token string) ClientOption {
	return func(c *APIClient) {
		if token != "" {
			c.http.SetAuthToken(token)
		}
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *APIClient) {
		c.http.SetTimeout(timeout)
	}
}

// NewAPIClient creates a client against the server base URL.
func NewAPIClient(baseURL string, opts ...ClientOption) *APIClient {
	c := &APIClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// problem is an RFC 7807 error body.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (p *problem) message(fallback string) string {
	if p.Detail != "" {
		return p.Detail
	}

	if p.Title != "" {
		return p.Title
	}

	return fallback
}

// wireJob mirrors the API's queue job shape.
type wireJob struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Action      map[string]any `json:"action"`
	Context     map[string]any `json:"context"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	CatalogID   string         `json:"catalog_id,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
}

func (w *wireJob) toJob() (*storage.QueueJob, error) {
	id, err := ident.Parse(w.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing job id %q: %w", w.ID, err)
	}

	executionID, err := ident.Parse(w.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("parsing execution id %q: %w", w.ExecutionID, err)
	}

	job := &storage.QueueJob{
		ID:          id,
		ExecutionID: executionID,
		NodeID:      w.NodeID,
		Action:      w.Action,
		Context:     w.Context,
		Status:      w.Status,
		Priority:    w.Priority,
		Attempts:    w.Attempts,
		MaxAttempts: w.MaxAttempts,
		WorkerID:    w.WorkerID,
	}

	if w.CatalogID != "" {
		if job.CatalogID, err = ident.Parse(w.CatalogID); err != nil {
			return nil, fmt.Errorf("parsing catalog id %q: %w", w.CatalogID, err)
		}
	}

	return job, nil
}

// wireEvent mirrors the API's event shape.
type wireEvent struct {
	ExecutionID string         `json:"execution_id"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	NodeType    string         `json:"node_type,omitempty"`
	Status      string         `json:"status,omitempty"`
	Duration    float64        `json:"duration,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Result      any            `json:"result,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
	StackTrace  string         `json:"stack_trace,omitempty"`
}

// Lease requests one job; a nil job means the queue is empty.
func (c *APIClient) Lease(ctx context.Context, workerID string, leaseSeconds int) (*storage.QueueJob, error) {
	var (
		job  wireJob
		prob problem
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"worker_id": workerID, "lease_seconds": leaseSeconds}).
		SetResult(&job).
		SetError(&prob).
		Post("/api/queue/lease")
	if err != nil {
		return nil, fmt.Errorf("lease request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return job.toJob()
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("lease: %s", prob.message(resp.Status()))
	}
}

// Complete acks a job.
func (c *APIClient) Complete(ctx context.Context, queueID int64, workerID string) error {
	return c.queueAction(ctx, queueID, "complete", map[string]any{"worker_id": workerID})
}

// Fail nacks a job.
func (c *APIClient) Fail(ctx context.Context, queueID int64, workerID string, retry bool, retryDelaySeconds int) error {
	return c.queueAction(ctx, queueID, "fail", map[string]any{
		"worker_id":           workerID,
		"retry":               retry,
		"retry_delay_seconds": retryDelaySeconds,
	})
}

// Heartbeat extends a lease.
func (c *APIClient) Heartbeat(ctx context.Context, queueID int64, workerID string, extendSeconds int) error {
	return c.queueAction(ctx, queueID, "heartbeat", map[string]any{
		"worker_id":      workerID,
		"extend_seconds": extendSeconds,
	})
}

func (c *APIClient) queueAction(ctx context.Context, queueID int64, action string, body map[string]any) error {
	var prob problem

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&prob).
		Post(fmt.Sprintf("/api/queue/%d/%s", queueID, action))
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}

	if resp.IsError() {
		if resp.StatusCode() == http.StatusConflict {
			return fmt.Errorf("%s: %w", action, ErrLeaseLost)
		}

		return fmt.Errorf("%s: %s", action, prob.message(resp.Status()))
	}

	return nil
}

// EmitEvent appends one event to the log.
func (c *APIClient) EmitEvent(ctx context.Context, event *storage.Event) error {
	wire := wireEvent{
		ExecutionID: ident.String(event.ExecutionID),
		EventID:     ident.String(event.EventID),
		EventType:   event.EventType,
		NodeID:      event.NodeID,
		NodeName:    event.NodeName,
		NodeType:    event.NodeType,
		Status:      event.Status,
		Duration:    event.Duration,
		Context:     event.Context,
		Result:      event.Result,
		Metadata:    event.Metadata,
		Error:       event.Error,
		StackTrace:  event.StackTrace,
	}

	var prob problem

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(wire).
		SetError(&prob).
		Post("/api/events")
	if err != nil {
		return fmt.Errorf("emit event request: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("emit event: %s", prob.message(resp.Status()))
	}

	return nil
}

// RegisterRuntime registers this process in the runtime registry.
func (c *APIClient) RegisterRuntime(ctx context.Context, component *storage.RuntimeComponent) (int64, error) {
	var (
		out  struct {
			RuntimeID string `json:"runtime_id"`
		}
		prob problem
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(component).
		SetResult(&out).
		SetError(&prob).
		Post("/api/runtime/register")
	if err != nil {
		return 0, fmt.Errorf("runtime register request: %w", err)
	}

	if resp.IsError() {
		return 0, fmt.Errorf("runtime register: %s", prob.message(resp.Status()))
	}

	return ident.Parse(out.RuntimeID)
}

// DeregisterRuntime removes this process's runtime row.
func (c *APIClient) DeregisterRuntime(ctx context.Context, componentType, name string) error {
	var prob problem

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"component_type": componentType, "name": name}).
		SetError(&prob).
		Delete("/api/runtime/deregister")
	if err != nil {
		return fmt.Errorf("runtime deregister request: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("runtime deregister: %s", prob.message(resp.Status()))
	}

	return nil
}

// RuntimeHeartbeat touches this process's runtime row.
func (c *APIClient) RuntimeHeartbeat(ctx context.Context, componentType, name string) error {
	var prob problem

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"component_type": componentType, "name": name}).
		SetError(&prob).
		Post("/api/runtime/heartbeat")
	if err != nil {
		return fmt.Errorf("runtime heartbeat request: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("runtime heartbeat: %s", prob.message(resp.Status()))
	}

	return nil
}
