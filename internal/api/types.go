package api

import (
	"fmt"
	"time"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/storage"
)

// Wire types. Snowflake identifiers are rendered as decimal strings on the
// API boundary; JSON numbers cannot carry 64-bit ids losslessly.
type (
	// EventJSON is the wire form of one event log row.
	EventJSON struct {
		ExecutionID       string         `json:"execution_id"`
		EventID           string         `json:"event_id,omitempty"`
		ParentEventID     string         `json:"parent_event_id,omitempty"`
		ParentExecutionID string         `json:"parent_execution_id,omitempty"`
		Timestamp         time.Time      `json:"timestamp,omitempty"`
		EventType         string         `json:"event_type"`
		NodeID            string         `json:"node_id,omitempty"`
		NodeName          string         `json:"node_name,omitempty"`
		NodeType          string         `json:"node_type,omitempty"`
		Status            string         `json:"status,omitempty"`
		Duration          float64        `json:"duration,omitempty"`
		Context           map[string]any `json:"context,omitempty"`
		Result            any            `json:"result,omitempty"`
		Metadata          map[string]any `json:"metadata,omitempty"`
		Error             string         `json:"error,omitempty"`
		StackTrace        string         `json:"stack_trace,omitempty"`

		LoopID       string `json:"loop_id,omitempty"`
		LoopName     string `json:"loop_name,omitempty"`
		Iterator     string `json:"iterator,omitempty"`
		CurrentIndex *int   `json:"current_index,omitempty"`
		CurrentItem  any    `json:"current_item,omitempty"`
	}

	// JobJSON is the wire form of one queue row.
	JobJSON struct {
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
		AvailableAt time.Time      `json:"available_at,omitempty"`
		LeaseUntil  *time.Time     `json:"lease_until,omitempty"`
	}

	// CatalogJSON is the wire form of one catalog entry.
	CatalogJSON struct {
		CatalogID       string         `json:"catalog_id"`
		ResourcePath    string         `json:"resource_path"`
		ResourceVersion string         `json:"resource_version"`
		ResourceType    string         `json:"resource_type"`
		Content         string         `json:"content,omitempty"`
		Meta            map[string]any `json:"meta,omitempty"`
		CreatedAt       time.Time      `json:"created_at,omitempty"`
	}

	// RegisterCatalogRequest registers one playbook version.
	RegisterCatalogRequest struct {
		Content       string `json:"content,omitempty"`
		ContentBase64 string `json:"content_base64,omitempty"`
		ResourceType  string `json:"resource_type,omitempty"`
	}

	// RunRequest starts an execution. PlaybookID and Path are synonyms; the
	// nested form additionally carries parent linkage in Context.
	RunRequest struct {
		PlaybookID string         `json:"playbook_id,omitempty"`
		Path       string         `json:"path,omitempty"`
		Version    string         `json:"version,omitempty"`
		CatalogID  string         `json:"catalog_id,omitempty"`
		Parameters map[string]any `json:"parameters,omitempty"`
		Merge      bool           `json:"merge,omitempty"`
		Context    *RunContext    `json:"context,omitempty"`
	}

	// RunContext is the parent linkage for nested executions.
	RunContext struct {
		ParentExecutionID string `json:"parent_execution_id,omitempty"`
		ParentEventID     string `json:"parent_event_id,omitempty"`
		ParentStep        string `json:"parent_step,omitempty"`
	}

	// RunResponse reports a started execution.
	RunResponse struct {
		ID         string    `json:"id"`
		PlaybookID string    `json:"playbook_id"`
		Version    string    `json:"version"`
		Status     string    `json:"status"`
		StartTime  time.Time `json:"start_time"`
	}

	// EnqueueRequest adds one queue job.
	EnqueueRequest struct {
		ExecutionID string         `json:"execution_id"`
		NodeID      string         `json:"node_id"`
		Action      map[string]any `json:"action"`
		Context     map[string]any `json:"context,omitempty"`
		Priority    int            `json:"priority,omitempty"`
		MaxAttempts int            `json:"max_attempts,omitempty"`
		CatalogID   string         `json:"catalog_id,omitempty"`
	}

	// LeaseRequest asks for one job.
	LeaseRequest struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds,omitempty"`
	}

	// QueueActionRequest acks, nacks or extends a leased job. WorkerID is the
	// lease proof on every call.
	QueueActionRequest struct {
		WorkerID          string `json:"worker_id"`
		Retry             bool   `json:"retry,omitempty"`
		RetryDelaySeconds int    `json:"retry_delay_seconds,omitempty"`
		ExtendSeconds     int    `json:"extend_seconds,omitempty"`
	}

	// RenderRequest renders a template against an execution's context.
	RenderRequest struct {
		ExecutionID  string         `json:"execution_id"`
		Template     any            `json:"template"`
		ExtraContext map[string]any `json:"extra_context,omitempty"`
		Strict       bool           `json:"strict,omitempty"`
	}

	// RenderResponse carries the rendered value and the context keys that
	// were visible to the template.
	RenderResponse struct {
		Rendered    any      `json:"rendered"`
		ContextKeys []string `json:"context_keys"`
	}

	// RuntimeRef names one runtime registry row.
	RuntimeRef struct {
		ComponentType string `json:"component_type"`
		Name          string `json:"name"`
	}
)

// ToEvent converts the wire form to a storage event, parsing the string ids.
// A missing event id is allocated here so clients may omit it.
func (e *EventJSON) ToEvent() (*storage.Event, error) {
	if e.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}

	executionID, err := ident.Parse(e.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution_id %q", e.ExecutionID)
	}

	eventID := int64(0)
	if e.EventID != "" {
		if eventID, err = ident.Parse(e.EventID); err != nil {
			return nil, fmt.Errorf("invalid event_id %q", e.EventID)
		}
	} else if eventID, err = ident.NewID(); err != nil {
		return nil, err
	}

	timestamp := e.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	event := &storage.Event{
		ExecutionID:  executionID,
		EventID:      eventID,
		Timestamp:    timestamp,
		EventType:    e.EventType,
		NodeID:       e.NodeID,
		NodeName:     e.NodeName,
		NodeType:     e.NodeType,
		Status:       e.Status,
		Duration:     e.Duration,
		Context:      e.Context,
		Result:       e.Result,
		Metadata:     e.Metadata,
		Error:        e.Error,
		StackTrace:   e.StackTrace,
		LoopID:       e.LoopID,
		LoopName:     e.LoopName,
		Iterator:     e.Iterator,
		CurrentIndex: e.CurrentIndex,
		CurrentItem:  e.CurrentItem,
	}

	if e.ParentEventID != "" {
		id, err := ident.Parse(e.ParentEventID)
		if err != nil {
			return nil, fmt.Errorf("invalid parent_event_id %q", e.ParentEventID)
		}

		event.ParentEventID = &id
	}

	if e.ParentExecutionID != "" {
		id, err := ident.Parse(e.ParentExecutionID)
		if err != nil {
			return nil, fmt.Errorf("invalid parent_execution_id %q", e.ParentExecutionID)
		}

		event.ParentExecutionID = &id
	}

	return event, nil
}

// EventToJSON converts a storage event to its wire form.
func EventToJSON(event *storage.Event) *EventJSON {
	out := &EventJSON{
		ExecutionID:  ident.String(event.ExecutionID),
		EventID:      ident.String(event.EventID),
		Timestamp:    event.Timestamp,
		EventType:    event.EventType,
		NodeID:       event.NodeID,
		NodeName:     event.NodeName,
		NodeType:     event.NodeType,
		Status:       event.Status,
		Duration:     event.Duration,
		Context:      event.Context,
		Result:       event.Result,
		Metadata:     event.Metadata,
		Error:        event.Error,
		StackTrace:   event.StackTrace,
		LoopID:       event.LoopID,
		LoopName:     event.LoopName,
		Iterator:     event.Iterator,
		CurrentIndex: event.CurrentIndex,
		CurrentItem:  event.CurrentItem,
	}

	if event.ParentEventID != nil {
		out.ParentEventID = ident.String(*event.ParentEventID)
	}

	if event.ParentExecutionID != nil {
		out.ParentExecutionID = ident.String(*event.ParentExecutionID)
	}

	return out
}

// JobToJSON converts a queue row to its wire form.
func JobToJSON(job *storage.QueueJob) *JobJSON {
	out := &JobJSON{
		ID:          ident.String(job.ID),
		ExecutionID: ident.String(job.ExecutionID),
		NodeID:      job.NodeID,
		Action:      job.Action,
		Context:     job.Context,
		Status:      job.Status,
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		WorkerID:    job.WorkerID,
		AvailableAt: job.AvailableAt,
		LeaseUntil:  job.LeaseUntil,
	}

	if job.CatalogID != 0 {
		out.CatalogID = ident.String(job.CatalogID)
	}

	return out
}

// CatalogToJSON converts a catalog entry to its wire form.
func CatalogToJSON(entry *storage.CatalogEntry, includeContent bool) *CatalogJSON {
	out := &CatalogJSON{
		CatalogID:       ident.String(entry.CatalogID),
		ResourcePath:    entry.ResourcePath,
		ResourceVersion: entry.ResourceVersion,
		ResourceType:    entry.ResourceType,
		Meta:            entry.Meta,
		CreatedAt:       entry.CreatedAt,
	}

	if includeContent {
		out.Content = entry.Content
	}

	return out
}
