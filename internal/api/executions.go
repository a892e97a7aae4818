package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/storage"
)

// handleExecutionRun starts an execution: it writes the workload, emits the
// execution_start event and wakes the broker. The nested form carries parent
// linkage so child executions report back to their parent.
func (s *Server) handleExecutionRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	entry, err := s.resolveEntry(r, &req)
	if err != nil {
		if errors.Is(err, storage.ErrCatalogNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
		} else {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
		}

		return
	}

	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	workload := buildWorkload(pb.Workload, req.Parameters, req.Merge)

	executionID, err := ident.NewID()
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	if err := s.deps.Workloads.Put(r.Context(), executionID, workload); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	event, err := startEvent(executionID, entry, workload, req.Context)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if _, err := s.deps.Events.Append(r.Context(), event); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.publish(r, event)
	s.deps.Scheduler.Schedule(executionID)

	s.writeJSON(w, r, http.StatusCreated, RunResponse{
		ID:         ident.String(executionID),
		PlaybookID: entry.ResourcePath,
		Version:    entry.ResourceVersion,
		Status:     storage.StatusInProgress,
		StartTime:  event.Timestamp,
	})
}

// resolveEntry finds the catalog entry named by a run request, by catalog id
// or by path plus optional version.
func (s *Server) resolveEntry(r *http.Request, req *RunRequest) (*storage.CatalogEntry, error) {
	if req.CatalogID != "" {
		catalogID, err := ident.Parse(req.CatalogID)
		if err != nil {
			return nil, errors.New("invalid catalog_id")
		}

		return s.deps.Catalog.FetchByID(r.Context(), catalogID)
	}

	path := req.PlaybookID
	if path == "" {
		path = req.Path
	}

	if path == "" {
		return nil, errors.New("playbook_id, path or catalog_id is required")
	}

	return s.deps.Catalog.Fetch(r.Context(), path, req.Version)
}

// buildWorkload combines a playbook's declared workload with the caller's
// parameters. With merge the parameters overlay the declared values key by
// key; without it non-empty parameters replace the workload wholesale.
func buildWorkload(declared, parameters map[string]any, merge bool) map[string]any {
	if len(parameters) == 0 {
		return cloneShallow(declared)
	}

	if !merge {
		return cloneShallow(parameters)
	}

	workload := cloneShallow(declared)
	for key, value := range parameters {
		workload[key] = value
	}

	return workload
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = value
	}

	return out
}

// startEvent builds the execution_start event, including parent linkage for
// nested runs.
func startEvent(executionID int64, entry *storage.CatalogEntry, workload map[string]any, parent *RunContext) (*storage.Event, error) {
	eventID, err := ident.NewID()
	if err != nil {
		return nil, err
	}

	event := &storage.Event{
		ExecutionID: executionID,
		EventID:     eventID,
		Timestamp:   time.Now().UTC(),
		EventType:   storage.EventExecutionStart,
		NodeID:      ident.String(executionID),
		NodeName:    entry.ResourcePath,
		NodeType:    "playbook",
		Status:      storage.StatusCreated,
		Context: map[string]any{
			"workload": workload,
			"path":     entry.ResourcePath,
			"version":  entry.ResourceVersion,
		},
		Metadata: map[string]any{
			"playbook_path":    entry.ResourcePath,
			"playbook_version": entry.ResourceVersion,
		},
	}

	if parent == nil {
		return event, nil
	}

	if parent.ParentExecutionID != "" {
		parentID, err := ident.Parse(parent.ParentExecutionID)
		if err != nil {
			return nil, errors.New("invalid parent_execution_id")
		}

		event.ParentExecutionID = &parentID
		event.Metadata["parent_execution_id"] = parent.ParentExecutionID
	}

	if parent.ParentEventID != "" {
		parentEventID, err := ident.Parse(parent.ParentEventID)
		if err != nil {
			return nil, errors.New("invalid parent_event_id")
		}

		event.ParentEventID = &parentEventID
	}

	if parent.ParentStep != "" {
		event.Metadata["parent_step"] = parent.ParentStep
	}

	return event, nil
}
