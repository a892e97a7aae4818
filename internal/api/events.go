package api

import (
	"errors"
	"net/http"

	"github.com/noetl/noetl/internal/storage"
)

// handleEventAppend appends one event to the log. Duplicate (execution_id,
// event_id) pairs are acknowledged without a second row so at-least-once
// emitters converge. Worker outcome events wake the broker.
func (s *Server) handleEventAppend(w http.ResponseWriter, r *http.Request) {
	var wire EventJSON
	if err := s.decodeJSON(w, r, &wire); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	event, err := wire.ToEvent()
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	inserted, err := s.deps.Events.Append(r.Context(), event)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	if inserted {
		s.publish(r, event)
	}

	// A fresh start or worker outcome changes the frontier; everything else
	// is broker-internal and already triggers its own evaluation.
	switch event.EventType {
	case storage.EventExecutionStart, storage.EventActionCompleted, storage.EventActionFailed:
		s.deps.Scheduler.Schedule(event.ExecutionID)
	}

	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}

	s.writeJSON(w, r, status, map[string]any{
		"event_id":  wireEventID(event),
		"duplicate": !inserted,
	})
}

func wireEventID(event *storage.Event) string {
	return EventToJSON(event).EventID
}

// publish mirrors one accepted event to the external stream, if configured.
// Mirroring is best effort; the event log is the source of truth.
func (s *Server) publish(r *http.Request, event *storage.Event) {
	if s.deps.Publisher == nil {
		return
	}

	if err := s.deps.Publisher.Publish(r.Context(), event); err != nil {
		s.logger.Warn("event stream publish failed",
			"execution_id", event.ExecutionID,
			"event_type", event.EventType,
			"error", err,
		)
	}
}

// handleEventsByExecution returns the ordered event list of one execution.
func (s *Server) handleEventsByExecution(w http.ResponseWriter, r *http.Request) {
	executionID, err := pathID(r, "execution_id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	events, err := s.deps.Events.ListByExecution(r.Context(), executionID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	out := make([]*EventJSON, 0, len(events))
	for _, event := range events {
		out = append(out, EventToJSON(event))
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"events": out})
}

// handleEventByID returns a single event.
func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathID(r, "event_id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	event, err := s.deps.Events.GetByID(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
		} else {
			WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))
		}

		return
	}

	s.writeJSON(w, r, http.StatusOK, EventToJSON(event))
}
