package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/storage"
)

// handleQueueEnqueue adds one job. Enqueueing the same (execution_id,
// node_id) twice returns the existing row's id.
func (s *Server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	executionID, err := ident.Parse(req.ExecutionID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid execution_id"))

		return
	}

	if req.NodeID == "" || len(req.Action) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("node_id and action are required"))

		return
	}

	job := &storage.QueueJob{
		ExecutionID: executionID,
		NodeID:      req.NodeID,
		Action:      req.Action,
		Context:     req.Context,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}

	if req.CatalogID != "" {
		if job.CatalogID, err = ident.Parse(req.CatalogID); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("invalid catalog_id"))

			return
		}
	}

	queueID, err := s.deps.Queue.Enqueue(r.Context(), job)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusCreated, map[string]any{"id": ident.String(queueID)})
}

// handleQueueLease hands one job to a worker, or 204 when the queue is empty.
func (s *Server) handleQueueLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if req.WorkerID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("worker_id is required"))

		return
	}

	job, err := s.deps.Queue.Lease(r.Context(), req.WorkerID, req.LeaseSeconds)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	if job == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	s.writeJSON(w, r, http.StatusOK, JobToJSON(job))
}

// handleQueueComplete acks a job and runs the broker's completion hook: loop
// aggregation, child result lifting and a fresh evaluation pass.
func (s *Server) handleQueueComplete(w http.ResponseWriter, r *http.Request) {
	queueID, req, ok := s.queueAction(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Queue.GetByID(r.Context(), queueID)
	if err != nil {
		s.writeQueueError(w, r, err)

		return
	}

	if err := s.deps.Queue.Complete(r.Context(), queueID, req.WorkerID); err != nil {
		s.writeQueueError(w, r, err)

		return
	}

	if err := s.deps.Completer.HandleCompletion(r.Context(), job); err != nil {
		// The ack stands; evaluation is retried on the next broker pass.
		s.logger.Error("completion hook failed",
			"queue_id", queueID,
			"execution_id", job.ExecutionID,
			"error", err,
		)
	}

	s.deps.Scheduler.Schedule(job.ExecutionID)

	s.writeJSON(w, r, http.StatusOK, map[string]any{"status": storage.JobDone})
}

// handleQueueFail nacks a job: requeue with backoff while attempts remain and
// retry is requested, dead otherwise. A job that lands dead runs the broker's
// completion hook so loops see the spent iteration and executions terminate.
func (s *Server) handleQueueFail(w http.ResponseWriter, r *http.Request) {
	queueID, req, ok := s.queueAction(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Queue.GetByID(r.Context(), queueID)
	if err != nil {
		s.writeQueueError(w, r, err)

		return
	}

	retryDelay := time.Duration(req.RetryDelaySeconds) * time.Second
	if err := s.deps.Queue.Fail(r.Context(), queueID, req.WorkerID, req.Retry, retryDelay); err != nil {
		s.writeQueueError(w, r, err)

		return
	}

	if dead, err := s.deps.Queue.GetByID(r.Context(), queueID); err == nil &&
		dead != nil && dead.Status == storage.JobDead {
		if err := s.deps.Completer.HandleCompletion(r.Context(), dead); err != nil {
			// The nack stands; evaluation is retried on the next broker pass.
			s.logger.Error("completion hook failed",
				"queue_id", queueID,
				"execution_id", dead.ExecutionID,
				"error", err,
			)
		}
	}

	s.deps.Scheduler.Schedule(job.ExecutionID)

	s.writeJSON(w, r, http.StatusOK, map[string]any{"status": storage.JobFailed})
}

// handleQueueHeartbeat extends a lease.
func (s *Server) handleQueueHeartbeat(w http.ResponseWriter, r *http.Request) {
	queueID, req, ok := s.queueAction(w, r)
	if !ok {
		return
	}

	if err := s.deps.Queue.Heartbeat(r.Context(), queueID, req.WorkerID, req.ExtendSeconds); err != nil {
		s.writeQueueError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"status": storage.JobLeased})
}

// handleQueueReapExpired requeues jobs whose lease expired.
func (s *Server) handleQueueReapExpired(w http.ResponseWriter, r *http.Request) {
	reaped, err := s.deps.Queue.ReapExpired(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"reaped": reaped})
}

// handleQueueByExecution lists an execution's queue rows for inspection.
func (s *Server) handleQueueByExecution(w http.ResponseWriter, r *http.Request) {
	executionID, err := pathID(r, "execution_id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	jobs, err := s.deps.Queue.ListByExecution(r.Context(), executionID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	out := make([]*JobJSON, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobToJSON(job))
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"jobs": out})
}

// queueAction parses the queue id path segment and the worker's proof body.
func (s *Server) queueAction(w http.ResponseWriter, r *http.Request) (int64, *QueueActionRequest, bool) {
	queueID, err := pathID(r, "id")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return 0, nil, false
	}

	var req QueueActionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return 0, nil, false
	}

	if req.WorkerID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("worker_id is required"))

		return 0, nil, false
	}

	return queueID, &req, true
}

// writeQueueError maps queue store errors onto problem responses. A worker
// mismatch is a 409 so the losing worker knows to discard its result.
func (s *Server) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrWorkerMismatch):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	case errors.Is(err, storage.ErrJobNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
	default:
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))
	}
}
