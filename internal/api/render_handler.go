package api

import (
	"net/http"
	"sort"

	"github.com/noetl/noetl/internal/ident"
)

// handleContextRender rebuilds an execution's rendering context and renders
// an arbitrary template against it. Debugging aid: the same context the
// broker uses when it renders step payloads.
func (s *Server) handleContextRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	executionID, err := ident.Parse(req.ExecutionID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid execution_id"))

		return
	}

	pb, err := s.loadPlaybook(r.Context(), executionID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))

		return
	}

	rctx, err := s.deps.Context.BuildContext(r.Context(), executionID, pb, req.ExtraContext)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	rendered, err := s.deps.Context.Engine().Render(req.Template, rctx, req.Strict)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	keys := make([]string, 0, len(rctx))
	for key := range rctx {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	s.writeJSON(w, r, http.StatusOK, RenderResponse{
		Rendered:    rendered,
		ContextKeys: keys,
	})
}
