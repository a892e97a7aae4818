package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/storage"
)

// handleCatalogRegister registers one playbook version. The body carries the
// YAML either plain or base64-encoded; the resource path comes from the
// playbook itself, the version is allocated by the catalog.
func (s *Server) handleCatalogRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterCatalogRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	content := req.Content
	if content == "" && req.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("content_base64 is not valid base64"))

			return
		}

		content = string(decoded)
	}

	if content == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("content or content_base64 is required"))

		return
	}

	pb, err := playbook.Parse([]byte(content))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = "Playbook"
	}

	entry, err := s.deps.Catalog.Register(r.Context(), pb.Path, resourceType, content, nil)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	// Projections are derived data; a projection failure must not undo the
	// registration itself.
	if err := s.deps.Catalog.ProjectPlaybook(r.Context(), entry.CatalogID, pb); err != nil {
		s.logger.Error("playbook projection failed",
			"resource_path", entry.ResourcePath,
			"resource_version", entry.ResourceVersion,
			"error", err,
		)
	}

	s.writeJSON(w, r, http.StatusCreated, CatalogToJSON(entry, false))
}

// handleCatalogList lists registered entries, optionally by resource type.
func (s *Server) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Catalog.List(r.Context(), r.URL.Query().Get("resource_type"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	out := make([]*CatalogJSON, 0, len(entries))
	for _, entry := range entries {
		out = append(out, CatalogToJSON(entry, false))
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"entries": out})
}

// handleCatalogFetch returns one entry with content. An empty version selects
// the latest.
func (s *Server) handleCatalogFetch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("path query parameter is required"))

		return
	}

	entry, err := s.deps.Catalog.Fetch(r.Context(), path, r.URL.Query().Get("version"))
	if err != nil {
		if errors.Is(err, storage.ErrCatalogNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, CatalogToJSON(entry, true))
}
