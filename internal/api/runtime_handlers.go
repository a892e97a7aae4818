package api

import (
	"net/http"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/storage"
)

// handleRuntimeRegister upserts one runtime component row.
func (s *Server) handleRuntimeRegister(w http.ResponseWriter, r *http.Request) {
	var component storage.RuntimeComponent
	if err := s.decodeJSON(w, r, &component); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	s.registerComponent(w, r, &component)
}

// componentRegister returns a handler that registers a component with a fixed
// type; the worker pool and broker endpoints use it.
func (s *Server) componentRegister(componentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var component storage.RuntimeComponent
		if err := s.decodeJSON(w, r, &component); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		component.ComponentType = componentType
		s.registerComponent(w, r, &component)
	}
}

func (s *Server) registerComponent(w http.ResponseWriter, r *http.Request, component *storage.RuntimeComponent) {
	if component.ComponentType == "" || component.Name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("component_type and name are required"))

		return
	}

	runtimeID, err := s.deps.Runtime.Register(r.Context(), component)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusCreated, map[string]any{"runtime_id": ident.String(runtimeID)})
}

// handleRuntimeHeartbeat touches a component's row. A missing row is a 404 so
// the component knows to re-register.
func (s *Server) handleRuntimeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var ref RuntimeRef
	if err := s.decodeJSON(w, r, &ref); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	found, err := s.deps.Runtime.Heartbeat(r.Context(), ref.ComponentType, ref.Name)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	if !found {
		WriteErrorResponse(w, r, s.logger, NotFound("runtime component is not registered"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"status": storage.RuntimeReady})
}

// handleRuntimeDeregister removes a component row.
func (s *Server) handleRuntimeDeregister(w http.ResponseWriter, r *http.Request) {
	var ref RuntimeRef
	if err := s.decodeJSON(w, r, &ref); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	s.deregisterComponent(w, r, ref.ComponentType, ref.Name)
}

// componentDeregister returns a handler that removes a component of a fixed
// type, named in the body.
func (s *Server) componentDeregister(componentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref RuntimeRef
		if err := s.decodeJSON(w, r, &ref); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		s.deregisterComponent(w, r, componentType, ref.Name)
	}
}

func (s *Server) deregisterComponent(w http.ResponseWriter, r *http.Request, componentType, name string) {
	if componentType == "" || name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("component_type and name are required"))

		return
	}

	if err := s.deps.Runtime.Deregister(r.Context(), componentType, name); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"deregistered": name})
}

// handleRuntimeList lists registered components, optionally by type.
func (s *Server) handleRuntimeList(w http.ResponseWriter, r *http.Request) {
	components, err := s.deps.Runtime.List(r.Context(), r.URL.Query().Get("component_type"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"components": components})
}
