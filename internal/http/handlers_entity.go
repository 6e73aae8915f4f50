package http

import (
	"net/http"

	"ledgersync/internal/core"
	"ledgersync/internal/log"
)

type listResponse struct {
	Kind  core.Kind     `json:"kind"`
	Items []core.Entity `json:"items"`
	Count int           `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	items, err := s.deps.Entities.List(r.Context(), ownerFrom(r.Context()), kind)
	if err != nil {
		failure(w, r, "list", err)
		return
	}
	if items == nil {
		items = []core.Entity{}
	}
	writeJSON(w, http.StatusOK, listResponse{Kind: kind, Items: items, Count: len(items)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	e, err := s.deps.Entities.Get(r.Context(), ownerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		failure(w, r, "get", err)
		return
	}
	if e.Kind() != kind {
		writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	fields, err := core.DecodeFields(kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	e, err := s.deps.Entities.Create(r.Context(), owner, fields)
	if err != nil {
		failure(w, r, "create", err)
		return
	}
	s.logChange(r, "create", e)
	w.Header().Set("Location", "/api/"+kind.String()+"/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	patch, err := core.DecodePatch(kind, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := s.deps.Entities.Update(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), patch)
	if err != nil {
		failure(w, r, "update", err)
		return
	}
	s.logChange(r, "update", e)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")

	// A kind mismatch in the URL must not delete an entity of another kind.
	e, err := s.deps.Entities.Get(r.Context(), owner, id)
	if err != nil {
		failure(w, r, "delete", err)
		return
	}
	if e.Kind() != kind {
		writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
		return
	}

	if err := s.deps.Entities.Delete(r.Context(), owner, id); err != nil {
		failure(w, r, "delete", err)
		return
	}
	s.logChange(r, "delete", core.Entity{ID: id, OwnerID: owner, Fields: e.Fields})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logChange(r *http.Request, op string, e core.Entity) {
	log.NewStructuredLogger(log.FromContext(r.Context())).
		LogEntityChange(r.Context(), op, e.OwnerID, e.Kind().String(), e.ID)
}
