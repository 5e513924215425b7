package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mesh-intelligence/almanac/internal/sqlite"
	"github.com/mesh-intelligence/almanac/internal/wire"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

const maxBodyBytes = 1 << 20

// service resolves the caller's owner-scoped service and the {kind} path
// variable. It writes the error response and returns false on failure.
func (s *Server) service(w http.ResponseWriter, r *http.Request) (*sqlite.OwnerService, types.Kind, bool) {
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, types.ErrUnauthorized)
		return nil, "", false
	}
	svc, err := s.backend.ForOwner(id.Subject)
	if err != nil {
		writeError(w, types.ErrUnauthorized)
		return nil, "", false
	}
	kind, err := types.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, err)
		return nil, "", false
	}
	return svc, kind, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	svc, kind, ok := s.service(w, r)
	if !ok {
		return
	}
	records, err := svc.List(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	svc, kind, ok := s.service(w, r)
	if !ok {
		return
	}
	rec, err := svc.Get(r.Context(), kind, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	svc, kind, ok := s.service(w, r)
	if !ok {
		return
	}
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	rec, err := svc.Create(r.Context(), kind, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	svc, kind, ok := s.service(w, r)
	if !ok {
		return
	}
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	rec, err := svc.Update(r.Context(), kind, mux.Vars(r)["id"], fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	svc, kind, ok := s.service(w, r)
	if !ok {
		return
	}
	if err := svc.Delete(r.Context(), kind, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeFields reads a JSON object of field values. JSON null clears a
// field on update.
func decodeFields(w http.ResponseWriter, r *http.Request) (types.Fields, bool) {
	var fields types.Fields
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorBody{
			Code:    wire.CodeBadRequest,
			Message: "invalid JSON body: " + err.Error(),
		})
		return nil, false
	}
	if fields == nil {
		fields = types.Fields{}
	}
	return fields, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := wire.FromError(err)
	writeJSON(w, status, body)
}
