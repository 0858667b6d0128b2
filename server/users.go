package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"lprewards/storage"
)

type createUserRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, created, err := s.store.EnsureUser(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	addr, err := storage.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.store.UserByAddress(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}
