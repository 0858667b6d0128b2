package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"lprewards/storage"
)

type registerBulkRequest struct {
	WalletAddress string `json:"walletAddress"`
}

func (s *Server) handleRegisterBulk(w http.ResponseWriter, r *http.Request) {
	var req registerBulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := s.registrar.RegisterAll(r.Context(), req.WalletAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"registeredCount": report.Registered})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	preview, err := s.registrar.Preview(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleUserPositions(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	positions, err := s.store.PositionsByUser(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []storage.EnrolledPosition{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}
