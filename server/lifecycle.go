package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lprewards/lifecycle"
)

type lifecycleStatusResponse struct {
	IsRunning  bool                  `json:"isRunning"`
	Degraded   bool                  `json:"degraded"`
	LastPass   *lifecycle.PassReport `json:"lastPass,omitempty"`
	NextPassAt time.Time             `json:"nextPassAt,omitempty"`
}

func (s *Server) handleLifecycleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.reconciler.Status()
	s.writeJSON(w, http.StatusOK, lifecycleStatusResponse{
		IsRunning:  st.Running,
		Degraded:   st.Degraded,
		LastPass:   st.LastPass,
		NextPassAt: st.NextPassAt,
	})
}

type checkUserResponse struct {
	OK     bool                 `json:"ok"`
	Report lifecycle.UserReport `json:"report"`
}

func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.CheckUser(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, checkUserResponse{OK: true, Report: report})
}

func (s *Server) handleSyncReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.sync.HealthReport(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
