// Package statusapi serves the read-only operational endpoints of the
// restoration daemon: liveness, identity-cache statistics and the most recent
// error report.
package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/walleralexander/planner-export-import/internal/restore"
)

type Server struct {
	router chi.Router
	stats  func() restore.IdentityStats

	mu         sync.Mutex
	lastReport *restore.Report
}

func NewServer(stats func() restore.IdentityStats) *Server {
	s := &Server{stats: stats}
	router := chi.NewRouter()
	router.Get("/healthz", s.handleHealth)
	router.Get("/v1/stats", s.handleStats)
	router.Get("/v1/report", s.handleReport)
	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetReport publishes the report of the most recently finalized run.
func (s *Server) SetReport(report restore.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = &report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, restore.IdentityStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	report := s.lastReport
	s.mu.Unlock()
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no report yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
