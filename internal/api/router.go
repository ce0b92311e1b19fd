package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-arndt/kapsel/internal/config"
)

type Server struct {
	cfg     *config.Config
	manager SessionService
	logger  *slog.Logger
	mux     *http.ServeMux
	version string
}

func NewServer(cfg *config.Config, mgr SessionService, version string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		logger:  logger,
		mux:     http.NewServeMux(),
		version: version,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metricsMiddleware(s.authMiddleware(s.requestIDMiddleware(s.mux)))
}

func (s *Server) routes() {
	// One-shot runs (with auth)
	s.mux.HandleFunc("POST /run/commands/{$}", s.handleRunCommands)
	s.mux.HandleFunc("POST /run/code/{$}", s.handleRunCode)

	// Session lifecycle (with auth)
	s.mux.HandleFunc("POST /session/{$}", s.handleOpenSession)
	s.mux.HandleFunc("GET /session/{id}/{$}", s.handleGetSession)
	s.mux.HandleFunc("POST /session/{id}/{$}", s.handleRunSession)
	s.mux.HandleFunc("DELETE /session/{id}/{$}", s.handleCloseSession)

	// Probes and metrics (no auth)
	s.mux.HandleFunc("GET /-/health/{$}", s.handleHealth)
	s.mux.HandleFunc("GET /-/version/{$}", s.handleVersion)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
