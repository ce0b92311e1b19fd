package api

import (
	"net/http"
	"time"

	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/session"
	"github.com/p-arndt/kapsel/internal/store"
)

type openSessionRequest struct {
	BaseImage    string         `json:"base_image"`
	ExtractPatch bool           `json:"extract_patch"`
	Limits       *config.Limits `json:"limits,omitempty"`
}

type sessionResponse struct {
	SessionID    string    `json:"session_id"`
	Image        string    `json:"image"`
	Status       string    `json:"status"`
	ExtractPatch bool      `json:"extract_patch"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		SessionID:    sess.ID,
		Image:        sess.Image,
		Status:       sess.Status,
		ExtractPatch: sess.ExtractPatch,
		CreatedAt:    sess.CreatedAt,
		Deadline:     sess.Deadline,
		ExpiresAt:    sess.ExpiresAt,
	}
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if req.BaseImage == "" {
		writeValidationError(w, "base_image is required", nil)
		return
	}

	s.logger.Info("open session request", "image", req.BaseImage, "extract_patch", req.ExtractPatch)
	sess, err := s.manager.Open(r.Context(), session.OpenOpts{
		Image:        req.BaseImage,
		Limits:       req.Limits,
		ExtractPatch: req.ExtractPatch,
	})
	if err != nil {
		s.logger.Error("open session", "image", req.BaseImage, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	sess, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type runSessionRequest struct {
	Archive     string   `json:"archive"`
	Commands    []string `json:"commands"`
	FailFast    bool     `json:"fail_fast"`
	Workdir     string   `json:"workdir"`
	WithArchive bool     `json:"with_archive"`
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	var req runSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}

	s.logger.Info("run request", "session_id", id, "commands", len(req.Commands))

	start := time.Now()
	result, err := s.manager.Run(r.Context(), id, session.RunOpts{
		ArchiveB64:  req.Archive,
		Commands:    req.Commands,
		FailFast:    req.FailFast,
		Workdir:     req.Workdir,
		WithArchive: req.WithArchive,
	})
	observeRun("session", start, err)
	if err != nil {
		s.logger.Error("run", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		Results:      result.Results,
		Patch:        result.Patch,
		ChangedFiles: result.ChangedFiles,
		DeletedFiles: result.DeletedFiles,
		Archive:      result.Archive,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Info("close session request", "session_id", id)
	if err := s.manager.Close(r.Context(), id); err != nil {
		s.logger.Error("close session", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
