package api

import (
	"net/http"
	"time"

	"github.com/p-arndt/kapsel/internal/executor"
	"github.com/p-arndt/kapsel/internal/session"
)

type runCommandsRequest struct {
	RunID     string   `json:"run_id"`
	BaseImage string   `json:"base_image"`
	Archive   string   `json:"archive"`
	Commands  []string `json:"commands"`
	FailFast  bool     `json:"fail_fast"`
	Workdir   string   `json:"workdir"`
}

type runResponse struct {
	RunID        string                `json:"run_id,omitempty"`
	Results      []executor.Invocation `json:"results"`
	Patch        string                `json:"patch,omitempty"`
	ChangedFiles []string              `json:"changed_files,omitempty"`
	DeletedFiles []string              `json:"deleted_files,omitempty"`
	Archive      string                `json:"archive,omitempty"`
}

func (s *Server) handleRunCommands(w http.ResponseWriter, r *http.Request) {
	var req runCommandsRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateRunCommandsRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Info("run commands request",
		"run_id", req.RunID, "image", req.BaseImage, "commands", len(req.Commands))

	start := time.Now()
	result, err := s.manager.RunCommands(r.Context(), session.OneShotOpts{
		RunID:       req.RunID,
		Image:       req.BaseImage,
		ArchiveB64:  req.Archive,
		Commands:    req.Commands,
		FailFast:    req.FailFast,
		Workdir:     req.Workdir,
		WithArchive: true,
	})
	observeRun("commands", start, err)
	if err != nil {
		s.logger.Error("run commands", "run_id", req.RunID, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		RunID:        req.RunID,
		Results:      result.Results,
		Patch:        result.Patch,
		ChangedFiles: result.ChangedFiles,
		DeletedFiles: result.DeletedFiles,
		Archive:      result.Archive,
	})
}

type runCodeRequest struct {
	RunID        string   `json:"run_id"`
	Language     string   `json:"language"`
	Dependencies []string `json:"dependencies"`
	Code         string   `json:"code"`
}

func (s *Server) handleRunCode(w http.ResponseWriter, r *http.Request) {
	var req runCodeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateRunCodeRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Info("run code request", "run_id", req.RunID, "language", req.Language)

	start := time.Now()
	output, err := s.manager.RunCode(r.Context(), req.Language, req.Code, req.Dependencies)
	observeRun("code", start, err)
	if err != nil {
		s.logger.Error("run code", "run_id", req.RunID, "error", err)
		// The snippet's own output helps callers debug a failed run.
		writeAPIErrorDetails(w, err, map[string]any{"output": output})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}
