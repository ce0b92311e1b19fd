package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/kapsel/internal/archive"
	"github.com/p-arndt/kapsel/internal/executor"
	"github.com/p-arndt/kapsel/internal/lang"
	"github.com/p-arndt/kapsel/internal/session"
	"github.com/p-arndt/kapsel/internal/store"
)

// Error codes returned in API responses
const (
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionNotReady     = "SESSION_NOT_READY"
	ErrCodeMalformedArchive    = "MALFORMED_ARCHIVE"
	ErrCodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	ErrCodeExecutionTimeout    = "EXECUTION_TIMEOUT"
	ErrCodeCodeExecutionFailed = "CODE_EXECUTION_FAILED"
	ErrCodeImagePull           = "IMAGE_PULL_FAILED"
	ErrCodeContainerStart      = "CONTAINER_START_FAILED"
	ErrCodeRuntimeUnavailable  = "RUNTIME_UNAVAILABLE"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError maps sentinel errors to HTTP statuses and writes a
// structured error body.
func writeAPIError(w http.ResponseWriter, err error) {
	writeAPIErrorDetails(w, err, nil)
}

func writeAPIErrorDetails(w http.ResponseWriter, err error, details map[string]any) {
	apiErr := APIError{Message: err.Error(), Details: details}
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, archive.ErrFormat):
		apiErr.Code = ErrCodeMalformedArchive
		statusCode = http.StatusBadRequest

	case errors.Is(err, lang.ErrUnsupported):
		apiErr.Code = ErrCodeUnsupportedLanguage
		statusCode = http.StatusBadRequest

	case errors.Is(err, session.ErrCodeFailed):
		apiErr.Code = ErrCodeCodeExecutionFailed
		statusCode = http.StatusBadRequest

	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		apiErr.Code = ErrCodeSessionNotFound
		statusCode = http.StatusNotFound

	case errors.Is(err, session.ErrNotReady):
		apiErr.Code = ErrCodeSessionNotReady
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrImagePull):
		apiErr.Code = ErrCodeImagePull
		statusCode = http.StatusBadGateway

	case errors.Is(err, session.ErrContainerStart):
		apiErr.Code = ErrCodeContainerStart
		statusCode = http.StatusBadGateway

	case errors.Is(err, session.ErrRuntimeUnavailable):
		apiErr.Code = ErrCodeRuntimeUnavailable
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, executor.ErrTimeout):
		apiErr.Code = ErrCodeExecutionTimeout
		statusCode = http.StatusGatewayTimeout

	default:
		apiErr.Code = ErrCodeInternalError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

func writeAuthError(w http.ResponseWriter, statusCode int, message string) {
	code := ErrCodeUnauthorized
	if statusCode == http.StatusForbidden {
		code = ErrCodeForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Code: code, Message: message})
}
