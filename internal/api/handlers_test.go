package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/kapsel/internal/archive"
	"github.com/p-arndt/kapsel/internal/config"
	"github.com/p-arndt/kapsel/internal/executor"
	"github.com/p-arndt/kapsel/internal/lang"
	"github.com/p-arndt/kapsel/internal/session"
	"github.com/p-arndt/kapsel/internal/store"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *mockService) {
	t.Helper()
	svc := &mockService{}
	cfg := &config.Config{APIKey: apiKey, Environment: "local"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, svc, "1.2.3", logger), svc
}

func doJSON(t *testing.T, srv *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func readySession(id string) *store.Session {
	now := time.Now().UTC()
	return &store.Session{
		ID:        id,
		Image:     "python:3.12-slim",
		Status:    store.StatusReady,
		CreatedAt: now,
		Deadline:  now.Add(10 * time.Minute),
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestAuthMissingKey(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	rec := doJSON(t, srv, http.MethodPost, "/session/", "", openSessionRequest{BaseImage: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrCodeUnauthorized, decodeError(t, rec).Code)
}

func TestAuthWrongKey(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	rec := doJSON(t, srv, http.MethodPost, "/session/", "wrong", openSessionRequest{BaseImage: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrCodeForbidden, decodeError(t, rec).Code)
}

func TestAuthOpenPathsSkipKey(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("Ping", mock.Anything).Return(true)

	for _, path := range []string{"/-/health/", "/-/version/", "/metrics"} {
		rec := doJSON(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestAuthNoKeyConfigured(t *testing.T) {
	srv, svc := newTestServer(t, "")
	svc.On("Get", "abc123").Return(readySession("abc123"), nil)

	rec := doJSON(t, srv, http.MethodGet, "/session/abc123/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunCommands(t *testing.T) {
	srv, svc := newTestServer(t, "secret")

	result := &session.RunResult{
		Results: []executor.Invocation{
			{Command: "echo hi", Output: "hi\n", ExitCode: 0, Outcome: executor.OutcomeCompleted},
		},
		Patch:        "--- a/f.txt\n+++ b/f.txt\n",
		ChangedFiles: []string{"f.txt"},
	}
	svc.On("RunCommands", mock.Anything, mock.MatchedBy(func(o session.OneShotOpts) bool {
		return o.Image == "alpine:3.20" && o.WithArchive && o.RunID == "run-1"
	})).Return(result, nil)

	rec := doJSON(t, srv, http.MethodPost, "/run/commands/", "secret", runCommandsRequest{
		RunID:     "run-1",
		BaseImage: "alpine:3.20",
		Commands:  []string{"echo hi"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "hi\n", resp.Results[0].Output)
	assert.Equal(t, []string{"f.txt"}, resp.ChangedFiles)
}

func TestRunCommandsValidation(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	rec := doJSON(t, srv, http.MethodPost, "/run/commands/", "secret", runCommandsRequest{
		Commands: []string{"true"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Code)
}

func TestRunCode(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("RunCode", mock.Anything, "python", "print(42)\n", []string(nil)).
		Return("42\n", nil)

	rec := doJSON(t, srv, http.MethodPost, "/run/code/", "secret", runCodeRequest{
		Language: "python",
		Code:     "print(42)\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42\n", resp["output"])
}

func TestRunCodeFailureCarriesOutput(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("RunCode", mock.Anything, "python", mock.Anything, mock.Anything).
		Return("Traceback...\n", fmt.Errorf("%w: exit code 1", session.ErrCodeFailed))

	rec := doJSON(t, srv, http.MethodPost, "/run/code/", "secret", runCodeRequest{
		Language: "python",
		Code:     "boom\n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	apiErr := decodeError(t, rec)
	assert.Equal(t, ErrCodeCodeExecutionFailed, apiErr.Code)
	assert.Equal(t, "Traceback...\n", apiErr.Details["output"])
}

func TestRunCodeUnsupportedLanguage(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("RunCode", mock.Anything, "cobol", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: cobol", lang.ErrUnsupported))

	rec := doJSON(t, srv, http.MethodPost, "/run/code/", "secret", runCodeRequest{
		Language: "cobol",
		Code:     "DISPLAY 'HI'.",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeUnsupportedLanguage, decodeError(t, rec).Code)
}

func TestOpenSession(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("Open", mock.Anything, mock.MatchedBy(func(o session.OpenOpts) bool {
		return o.Image == "python:3.12-slim" && o.ExtractPatch
	})).Return(readySession("abc123"), nil)

	rec := doJSON(t, srv, http.MethodPost, "/session/", "secret", openSessionRequest{
		BaseImage:    "python:3.12-slim",
		ExtractPatch: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc123", resp.SessionID)
	assert.Equal(t, store.StatusReady, resp.Status)
}

func TestOpenSessionImagePullError(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("Open", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: no/such:image", session.ErrImagePull))

	rec := doJSON(t, srv, http.MethodPost, "/session/", "secret", openSessionRequest{
		BaseImage: "no/such:image",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ErrCodeImagePull, decodeError(t, rec).Code)
}

func TestRunSessionErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"not found", fmt.Errorf("%w: x", session.ErrNotFound), http.StatusNotFound, ErrCodeSessionNotFound},
		{"not ready", fmt.Errorf("%w: x", session.ErrNotReady), http.StatusConflict, ErrCodeSessionNotReady},
		{"timeout", fmt.Errorf("%w: sleep", executor.ErrTimeout), http.StatusGatewayTimeout, ErrCodeExecutionTimeout},
		{"bad archive", fmt.Errorf("%w: gzip", archive.ErrFormat), http.StatusBadRequest, ErrCodeMalformedArchive},
		{"runtime down", session.ErrRuntimeUnavailable, http.StatusServiceUnavailable, ErrCodeRuntimeUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, svc := newTestServer(t, "secret")
			svc.On("Run", mock.Anything, "abc123", mock.Anything).Return(nil, tc.err)

			rec := doJSON(t, srv, http.MethodPost, "/session/abc123/", "secret", runSessionRequest{
				Commands: []string{"true"},
			})
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestRunSession(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	result := &session.RunResult{
		Results: []executor.Invocation{
			{Command: "true", ExitCode: 0, Outcome: executor.OutcomeCompleted},
		},
	}
	svc.On("Run", mock.Anything, "abc123", mock.MatchedBy(func(o session.RunOpts) bool {
		return o.FailFast && o.Workdir == "sub"
	})).Return(result, nil)

	rec := doJSON(t, srv, http.MethodPost, "/session/abc123/", "secret", runSessionRequest{
		Commands: []string{"true"},
		FailFast: true,
		Workdir:  "sub",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCloseSession(t *testing.T) {
	srv, svc := newTestServer(t, "secret")
	svc.On("Close", mock.Anything, "abc123").Return(nil)

	rec := doJSON(t, srv, http.MethodDelete, "/session/abc123/", "secret", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	svc.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	srv, svc := newTestServer(t, "")
	svc.On("Ping", mock.Anything).Return(true).Once()

	rec := doJSON(t, srv, http.MethodGet, "/-/health/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.On("Ping", mock.Anything).Return(false).Once()
	rec = doJSON(t, srv, http.MethodGet, "/-/health/", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVersion(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/-/version/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp["version"])
	assert.Equal(t, "local", resp["environment"])
}

func TestInvalidSessionID(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/session/NOT_VALID!/", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
