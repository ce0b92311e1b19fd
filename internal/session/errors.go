package session

import "errors"

// Sentinel errors for the session lifecycle. The API layer maps these to
// HTTP statuses; the manager only returns typed outcomes.
var (
	// ErrImagePull indicates the registry is unreachable or the image does
	// not exist. Only pre-existing images may be used.
	ErrImagePull = errors.New("image pull failed")

	// ErrContainerStart indicates the container never reached running state
	// within the readiness budget.
	ErrContainerStart = errors.New("container start failed")

	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrNotReady indicates an operation on a session that is not in a
	// runnable state (closed, failed, or mid-teardown).
	ErrNotReady = errors.New("session not ready")

	// ErrRuntimeUnavailable indicates the container runtime cannot be
	// reached at all.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrCodeFailed indicates a run-code snippet exited non-zero; the
	// output travels with the wrapping error text.
	ErrCodeFailed = errors.New("code execution failed")
)
