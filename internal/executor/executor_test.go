package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/kapsel/internal/docker"
)

type MockContainerExecer struct {
	mock.Mock
}

func (m *MockContainerExecer) Exec(ctx context.Context, containerID, command, workdir string, env []string) (*docker.ExecResult, error) {
	args := m.Called(ctx, containerID, command, workdir, env)
	if res := args.Get(0); res != nil {
		return res.(*docker.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestExecuteSuccess(t *testing.T) {
	rt := &MockContainerExecer{}
	rt.On("Exec", mock.Anything, "c1", "echo hello", "/workspace", mock.Anything).
		Return(&docker.ExecResult{Output: "hello\n", ExitCode: 0}, nil)

	inv, err := New(rt).Execute(context.Background(), "c1", "echo hello", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, inv.Outcome)
	assert.Equal(t, 0, inv.ExitCode)
	assert.Equal(t, "hello\n", inv.Output)
	assert.Equal(t, "/workspace", inv.Workdir)
}

func TestExecuteNonZeroExitIsStillCompleted(t *testing.T) {
	rt := &MockContainerExecer{}
	rt.On("Exec", mock.Anything, "c1", "exit 3", "/workspace", mock.Anything).
		Return(&docker.ExecResult{Output: "", ExitCode: 3}, nil)

	inv, err := New(rt).Execute(context.Background(), "c1", "exit 3", ".")
	require.NoError(t, err)

	// Command failure is captured in the result, not raised.
	assert.Equal(t, OutcomeCompleted, inv.Outcome)
	assert.Equal(t, 3, inv.ExitCode)
}

func TestExecuteCommandPassedVerbatim(t *testing.T) {
	rt := &MockContainerExecer{}
	cmd := `echo "a b" | wc -l > 'out file'`
	rt.On("Exec", mock.Anything, "c1", cmd, "/workspace", mock.Anything).
		Return(&docker.ExecResult{ExitCode: 0}, nil)

	_, err := New(rt).Execute(context.Background(), "c1", cmd, "")
	require.NoError(t, err)
	rt.AssertExpectations(t)
}

func TestExecuteDeadlineExpiry(t *testing.T) {
	rt := &MockContainerExecer{}
	rt.On("Exec", mock.Anything, "c1", "sleep 1000", "/workspace", mock.Anything).
		Return(&docker.ExecResult{Output: "partial", ExitCode: -1}, context.DeadlineExceeded)

	inv, err := New(rt).Execute(context.Background(), "c1", "sleep 1000", "")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeTimedOut, inv.Outcome)
	assert.Equal(t, -1, inv.ExitCode)
	assert.Equal(t, "partial", inv.Output)
}

func TestExecuteRuntimeFailure(t *testing.T) {
	rt := &MockContainerExecer{}
	rt.On("Exec", mock.Anything, "c1", "ls", "/workspace", mock.Anything).
		Return(nil, fmt.Errorf("daemon gone"))

	inv, err := New(rt).Execute(context.Background(), "c1", "ls", "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeError, inv.Outcome)
}

func TestExecuteSetsExecEnvironment(t *testing.T) {
	rt := &MockContainerExecer{}
	rt.On("Exec", mock.Anything, "c1", "env", "/workspace", mock.MatchedBy(func(env []string) bool {
		found := false
		for _, e := range env {
			if e == "HOME=/workspace" {
				found = true
			}
		}
		return found
	})).Return(&docker.ExecResult{ExitCode: 0}, nil)

	_, err := New(rt).Execute(context.Background(), "c1", "env", "")
	require.NoError(t, err)
	rt.AssertExpectations(t)
}

func TestResolveWorkdir(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/workspace"},
		{".", "/workspace"},
		{"sub", "/workspace/sub"},
		{"sub/dir", "/workspace/sub/dir"},
		{"./sub", "/workspace/sub"},
		{"/opt/custom", "/opt/custom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveWorkdir(tt.in), "workdir %q", tt.in)
	}
}
