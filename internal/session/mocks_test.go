package session

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/kapsel/internal/docker"
	"github.com/p-arndt/kapsel/internal/executor"
)

type mockRuntime struct {
	mock.Mock
}

func (m *mockRuntime) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRuntime) EnsureImage(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *mockRuntime) RemoveImage(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *mockRuntime) CreateContainer(ctx context.Context, opts docker.CreateOpts) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *mockRuntime) WaitRunning(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

func (m *mockRuntime) CopyTo(ctx context.Context, containerID, destPath string, tarStream []byte) error {
	return m.Called(ctx, containerID, destPath, tarStream).Error(0)
}

func (m *mockRuntime) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	args := m.Called(ctx, containerID, srcPath)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	return m.Called(ctx, containerID).Error(0)
}

func (m *mockRuntime) CreateVolume(ctx context.Context, name, sessionID string) error {
	return m.Called(ctx, name, sessionID).Error(0)
}

func (m *mockRuntime) RemoveVolume(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

type mockExec struct {
	mock.Mock
}

func (m *mockExec) Execute(ctx context.Context, containerID, command, workdir string) (executor.Invocation, error) {
	args := m.Called(ctx, containerID, command, workdir)
	return args.Get(0).(executor.Invocation), args.Error(1)
}
