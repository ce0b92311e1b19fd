package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/kapsel/internal/session"
	"github.com/p-arndt/kapsel/internal/store"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Open(ctx context.Context, opts session.OpenOpts) (*store.Session, error) {
	args := m.Called(ctx, opts)
	sess, _ := args.Get(0).(*store.Session)
	return sess, args.Error(1)
}

func (m *mockService) Run(ctx context.Context, id string, opts session.RunOpts) (*session.RunResult, error) {
	args := m.Called(ctx, id, opts)
	result, _ := args.Get(0).(*session.RunResult)
	return result, args.Error(1)
}

func (m *mockService) Close(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockService) Get(id string) (*store.Session, error) {
	args := m.Called(id)
	sess, _ := args.Get(0).(*store.Session)
	return sess, args.Error(1)
}

func (m *mockService) RunCommands(ctx context.Context, opts session.OneShotOpts) (*session.RunResult, error) {
	args := m.Called(ctx, opts)
	result, _ := args.Get(0).(*session.RunResult)
	return result, args.Error(1)
}

func (m *mockService) RunCode(ctx context.Context, language, code string, dependencies []string) (string, error) {
	args := m.Called(ctx, language, code, dependencies)
	return args.String(0), args.Error(1)
}

func (m *mockService) Ping(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}
