package api

import (
	"context"

	"github.com/p-arndt/kapsel/internal/session"
	"github.com/p-arndt/kapsel/internal/store"
)

// SessionService abstracts session orchestration operations needed by API handlers.
type SessionService interface {
	Open(ctx context.Context, opts session.OpenOpts) (*store.Session, error)
	Run(ctx context.Context, id string, opts session.RunOpts) (*session.RunResult, error)
	Close(ctx context.Context, id string) error
	Get(id string) (*store.Session, error)
	RunCommands(ctx context.Context, opts session.OneShotOpts) (*session.RunResult, error)
	RunCode(ctx context.Context, language, code string, dependencies []string) (string, error)
	Ping(ctx context.Context) bool
}
