package runner

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Environment is a remote session with its own env vars and metadata,
// reusable across program executions that want to share daemon-side session
// state. The interface is sealed: only environments created by a Runner
// satisfy it, which is what lets ExecuteSpec trust the session id it
// resolves.
type Environment interface {
	ID() string
	Envs() []string
	Metadata() map[string]string

	// Dispose deletes the remote session. A session already gone on the
	// daemon is reported as SessionNotFoundError but is otherwise harmless.
	Dispose(ctx context.Context) error

	runnerEnvironment()
}

type environment struct {
	log    *zap.SugaredLogger
	runner *Runner
	handle uint64

	id       string
	envs     []string
	metadata map[string]string

	disposeOnce sync.Once
}

func (e *environment) runnerEnvironment() {}

func (e *environment) ID() string { return e.id }

func (e *environment) Envs() []string { return e.envs }

func (e *environment) Metadata() map[string]string { return e.metadata }

func (e *environment) Dispose(ctx context.Context) error {
	var err error
	e.disposeOnce.Do(func() {
		defer e.runner.detach(e.handle)
		deleteErr := e.runner.doJSON(ctx, http.MethodDelete, "/sessions/"+e.id, nil, nil)
		if deleteErr == nil {
			e.log.Debugw("deleted session", "SessionID", e.id)
			return
		}
		var nf *notFoundError
		if errors.As(deleteErr, &nf) {
			e.log.Debugw("session already gone", "SessionID", e.id)
			err = &SessionNotFoundError{ID: e.id}
			return
		}
		err = deleteErr
	})
	return err
}

func (e *environment) shutdown(ctx context.Context) error {
	return e.Dispose(ctx)
}
