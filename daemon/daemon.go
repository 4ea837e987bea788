// Package daemon implements the runnerd protocol server: session management
// over HTTP and program executions as bidirectional WebSocket streams, all
// served on a local unix socket.
//
// The daemon does not spawn processes itself. Callers plug in an Executor
// that does the actual work; the daemon owns the protocol plumbing around
// it.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/docrun/runnerd/runner/wire"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ExecSpec is the program description resolved from the first message of an
// execute stream. Session envs, when a session id was given, are already
// merged in front of the request envs.
type ExecSpec struct {
	ProgramName string
	Args        []string
	Directory   string
	Envs        []string
	Commands    []string
	Script      string
	TTY         bool
	Background  bool
	SessionID   string
}

// Executor runs one program execution. It must consume stdin and write
// output to stdout/stderr until the execution finishes, then return the
// exit code. A returned error means the execution could not be carried out
// at all, as opposed to the program exiting non-zero.
type Executor interface {
	Execute(ctx context.Context, spec ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, spec ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error)

func (f ExecutorFunc) Execute(ctx context.Context, spec ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
	return f(ctx, spec, stdin, stdout, stderr)
}

// Daemon is the runnerd protocol server.
type Daemon struct {
	log        *zap.SugaredLogger
	socketPath string
	executor   Executor

	store      *sessionStore
	httpServer *http.Server
}

type Option func(d *Daemon)

func WithLogger(l *zap.Logger) Option {
	return func(d *Daemon) {
		d.log = l.Named("runnerd").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(d *Daemon) {
		d.log = d.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// New builds a daemon that will listen on the given unix socket path and
// hand executions to the given executor.
func New(socketPath string, executor Executor, opts ...Option) (*Daemon, error) {
	if executor == nil {
		return nil, fmt.Errorf("no executor")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	d := &Daemon{
		log:        logger.Named("runnerd").Sugar(),
		socketPath: socketPath,
		executor:   executor,
		store:      newSessionStore(),
	}
	for _, o := range opts {
		o(d)
	}

	router := httprouter.New()
	router.POST("/sessions", d.createSession)
	router.GET("/sessions", d.listSessions)
	router.GET("/sessions/:id", d.getSession)
	router.DELETE("/sessions/:id", d.deleteSession)
	router.GET("/execute", d.execute)
	d.httpServer = &http.Server{Handler: router}

	return d, nil
}

// Run serves the daemon and returns once it has stopped.
func (d *Daemon) Run() error {
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listening on unix socket: %w", err)
	}

	d.log.Debugw("serving", "SocketPath", d.socketPath)
	err = d.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *Daemon) Stop() error {
	return d.httpServer.Close()
}

func (d *Daemon) createSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req wire.CreateSessionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && err != io.EOF {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := d.store.create(req.Envs, req.Metadata)
	d.log.Debugw("created session", "SessionID", sess.ID)
	d.writeJSON(w, wire.SessionResponse{Session: &sess})
}

func (d *Daemon) getSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	sess, ok := d.store.get(id)
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	d.writeJSON(w, wire.SessionResponse{Session: &sess})
}

func (d *Daemon) listSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	d.writeJSON(w, wire.ListSessionsResponse{Sessions: d.store.list()})
}

func (d *Daemon) deleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	if !d.store.delete(id) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	d.log.Debugw("deleted session", "SessionID", id)
	d.writeJSON(w, struct{}{})
}

func (d *Daemon) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
