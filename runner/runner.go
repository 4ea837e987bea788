// Package runner is a client for the runnerd execution daemon. It creates
// remote execution contexts ("environments") and drives individual program
// executions as bidirectional byte streams multiplexed over the daemon's
// local socket.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/docrun/runnerd/runner/wire"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

// The URL host is a placeholder; the dialer always connects to the daemon's
// unix socket.
const baseURL = "http://runnerd"

var errRunnerClosed = errors.New("runner closed")

// child is a resource created by a Runner that participates in cascade
// disposal. Children detach themselves from the Runner's registry when they
// are disposed on their own, so the registry never extends their lifetime.
type child interface {
	shutdown(ctx context.Context) error
}

// Runner is the single entry point for creating remote resources on a
// runnerd daemon and for orderly teardown. It owns the transport channel;
// every Environment and ProgramSession it creates shares that channel.
type Runner struct {
	log        *zap.SugaredLogger
	socketPath string

	customizeRetryableClient func(*retryablehttp.Client)

	httpClient *http.Client

	mu        sync.Mutex
	children  map[uint64]child
	nextChild uint64
	closed    bool

	closeOnce sync.Once
}

type Option func(r *Runner)

func WithCustomizeRetryableClient(f func(c *retryablehttp.Client)) Option {
	return func(r *Runner) {
		r.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a Runner that connects to the daemon listening on the given
// unix socket path.
func New(log *zap.SugaredLogger, socketPath string, opts ...Option) (*Runner, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("no socket path")
	}

	r := &Runner{
		log:        log.Named("runner"),
		socketPath: socketPath,
		children:   map[uint64]child{},
	}

	for _, opt := range opts {
		opt(r)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	// The daemon is same-host only, so the URL host is never resolved; every
	// request dials the socket directly.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: dialCtx,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: r.log}

	if r.customizeRetryableClient != nil {
		r.customizeRetryableClient(retryClient)
	}

	r.httpClient = retryClient.StandardClient()

	return r, nil
}

// CreateEnvironment creates a remote session on the daemon and wraps it as
// an Environment. A broken control channel is unrecoverable for the whole
// Runner: on any failure the channel is closed and the error is returned.
func (r *Runner) CreateEnvironment(ctx context.Context, envs []string, metadata map[string]string) (Environment, error) {
	var sr wire.SessionResponse
	err := r.doJSON(ctx, http.MethodPost, "/sessions", wire.CreateSessionRequest{Envs: envs, Metadata: metadata}, &sr)
	if err != nil {
		r.Close()
		return nil, &ProtocolError{Op: "create session", Err: err}
	}
	if sr.Session == nil {
		r.Close()
		return nil, &ProtocolError{Op: "create session", Err: errors.New("daemon response contained no session")}
	}

	env := &environment{
		log:      r.log.Named("environment"),
		runner:   r,
		id:       sr.Session.ID,
		envs:     sr.Session.Envs,
		metadata: sr.Session.Metadata,
	}
	env.handle = r.register(env)
	r.log.Debugw("created environment", "SessionID", env.id)
	return env, nil
}

// GetEnvironment wraps an existing daemon session as an Environment. A
// missing session is reported as SessionNotFoundError and does not poison
// the Runner. The result is a lookup, not an owned resource: it is not
// registered for cascade disposal, though disposing it explicitly still
// deletes the remote session.
func (r *Runner) GetEnvironment(ctx context.Context, id string) (Environment, error) {
	var sr wire.SessionResponse
	err := r.doJSON(ctx, http.MethodGet, "/sessions/"+id, nil, &sr)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			return nil, &SessionNotFoundError{ID: id}
		}
		return nil, &ProtocolError{Op: "get session", Err: err}
	}
	if sr.Session == nil {
		return nil, &ProtocolError{Op: "get session", Err: errors.New("daemon response contained no session")}
	}

	env := &environment{
		log:      r.log.Named("environment"),
		runner:   r,
		id:       sr.Session.ID,
		envs:     sr.Session.Envs,
		metadata: sr.Session.Metadata,
	}
	return env, nil
}

// ListEnvironments lists the sessions currently known to the daemon.
func (r *Runner) ListEnvironments(ctx context.Context) ([]wire.Session, error) {
	var lr wire.ListSessionsResponse
	err := r.doJSON(ctx, http.MethodGet, "/sessions", nil, &lr)
	if err != nil {
		return nil, &ProtocolError{Op: "list sessions", Err: err}
	}
	return lr.Sessions, nil
}

// CreateProgramSession opens a new bidirectional execute stream. No program
// is submitted yet unless a spec is given: a non-tty spec is started
// immediately, a tty spec defers to Open so the surrounding terminal can
// signal readiness first.
func (r *Runner) CreateProgramSession(ctx context.Context, spec *ExecuteSpec) (*ProgramSession, error) {
	if r.isClosed() {
		return nil, &ProtocolError{Op: "create program session", Err: errRunnerClosed}
	}

	r.log.Debug("dialing execute stream")
	wsConn, _, err := websocket.Dial(ctx, baseURL+"/execute", &websocket.DialOptions{
		HTTPClient:      r.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing execute stream: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	s := newProgramSession(r, wsConn, spec)
	s.handle = r.register(s)

	if spec != nil && !spec.TTY {
		if err := s.Run(nil); err != nil {
			s.dispose(true)
			return nil, err
		}
	}
	return s, nil
}

// Close closes the channel to the daemon. Idempotent. Children disposed
// after Close cannot reach the daemon anymore.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.httpClient.CloseIdleConnections()
		r.log.Debug("closed channel")
	})
	return nil
}

// Dispose concurrently disposes every still-registered child, then closes
// the channel. Children that detached themselves in the meantime are
// skipped; a child failing to dispose does not abort its siblings.
func (r *Runner) Dispose(ctx context.Context) error {
	r.mu.Lock()
	children := make([]child, 0, len(r.children))
	for _, c := range r.children {
		children = append(children, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c child) {
			defer wg.Done()
			if err := c.shutdown(ctx); err != nil {
				r.log.Debugf("disposing child: %s", err)
			}
		}(c)
	}
	wg.Wait()

	return r.Close()
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runner) register(c child) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextChild++
	r.children[r.nextChild] = c
	return r.nextChild
}

func (r *Runner) detach(handle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, handle)
}

// notFoundError distinguishes a 404 from other non-200 responses so callers
// can map it to SessionNotFoundError.
type notFoundError struct {
	body string
}

func (e *notFoundError) Error() string { return e.body }

func (r *Runner) doJSON(ctx context.Context, method, urlPath string, reqBody, respBody any) error {
	if r.isClosed() {
		return errRunnerClosed
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, baseURL+urlPath, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, readErr := io.ReadAll(httpResp.Body)
		respText := string(b)
		if readErr != nil {
			respText = fmt.Errorf("error reading body: %w", readErr).Error()
		}
		if httpResp.StatusCode == http.StatusNotFound {
			return &notFoundError{body: respText}
		}
		return fmt.Errorf("non-200 HTTP status code %d: %s", httpResp.StatusCode, respText)
	}

	if respBody != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
