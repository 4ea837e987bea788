package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/docrun/runnerd/daemon"
	"github.com/docrun/runnerd/internal/sock"
	"github.com/docrun/runnerd/runner"
	"github.com/docrun/runnerd/runner/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func startDaemon(t *testing.T, executor daemon.Executor) string {
	t.Helper()

	socketPath, err := sock.TempPath()
	require.NoError(t, err)

	logger, err := zap.NewProduction()
	require.NoError(t, err)

	d, err := daemon.New(socketPath, executor, daemon.WithLogger(logger))
	require.NoError(t, err)
	go d.Run()
	t.Cleanup(func() { d.Stop() })
	return socketPath
}

// httpClient returns a plain HTTP client dialing the daemon's unix socket.
func httpClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func waitForDaemon(t *testing.T, client *http.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://runnerd/sessions")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
}

func noopExecutor() daemon.Executor {
	return daemon.ExecutorFunc(func(ctx context.Context, spec daemon.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
		return 0, nil
	})
}

func TestStopBeforeServeIsSafe(t *testing.T) {
	socketPath, err := sock.TempPath()
	require.NoError(t, err)

	d, err := daemon.New(socketPath, noopExecutor())
	require.NoError(t, err)

	// Stop may race a Run that has not started serving yet
	require.NoError(t, d.Stop())
	require.NoError(t, d.Run())
}

func TestSessionCRUD(t *testing.T) {
	socketPath := startDaemon(t, noopExecutor())
	client := httpClient(socketPath)
	waitForDaemon(t, client)

	body, err := json.Marshal(wire.CreateSessionRequest{
		Envs:     []string{"FOO=1"},
		Metadata: map[string]string{"name": "crud"},
	})
	require.NoError(t, err)

	resp, err := client.Post("http://runnerd/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created wire.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotNil(t, created.Session)
	assert.NotEmpty(t, created.Session.ID)
	assert.Equal(t, []string{"FOO=1"}, created.Session.Envs)
	assert.Equal(t, "crud", created.Session.Metadata["name"])

	resp, err = client.Get("http://runnerd/sessions/" + created.Session.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got wire.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NotNil(t, got.Session)
	assert.Equal(t, created.Session.ID, got.Session.ID)

	resp, err = client.Get("http://runnerd/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list wire.ListSessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Sessions, 1)

	req, err := http.NewRequest(http.MethodDelete, "http://runnerd/sessions/"+created.Session.ID, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// gone now
	resp, err = client.Get("http://runnerd/sessions/" + created.Session.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteChunksLargeOutput(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	executor := daemon.ExecutorFunc(func(ctx context.Context, spec daemon.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
		_, err := io.WriteString(stdout, payload)
		return 0, err
	})
	socketPath := startDaemon(t, executor)

	r, err := runner.New(log, socketPath)
	require.NoError(t, err)
	defer r.Close()

	s, err := r.CreateProgramSession(context.Background(), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	outCh := make(chan []byte, 64)
	closeCh := make(chan *uint32, 1)
	s.OnStdout(func(b []byte) { outCh <- b })
	s.OnClose(func(code *uint32) { closeCh <- code })

	require.NoError(t, s.Run(&runner.ExecuteSpec{ProgramName: "yes"}))

	for {
		select {
		case b := <-outCh:
			buf.Write(b)
		case code := <-closeCh:
			require.NotNil(t, code)
			assert.Equal(t, uint32(0), *code)
			// drain anything emitted before the close
			for {
				select {
				case b := <-outCh:
					buf.Write(b)
				default:
					assert.Equal(t, len(payload), buf.Len())
					assert.Equal(t, payload, buf.String())
					return
				}
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for output")
		}
	}
}

func TestExecuteMergesSessionEnvs(t *testing.T) {
	specCh := make(chan daemon.ExecSpec, 1)
	executor := daemon.ExecutorFunc(func(ctx context.Context, spec daemon.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
		specCh <- spec
		return 0, nil
	})
	socketPath := startDaemon(t, executor)

	r, err := runner.New(log, socketPath)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	env, err := r.CreateEnvironment(ctx, []string{"FROM_SESSION=1"}, nil)
	require.NoError(t, err)

	s, err := r.CreateProgramSession(ctx, &runner.ExecuteSpec{
		ProgramName: "env",
		Envs:        []string{"FROM_REQUEST=1"},
		Environment: env,
	})
	require.NoError(t, err)
	defer s.Dispose()

	select {
	case spec := <-specCh:
		assert.Equal(t, []string{"FROM_SESSION=1", "FROM_REQUEST=1"}, spec.Envs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the execution")
	}
}

func TestExecuteUnknownSessionRejectsStream(t *testing.T) {
	socketPath := startDaemon(t, noopExecutor())
	client := httpClient(socketPath)
	waitForDaemon(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "http://runnerd/execute", &websocket.DialOptions{HTTPClient: client})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, wire.ExecuteRequest{
		ProgramName: "true",
		SessionID:   "no-such-session",
	}))

	var msg wire.ExecuteResponse
	err = wsjson.Read(ctx, conn, &msg)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestExecutorErrorClosesStream(t *testing.T) {
	executor := daemon.ExecutorFunc(func(ctx context.Context, spec daemon.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
		return 0, fmt.Errorf("backend unavailable")
	})
	socketPath := startDaemon(t, executor)
	client := httpClient(socketPath)
	waitForDaemon(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "http://runnerd/execute", &websocket.DialOptions{HTTPClient: client})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, wire.ExecuteRequest{ProgramName: "true"}))

	var msg wire.ExecuteResponse
	err = wsjson.Read(ctx, conn, &msg)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}

func TestClientTeardownCancelsExecution(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	executor := daemon.ExecutorFunc(func(ctx context.Context, spec daemon.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) (uint32, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return 1, nil
	})
	socketPath := startDaemon(t, executor)

	r, err := runner.New(log, socketPath)
	require.NoError(t, err)
	defer r.Close()

	s, err := r.CreateProgramSession(context.Background(), &runner.ExecuteSpec{ProgramName: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the execution to start")
	}

	require.NoError(t, s.Close())

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the execution to observe the teardown")
	}
}
