package daemon

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/docrun/runnerd/runner/wire"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// execute upgrades the request to a WebSocket and drives one program
// execution over it. Executions are scoped to the stream: if the stream
// dies, the execution's context is cancelled.
func (d *Daemon) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		d.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	d.log.Debug("accepted execute stream")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream := &executeStream{
		log:      d.log.Named("execute_stream"),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		executor: d.executor,
		store:    d.store,
		inputCh:  make(chan []byte),
	}
	stream.run()
}

type executeStream struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()
	executor Executor
	store    *sessionStore

	inputCh chan []byte

	// sendMu serializes stdout, stderr and exit messages on the conn.
	sendMu sync.Mutex

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (e *executeStream) run() {
	spec, err := e.readFirstMessage()
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			// client disposed the stream without ever submitting a program
			e.log.Debug("client completed the stream before submitting")
			return
		}
		e.log.Debugf("error reading first message: %s", err)
		e.close(websocket.StatusInternalError, err.Error())
		return
	}

	if spec.SessionID != "" {
		sess, ok := e.store.get(spec.SessionID)
		if !ok {
			e.log.Debugw("unknown session on execute stream", "SessionID", spec.SessionID)
			e.close(websocket.StatusPolicyViolation, "no such session")
			return
		}
		spec.Envs = append(append([]string{}, sess.Envs...), spec.Envs...)
	}

	stdinR, stdinW := io.Pipe()
	e.wg.Add(2)
	go e.readMessages()
	go e.pumpInput(stdinW)

	stdout := &streamWriter{
		log:    e.log.Named("stdout_writer"),
		ctx:    e.ctx,
		conn:   e.conn,
		sendMu: &e.sendMu,
		writeMsg: func(b []byte) any {
			return wire.ExecuteResponse{StdoutData: b}
		},
	}
	stderr := &streamWriter{
		log:    e.log.Named("stderr_writer"),
		ctx:    e.ctx,
		conn:   e.conn,
		sendMu: &e.sendMu,
		writeMsg: func(b []byte) any {
			return wire.ExecuteResponse{StderrData: b}
		},
	}

	code, execErr := e.executor.Execute(e.ctx, spec, stdinR, stdout, stderr)
	stdinR.Close()
	if execErr != nil {
		e.log.Debugf("executor error: %s", execErr)
		e.close(websocket.StatusInternalError, execErr.Error())
		e.cancel()
		e.wg.Wait()
		return
	}

	e.log.Debugf("execution finished with exit code %d, sending message", code)
	e.sendMu.Lock()
	err = wsjson.Write(e.ctx, e.conn, wire.ExecuteResponse{ExitCode: &code})
	e.sendMu.Unlock()
	if err != nil {
		e.log.Debugf("error sending exit code: %s", err)
	}

	// the client initiates the close once it has seen the exit code
	e.wg.Wait()
}

func (e *executeStream) readFirstMessage() (ExecSpec, error) {
	var req wire.ExecuteRequest
	err := wsjson.Read(e.ctx, e.conn, &req)
	if err != nil {
		return ExecSpec{}, err
	}
	e.log.Debugw("got first message", "ProgramName", req.ProgramName, "SessionID", req.SessionID)

	return ExecSpec{
		ProgramName: req.ProgramName,
		Args:        req.Arguments,
		Directory:   req.Directory,
		Envs:        req.Envs,
		Commands:    req.Commands,
		Script:      req.Script,
		TTY:         req.TTY,
		Background:  req.Background,
		SessionID:   req.SessionID,
	}, nil
}

// readMessages consumes input messages until the client completes the
// stream. Client completion cancels the execution context so executors
// observe abandonment.
func (e *executeStream) readMessages() {
	defer e.wg.Done()

	closedInput := false
	closeInput := func() {
		if !closedInput {
			close(e.inputCh)
			closedInput = true
		}
	}
	defer closeInput()

	for {
		var msg wire.ExecuteRequest
		err := wsjson.Read(e.ctx, e.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			e.log.Debug("client completed the stream")
			closeInput()
			e.cancel()
			return
		}
		if err != nil {
			e.log.Debugf("message reader got error: %s", err)
			closeInput()
			e.close(websocket.StatusInternalError, err.Error())
			e.cancel()
			return
		}
		if len(msg.InputData) > 0 && !closedInput {
			e.inputCh <- msg.InputData
		}
		if msg.Winsize != nil {
			// advisory only, executors without a pty have nothing to resize
			e.log.Debugw("got winsize", "Rows", msg.Winsize.Rows, "Cols", msg.Winsize.Cols)
		}
	}
}

func (e *executeStream) pumpInput(stdin io.WriteCloser) {
	defer e.wg.Done()
	defer stdin.Close()
	for b := range e.inputCh {
		_, err := stdin.Write(b)
		if err != nil {
			e.log.Debugf("input pump got write error: %s", err)
			// keep draining so the message reader never blocks on a send
			for range e.inputCh {
			}
			return
		}
	}
}

func (e *executeStream) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	e.closeConnOnce.Do(func() {
		err := e.conn.Close(code, reason)
		if err != nil {
			e.log.Debugf("error closing conn: %s", err)
		}
	})
}
