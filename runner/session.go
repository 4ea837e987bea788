package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/docrun/runnerd/runner/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ProgramSession is one bidirectional streaming execution of a single
// program. It moves through four states: created (stream open, nothing
// submitted), running (execute request sent), closed (exit observed or
// explicit close), and disposed (stream torn down).
//
// Input sends and output delivery are independent directions of the same
// stream: callers may feed input while the read loop dispatches output
// events. Sends from one session are serialized in call order.
type ProgramSession struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	runner *Runner
	handle uint64

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes all writes on the stream.
	sendMu sync.Mutex

	mu          sync.Mutex
	spec        *ExecuteSpec
	winsize     *wire.Winsize
	initialized bool
	exitCode    *uint32
	closeFired  bool
	disposed    bool

	stdout emitter[[]byte]
	stderr emitter[[]byte]
	errs   emitter[error]
	closes emitter[*uint32]
}

func newProgramSession(r *Runner, conn *websocket.Conn, spec *ExecuteSpec) *ProgramSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ProgramSession{
		log:    r.log.Named("program_session"),
		conn:   conn,
		runner: r,
		ctx:    ctx,
		cancel: cancel,
		spec:   spec,
	}
	go s.readMessages()
	return s
}

// OnStdout registers a raw stdout listener. Raw byte events are the
// primitive; empty payloads never reach listeners.
func (s *ProgramSession) OnStdout(fn func(data []byte)) { s.stdout.listen(fn) }

// OnStderr registers a raw stderr listener.
func (s *ProgramSession) OnStderr(fn func(data []byte)) { s.stderr.listen(fn) }

// OnErr registers a listener for stream errors. A broken stream is reported
// here and turned into a close with no exit code; it never faults the
// process.
func (s *ProgramSession) OnErr(fn func(err error)) { s.errs.listen(fn) }

// OnClose registers a listener for the terminal transition. The code is nil
// for a local close and carries the remote exit code otherwise. It fires
// exactly once.
func (s *ProgramSession) OnClose(fn func(code *uint32)) { s.closes.listen(fn) }

// OnStdoutText is the decoded-text layer composed on top of the raw stdout
// events.
func (s *ProgramSession) OnStdoutText(fn func(text string)) {
	s.stdout.listen(func(b []byte) { fn(string(b)) })
}

// OnStderrText is the decoded-text layer composed on top of the raw stderr
// events.
func (s *ProgramSession) OnStderrText(fn func(text string)) {
	s.stderr.listen(func(b []byte) { fn(string(b)) })
}

// Run submits the program to the daemon as the first message on the stream.
// The spec may come from construction or from this call; the call's spec
// wins when both are present. Calling Run twice fails with "already
// initialized" and sends nothing.
func (s *ProgramSession) Run(spec *ExecuteSpec) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	if spec != nil {
		s.spec = spec
	}
	if s.spec == nil {
		s.mu.Unlock()
		return ErrNoRunOptions
	}
	req, err := executeRequest(s.spec, s.winsize)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.initialized = true
	s.mu.Unlock()

	s.log.Debugw("sending execute request", "ProgramName", req.ProgramName, "SessionID", req.SessionID)
	if err := s.send(req); err != nil {
		return fmt.Errorf("sending execute request: %w", err)
	}
	return nil
}

// Open is the pseudoterminal-attach hook. For tty sessions it is the
// trigger that submits the program; for running sessions it forwards the
// new dimensions. Dimensions are advisory and may be nil.
func (s *ProgramSession) Open(winsize *wire.Winsize) error {
	s.mu.Lock()
	if winsize != nil {
		s.winsize = winsize
	}
	needInit := !s.initialized && s.spec != nil && s.spec.TTY
	running := s.initialized && !s.disposed
	s.mu.Unlock()

	if needInit {
		err := s.Run(nil)
		if err == ErrAlreadyInitialized {
			// lost the race to a concurrent Open, nothing left to do
			return nil
		}
		return err
	}
	if running && winsize != nil {
		return s.send(&wire.ExecuteRequest{Winsize: winsize})
	}
	return nil
}

// HandleInput forwards raw input bytes on the stream. Once the session has
// an exit code or is disposed, no writes are ever delivered: the call fails
// with "session closed" before anything is sent. Large payloads are split
// across messages so the encoded JSON stays under the daemon's read limit;
// the chunks of one call are sent back to back.
func (s *ProgramSession) HandleInput(data []byte) error {
	s.mu.Lock()
	if s.exitCode != nil || s.disposed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	// the write limit is over-conservative, we are estimating the final
	// encoded JSON size
	writeLimit := readLimit / 3
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		chunk := data
		if len(chunk) > writeLimit {
			chunk = chunk[:writeLimit]
		}
		data = data[len(chunk):]
		err := wsjson.Write(s.ctx, s.conn, &wire.ExecuteRequest{InputData: chunk})
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// ExitCode reports the remote exit code, if one was received.
func (s *ProgramSession) ExitCode() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Close closes the session locally. The close event fires with a nil code,
// signalling a user-initiated close rather than a remote exit. The remote
// process may keep running until the daemon observes the stream teardown.
func (s *ProgramSession) Close() error {
	return s.close(nil)
}

// Dispose tears the stream down, ending the remote session. No-op if the
// session is already disposed.
func (s *ProgramSession) Dispose() error {
	return s.dispose(true)
}

func (s *ProgramSession) shutdown(ctx context.Context) error {
	return s.dispose(true)
}

// close records the terminal state and fires the close event exactly once,
// then begins disposal.
func (s *ProgramSession) close(code *uint32) error {
	s.mu.Lock()
	if s.closeFired {
		s.mu.Unlock()
		return nil
	}
	s.closeFired = true
	s.exitCode = code
	s.mu.Unlock()

	s.closes.emit(code)
	return s.dispose(true)
}

// dispose marks the session disposed and detaches it from the Runner. With
// endSession it also performs the stream close handshake, which sends our
// completion and awaits the remote acknowledgment. Callers pass
// endSession=false when the remote already completed the stream: a second
// completion must never be sent then.
func (s *ProgramSession) dispose(endSession bool) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	var err error
	if endSession {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			s.log.Debugf("error closing stream: %s", err)
		}
	}
	s.cancel()
	s.runner.detach(s.handle)
	s.log.Debugw("disposed session", "EndSession", endSession)
	return err
}

func (s *ProgramSession) send(req *wire.ExecuteRequest) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return wsjson.Write(s.ctx, s.conn, req)
}

// readMessages delivers output events in the order the remote emits them.
// It exits on the first exit code, on remote stream completion, or on a
// stream error.
func (s *ProgramSession) readMessages() {
	for {
		var msg wire.ExecuteResponse
		err := wsjson.Read(s.ctx, s.conn, &msg)
		if err != nil {
			s.mu.Lock()
			disposed := s.disposed
			s.mu.Unlock()
			if disposed {
				// local teardown already in flight
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Debug("remote completed the stream")
				s.dispose(false)
				return
			}
			// abnormal closes are stream errors like any other
			s.log.Debugf("stream error: %s", err)
			s.errs.emit(err)
			s.close(nil)
			return
		}
		if len(msg.StdoutData) > 0 {
			s.stdout.emit(msg.StdoutData)
		}
		if len(msg.StderrData) > 0 {
			s.stderr.emit(msg.StderrData)
		}
		if msg.ExitCode != nil {
			code := *msg.ExitCode
			s.log.Debugf("got exit code %d", code)
			s.close(&code)
			return
		}
	}
}
