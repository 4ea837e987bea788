// Package wire defines the messages exchanged between the runner client and
// the runnerd daemon.
//
// The control plane is plain HTTP with JSON bodies. The execute stream is a
// WebSocket carrying JSON messages in both directions: the first
// client-to-server message names the program to run, subsequent messages
// carry only input bytes (and, for tty executions, terminal resizes).
// Server-to-client messages carry output bytes, and the final message of a
// completed execution carries the exit code.
package wire

// Session is a remote execution context created on the daemon. Program
// executions that reference its id share the daemon-side session state.
type Session struct {
	ID       string            `json:"id"`
	Envs     []string          `json:"envs,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type CreateSessionRequest struct {
	Envs     []string          `json:"envs,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionResponse is returned by session creation and lookup. A response
// without a session payload is a protocol violation.
type SessionResponse struct {
	Session *Session `json:"session,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// Winsize carries advisory pseudoterminal dimensions.
type Winsize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ExecuteRequest is a client-to-server execute stream message.
// Only the first message of a stream carries the program fields; later
// messages carry InputData and/or Winsize only.
type ExecuteRequest struct {
	ProgramName string   `json:"program_name,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
	Directory   string   `json:"directory,omitempty"`
	Envs        []string `json:"envs,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Script      string   `json:"script,omitempty"`
	TTY         bool     `json:"tty,omitempty"`
	Background  bool     `json:"background,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`

	InputData []byte   `json:"input_data,omitempty"`
	Winsize   *Winsize `json:"winsize,omitempty"`
}

// ExecuteResponse is a server-to-client execute stream message.
// A present ExitCode marks the end of the execution; messages before that
// may carry stdout or stderr bytes.
type ExecuteResponse struct {
	StdoutData []byte  `json:"stdout_data,omitempty"`
	StderrData []byte  `json:"stderr_data,omitempty"`
	ExitCode   *uint32 `json:"exit_code,omitempty"`
}
