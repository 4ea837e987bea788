package runner

import "fmt"

// ProtocolError indicates a control-channel failure, such as a session
// creation RPC that failed or returned no session payload. Protocol errors
// are fatal to the whole Runner: the channel is closed before the error is
// returned, and subsequent calls fail.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }

func (e *ProtocolError) Unwrap() error { return e.Err }

// StateError indicates the caller violated a session state invariant.
// State errors are synchronous and local; they never affect other sessions
// or the channel.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return e.Reason }

var (
	// ErrNoRunOptions is returned by Run when no spec was supplied at
	// construction or at the call.
	ErrNoRunOptions = &StateError{Reason: "no run options"}

	// ErrAlreadyInitialized is returned by Run when the execute request was
	// already sent for this session.
	ErrAlreadyInitialized = &StateError{Reason: "already initialized"}

	// ErrSessionClosed is returned by HandleInput once the session has an
	// exit code or has been disposed.
	ErrSessionClosed = &StateError{Reason: "session closed"}

	// ErrWrongEnvironment is returned when an ExecuteSpec references an
	// Environment that was not created by this client.
	ErrWrongEnvironment = &StateError{Reason: "wrong environment implementation"}

	// ErrAmbiguousRunOptions is returned when an ExecuteSpec sets both the
	// commands and the script body.
	ErrAmbiguousRunOptions = &StateError{Reason: "ambiguous run options"}
)

// SessionNotFoundError is reported when the daemon has no session with the
// given id. It is non-fatal: environment disposal logs it and moves on.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string { return fmt.Sprintf("no such session %q", e.ID) }

// RemoteProcessError reports a non-zero exit code of a remote execution.
// The Runner itself never returns it; it is a convenience for callers that
// turn the close event into an error.
type RemoteProcessError struct {
	ExitCode uint32
}

func (e *RemoteProcessError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.ExitCode)
}
