package runner

import "github.com/docrun/runnerd/runner/wire"

// ExecuteSpec describes one program execution. It is immutable once
// submitted to a ProgramSession. The body is either Commands (a sequence of
// shell commands) or Script (a single text blob); setting both is an error.
type ExecuteSpec struct {
	ProgramName string
	Args        []string
	Cwd         string
	Envs        []string
	Commands    []string
	Script      string
	TTY         bool
	Background  bool

	// Environment, when set, makes the execution share the referenced remote
	// session's state. It must have been created by this client.
	Environment Environment
}

// executeRequest maps a spec to the wire execute request sent as the first
// message on the stream.
func executeRequest(spec *ExecuteSpec, winsize *wire.Winsize) (*wire.ExecuteRequest, error) {
	if len(spec.Commands) > 0 && spec.Script != "" {
		return nil, ErrAmbiguousRunOptions
	}

	req := &wire.ExecuteRequest{
		ProgramName: spec.ProgramName,
		Arguments:   spec.Args,
		Directory:   spec.Cwd,
		Envs:        spec.Envs,
		Commands:    spec.Commands,
		Script:      spec.Script,
		TTY:         spec.TTY,
		Background:  spec.Background,
		Winsize:     winsize,
	}

	if spec.Environment != nil {
		env, ok := spec.Environment.(*environment)
		if !ok {
			return nil, ErrWrongEnvironment
		}
		req.SessionID = env.ID()
	}

	return req, nil
}
