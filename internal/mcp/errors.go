// File: internal/mcp/errors.go
package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransportClosed indicates the tool process stream has ended or was never
// opened. It is fatal to the session; the run cannot continue past it.
var ErrTransportClosed = errors.New("mcp: transport closed")

// StartError wraps a failure to launch the tool process. Fatal.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("mcp: failed to start tool process %q: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// MalformedMessageError reports a line that could not be parsed as JSON. The
// offending line is kept (truncated) for diagnostics.
type MalformedMessageError struct {
	Line string
	Err  error
}

func (e *MalformedMessageError) Error() string {
	line := e.Line
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return fmt.Sprintf("mcp: malformed message %q: %v", line, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// CallTimeoutError indicates a request's per-call deadline elapsed before a
// response arrived. The pending slot is discarded and any late response for
// the id is dropped. Recoverable: surfaced as an action or step failure.
type CallTimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("mcp: call %q (id %d) timed out after %s", e.Method, e.ID, e.Timeout)
}
