// Package toolerr defines the failure taxonomy for calls made to the
// tool host. Each failure class has its own type so callers can choose
// a policy with errors.As rather than by parsing messages:
//
//   - [TransportError]: the child could not be reached; retried once
//     with a respawn at the client layer.
//   - [ExitError]: the child exited while a call was in flight. A child
//     that exits without writing any line after the request is treated
//     like a broken pipe and the request is resent once to a fresh
//     child; otherwise the failure is fatal for that call since the
//     tool may already have had its effect.
//   - [ProtocolError]: an unparsable or unmatched envelope; logged and
//     ignored, never returned from a call.
//   - [ToolError]: the handler reported a failure with a code.
//   - [TimeoutError]: no response before the method's deadline.
package toolerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("tool host transport closed")

// TransportError reports that the child process could not be reached.
type TransportError struct {
	Op  string // "spawn" or "write"
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("tool host transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ExitError reports that the child process exited before answering.
type ExitError struct {
	Method string
	ID     string
	Err    error // process exit status, if known
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool host exited during %s (id %s): %v", e.Method, e.ID, e.Err)
	}
	return fmt.Sprintf("tool host exited during %s (id %s)", e.Method, e.ID)
}

// Unwrap returns the process exit error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// ProtocolError describes a line from the child that could not be used.
type ProtocolError struct {
	Line string
	Err  error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

// Unwrap returns the decode error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ToolError is a failure reported by a tool handler in an error
// envelope. It is propagated verbatim to the orchestrator.
type ToolError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %s", e.Method, e.Code, e.Message)
}

// TimeoutError reports that no response arrived within the deadline.
type TimeoutError struct {
	Method string
	ID     string
	After  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (id %s)", e.Method, e.After, e.ID)
}

// Outcome classifies err into a short label for journals and events.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		toolErr    *ToolError
		timeoutErr *TimeoutError
		transErr   *TransportError
		exitErr    *ExitError
	)
	switch {
	case errors.As(err, &toolErr):
		return "tool_error"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &exitErr):
		return "exited"
	case errors.As(err, &transErr):
		return "transport"
	default:
		return "error"
	}
}

// Code returns the tool error code carried by err, or 0.
func Code(err error) int {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Code
	}
	return 0
}
