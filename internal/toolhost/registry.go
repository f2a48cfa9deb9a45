// Package toolhost is the callee side of the tool protocol. It runs in
// the child process, reads one request line at a time, dispatches it to
// a statically registered handler, and writes exactly one response line
// before reading the next request.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nugget/deckforge/internal/protocol"
)

// Handler executes one tool call. It must not retain state between
// calls and reports failure through its error return, preferably as an
// [*Error] carrying a protocol code.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Tool is a named handler.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Registry maps method names to tools. It is populated before
// [Server.Serve] starts and never mutated afterwards.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates a registry holding the given tools. Duplicate or
// unnamed tools are programming errors and cause a panic.
func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if t == nil || t.Name == "" || t.Handler == nil {
			panic("toolhost: tool must have a name and a handler")
		}
		if _, dup := r.tools[t.Name]; dup {
			panic(fmt.Sprintf("toolhost: duplicate tool %q", t.Name))
		}
		r.tools[t.Name] = t
	}
	return r
}

// Lookup returns the tool registered under exactly name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Error is a handler failure with a protocol error code.
type Error struct {
	Code    int
	Message string
	Data    any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Errorf builds an [*Error] with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Decode unmarshals params into v, reporting failures as invalid
// params.
func Decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: protocol.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// asError extracts a protocol-coded error from err, defaulting to an
// internal error carrying err's string form.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: protocol.CodeInternalError, Message: err.Error()}
}
