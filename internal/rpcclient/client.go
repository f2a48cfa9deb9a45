// Package rpcclient turns the tool host's line channel into blocking,
// correlated calls. Each [Client.Call] writes one request, then reads
// response lines until one carries the request's id, the method's
// deadline passes, or the child exits.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/deckforge/internal/events"
	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolerr"
	"github.com/nugget/deckforge/internal/transport"
)

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// Transport delivers request lines to the tool host. Send returns the
// stream the line was written to; a write that fails even after the
// transport's own respawn is reported as a [toolerr.TransportError].
type Transport interface {
	Send(line []byte) (transport.Stream, error)
}

// Timeouts holds per-method deadlines with a global fallback.
type Timeouts struct {
	Default time.Duration
	Methods map[string]time.Duration
}

// DefaultTimeouts returns the stock deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: 180 * time.Second,
		Methods: map[string]time.Duration{
			protocol.MethodPing:         10 * time.Second,
			protocol.MethodSummarize:    120 * time.Second,
			protocol.MethodEnrichImage:  180 * time.Second,
			protocol.MethodCreateSlide:  300 * time.Second,
			protocol.MethodAppendSlide:  300 * time.Second,
			protocol.MethodQueryDataset: 180 * time.Second,
		},
	}
}

// For returns the deadline for method.
func (t Timeouts) For(method string) time.Duration {
	if d, ok := t.Methods[method]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 180 * time.Second
}

// Options configures a Client.
type Options struct {
	Timeouts Timeouts
	Logger   *slog.Logger
	// Events receives tool_call and tool_done events. May be nil.
	Events *events.Bus
}

// Client issues calls over one transport, one at a time.
type Client struct {
	transport Transport
	timeouts  Timeouts
	logger    *slog.Logger
	events    *events.Bus

	// mu serializes calls: the transport has a single response queue.
	mu sync.Mutex
}

// New creates a client. A zero Timeouts value uses [DefaultTimeouts].
func New(t Transport, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeouts.Default == 0 && len(opts.Timeouts.Methods) == 0 {
		opts.Timeouts = DefaultTimeouts()
	}
	return &Client{
		transport: t,
		timeouts:  opts.Timeouts,
		logger:    opts.Logger,
		events:    opts.Events,
	}
}

type callOptions struct {
	id      string
	timeout time.Duration
}

// CallOption customizes a single call.
type CallOption func(*callOptions)

// WithCorrelationID sets the request id instead of generating one, for
// tracing a call across logs.
func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) { o.id = id }
}

// WithTimeout overrides the method's configured deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call invokes method with params and decodes the result into result,
// which may be nil to discard it. Failures are typed: see package
// toolerr. Cancelling ctx abandons the wait like a timeout; a late
// response is later discarded as unmatched.
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	o := callOptions{timeout: c.timeouts.For(method)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = newID()
	}

	req, err := protocol.NewRequest(o.id, method, params)
	if err != nil {
		return err
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.events.Emit(events.SourceToolhost, events.KindToolCall, map[string]any{
		"id":     o.id,
		"method": method,
	})
	c.logger.Log(ctx, levelTrace, "tool request", "id", o.id, "method", method, "json", string(line))

	err = c.roundTrip(ctx, method, o, line, result)

	elapsed := time.Since(start)
	c.events.Emit(events.SourceToolhost, events.KindToolDone, map[string]any{
		"id":          o.id,
		"method":      method,
		"outcome":     toolerr.Outcome(err),
		"code":        toolerr.Code(err),
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		c.logger.Debug("tool call failed",
			"id", o.id,
			"method", method,
			"outcome", toolerr.Outcome(err),
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
	} else {
		c.logger.Debug("tool call done",
			"id", o.id,
			"method", method,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method string, o callOptions, line []byte, result any) error {
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	var (
		resp *protocol.Response
		err  error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		var stream transport.Stream
		stream, err = c.transport.Send(line)
		if err != nil {
			var te *toolerr.TransportError
			if !errors.As(err, &te) {
				err = &toolerr.TransportError{Op: "write", Err: err}
			}
			return err
		}

		var heard bool
		resp, heard, err = c.await(ctx, method, o, stream, timer)
		if err == nil || heard || attempt == 2 {
			break
		}
		// A child that dies without writing a single line after the
		// request never saw it: the write landed in a pipe nobody reads.
		var ee *toolerr.ExitError
		if !errors.As(err, &ee) {
			break
		}
		c.logger.Warn("tool host exited before answering, resending",
			"id", o.id,
			"method", method,
			"error", err,
		)
	}
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return &toolerr.ToolError{
			Method:  method,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// await reads the stream until the response for o.id arrives. Lines
// that do not parse or carry another id are logged and dropped. heard
// reports whether the stream delivered any line at all.
func (c *Client) await(ctx context.Context, method string, o callOptions, stream transport.Stream, timer *time.Timer) (resp *protocol.Response, heard bool, err error) {
	for {
		select {
		case raw := <-stream.Lines():
			heard = true
			if resp := c.match(raw, o.id); resp != nil {
				return resp, true, nil
			}

		case <-stream.Done():
			resp, drained, err := c.drain(method, o.id, stream)
			return resp, heard || drained, err

		case <-timer.C:
			return nil, heard, &toolerr.TimeoutError{Method: method, ID: o.id, After: o.timeout}

		case <-ctx.Done():
			return nil, heard, fmt.Errorf("%s (id %s) abandoned: %w", method, o.id, ctx.Err())
		}
	}
}

// drain checks lines queued before the child exited, since they may
// still hold the answer, and otherwise reports the exit.
func (c *Client) drain(method, id string, stream transport.Stream) (*protocol.Response, bool, error) {
	heard := false
	for {
		select {
		case raw := <-stream.Lines():
			heard = true
			if resp := c.match(raw, id); resp != nil {
				return resp, true, nil
			}
		default:
			return nil, heard, &toolerr.ExitError{Method: method, ID: id, Err: stream.Err()}
		}
	}
}

// match decodes raw and returns it if it answers id.
func (c *Client) match(raw []byte, id string) *protocol.Response {
	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		perr := &toolerr.ProtocolError{Line: truncate(string(raw), 200), Err: err}
		c.logger.Warn("ignoring unparsable line from tool host", "error", perr, "line", perr.Line)
		return nil
	}
	c.logger.Log(context.Background(), levelTrace, "tool response", "id", resp.CorrelationID(), "json", string(raw))
	if resp.CorrelationID() != id {
		c.logger.Debug("discarding unmatched response",
			"id", resp.CorrelationID(),
			"waiting_for", id,
		)
		return nil
	}
	return &resp
}

// PingResult is the tool host's answer to ping.
type PingResult struct {
	OK      bool     `json:"ok"`
	Version string   `json:"version"`
	Tools   []string `json:"tools"`
}

// Ping checks that the tool host answers and reports its tools.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var res PingResult
	if err := c.Call(ctx, protocol.MethodPing, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
