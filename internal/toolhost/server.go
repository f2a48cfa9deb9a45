package toolhost

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/deckforge/internal/buildinfo"
	"github.com/nugget/deckforge/internal/protocol"
)

const maxRequestSize = 16 << 20

// Server reads requests from r and writes responses to w, strictly one
// at a time.
type Server struct {
	registry *Registry
	reader   *bufio.Reader
	writer   *bufio.Writer
	logger   *slog.Logger
}

// NewServer creates a dispatcher over the given streams. A built-in
// ping method is answered even if the registry does not define one.
func NewServer(registry *Registry, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		reader:   bufio.NewReaderSize(r, 1<<20),
		writer:   bufio.NewWriter(w),
		logger:   logger,
	}
}

type readResult struct {
	line []byte
	err  error
}

// Serve runs the dispatch loop until input reaches EOF or ctx is
// cancelled. It returns nil on EOF and on cancellation.
func (s *Server) Serve(ctx context.Context) error {
	lines := make(chan readResult)
	go func() {
		for {
			line, err := s.reader.ReadBytes('\n')
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var res readResult
		select {
		case <-ctx.Done():
			s.logger.Info("tool host stopping", "reason", ctx.Err())
			return nil
		case res = <-lines:
		}

		if len(res.line) > 0 {
			s.handleLine(ctx, res.line)
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				s.logger.Debug("tool host input closed")
				return nil
			}
			return fmt.Errorf("read request: %w", res.err)
		}
	}
}

// handleLine dispatches one request line and writes its response.
func (s *Server) handleLine(ctx context.Context, line []byte) {
	if len(line) > maxRequestSize {
		s.logger.Warn("request too large", "bytes", len(line))
		s.write(protocol.ErrorLine(nil, protocol.CodeInvalidRequest, "request too large", nil))
		return
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("unparsable request line", "error", err)
		s.write(protocol.ErrorLine(nil, protocol.CodeParseError, "parse error: "+err.Error(), nil))
		return
	}
	id := protocol.StringPtr(req.ID)
	if req.Method == "" {
		s.write(protocol.ErrorLine(id, protocol.CodeInvalidRequest, "missing method", nil))
		return
	}

	handler, ok := s.handler(req.Method)
	if !ok {
		s.logger.Warn("method not found", "method", req.Method, "id", req.ID)
		s.write(protocol.ErrorLine(id, protocol.CodeMethodNotFound, "method not found: "+req.Method, nil))
		return
	}

	start := time.Now()
	result, err := s.invoke(ctx, req, handler)
	if err != nil {
		e := asError(err)
		s.logger.Warn("tool failed",
			"method", req.Method,
			"id", req.ID,
			"code", e.Code,
			"error", e.Message,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		s.write(protocol.ErrorLine(id, e.Code, e.Message, encodeData(e.Data)))
		return
	}

	clean, err := Sanitize(result)
	var raw []byte
	if err == nil {
		raw, err = json.Marshal(clean)
	}
	if err == nil {
		var out []byte
		out, err = protocol.ResultLine(req.ID, raw)
		if err == nil {
			s.logger.Debug("tool done",
				"method", req.Method,
				"id", req.ID,
				"bytes", len(out),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			s.write(out)
			return
		}
	}
	s.logger.Error("result serialization failed", "method", req.Method, "id", req.ID, "error", err)
	s.write(protocol.ErrorLine(id, protocol.CodeInternalError, "result serialization failed", nil))
}

// invoke runs the handler, converting panics into internal errors. The
// stack trace is logged here and never sent to the caller.
func (s *Server) invoke(ctx context.Context, req protocol.Request, h Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked",
				"method", req.Method,
				"id", req.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			result = nil
			err = &Error{Code: protocol.CodeInternalError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return h(ctx, req.Params)
}

func (s *Server) handler(method string) (Handler, bool) {
	if t, ok := s.registry.Lookup(method); ok {
		return t.Handler, true
	}
	if method == protocol.MethodPing {
		return s.ping, true
	}
	return nil, false
}

func (s *Server) ping(context.Context, json.RawMessage) (any, error) {
	return map[string]any{
		"ok":      true,
		"version": buildinfo.Version,
		"tools":   s.registry.Names(),
	}, nil
}

func (s *Server) write(line []byte) {
	if _, err := s.writer.Write(line); err != nil {
		s.logger.Error("write response failed", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("flush response failed", "error", err)
	}
}

func encodeData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	clean, err := Sanitize(data)
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return raw
}
