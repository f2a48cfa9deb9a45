package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/deckforge/internal/events"
	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolerr"
	"github.com/nugget/deckforge/internal/toolhost"
	"github.com/nugget/deckforge/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStream is a scripted session.
type fakeStream struct {
	lines    chan []byte
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeStream() *fakeStream {
	return &fakeStream{lines: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *fakeStream) Lines() <-chan []byte  { return s.lines }
func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Err() error            { return s.err }

func (s *fakeStream) exit(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// fakeTransport hands every request to respond, which pushes lines.
type fakeTransport struct {
	stream  *fakeStream
	sendErr error
	respond func(req protocol.Request, s *fakeStream)

	mu   sync.Mutex
	sent []protocol.Request
}

func (f *fakeTransport) Send(line []byte) (transport.Stream, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	s := f.stream
	if f.respond != nil {
		f.respond(req, s)
	}
	return s, nil
}

func resultLine(t *testing.T, id string, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	line, err := protocol.ResultLine(id, raw)
	if err != nil {
		t.Fatalf("ResultLine: %v", err)
	}
	return line[:len(line)-1]
}

func newTestClient(ft *fakeTransport, bus *events.Bus) *Client {
	return New(ft, Options{Logger: discardLogger(), Events: bus})
}

func TestCall_Success(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(req protocol.Request, s *fakeStream) {
		s.lines <- resultLine(t, req.ID, map[string]string{"echo": req.Method})
	}
	c := newTestClient(ft, nil)

	var out map[string]string
	if err := c.Call(context.Background(), "summarize", map[string]int{"max_sections": 3}, &out); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if out["echo"] != "summarize" {
		t.Errorf("result = %v, want echo=summarize", out)
	}
	if len(ft.sent) != 1 || ft.sent[0].JSONRPC != protocol.Tag || ft.sent[0].ID == "" {
		t.Errorf("sent = %+v, want one tagged request with an id", ft.sent)
	}
}

func TestCall_StaleAndGarbageLinesIgnored(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(req protocol.Request, s *fakeStream) {
		s.lines <- []byte("not json at all")
		s.lines <- resultLine(t, "some-older-call", map[string]string{"v": "stale"})
		s.lines <- protocol.ErrorLine(nil, protocol.CodeParseError, "parse error", nil)
		s.lines <- resultLine(t, req.ID, map[string]string{"v": "fresh"})
	}
	c := newTestClient(ft, nil)

	var out map[string]string
	if err := c.Call(context.Background(), "summarize", nil, &out); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if out["v"] != "fresh" {
		t.Errorf("result = %v, want the matching response", out)
	}
}

func TestCall_CorrelationID(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(req protocol.Request, s *fakeStream) {
		s.lines <- resultLine(t, req.ID, true)
	}
	c := newTestClient(ft, nil)

	if err := c.Call(context.Background(), "ping", nil, nil, WithCorrelationID("trace-42")); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if ft.sent[0].ID != "trace-42" {
		t.Errorf("request id = %q, want trace-42", ft.sent[0].ID)
	}
}

func TestCall_ToolError(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(req protocol.Request, s *fakeStream) {
		line := protocol.ErrorLine(&req.ID, protocol.CodeRateLimited, "slow down", json.RawMessage(`{"retry_after":2}`))
		s.lines <- line[:len(line)-1]
	}
	c := newTestClient(ft, nil)

	err := c.Call(context.Background(), "enrich_image", nil, nil)
	var te *toolerr.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("Call() error = %v, want *toolerr.ToolError", err)
	}
	if te.Code != protocol.CodeRateLimited || te.Message != "slow down" || te.Method != "enrich_image" {
		t.Errorf("ToolError = %+v", te)
	}
	if string(te.Data) != `{"retry_after":2}` {
		t.Errorf("data = %s", te.Data)
	}
}

func TestCall_TimeoutThenLateResponseDiscarded(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	var firstID string
	calls := 0
	ft.respond = func(req protocol.Request, s *fakeStream) {
		calls++
		if calls == 1 {
			firstID = req.ID
			return
		}
		// The first call's answer finally arrives, ahead of ours.
		s.lines <- resultLine(t, firstID, "late")
		s.lines <- resultLine(t, req.ID, "on time")
	}
	c := newTestClient(ft, nil)

	err := c.Call(context.Background(), "create_slide", nil, nil, WithTimeout(30*time.Millisecond))
	var timeout *toolerr.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("first Call() error = %v, want *toolerr.TimeoutError", err)
	}
	if timeout.After != 30*time.Millisecond {
		t.Errorf("After = %v, want 30ms", timeout.After)
	}

	var out string
	if err := c.Call(context.Background(), "create_slide", nil, &out); err != nil {
		t.Fatalf("second Call() error: %v", err)
	}
	if out != "on time" {
		t.Errorf("second result = %q, want %q", out, "on time")
	}
}

func TestCall_ChildExitsMidCall(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	exitErr := errors.New("signal: killed")
	ft.respond = func(_ protocol.Request, s *fakeStream) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.exit(exitErr)
		}()
	}
	c := newTestClient(ft, nil)

	start := time.Now()
	err := c.Call(context.Background(), "append_slide", nil, nil)
	var ee *toolerr.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("Call() error = %v, want *toolerr.ExitError", err)
	}
	if !errors.Is(err, exitErr) {
		t.Errorf("ExitError does not wrap the exit status: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("exit was not detected before the deadline")
	}
	if len(ft.sent) != 2 {
		t.Errorf("sent %d requests, want one resend after a silent exit", len(ft.sent))
	}
}

func TestCall_SilentExitResendsToNewChild(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	calls := 0
	ft.respond = func(req protocol.Request, s *fakeStream) {
		calls++
		if calls == 1 {
			// Killed before reading the request.
			s.exit(errors.New("signal: killed"))
			ft.stream = newFakeStream()
			return
		}
		s.lines <- resultLine(t, req.ID, "fresh child")
	}
	c := newTestClient(ft, nil)

	var out string
	if err := c.Call(context.Background(), "summarize", nil, &out); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if out != "fresh child" {
		t.Errorf("result = %q", out)
	}
	if len(ft.sent) != 2 || ft.sent[0].ID != ft.sent[1].ID {
		t.Errorf("sent = %+v, want the same request twice", ft.sent)
	}
}

func TestCall_ExitAfterOutputIsNotResent(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(_ protocol.Request, s *fakeStream) {
		s.lines <- resultLine(t, "earlier-call", "stale")
		s.exit(errors.New("exit status 3"))
		ft.stream = newFakeStream()
	}
	c := newTestClient(ft, nil)

	err := c.Call(context.Background(), "create_slide", nil, nil)
	var ee *toolerr.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("Call() error = %v, want *toolerr.ExitError", err)
	}
	if len(ft.sent) != 1 {
		t.Errorf("sent %d requests, want 1", len(ft.sent))
	}
}

func TestCall_AnswerQueuedBeforeExit(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(req protocol.Request, s *fakeStream) {
		s.lines <- resultLine(t, req.ID, "last words")
		s.exit(nil)
	}
	c := newTestClient(ft, nil)

	// Run several times: select order between Lines and Done is random.
	for range 20 {
		var out string
		if err := c.Call(context.Background(), "summarize", nil, &out); err != nil {
			t.Fatalf("Call() error: %v", err)
		}
		if out != "last words" {
			t.Fatalf("result = %q", out)
		}
		ft.stream = newFakeStream()
	}
}

func TestCall_TransportError(t *testing.T) {
	ft := &fakeTransport{sendErr: &toolerr.TransportError{Op: "write", Err: io.ErrClosedPipe}}
	c := newTestClient(ft, nil)

	err := c.Call(context.Background(), "summarize", nil, nil)
	var te *toolerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Call() error = %v, want *toolerr.TransportError", err)
	}
	if toolerr.Outcome(err) != "transport" {
		t.Errorf("Outcome() = %q, want transport", toolerr.Outcome(err))
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	ft := &fakeTransport{stream: newFakeStream()}
	c := newTestClient(ft, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "summarize", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCall_EmitsEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	ft := &fakeTransport{stream: newFakeStream()}
	ft.respond = func(req protocol.Request, s *fakeStream) {
		s.lines <- resultLine(t, req.ID, "ok")
	}
	c := newTestClient(ft, bus)
	if err := c.Call(context.Background(), "summarize", nil, nil); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	var kinds []string
	for range 2 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			if e.Kind == events.KindToolDone && e.Data["outcome"] != "ok" {
				t.Errorf("tool_done outcome = %v, want ok", e.Data["outcome"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if kinds[0] != events.KindToolCall || kinds[1] != events.KindToolDone {
		t.Errorf("kinds = %v, want [tool_call tool_done]", kinds)
	}
}

func TestTimeouts_For(t *testing.T) {
	d := DefaultTimeouts()
	tests := []struct {
		method string
		want   time.Duration
	}{
		{"summarize", 120 * time.Second},
		{"enrich_image", 180 * time.Second},
		{"create_slide", 300 * time.Second},
		{"append_slide", 300 * time.Second},
		{"query_dataset", 180 * time.Second},
		{"unlisted", 180 * time.Second},
	}
	for _, tt := range tests {
		if got := d.For(tt.method); got != tt.want {
			t.Errorf("For(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}

	custom := Timeouts{Default: time.Second, Methods: map[string]time.Duration{"summarize": 0}}
	if got := custom.For("summarize"); got != time.Second {
		t.Errorf("zero per-method timeout = %v, want fallback 1s", got)
	}
}

// pipeTransport runs a real dispatcher in-process over pipes.
type pipeTransport struct {
	w      *io.PipeWriter
	stream *fakeStream
}

func newPipeTransport(t *testing.T, registry *toolhost.Registry) *pipeTransport {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	srv := toolhost.NewServer(registry, reqR, respW, discardLogger())

	stream := newFakeStream()
	go func() {
		_ = srv.Serve(context.Background())
		respW.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(respR)
		for scanner.Scan() {
			stream.lines <- append([]byte(nil), scanner.Bytes()...)
		}
		stream.exit(nil)
	}()

	pt := &pipeTransport{w: reqW, stream: stream}
	t.Cleanup(func() { reqW.Close() })
	return pt
}

func (p *pipeTransport) Send(line []byte) (transport.Stream, error) {
	if _, err := p.w.Write(line); err != nil {
		return nil, &toolerr.TransportError{Op: "write", Err: err}
	}
	return p.stream, nil
}

func TestClient_AgainstDispatcher(t *testing.T) {
	registry := toolhost.NewRegistry(&toolhost.Tool{
		Name: "double",
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			var p struct {
				N int `json:"n"`
			}
			if err := toolhost.Decode(raw, &p); err != nil {
				return nil, err
			}
			if p.N < 0 {
				return nil, toolhost.Errorf(protocol.CodePermissionDenied, "negative")
			}
			return map[string]int{"n": p.N * 2}, nil
		},
	})
	c := New(newPipeTransport(t, registry), Options{Logger: discardLogger()})
	ctx := context.Background()

	ping, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if !ping.OK || len(ping.Tools) != 1 || ping.Tools[0] != "double" {
		t.Errorf("Ping() = %+v", ping)
	}

	for i := range 5 {
		var out struct {
			N int `json:"n"`
		}
		if err := c.Call(ctx, "double", map[string]int{"n": i}, &out); err != nil {
			t.Fatalf("Call(%d) error: %v", i, err)
		}
		if out.N != i*2 {
			t.Errorf("double(%d) = %d", i, out.N)
		}
	}

	err = c.Call(ctx, "double", map[string]int{"n": -1}, nil)
	if toolerr.Code(err) != protocol.CodePermissionDenied {
		t.Errorf("Code() = %d, want %d (err %v)", toolerr.Code(err), protocol.CodePermissionDenied, err)
	}

	err = c.Call(ctx, "triple", nil, nil)
	if toolerr.Code(err) != protocol.CodeMethodNotFound {
		t.Errorf("unknown method code = %d, want %d", toolerr.Code(err), protocol.CodeMethodNotFound)
	}
}
