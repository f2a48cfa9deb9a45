// Package transport owns the tool host child process and presents it as
// a single in-order line channel.
//
// A [Process] spawns the child lazily, attaches its pipes, and starts a
// reader goroutine per child that feeds stdout lines into a bounded
// queue. When the child dies the queue's session is marked done and the
// next [Process.Send] spawns a replacement. Responses are not
// correlated here; that is the RPC client's job.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nugget/deckforge/internal/toolerr"
)

const (
	defaultQueueSize     = 64
	defaultShutdownGrace = 2 * time.Second
	maxLineSize          = 32 << 20
)

// Config configures the child process.
type Config struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the child
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// Dir is the working directory of the child. Empty means the
	// current directory.
	Dir string

	// QueueSize bounds the number of unread stdout lines. Default 64.
	QueueSize int

	// ShutdownGrace is how long Close waits for the child to exit after
	// its stdin is closed before killing it. Default 2s.
	ShutdownGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Stream is the read side of one child process session.
type Stream interface {
	// Lines delivers complete stdout lines without the trailing newline.
	Lines() <-chan []byte
	// Done is closed once the child has exited and stdout is drained.
	Done() <-chan struct{}
	// Err returns the child's exit error after Done is closed.
	Err() error
}

// Process supervises the tool host child. All methods are safe for
// concurrent use.
type Process struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	sess   *session
	spawns int
	closed bool
}

// New creates a Process for the given config. The child is not started
// until the first EnsureAlive or Send.
func New(cfg Config) *Process {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Process{
		config: cfg,
		logger: cfg.Logger,
	}
}

// EnsureAlive starts the child if none is running or the previous one
// has exited. It is a no-op when a live child already exists.
func (p *Process) EnsureAlive() (Stream, error) {
	return p.ensureAlive()
}

func (p *Process) ensureAlive() (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, toolerr.ErrClosed
	}
	if p.sess != nil && !p.sess.exited() {
		return p.sess, nil
	}
	if p.sess != nil {
		p.logger.Info("tool host exited, respawning",
			"pid", p.sess.pid,
			"error", p.sess.Err(),
		)
		p.sess = nil
	}

	s, err := p.spawn()
	if err != nil {
		return nil, err
	}
	p.sess = s
	p.spawns++
	return s, nil
}

// Send writes one envelope line to the child's stdin and returns the
// session it was written to. A failed write is treated as a broken
// pipe: the child is discarded, respawned once, and the write retried
// once. A second failure is returned as a [toolerr.TransportError].
func (p *Process) Send(line []byte) (Stream, error) {
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line[:len(line):len(line)], '\n')
	}

	var (
		lastOp  string
		lastErr error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		s, err := p.ensureAlive()
		if err != nil {
			if errors.Is(err, toolerr.ErrClosed) {
				return nil, &toolerr.TransportError{Op: "spawn", Err: err}
			}
			lastOp, lastErr = "spawn", err
			continue
		}
		if err := s.write(line); err != nil {
			lastOp, lastErr = "write", err
			p.logger.Warn("tool host write failed",
				"pid", s.pid,
				"attempt", attempt,
				"error", err,
			)
			p.discard(s)
			continue
		}
		return s, nil
	}
	return nil, &toolerr.TransportError{Op: lastOp, Err: lastErr}
}

// Spawns returns how many times a child has been started.
func (p *Process) Spawns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawns
}

// Pid returns the process id of the live child, or 0.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil || p.sess.exited() {
		return 0
	}
	return p.sess.pid
}

// Close shuts the child down: stdin is closed first so it can exit on
// EOF, then it is killed if still running after ShutdownGrace. Close is
// safe to call more than once and on a child that already exited.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	s := p.sess
	p.sess = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.shutdown(p.config.ShutdownGrace, p.logger)
}

// discard drops s as the current session and kills it.
func (p *Process) discard(s *session) {
	p.mu.Lock()
	if p.sess == s {
		p.sess = nil
	}
	p.mu.Unlock()
	s.kill()
}

// spawn starts a new child. Caller must hold p.mu.
func (p *Process) spawn() (*session, error) {
	if p.config.Command == "" {
		return nil, errors.New("tool host command not configured")
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Env = append(os.Environ(), p.config.Env...)
	cmd.Dir = p.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start tool host %s: %w", p.config.Command, err)
	}

	s := &session{
		cmd:   cmd,
		stdin: stdin,
		pid:   cmd.Process.Pid,
		lines: make(chan []byte, p.config.QueueSize),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}

	logger := p.logger.With("pid", s.pid)
	go drainStderr(stderr, logger)
	go s.readLoop(bufio.NewReaderSize(stdout, 1<<20), logger)

	logger.Info("tool host started", "command", p.config.Command)
	return s, nil
}

// session is one child process lifetime.
type session struct {
	cmd   *exec.Cmd
	pid   int
	lines chan []byte
	done  chan struct{}
	stop  chan struct{}

	writeMu sync.Mutex
	stdin   io.WriteCloser

	stopOnce sync.Once
	exitErr  error // written before done is closed
}

func (s *session) Lines() <-chan []byte  { return s.lines }
func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

func (s *session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) write(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.exited() {
		return errors.New("tool host has exited")
	}
	_, err := s.stdin.Write(line)
	return err
}

// readLoop moves stdout lines into the queue until EOF, then reaps the
// child and closes done. Waiting only after stdout is drained keeps the
// last response from being lost.
func (s *session) readLoop(r *bufio.Reader, logger *slog.Logger) {
	defer close(s.done)

	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > maxLineSize {
			logger.Warn("dropping oversized line from tool host", "bytes", len(line))
		} else if len(line) > 0 {
			select {
			case s.lines <- line:
			case <-s.stop:
				s.exitErr = s.cmd.Wait()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("tool host stdout read failed", "error", err)
			}
			break
		}
	}

	s.exitErr = s.cmd.Wait()
	logger.Debug("tool host stdout closed", "exit", s.exitErr)
}

// kill force-terminates the child without waiting.
func (s *session) kill() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.writeMu.Lock()
	s.stdin.Close()
	s.writeMu.Unlock()
}

// shutdown closes stdin, waits up to grace for a clean exit, then kills.
func (s *session) shutdown(grace time.Duration, logger *slog.Logger) error {
	logger.Info("stopping tool host", "pid", s.pid)

	s.writeMu.Lock()
	s.stdin.Close()
	s.writeMu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
		return nil
	case <-time.After(grace):
	}

	logger.Warn("tool host did not exit gracefully, killing", "pid", s.pid)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(grace):
		return fmt.Errorf("tool host %d did not exit after kill", s.pid)
	}
	return nil
}
