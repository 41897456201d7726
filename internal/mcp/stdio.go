package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace is how long a subprocess gets to exit after its stdin is
// closed before it is killed.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio connection that talks to a subprocess
// over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are passed to the executable as a list, never through a shell.
	Args []string

	// Env is the complete environment of the subprocess. Nothing is
	// inherited from the parent process.
	Env map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioConnection communicates with a tool server running as a
// subprocess. Requests may be issued concurrently; a reader goroutine
// routes each response line to its caller by id.
type StdioConnection struct {
	config  StdioConfig
	logger  *slog.Logger
	nextID  atomic.Int64
	pending *pending

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

// NewStdioConnection creates a stdio connection for cfg. The subprocess
// is not started until Connect.
func NewStdioConnection(cfg StdioConfig) *StdioConnection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioConnection{
		config:  cfg,
		logger:  logger,
		pending: newPending(),
	}
}

// processEnv renders env as KEY=VALUE pairs. The result is never nil:
// a nil exec.Cmd.Env would inherit the parent environment.
func processEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Connect launches the subprocess if it is not already running. The
// subprocess outlives ctx; it ends only on Disconnect or when it exits
// on its own.
func (c *StdioConnection) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return nil
	}
	if c.stdin != nil {
		// Left over from a subprocess that exited on its own.
		c.stdin.Close()
		c.stdin = nil
	}

	c.logger.Info("starting tool server subprocess",
		"command", c.config.Command,
		"args", c.config.Args,
	)

	cmd := exec.Command(c.config.Command, c.config.Args...)
	cmd.Env = processEnv(c.config.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	// stderr is diagnostics only, never protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("start subprocess %s: %w", c.config.Command, err)}
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exited = make(chan struct{})
	c.pending.reset()

	go c.supervise(cmd, stdout, stderr, c.exited)

	c.logger.Info("tool server subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// supervise reads responses until stdout closes, then reaps the
// process. Waiters still pending at that point fail.
func (c *StdioConnection) supervise(cmd *exec.Cmd, stdout, stderr io.Reader, exited chan struct{}) {
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		c.drainStderr(stderr)
	}()

	c.readLoop(stdout)
	c.pending.closeAll()
	<-stderrDone

	err := cmd.Wait()
	c.logger.Debug("tool server subprocess exited", "pid", cmd.Process.Pid, "error", err)
	close(exited)
}

func (c *StdioConnection) readLoop(r io.Reader) {
	reader := bufio.NewReaderSize(r, 1<<20) // 1 MiB buffer for large tool lists
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("tool server stdout closed", "error", err)
			}
			return
		}
	}
}

func (c *StdioConnection) handleLine(line []byte) {
	msg := decodeInbound(line)
	if msg == nil {
		c.logger.Debug("skipping non-JSON line from tool server", "line", string(line))
		return
	}
	resp, ok := msg.response()
	if !ok {
		c.logger.Debug("ignoring server-initiated message", "method", msg.Method)
		return
	}
	if !c.pending.deliver(resp) {
		c.logger.Debug("skipping unmatched response", "id", resp.ID)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *StdioConnection) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// SendRequest writes a request line and waits for the matching reply.
func (c *StdioConnection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	data, err := encodeMessage(method, NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	ch, ok := c.pending.add(id)
	if !ok {
		return nil, notConnected(method)
	}
	if err := c.write(method, data); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	resp, err := c.pending.wait(ctx, method, id, ch)
	if err != nil {
		return nil, err
	}
	return resultOf(method, resp)
}

// Notify writes a notification line.
func (c *StdioConnection) Notify(_ context.Context, method string, params any) error {
	data, err := encodeMessage(method, NewNotification(method, params))
	if err != nil {
		return err
	}
	return c.write(method, data)
}

func (c *StdioConnection) write(op string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.runningLocked() {
		return notConnected(op)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return &ConnectionError{Op: op, Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Disconnect fails in-flight requests, closes stdin and waits briefly
// for the subprocess to exit before killing it.
func (c *StdioConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil
	}
	cmd, exited := c.cmd, c.exited
	c.cmd = nil
	c.pending.closeAll()

	c.logger.Info("stopping tool server subprocess", "pid", cmd.Process.Pid)
	if c.stdin != nil {
		c.stdin.Close()
		c.stdin = nil
	}

	select {
	case <-exited:
	case <-time.After(stopGrace):
		c.logger.Warn("tool server subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
	}
	return nil
}

// Running reports whether the subprocess is alive.
func (c *StdioConnection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

// PID returns the subprocess id, or 0 when no subprocess is running.
func (c *StdioConnection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.runningLocked() {
		return 0
	}
	return c.cmd.Process.Pid
}

// Exited is closed when the current subprocess has been reaped. It is
// nil before the first Connect.
func (c *StdioConnection) Exited() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

// runningLocked reports whether a started subprocess has not yet been
// reaped. Caller must hold c.mu.
func (c *StdioConnection) runningLocked() bool {
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}
