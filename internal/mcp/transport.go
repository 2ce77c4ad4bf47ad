// File: internal/mcp/transport.go
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Shutdown staging bounds. Every wait during teardown is explicit; no stage
// may hang indefinitely.
const (
	stdinCloseGrace = 2 * time.Second // voluntary exit after stdin closes
	terminateGrace  = 5 * time.Second // per escalation stage
)

// Transport exchanges framed messages with the external tool process.
type Transport interface {
	// Start launches the underlying process or connection.
	Start() error
	// Send serializes one message and writes it as a single frame.
	Send(msg any) error
	// Recv blocks until one full message is available.
	Recv() (*Message, error)
	// Stop tears the transport down. Safe to call multiple times.
	Stop() error
}

// StdioTransport runs the MCP tool process as a child and exchanges
// newline-delimited JSON over its standard streams. The child's stderr is
// drained into the log so tool diagnostics are never lost or blocked on a
// full pipe.
type StdioTransport struct {
	command string
	args    []string
	dir     string
	logger  *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	stopped  bool
	recvBusy bool

	// done is closed by the reaper goroutine once the process has exited and
	// been waited on. Teardown stages block on it with bounded waits.
	done chan struct{}

	// stdoutDrained is closed once no further stdout reads can happen: the
	// reader hit the end of the stream, or Stop ran with no read in flight.
	// cmd.Wait closes the parent's pipe ends, so the reaper must not run
	// before this; a Wait during an active read loses buffered responses.
	stdoutDrained chan struct{}
	drainOnce     sync.Once

	stderrWg sync.WaitGroup
}

var _ Transport = (*StdioTransport)(nil)

// NewStdioTransport prepares a transport for the given command. Nothing is
// spawned until Start.
func NewStdioTransport(command string, args []string, dir string, logger *zap.Logger) *StdioTransport {
	return &StdioTransport{
		command: command,
		args:    args,
		dir:     dir,
		logger:  logger.Named("mcp.transport"),
	}
}

// Start spawns the tool process with independent stdin/stdout/stderr pipes.
// A launch failure is fatal and reported as a StartError.
func (t *StdioTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return &StartError{Command: t.command, Err: errors.New("already started")}
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartError{Command: t.command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartError{Command: t.command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartError{Command: t.command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &StartError{Command: t.command, Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	t.done = make(chan struct{})
	t.stdoutDrained = make(chan struct{})

	t.stderrWg.Add(1)
	go t.drainStderr(stderr)

	// Reap the process exactly once, and only after both output pipes have
	// been read to completion; teardown stages wait on done.
	go func() {
		t.stderrWg.Wait()
		<-t.stdoutDrained
		err := cmd.Wait()
		t.logger.Debug("Tool process exited", zap.Error(err))
		close(t.done)
	}()

	t.logger.Info("Tool process started",
		zap.String("command", t.command),
		zap.Strings("args", t.args),
		zap.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// drainStderr forwards the child's stderr lines into the log.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.stderrWg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			t.logger.Debug("tool stderr", zap.String("line", line))
		}
	}
}

// Send writes msg as a single JSON line followed by a newline.
func (t *StdioTransport) Send(msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil || t.stopped {
		return ErrTransportClosed
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame = append(frame, '\n')
	if _, err := t.stdin.Write(frame); err != nil {
		// A broken pipe means the process is gone; report it uniformly.
		return errors.Join(ErrTransportClosed, err)
	}
	return nil
}

// Recv blocks until one full line arrives and parses it. A zero-length read
// (stream end) yields ErrTransportClosed; an unparsable line yields a
// MalformedMessageError. Recv must only be called from a single goroutine.
func (t *StdioTransport) Recv() (*Message, error) {
	t.mu.Lock()
	stdout := t.stdout
	if stdout == nil {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.stopped {
		t.mu.Unlock()
		t.markStdoutDrained()
		return nil, ErrTransportClosed
	}
	t.recvBusy = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.recvBusy = false
		t.mu.Unlock()
	}()

	for {
		line, err := stdout.ReadBytes('\n')
		if err != nil {
			// The stream is finished either way; unblock the reaper.
			t.markStdoutDrained()
			if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
				return nil, ErrTransportClosed
			}
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, &MalformedMessageError{Line: string(trimmed), Err: err}
		}
		return &msg, nil
	}
}

// markStdoutDrained records that no further stdout reads will happen.
func (t *StdioTransport) markStdoutDrained() {
	t.drainOnce.Do(func() {
		if t.stdoutDrained != nil {
			close(t.stdoutDrained)
		}
	})
}

// Stop closes stdin first so a well-behaved tool exits on its own, then
// escalates: on Windows a tree-aware forced kill (npx-style shims do not
// forward ordinary signals), elsewhere SIGTERM then SIGKILL, each stage with
// a bounded wait. Idempotent.
func (t *StdioTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	stdin := t.stdin
	t.stdin = nil
	cmd := t.cmd
	done := t.done
	recvBusy := t.recvBusy
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	// With no read in flight there is nothing left to drain; an in-flight
	// read signals the drain itself when the dying pipe errors it out.
	if !recvBusy {
		t.markStdoutDrained()
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if waitBounded(done, stdinCloseGrace) {
		return nil
	}

	if runtime.GOOS == "windows" {
		t.killProcessTree(cmd.Process.Pid)
		if waitBounded(done, terminateGrace) {
			return nil
		}
	}

	t.logger.Debug("Tool process still running, sending SIGTERM")
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if waitBounded(done, terminateGrace) {
		return nil
	}

	t.logger.Warn("Tool process ignored SIGTERM, killing")
	_ = cmd.Process.Kill()
	if !waitBounded(done, terminateGrace) {
		t.logger.Error("Tool process did not exit after kill", zap.Int("pid", cmd.Process.Pid))
	}
	return nil
}

// killProcessTree force-terminates the whole process tree. Tools launched
// through a script-runner shim (npx, cmd wrappers) do not receive signals
// delivered to the shim alone, so taskkill /T is the only reliable teardown
// on Windows.
func (t *StdioTransport) killProcessTree(pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateGrace)
	defer cancel()
	kill := exec.CommandContext(ctx, "taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if err := kill.Run(); err != nil {
		t.logger.Debug("taskkill failed", zap.Int("pid", pid), zap.Error(err))
	}
}

// waitBounded waits for ch to close, up to d. Returns true if it closed.
func waitBounded(ch <-chan struct{}, d time.Duration) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
