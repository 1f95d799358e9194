// Package process spawns and supervises one external tool, streaming its
// output as discrete lines and providing graceful-then-forced termination.
//
// The supervised tools (makemkvcon, ffmpeg) are black boxes with unreliable
// exit codes, so the supervisor makes no judgement about success: it delivers
// every complete line to the consumer, flushes any trailing partial line at
// exit, and reports the raw exit status. Policy lives in the coordinators.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"ripley/internal/services"
)

// StopGrace is the window between the graceful stop signal and SIGKILL.
const StopGrace = 5 * time.Second

// Stream identifies which pipe a line arrived on.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Line is one complete line of tool output.
type Line struct {
	Stream Stream
	Text   string
}

// Spec describes the process to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Stdin requests a writable stdin pipe on the handle, used for tools
	// that accept a graceful-stop token (ffmpeg's "q").
	Stdin bool
}

// ExitStatus captures how the process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle supervises one running process.
type Handle struct {
	cmd   *exec.Cmd
	lines chan Line
	done  chan struct{}
	stdin io.WriteCloser

	mu     sync.Mutex
	exit   ExitStatus
	exited bool
}

// Start spawns the process described by spec. A spawn failure is classified
// as a tool startup failure; nothing is retried at this layer. When ctx is
// cancelled the process receives the graceful-then-forced stop sequence.
func Start(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, services.Wrap(services.ErrToolStartup, "process", "spawn", "command required", nil)
	}

	cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir

	var stdin io.WriteCloser
	if spec.Stdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, services.Wrap(services.ErrToolStartup, "process", "stdin pipe", "", err)
		}
		stdin = pipe
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrToolStartup, "process", "stdout pipe", "", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrToolStartup, "process", "stderr pipe", "", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, services.Wrap(services.ErrToolStartup, "process", "spawn", spec.Command, err)
	}

	h := &Handle{
		cmd:   cmd,
		lines: make(chan Line, 64),
		done:  make(chan struct{}),
		stdin: stdin,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.scan(&wg, stdout, Stdout)
	go h.scan(&wg, stderr, Stderr)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exit = ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
		h.exited = true
		h.mu.Unlock()
		close(h.lines)
		close(h.done)
	}()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Stop(StopGrace)
			case <-h.done:
			}
		}()
	}

	return h, nil
}

// scan delivers complete lines from one pipe. bufio.Scanner yields the final
// unterminated token too, which covers the trailing-partial-line flush.
func (h *Handle) scan(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// makemkvcon can emit very long TINFO lines.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.lines <- Line{Stream: stream, Text: scanner.Text()}
	}
}

// Lines returns the merged line stream. The channel closes after the process
// exits and both pipes drain.
func (h *Handle) Lines() <-chan Line {
	return h.lines
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stdin returns the stdin pipe requested via Spec.Stdin, or nil.
func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

// Wait blocks until the process exits and returns its status.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Signal forwards a signal to the child.
func (h *Handle) Signal(sig unix.Signal) error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

// Stop sends the graceful stop signal, then escalates to SIGKILL after the
// grace window. Safe to call multiple times and after exit.
func (h *Handle) Stop(grace time.Duration) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	_ = h.Signal(unix.SIGTERM)
	if grace <= 0 {
		grace = StopGrace
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		h.Kill()
	}
}

// Kill force-terminates the child immediately.
func (h *Handle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// String describes the supervised command for logs.
func (h *Handle) String() string {
	return fmt.Sprintf("%s (pid %d)", h.cmd.Path, h.PID())
}
