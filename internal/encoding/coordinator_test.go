package encoding

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ripley/internal/config"
	"ripley/internal/process"
	"ripley/internal/services"
	"ripley/internal/services/ffmpeg"
)

type stubStdin struct {
	mu     sync.Mutex
	buf    strings.Builder
	closed bool
}

func (s *stubStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *stubStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubStdin) contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type stubHandle struct {
	lines chan process.Line
	done  chan struct{}
	stdin *stubStdin

	mu      sync.Mutex
	killed  bool
	stopped bool
	exit    process.ExitStatus
}

func (h *stubHandle) Lines() <-chan process.Line { return h.lines }

func (h *stubHandle) Wait() process.ExitStatus {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *stubHandle) PID() int { return 777 }

func (h *stubHandle) Stdin() io.WriteCloser { return h.stdin }

func (h *stubHandle) Kill() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
}

func (h *stubHandle) Stop(time.Duration) {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *stubHandle) setExit(code int) {
	h.mu.Lock()
	h.exit = process.ExitStatus{Code: code}
	h.mu.Unlock()
}

func (h *stubHandle) emit(line string) {
	h.lines <- process.Line{Stream: process.Stdout, Text: line}
}

func newStubHandle() *stubHandle {
	return &stubHandle{
		lines: make(chan process.Line, 64),
		done:  make(chan struct{}),
		stdin: &stubStdin{},
	}
}

func launcherFor(script func(h *stubHandle)) Launcher {
	return func(ctx context.Context, spec process.Spec) (Handle, error) {
		h := newStubHandle()
		go func() {
			script(h)
			close(h.lines)
			close(h.done)
		}()
		return h, nil
	}
}

func encodingConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.FFmpeg.MaxConcurrentTranscodes = 2
	return &cfg
}

func sourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mkv")
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscodeClipsPercentUntilCleanExit(t *testing.T) {
	cfg := encodingConfig(t)
	var percents []float64

	coord := NewCoordinator(cfg, nil, WithLauncher(launcherFor(func(h *stubHandle) {
		h.emit("out_time_us=30000000")  // 30s of 100s
		h.emit("speed=2.5x")
		h.emit("out_time_us=200000000") // way past the estimate
		h.emit("progress=end")
		h.setExit(0)
	})))

	result, err := coord.Transcode(context.Background(), Request{
		Source:        sourceFile(t),
		Output:        filepath.Join(t.TempDir(), "out.mkv"),
		Profile:       ffmpeg.ProfileH264,
		TotalDuration: 100,
		Progress: func(ev services.ProgressEvent) {
			percents = append(percents, ev.Percent)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	final := percents[len(percents)-1]
	if final != 100 {
		t.Fatalf("clean exit must complete the scale, got %.1f", final)
	}
	for _, p := range percents[:len(percents)-1] {
		if p > 99.9 {
			t.Fatalf("percent %.2f exceeded clip before exit", p)
		}
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress regressed: %v", percents)
		}
	}
	if result.Speed != 2.5 {
		t.Fatalf("expected speed 2.5, got %v", result.Speed)
	}
	if result.Elapsed != 200 {
		t.Fatalf("expected 200 encoded seconds, got %v", result.Elapsed)
	}
}

func TestTranscodeNonZeroExitFailsWithStderrContext(t *testing.T) {
	cfg := encodingConfig(t)
	output := filepath.Join(t.TempDir(), "out.mkv")

	coord := NewCoordinator(cfg, nil, WithLauncher(launcherFor(func(h *stubHandle) {
		h.lines <- process.Line{Stream: process.Stderr, Text: "Invalid data found when processing input"}
		h.setExit(1)
	})))

	_, err := coord.Transcode(context.Background(), Request{
		Source:        sourceFile(t),
		Output:        output,
		Profile:       ffmpeg.ProfileH264,
		TotalDuration: 100,
	})
	if !errors.Is(err, services.ErrToolExit) {
		t.Fatalf("expected tool exit failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data") {
		t.Fatalf("expected stderr context in error, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatal("failed transcode must not leave a partial output")
	}
}

func TestTranscodeCancellationWritesGracefulStopToken(t *testing.T) {
	cfg := encodingConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var handle *stubHandle
	var handleMu sync.Mutex

	coord := NewCoordinator(cfg, nil, WithLauncher(func(_ context.Context, spec process.Spec) (Handle, error) {
		h := newStubHandle()
		handleMu.Lock()
		handle = h
		handleMu.Unlock()
		go func() {
			h.emit("out_time_us=1000000")
			close(started)
			// Keep running until the coordinator stops us.
			for i := 0; i < 100; i++ {
				h.mu.Lock()
				stopped := h.stopped || h.killed
				h.mu.Unlock()
				if stopped {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			h.setExit(255)
			close(h.lines)
			close(h.done)
		}()
		return h, nil
	}))

	go func() {
		<-started
		cancel()
	}()

	_, err := coord.Transcode(ctx, Request{
		Source:        sourceFile(t),
		Output:        filepath.Join(t.TempDir(), "out.mkv"),
		Profile:       ffmpeg.ProfileProRes,
		TotalDuration: 100,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	handleMu.Lock()
	defer handleMu.Unlock()
	if got := handle.stdin.contents(); got != ffmpeg.GracefulStopToken {
		t.Fatalf("expected graceful stop token on stdin, got %q", got)
	}
	if !handle.stopped {
		t.Fatal("expected escalation to Stop after the token")
	}
}

func TestTranscodeGrowingSourceStreamsThroughStdin(t *testing.T) {
	cfg := encodingConfig(t)
	dir := t.TempDir()
	source := filepath.Join(dir, "growing.mkv")
	if err := os.WriteFile(source, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})

	fed := make(chan string, 1)
	coord := NewCoordinator(cfg, nil, WithLauncher(launcherFor(func(h *stubHandle) {
		h.emit("out_time_us=1000000")
		// Writer appends and finishes while the encoder runs.
		f, err := os.OpenFile(source, os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString("-second")
			_ = f.Close()
		}
		close(done)
		// Give the tail copier time to drain into stdin.
		for i := 0; i < 200; i++ {
			h.stdin.mu.Lock()
			closed := h.stdin.closed
			h.stdin.mu.Unlock()
			if closed {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		fed <- h.stdin.contents()
		h.emit("progress=end")
		h.setExit(0)
	})))

	_, err := coord.Transcode(context.Background(), Request{
		Source:        source,
		Output:        filepath.Join(dir, "out.mkv"),
		Profile:       ffmpeg.ProfileH264,
		TotalDuration: 100,
		Growing:       true,
		Done:          done,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := <-fed; got != "first-second" {
		t.Fatalf("expected full source streamed to stdin, got %q", got)
	}
}

func TestTranscodeValidatesRequest(t *testing.T) {
	cfg := encodingConfig(t)
	coord := NewCoordinator(cfg, nil, WithLauncher(launcherFor(func(h *stubHandle) {})))

	if _, err := coord.Transcode(context.Background(), Request{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := coord.Transcode(context.Background(), Request{
		Source:  "in.mkv",
		Output:  "out.mkv",
		Growing: true,
	}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("growing without done signal must fail validation, got %v", err)
	}
}

func TestTranscodeStopsAtEncodeTimeCeiling(t *testing.T) {
	cfg := encodingConfig(t)
	cfg.FFmpeg.EncodeTimeout = 1
	output := filepath.Join(t.TempDir(), "out.mkv")

	coord := NewCoordinator(cfg, nil, WithLauncher(launcherFor(func(h *stubHandle) {
		h.emit("out_time_us=1000000")
		// Keep running until the ceiling stops us.
		for i := 0; i < 600; i++ {
			h.mu.Lock()
			stopped := h.stopped || h.killed
			h.mu.Unlock()
			if stopped {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		h.setExit(255)
	})))

	_, err := coord.Transcode(context.Background(), Request{
		Source:        sourceFile(t),
		Output:        output,
		Profile:       ffmpeg.ProfileH264,
		TotalDuration: 100,
	})
	if !errors.Is(err, services.ErrStall) {
		t.Fatalf("expected stall classification for a timed-out encode, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatal("timed-out transcode must not leave a partial output")
	}
}
