package process_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ripley/internal/process"
	"ripley/internal/services"
)

func collectLines(t *testing.T, h *process.Handle) []process.Line {
	t.Helper()
	var lines []process.Line
	for line := range h.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func TestStartDeliversOneEventPerLine(t *testing.T) {
	h, err := process.Start(context.Background(), process.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf 'one\ntwo\n'; printf 'err\n' >&2`},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var stdout, stderr []string
	for _, line := range collectLines(t, h) {
		switch line.Stream {
		case process.Stdout:
			stdout = append(stdout, line.Text)
		case process.Stderr:
			stderr = append(stderr, line.Text)
		}
	}
	if len(stdout) != 2 || stdout[0] != "one" || stdout[1] != "two" {
		t.Fatalf("unexpected stdout lines: %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "err" {
		t.Fatalf("unexpected stderr lines: %v", stderr)
	}
	if status := h.Wait(); status.Code != 0 || status.Err != nil {
		t.Fatalf("unexpected exit status: %+v", status)
	}
}

func TestStartFlushesTrailingPartialLine(t *testing.T) {
	h, err := process.Start(context.Background(), process.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf 'complete\npartial'`},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	lines := collectLines(t, h)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines including trailing partial, got %v", lines)
	}
	if lines[1].Text != "partial" {
		t.Fatalf("expected trailing partial flushed, got %q", lines[1].Text)
	}
}

func TestStartupFailureClassification(t *testing.T) {
	_, err := process.Start(context.Background(), process.Spec{Command: "/nonexistent/definitely-missing"})
	if err == nil {
		t.Fatal("expected startup error")
	}
	if !errors.Is(err, services.ErrToolStartup) {
		t.Fatalf("expected ErrToolStartup classification, got %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	// The child ignores SIGTERM, so Stop must escalate.
	h, err := process.Start(context.Background(), process.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `trap '' TERM; while :; do sleep 1; done`},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() {
		// Drain so the scanner goroutines never block.
		for range h.Lines() {
		}
	}()

	start := time.Now()
	h.Stop(200 * time.Millisecond)
	status := h.Wait()
	if status.Err == nil {
		t.Fatal("expected non-clean exit after kill")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stop took too long: %v", elapsed)
	}
}

func TestContextCancellationStopsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := process.Start(ctx, process.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `sleep 60`},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() {
		for range h.Lines() {
		}
	}()
	cancel()

	done := make(chan process.ExitStatus, 1)
	go func() { done <- h.Wait() }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process not stopped after context cancellation")
	}
}
