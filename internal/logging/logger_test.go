package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"ripley/internal/services"
)

func TestConsoleHandlerRendersComponentAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, levelVar))

	WithComponent(logger, "extractor").Info("rip started", String("device", "/dev/sr0"))

	line := buf.String()
	if !strings.Contains(line, "[extractor]") {
		t.Fatalf("expected component tag, got %q", line)
	}
	if !strings.Contains(line, "device=/dev/sr0") {
		t.Fatalf("expected device attr, got %q", line)
	}
	if !strings.Contains(line, "rip started") {
		t.Fatalf("expected message, got %q", line)
	}
}

func TestConsoleHandlerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelWarn)
	logger := slog.New(newConsoleHandler(&buf, levelVar))

	logger.Info("suppressed")
	logger.Warn("visible")

	if strings.Contains(buf.String(), "suppressed") {
		t.Fatalf("info line should be suppressed: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestWithContextAddsJobFields(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, levelVar))

	ctx := services.WithJobID(context.Background(), 42)
	ctx = services.WithStage(ctx, "extraction")
	WithContext(ctx, logger).Info("tick")

	line := buf.String()
	if !strings.Contains(line, "job_id=42") {
		t.Fatalf("expected job_id field, got %q", line)
	}
	if !strings.Contains(line, "stage=extraction") {
		t.Fatalf("expected stage field, got %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
