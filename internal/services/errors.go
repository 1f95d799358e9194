package services

import (
	"errors"
	"fmt"
	"strings"

	"ripley/internal/queue"
)

// Classification sentinels for failures raised by pipeline components.
// Coordinators tag errors with exactly one of these so the workflow manager
// can map an error to a terminal job status without parsing message text.
var (
	// ErrToolStartup marks an external binary that could not be spawned at all.
	// Fatal, never retried.
	ErrToolStartup = errors.New("tool startup failure")
	// ErrToolExit marks a tool that ran but exited without usable output.
	// Triggers the raw-container fallback when the medium supports one.
	ErrToolExit = errors.New("tool exit failure")
	// ErrMediaRead marks an extraction that crossed the read-error ceiling.
	ErrMediaRead = errors.New("media read failure")
	// ErrStall marks a watchdog-detected hang or deadlock.
	ErrStall         = errors.New("process stall")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided classification marker. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a stage error to the job status the workflow manager
// should persist after the stage fails. Cancellation never reaches this
// function; the manager handles context.Canceled before classifying.
func FailureStatus(err error) queue.Status {
	if err == nil {
		return queue.StatusCompleted
	}
	return queue.StatusFailed
}

// IsFatalStartup reports whether the error represents an unspawnable tool,
// which must never be retried or routed through a fallback.
func IsFatalStartup(err error) bool {
	return errors.Is(err, ErrToolStartup)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
