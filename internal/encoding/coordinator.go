// Package encoding coordinates single-output transcodes through ffmpeg.
//
// A transcode reads either a finished source file or a continuously growing
// one; the growing case streams through a TailReader into ffmpeg's stdin so
// encoding can start before extraction finishes. Progress comes from the
// `-progress` key=value protocol on stdout and is reported as
// elapsed/total, clipped below 100 until the tool actually exits cleanly.
package encoding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ripley/internal/config"
	"ripley/internal/logging"
	"ripley/internal/process"
	"ripley/internal/services"
	"ripley/internal/services/ffmpeg"
	"ripley/internal/watchdog"
)

// Request describes one transcode.
type Request struct {
	Source  string
	Output  string
	Profile ffmpeg.Profile
	// TotalDuration is the source duration in seconds; estimated when the
	// source is still growing.
	TotalDuration float64
	// Growing selects continuous-source mode: the source is read through a
	// TailReader and fed to the encoder's stdin.
	Growing bool
	// Done signals writer completion in growing mode.
	Done     <-chan struct{}
	Progress services.ProgressFunc
}

// Result is the outcome of one transcode.
type Result struct {
	Output string
	// Elapsed is the final encoded position in seconds.
	Elapsed float64
	// Speed is the last observed realtime multiplier.
	Speed float64
}

// Handle is the supervised-process surface the coordinator needs.
type Handle interface {
	Lines() <-chan process.Line
	Wait() process.ExitStatus
	PID() int
	Stdin() io.WriteCloser
	Kill()
	Stop(grace time.Duration)
}

// Launcher spawns the transcode tool.
type Launcher func(ctx context.Context, spec process.Spec) (Handle, error)

func defaultLauncher(ctx context.Context, spec process.Spec) (Handle, error) {
	return process.Start(ctx, spec)
}

// Coordinator drives transcodes with bounded concurrency.
type Coordinator struct {
	cfg      *config.Config
	logger   *slog.Logger
	launch   Launcher
	watchdog *watchdog.Watchdog
	slots    chan struct{}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLauncher overrides process spawning, used by tests.
func WithLauncher(l Launcher) Option {
	return func(c *Coordinator) { c.launch = l }
}

// WithWatchdog overrides the default watchdog.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(c *Coordinator) { c.watchdog = w }
}

// NewCoordinator constructs the transcode coordinator from configuration.
func NewCoordinator(cfg *config.Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := cfg.FFmpeg.MaxConcurrentTranscodes
	if limit <= 0 {
		limit = 1
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "encoding"),
		launch: defaultLauncher,
		slots:  make(chan struct{}, limit),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.watchdog == nil {
		wdCfg := watchdog.Config{
			Stall:          time.Duration(cfg.Watchdog.StallTimeout) * time.Second,
			SampleInterval: time.Duration(cfg.Watchdog.SampleInterval) * time.Second,
			SilenceGate:    time.Duration(cfg.Watchdog.SilenceGate) * time.Second,
			ZeroCPUSamples: cfg.Watchdog.ZeroCPUSamples,
		}
		if sampler, err := watchdog.NewProcSampler(); err == nil {
			wdCfg.Sampler = sampler
		} else {
			c.logger.Warn("cpu sampler unavailable, stall detection only", logging.Error(err))
		}
		c.watchdog = watchdog.New(wdCfg)
	}
	return c
}

// Transcode runs one encode to completion, blocking for a concurrency slot
// first. Percent is clipped to 99.9 until the tool exits cleanly; only exit
// code zero pushes it to 100.
func (c *Coordinator) Transcode(ctx context.Context, req Request) (*Result, error) {
	logger := logging.WithContext(ctx, c.logger)
	if req.Source == "" || req.Output == "" {
		return nil, services.Wrap(services.ErrValidation, "encoding", "transcode", "source and output required", nil)
	}
	if req.Growing && req.Done == nil {
		return nil, services.Wrap(services.ErrValidation, "encoding", "transcode", "growing source requires a done signal", nil)
	}

	// The encode ceiling bounds one tool invocation; expiry rides the
	// same cancellation path as a caller abort.
	parent := ctx
	if ceiling := c.cfg.FFmpeg.EncodeTimeout; ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ceiling)*time.Second)
		defer cancel()
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slots }()

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "encoding", "create output dir", "", err)
	}

	input := req.Source
	if req.Growing {
		input = "pipe:0"
	}
	handle, err := c.launch(context.Background(), process.Spec{
		Command: c.cfg.FFmpegBinary(),
		Args:    ffmpeg.EncodeArgs(input, req.Output, req.Profile),
		Stdin:   true,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("transcode tool spawned",
		logging.Int("pid", handle.PID()),
		logging.String("profile", req.Profile.String()),
		logging.Bool("growing", req.Growing))

	var tail *TailReader
	if req.Growing {
		tail = NewTailReader(req.Source, req.Done)
		go func() {
			stdin := handle.Stdin()
			if stdin == nil {
				return
			}
			_, _ = io.Copy(stdin, tail)
			_ = stdin.Close()
		}()
	}

	activity := make(chan struct{}, 1)
	wdCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()

	var wdMu sync.Mutex
	var wdReason *watchdog.Reason
	go c.watchdog.Watch(wdCtx, handle.PID(), activity, func(reason watchdog.Reason) {
		wdMu.Lock()
		wdReason = &reason
		wdMu.Unlock()
		logger.Error("watchdog fired, killing transcode tool",
			logging.String("reason", reason.Kind.String()),
			logging.Duration("silence", reason.Silence))
		handle.Kill()
	})

	// Cancellation requests a clean finish first: the graceful stop token
	// lets ffmpeg close the container properly instead of truncating it.
	cancelDone := make(chan struct{})
	processDone := make(chan struct{})
	go func() {
		defer close(cancelDone)
		select {
		case <-ctx.Done():
			c.requestGracefulStop(handle, req.Growing)
		case <-processDone:
		}
	}()

	result := &Result{Output: req.Output}
	lastPercent := 0.0
	var stderrTail []string
	sawEnd := false

	for line := range handle.Lines() {
		if line.Stream == process.Stderr {
			stderrTail = append(stderrTail, line.Text)
			if len(stderrTail) > 5 {
				stderrTail = stderrTail[1:]
			}
			notifyActivity(activity)
			continue
		}
		event, ok := ffmpeg.ParseProgressLine(line.Text)
		if !ok {
			continue
		}
		notifyActivity(activity)
		switch event.Kind {
		case ffmpeg.EventElapsed:
			result.Elapsed = event.Elapsed
			percent := clipPercent(event.Elapsed, req.TotalDuration)
			if percent > lastPercent {
				lastPercent = percent
			}
			c.emitProgress(req, lastPercent, result.Speed)
		case ffmpeg.EventSpeed:
			result.Speed = event.Speed
		case ffmpeg.EventEnd:
			sawEnd = true
		}
	}

	stopWatchdog()
	close(processDone)
	<-cancelDone
	exit := handle.Wait()
	if tail != nil {
		_ = tail.Close()
	}

	wdMu.Lock()
	fired := wdReason != nil
	reason := wdReason
	wdMu.Unlock()

	switch {
	case fired:
		_ = os.Remove(req.Output)
		return nil, services.Wrap(services.ErrStall, "encoding", "watchdog",
			fmt.Sprintf("%s after %s of silence", reason.Kind, reason.Silence.Round(time.Second)), nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		_ = os.Remove(req.Output)
		return nil, services.Wrap(services.ErrStall, "encoding", "transcode",
			fmt.Sprintf("encode exceeded %ds ceiling", c.cfg.FFmpeg.EncodeTimeout), ctx.Err())
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case exit.Code != 0 || exit.Err != nil:
		_ = os.Remove(req.Output)
		detail := strings.Join(stderrTail, " | ")
		return nil, services.Wrap(services.ErrToolExit, "encoding", "transcode",
			fmt.Sprintf("exit code %d: %s", exit.Code, detail), nil)
	}

	// Clean exit is the only thing that completes the progress scale.
	c.emitProgress(req, 100, result.Speed)
	logger.Info("transcode complete",
		logging.String("output", req.Output),
		logging.Float64("encoded_seconds", result.Elapsed),
		logging.Bool("saw_end_marker", sawEnd))
	return result, nil
}

// requestGracefulStop writes the stop token when stdin is free for control
// input; a growing source owns stdin, so those encodes get the signal path.
func (c *Coordinator) requestGracefulStop(handle Handle, growing bool) {
	if !growing {
		if stdin := handle.Stdin(); stdin != nil {
			_, _ = io.WriteString(stdin, ffmpeg.GracefulStopToken)
		}
	}
	handle.Stop(process.StopGrace)
}

// emitProgress forwards one event, attaching the last known speed.
func (c *Coordinator) emitProgress(req Request, percent, speed float64) {
	if req.Progress == nil {
		return
	}
	req.Progress(services.ProgressEvent{
		Percent: percent,
		Message: fmt.Sprintf("Encoding %s", filepath.Base(req.Output)),
		Speed:   speed,
	})
}

// clipPercent converts encoded seconds into a percentage that never reaches
// 100 on its own: estimated durations overshoot, and only a clean exit
// proves completion.
func clipPercent(elapsed, total float64) float64 {
	if total <= 0 {
		return 0
	}
	percent := elapsed / total * 100
	if percent < 0 {
		return 0
	}
	if percent > 99.9 {
		return 99.9
	}
	return percent
}

// notifyActivity resets the watchdog without blocking the event loop.
func notifyActivity(activity chan<- struct{}) {
	select {
	case activity <- struct{}{}:
	default:
	}
}
